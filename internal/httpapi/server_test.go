package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cogdata/userlookup/internal/lookup"
)

type stubBulk struct {
	records []lookup.UserRecord
	pingErr error
}

func (b *stubBulk) ScanAll(context.Context) ([]lookup.UserRecord, error) {
	return append([]lookup.UserRecord(nil), b.records...), nil
}
func (b *stubBulk) Ping(context.Context) error    { return b.pingErr }
func (b *stubBulk) Connect(context.Context) error { b.pingErr = nil; return nil }
func (b *stubBulk) Close() error                  { return nil }

type stubFailover struct {
	records map[int64]lookup.UserRecord
	pingErr error
}

func (f *stubFailover) GetByID(_ context.Context, userID int64) (*lookup.UserRecord, error) {
	rec, ok := f.records[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}
func (f *stubFailover) Ping(context.Context) error    { return f.pingErr }
func (f *stubFailover) Connect(context.Context) error { f.pingErr = nil; return nil }
func (f *stubFailover) Close() error                  { return nil }

type stubConsumer struct {
	healthy bool
}

func (c *stubConsumer) Connect(context.Context) error { c.healthy = true; return nil }
func (c *stubConsumer) Start()                        {}
func (c *stubConsumer) Stop()                         {}
func (c *stubConsumer) Healthy() bool                 { return c.healthy }

type serverFixture struct {
	server   *Server
	router   *lookup.SourceRouter
	cache    lookup.Cache
	failover *stubFailover
	consumer *stubConsumer
	token    string
}

func newServerFixture(t *testing.T, cfg ServerConfig) *serverFixture {
	t.Helper()
	log := testLogger()
	cache, kv, err := lookup.BuildCacheFromDSN("memory://", log)
	require.NoError(t, err)

	bulk := &stubBulk{}
	failover := &stubFailover{records: map[int64]lookup.UserRecord{}}
	consumer := &stubConsumer{healthy: true}
	reconciler := lookup.NewReconciler(bulk, cache, log)
	router := lookup.NewSourceRouter(consumer, reconciler, failover, bulk, log)
	fetcher := lookup.NewFetcherWithLimits(router, cache, failover, log, 4, 50*time.Millisecond)

	tokens := NewTokenStore(kv, nil, log)
	ctx := context.Background()
	require.NoError(t, tokens.Register(ctx, "ops@example.com", "correct-horse"))
	token, err := tokens.Login(ctx, "ops@example.com", "correct-horse")
	require.NoError(t, err)

	return &serverFixture{
		server:   NewServer(fetcher, router, cache, bulk, failover, consumer, tokens, cfg, log),
		router:   router,
		cache:    cache,
		failover: failover,
		consumer: consumer,
		token:    token,
	}
}

func (fx *serverFixture) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", TokenScheme+" "+fx.token)
	}
	rec := httptest.NewRecorder()
	fx.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthEndpointIsOpen(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})

	rec := fx.do(http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "healthy", body["cache"])
	require.Equal(t, "healthy", body["stream"])
}

func TestHealthReportsDegradedStream(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	fx.consumer.healthy = false

	body := decodeBody(t, fx.do(http.MethodGet, "/health", "", false))
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, "unhealthy", body["stream"])
}

func TestStatusEndpoint(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})

	body := decodeBody(t, fx.do(http.MethodGet, "/status", "", false))
	require.Equal(t, "running", body["api"])
	require.Equal(t, "lake", body["current_datasource"])
}

func TestAPIRequiresToken(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})

	rec := fx.do(http.MethodGet, "/api/check-user/1", "", false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIRejectsWrongScheme(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/check-user/1", nil)
	req.Header.Set("Authorization", "Bearer "+fx.token)
	rec := httptest.NewRecorder()
	fx.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckUserReportsExistence(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	require.NoError(t, fx.cache.Put(context.Background(), lookup.UserRecord{UserID: 1}))

	rec := fx.do(http.MethodGet, "/api/check-user/1,2", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Results []struct {
			UserID int64 `json:"user_id"`
			Exists bool  `json:"exists"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 2)
	require.True(t, body.Results[0].Exists)
	require.False(t, body.Results[1].Exists)
}

func TestGetUsersPartitionsBatch(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	require.NoError(t, fx.cache.Put(context.Background(), lookup.UserRecord{UserID: 1, ConsumerToken: "tok"}))

	rec := fx.do(http.MethodGet, "/api/user/1,404", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Users    []lookup.UserRecord `json:"users"`
		Total    int                 `json:"total"`
		NotFound []int64             `json:"not_found"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	require.Len(t, body.Users, 1)
	require.Equal(t, int64(1), body.Users[0].UserID)
	require.Equal(t, lookup.SourceCache, body.Users[0].Source)
	require.Equal(t, []int64{404}, body.NotFound)
}

func TestGetUsersRejectsNonNumericIDs(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})

	rec := fx.do(http.MethodGet, "/api/user/abc", "", true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSingleUserInFailoverModeReturns404(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	rec := fx.do(http.MethodPost, "/api/switch-failover", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(http.MethodGet, "/api/user/999", "", true)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	require.Contains(t, body["message"], "user 999 not found")
}

func TestGetSingleUserInFailoverModeHitsRelationalStore(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})
	fx.failover.records[7] = lookup.UserRecord{UserID: 7, ConsumerToken: "rds"}

	rec := fx.do(http.MethodPost, "/api/switch-failover", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(http.MethodGet, "/api/user/7", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Users []lookup.UserRecord `json:"users"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Users, 1)
	require.Equal(t, lookup.SourceRelational, body.Users[0].Source)
}

func TestSwitchFailoverThenBack(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})

	rec := fx.do(http.MethodPost, "/api/switch-failover", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "switched", body["status"])
	require.Equal(t, "failover", body["current_source"])

	// Repeating the same switch is a no-op, not an error.
	body = decodeBody(t, fx.do(http.MethodPost, "/api/switch-failover", "", true))
	require.Equal(t, "already_active", body["status"])

	rec = fx.do(http.MethodPost, "/api/switch-lake", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	require.Equal(t, "switched", body["status"])
	require.Equal(t, "lake", body["current_source"])
}

func TestDatasourceStatusReflectsSwitch(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})

	body := decodeBody(t, fx.do(http.MethodGet, "/api/datasource-status", "", true))
	require.Equal(t, "lake", body["current_source"])
	require.Equal(t, false, body["parallel_mode"])
	require.Nil(t, body["last_switched_at"])

	fx.do(http.MethodPost, "/api/switch-failover", "", true)

	body = decodeBody(t, fx.do(http.MethodGet, "/api/datasource-status", "", true))
	require.Equal(t, "failover", body["current_source"])
	require.Equal(t, true, body["parallel_mode"])
	require.NotNil(t, body["last_switched_at"])
}

func TestUnknownRouteReturns404(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})

	rec := fx.do(http.MethodGet, "/api/nope", "", true)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.do(http.MethodGet, "/nope", "", false)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitReturns429(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})

	require.Equal(t, http.StatusOK, fx.do(http.MethodGet, "/api/datasource-status", "", true).Code)
	require.Equal(t, http.StatusOK, fx.do(http.MethodGet, "/api/datasource-status", "", true).Code)

	rec := fx.do(http.MethodGet, "/api/datasource-status", "", true)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRegisterLoginRevokeOverHTTP(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})

	rec := fx.do(http.MethodPost, "/auth/register", `{"email":"new@example.com","password":"long-enough"}`, false)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate registration is a client error.
	rec = fx.do(http.MethodPost, "/auth/register", `{"email":"new@example.com","password":"long-enough"}`, false)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(http.MethodPost, "/auth/login", `{"email":"new@example.com","password":"long-enough"}`, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	require.Equal(t, TokenScheme, body["token_type"])

	req := httptest.NewRequest(http.MethodGet, "/api/datasource-status", nil)
	req.Header.Set("Authorization", TokenScheme+" "+token)
	probe := httptest.NewRecorder()
	fx.server.ServeHTTP(probe, req)
	require.Equal(t, http.StatusOK, probe.Code)

	rec = fx.do(http.MethodPost, "/auth/revoke-token", `{"token":"`+token+`"}`, false)
	require.Equal(t, http.StatusOK, rec.Code)

	probe = httptest.NewRecorder()
	fx.server.ServeHTTP(probe, req.Clone(context.Background()))
	require.Equal(t, http.StatusUnauthorized, probe.Code)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})

	rec := fx.do(http.MethodPost, "/auth/login", `{"email":"ops@example.com","password":"wrong-password"}`, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevokeRequiresToken(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})

	rec := fx.do(http.MethodPost, "/auth/revoke-token", `{}`, false)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorBodyCarriesCorrelationID(t *testing.T) {
	fx := newServerFixture(t, ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/check-user/1", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	rec := httptest.NewRecorder()
	fx.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "corr-123", body["correlationId"])
}

func TestParseUserIDs(t *testing.T) {
	ids, err := parseUserIDs("1,2,3")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, ids)

	ids, err = parseUserIDs(" 42 ")
	require.NoError(t, err)
	require.Equal(t, []int64{42}, ids)

	_, err = parseUserIDs("")
	require.Error(t, err)

	_, err = parseUserIDs("1,,2")
	require.Error(t, err)

	_, err = parseUserIDs("1,abc")
	require.Error(t, err)
}
