package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cogdata/userlookup/internal/lookup"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server is the JSON boundary in front of the lookup core. Routing is
// done by hand off the path segments; everything under /api requires a
// cog-api-token.
type Server struct {
	fetcher  *lookup.Fetcher
	router   *lookup.SourceRouter
	cache    lookup.Cache
	bulk     lookup.BulkSource
	failover lookup.FailoverStore
	consumer lookup.StreamConsumer
	tokens   *TokenStore
	cfg      ServerConfig
	limiter  *rateLimiter
	log      zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(fetcher *lookup.Fetcher, router *lookup.SourceRouter, cache lookup.Cache, bulk lookup.BulkSource, failover lookup.FailoverStore, consumer lookup.StreamConsumer, tokens *TokenStore, cfg ServerConfig, log zerolog.Logger) *Server {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		fetcher:  fetcher,
		router:   router,
		cache:    cache,
		bulk:     bulk,
		failover: failover,
		consumer: consumer,
		tokens:   tokens,
		cfg:      cfg,
		limiter:  limiter,
		log:      log,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get("X-Correlation-Id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		s.handleHealth(w, r)
		return
	case r.URL.Path == "/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
		return
	case r.URL.Path == "/auth/register" && r.Method == http.MethodPost:
		s.handleRegister(w, r, correlationID)
		return
	case r.URL.Path == "/auth/login" && r.Method == http.MethodPost:
		s.handleLogin(w, r, correlationID)
		return
	case r.URL.Path == "/auth/revoke-token" && r.Method == http.MethodPost:
		s.handleRevoke(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	token := parseAuthHeader(r.Header.Get("Authorization"))
	ok, err := s.tokens.Validate(r.Context(), token)
	if err != nil {
		s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("token validation failed")
		writeError(w, http.StatusInternalServerError, "internal", "token validation failed", correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing "+TokenScheme, correlationID)
		return
	}
	if s.limiter != nil && !s.limiter.allow(token, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.limiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch {
	case len(parts) == 3 && parts[1] == "check-user" && r.Method == http.MethodGet:
		s.handleCheckUser(w, r, parts[2], correlationID)
	case len(parts) == 3 && parts[1] == "user" && r.Method == http.MethodGet:
		s.handleGetUsers(w, r, parts[2], correlationID)
	case len(parts) == 2 && parts[1] == "switch-failover" && r.Method == http.MethodPost:
		s.handleSwitch(w, r, correlationID, s.router.SwitchToFailover)
	case len(parts) == 2 && parts[1] == "switch-lake" && r.Method == http.MethodPost:
		s.handleSwitch(w, r, correlationID, s.router.SwitchToLake)
	case len(parts) == 2 && parts[1] == "datasource-status" && r.Method == http.MethodGet:
		s.handleDatasourceStatus(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cacheOK := s.cache.Ping(r.Context()) == nil
	streamOK := s.consumer.Healthy()
	bulkOK := s.bulk.Ping(r.Context()) == nil

	status := "healthy"
	if !cacheOK || !streamOK || !bulkOK {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": status,
		"cache":  healthWord(cacheOK),
		"stream": healthWord(streamOK),
		"bulk":   healthWord(bulkOK),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"api":                "running",
		"current_datasource": s.router.Current(),
		"services":           s.serviceHealth(r.Context()),
	})
}

func (s *Server) handleDatasourceStatus(w http.ResponseWriter, r *http.Request) {
	status := s.router.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"current_source":   status.Current,
		"last_switched_at": status.LastSwitchedAt,
		"parallel_mode":    status.Current == lookup.SourceFailover,
		"services":         s.serviceHealth(r.Context()),
	})
}

func (s *Server) serviceHealth(ctx context.Context) map[string]string {
	return map[string]string{
		"cache":      healthWord(s.cache.Ping(ctx) == nil),
		"stream":     healthWord(s.consumer.Healthy()),
		"bulk":       healthWord(s.bulk.Ping(ctx) == nil),
		"relational": healthWord(s.failover.Ping(ctx) == nil),
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.tokens.Register(r.Context(), req.Email, req.Password); err != nil {
		switch {
		case errors.Is(err, ErrAccountExists):
			writeError(w, http.StatusBadRequest, "bad_request", "account already exists", correlationID)
		case errors.Is(err, lookup.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("registration failed")
			writeError(w, http.StatusInternalServerError, "internal", "registration failed", correlationID)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"email":   strings.ToLower(strings.TrimSpace(req.Email)),
		"message": "account registered successfully",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	token, err := s.tokens.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials", correlationID)
			return
		}
		s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("login failed")
		writeError(w, http.StatusInternalServerError, "internal", "login failed", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":      token,
		"token_type": TokenScheme,
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "token is required", correlationID)
		return
	}
	if err := s.tokens.Revoke(r.Context(), req.Token); err != nil {
		s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("token revocation failed")
		writeError(w, http.StatusInternalServerError, "internal", "token revocation failed", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "token revoked successfully"})
}

type existenceResult struct {
	UserID int64 `json:"user_id"`
	Exists bool  `json:"exists"`
}

func (s *Server) handleCheckUser(w http.ResponseWriter, r *http.Request, rawIDs, correlationID string) {
	userIDs, err := parseUserIDs(rawIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	results := make([]existenceResult, 0, len(userIDs))
	for _, userID := range userIDs {
		exists, err := s.cache.Exists(r.Context(), userID)
		if err != nil {
			s.log.Error().Err(err).Int64("user_id", userID).Msg("existence check failed")
			exists = false
		}
		results = append(results, existenceResult{UserID: userID, Exists: exists})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleGetUsers(w http.ResponseWriter, r *http.Request, rawIDs, correlationID string) {
	userIDs, err := parseUserIDs(rawIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}

	if len(userIDs) == 1 && s.router.Current() == lookup.SourceFailover {
		rec, err := s.fetcher.FetchOne(r.Context(), userIDs[0])
		if err != nil {
			s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("fetch failed")
			writeError(w, http.StatusInternalServerError, "internal", "fetch failed", correlationID)
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, "not_found",
				fmt.Sprintf("user %d not found in any source", userIDs[0]), correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"users":     []lookup.UserRecord{*rec},
			"total":     1,
			"not_found": []int64{},
		})
		return
	}

	report := s.fetcher.FetchMany(r.Context(), userIDs)
	writeJSON(w, http.StatusOK, map[string]any{
		"users":     report.Found,
		"total":     len(report.Found),
		"not_found": report.NotFound,
	})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request, correlationID string, switchFn func(context.Context) (lookup.SwitchResult, error)) {
	result, err := switchFn(r.Context())
	if err != nil {
		if errors.Is(err, lookup.ErrSwitchInFlight) {
			writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
			return
		}
		s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("datasource switch failed")
		writeError(w, http.StatusInternalServerError, "internal", "switch failed: "+err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// parseUserIDs splits a single id or comma-separated id list, rejecting
// empty and non-numeric entries before anything reaches the core.
func parseUserIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("user_ids cannot be empty")
	}
	pieces := strings.Split(raw, ",")
	userIDs := make([]int64, 0, len(pieces))
	for _, piece := range pieces {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			return nil, fmt.Errorf("empty user_id in comma-separated list")
		}
		userID, err := strconv.ParseInt(piece, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user_id: %s, must be numeric", piece)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
