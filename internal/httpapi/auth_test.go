package httpapi

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cogdata/userlookup/internal/lookup"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func newTestTokenStore() *TokenStore {
	return NewTokenStore(lookup.NewMemoryKV(), nil, testLogger())
}

func TestRegisterAndLogin(t *testing.T) {
	store := newTestTokenStore()
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, "ops@example.com", "correct-horse"))

	token, err := store.Login(ctx, "ops@example.com", "correct-horse")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	ok, err := store.Validate(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRegisterNormalizesEmail(t *testing.T) {
	store := newTestTokenStore()
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, "  OPS@Example.COM ", "correct-horse"))

	_, err := store.Login(ctx, "ops@example.com", "correct-horse")
	require.NoError(t, err)
}

func TestRegisterRejectsInvalidEmail(t *testing.T) {
	store := newTestTokenStore()

	err := store.Register(context.Background(), "not-an-email", "correct-horse")
	require.ErrorIs(t, err, lookup.ErrInvalidInput)
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	store := newTestTokenStore()

	err := store.Register(context.Background(), "ops@example.com", "short")
	require.ErrorIs(t, err, lookup.ErrInvalidInput)
}

func TestRegisterRejectsDuplicateAccount(t *testing.T) {
	store := newTestTokenStore()
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, "ops@example.com", "correct-horse"))
	err := store.Register(ctx, "ops@example.com", "another-pass")
	require.ErrorIs(t, err, ErrAccountExists)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	store := newTestTokenStore()
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, "ops@example.com", "correct-horse"))
	_, err := store.Login(ctx, "ops@example.com", "wrong-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRejectsUnknownAccount(t *testing.T) {
	store := newTestTokenStore()

	_, err := store.Login(context.Background(), "nobody@example.com", "whatever1")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRevokeInvalidatesToken(t *testing.T) {
	store := newTestTokenStore()
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, "ops@example.com", "correct-horse"))
	token, err := store.Login(ctx, "ops@example.com", "correct-horse")
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, token))

	ok, err := store.Validate(ctx, token)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValidateEmptyTokenFails(t *testing.T) {
	store := newTestTokenStore()

	ok, err := store.Validate(context.Background(), "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValidateAcceptsStaticOperatorToken(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/tokens.json"
	require.NoError(t, os.WriteFile(path, []byte(`["op-token-1"]`), 0o600))
	tf, err := NewTokenFile(path, testLogger())
	require.NoError(t, err)
	defer tf.Close()

	store := NewTokenStore(lookup.NewMemoryKV(), tf, testLogger())

	ok, err := store.Validate(context.Background(), "op-token-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Validate(context.Background(), "op-token-2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseAuthHeader(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "cog-api-token abc123", "abc123"},
		{"padded", "  cog-api-token abc123", "abc123"},
		{"empty", "", ""},
		{"missing token", "cog-api-token", ""},
		{"wrong scheme", "Bearer abc123", ""},
		{"scheme only with space", "cog-api-token ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, parseAuthHeader(tc.header))
		})
	}
}
