package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/cogdata/userlookup/internal/lookup"
)

// TokenScheme is the Authorization scheme clients must present:
//
//	Authorization: cog-api-token <token>
const TokenScheme = "cog-api-token"

const (
	accountKeyPrefix = "account:"
	tokenKeyPrefix   = "api_token:"
	minPasswordLen   = 8
)

var (
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// TokenStore keeps issued API tokens and their accounts in the cache
// backend's hash surface, plus an optional static operator token file so
// switch-endpoint credentials survive a cold cache.
type TokenStore struct {
	kv     lookup.KV
	static *TokenFile
	log    zerolog.Logger
}

func NewTokenStore(kv lookup.KV, static *TokenFile, log zerolog.Logger) *TokenStore {
	return &TokenStore{kv: kv, static: static, log: log}
}

func (s *TokenStore) Register(ctx context.Context, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return fmt.Errorf("%w: invalid email", lookup.ErrInvalidInput)
	}
	if len(password) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", lookup.ErrInvalidInput, minPasswordLen)
	}
	key := accountKeyPrefix + email
	existing, err := s.kv.HGetAllMap(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrAccountExists
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.kv.HSetAll(ctx, key, map[string]string{
		"email":    email,
		"password": string(hashed),
	}); err != nil {
		return err
	}
	s.log.Info().Str("email", email).Msg("account registered")
	return nil
}

func (s *TokenStore) Login(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	account, err := s.kv.HGetAllMap(ctx, accountKeyPrefix+email)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account["password"]), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := mintToken()
	if err != nil {
		return "", err
	}
	if err := s.kv.HSetAll(ctx, tokenKeyPrefix+token, map[string]string{
		"email":      email,
		"created_at": strconv.FormatInt(time.Now().Unix(), 10),
	}); err != nil {
		return "", err
	}
	s.log.Info().Str("email", email).Msg("token issued")
	return token, nil
}

func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	return s.kv.Delete(ctx, tokenKeyPrefix+token)
}

// Validate accepts a token from either the static operator file or the
// issued-token records.
func (s *TokenStore) Validate(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	if s.static != nil && s.static.Has(token) {
		return true, nil
	}
	record, err := s.kv.HGetAllMap(ctx, tokenKeyPrefix+token)
	if err != nil {
		return false, err
	}
	return record != nil, nil
}

// parseAuthHeader extracts the token from a cog-api-token Authorization
// header, or returns an empty string when the header is absent or carries
// a different scheme.
func parseAuthHeader(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || parts[0] != TokenScheme {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func mintToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
