package lookup

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// BuildCacheFromDSN selects a cache backend by DSN scheme. The returned KV
// shares the backend's storage and is handed to the auth token store.
//
//	memory://              process-local maps
//	redis://host:port/db   go-redis client
func BuildCacheFromDSN(dsn string, log zerolog.Logger) (Cache, KV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil, fmt.Errorf("%w: empty cache dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryCache(), NewMemoryKV(), nil
	case "redis", "rediss":
		cache, err := NewRedisCache(dsn, log)
		if err != nil {
			return nil, nil, err
		}
		return cache, cache, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache scheme: %s", scheme)
	}
}
