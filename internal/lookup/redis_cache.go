package lookup

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisUserSetKey    = "user_ids"
	redisUserKeyPrefix = "user:"
)

// RedisCache stores records as a user_ids membership set plus one hash
// per user, written together through a pipeline so existence checks and
// field reads stay O(1).
type RedisCache struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisCache(dsn string, log zerolog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts), log: log}, nil
}

func redisUserKey(userID int64) string {
	return redisUserKeyPrefix + strconv.FormatInt(userID, 10)
}

func (c *RedisCache) Get(ctx context.Context, userID int64) (*UserRecord, error) {
	fields, err := c.client.HGetAll(ctx, redisUserKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &UserRecord{
		UserID:        userID,
		ConsumerToken: fields["consumer_token"],
		Platform:      fields["platform"],
		DeviceID:      fields["device_id"],
	}, nil
}

func (c *RedisCache) Exists(ctx context.Context, userID int64) (bool, error) {
	ok, err := c.client.SIsMember(ctx, redisUserSetKey, strconv.FormatInt(userID, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

func (c *RedisCache) Put(ctx context.Context, rec UserRecord) error {
	pipe := c.client.Pipeline()
	pipe.SAdd(ctx, redisUserSetKey, strconv.FormatInt(rec.UserID, 10))
	pipe.HSet(ctx, redisUserKey(rec.UserID), map[string]any{
		"consumer_token": rec.ConsumerToken,
		"platform":       rec.Platform,
		"device_id":      rec.DeviceID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put user %d: %w", rec.UserID, err)
	}
	c.log.Debug().Int64("user_id", rec.UserID).Msg("cached user record")
	return nil
}

func (c *RedisCache) Count(ctx context.Context) (int64, error) {
	n, err := c.client.SCard(ctx, redisUserSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard: %w", err)
	}
	return n, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) HSetAll(ctx context.Context, key string, fields map[string]string) error {
	m := make(map[string]any, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return c.client.HSet(ctx, key, m).Err()
}

func (c *RedisCache) HGetAllMap(ctx context.Context, key string) (map[string]string, error) {
	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
