package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // host:port
	Password string
	DB       int
	Prefix   string // Key prefix (default "voicebox:cache:")
}

// RedisStore keeps entries in Redis with native expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type redisEnvelope struct {
	Value     []byte    `json:"v"`
	CreatedAt time.Time `json:"c"`
	ExpiresAt time.Time `json:"e"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis connection failed")
	}

	zlog.Info().Msgf("cache: connected to redis: addr=%s db=%d", cfg.Addr, cfg.DB)
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "voicebox:cache:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get returns the entry for key.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "redis: get %s", key)
	}

	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Entry{}, false, errors.Wrapf(err, "redis: decode %s", key)
	}
	return Entry{Key: key, Value: env.Value, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt}, true, nil
}

// Set writes the entry with a Redis TTL matching its expiry.
func (s *RedisStore) Set(ctx context.Context, e Entry) error {
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(redisEnvelope{Value: e.Value, CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt})
	if err != nil {
		return errors.Wrapf(err, "redis: encode %s", e.Key)
	}
	if err := s.client.Set(ctx, s.prefix+e.Key, data, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis: set %s", e.Key)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Wrapf(err, "redis: del %s", key)
	}
	return nil
}

// DeleteExpired is a no-op: Redis expires keys itself.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
