package cache

import (
	"context"
	"encoding/json"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// GetJSON reads key and decodes it into T. Undecodable values count as a miss.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var v T
	data, ok := c.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		zlog.Warn().Err(err).Msgf("cache: decode failed: key=%s", key)
		c.Delete(ctx, key)
		return v, false
	}
	return v, true
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, c *Cache, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		zlog.Warn().Err(err).Msgf("cache: encode failed: key=%s", key)
		return
	}
	c.Set(ctx, key, data, ttl)
}
