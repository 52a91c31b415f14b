// Package cache provides a TTL cache with an in-memory layer and an optional
// durable store.
package cache

import (
	"context"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/infra/metrics"
)

// TTL classes.
const (
	TTLMetadata = time.Hour        // Metadata of a playlist member or single URL
	TTLStream   = 30 * time.Minute // Raw playable stream address
	TTLListing  = time.Hour        // Search results and playlist listings
)

// Entry is a cached value with its lifetime.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is the durable layer behind the in-memory map.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// Config holds cache configuration.
type Config struct {
	SweepInterval time.Duration // Janitor period (default 30m)
	StoreTimeout  time.Duration // Timeout for each store call (default 2s)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is safe for concurrent use. Store failures are logged and
// swallowed; the cache then behaves as memory-only.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	store   Store
	config  Config
	now     func() time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a cache. store may be nil.
func New(config Config, store Store, opts ...Option) *Cache {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Minute
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 2 * time.Second
	}
	c := &Cache{
		entries: make(map[string]Entry),
		store:   store,
		config:  config,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key. Expired values are never returned.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.Expired(now) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if ok {
		metrics.CacheHit("memory")
		return e.Value, true
	}
	metrics.CacheMiss("memory")

	if c.store == nil {
		return nil, false
	}

	sctx, cancel := context.WithTimeout(ctx, c.config.StoreTimeout)
	defer cancel()

	e, ok, err := c.store.Get(sctx, key)
	if err != nil {
		metrics.CacheStoreError("get")
		zlog.Warn().Err(err).Msgf("cache: store get failed: key=%s", key)
		return nil, false
	}
	if !ok || e.Expired(now) {
		metrics.CacheMiss("store")
		return nil, false
	}
	metrics.CacheHit("store")

	c.mu.Lock()
	if cur, exists := c.entries[key]; !exists || cur.CreatedAt.Before(e.CreatedAt) {
		c.entries[key] = e
	}
	c.mu.Unlock()

	return e.Value, true
}

// Set stores value under key for ttl in both layers.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	now := c.now()
	e := Entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()

	if c.store == nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, c.config.StoreTimeout)
	defer cancel()

	if err := c.store.Set(sctx, e); err != nil {
		metrics.CacheStoreError("set")
		zlog.Warn().Err(err).Msgf("cache: store set failed: key=%s", key)
	}
}

// Delete removes key from both layers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	if c.store == nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, c.config.StoreTimeout)
	defer cancel()

	if err := c.store.Delete(sctx, key); err != nil {
		metrics.CacheStoreError("delete")
		zlog.Warn().Err(err).Msgf("cache: store delete failed: key=%s", key)
	}
}

// Len returns the number of entries in the memory layer, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes expired entries from both layers and returns the number
// removed from memory plus the number reported by the store.
func (c *Cache) Sweep(ctx context.Context) int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		n, err := c.store.DeleteExpired(ctx, now)
		if err != nil {
			metrics.CacheStoreError("sweep")
			zlog.Warn().Err(err).Msg("cache: store sweep failed")
		}
		removed += n
	}

	metrics.CacheEvicted(removed)
	zlog.Debug().Msgf("cache: sweep done: removed=%d", removed)
	return removed
}

// Start runs the janitor until ctx is done or Close is called.
func (c *Cache) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.janitor(ctx)
	})
}

func (c *Cache) janitor(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Close stops the janitor and closes the store.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		if c.store != nil {
			err = c.store.Close()
		}
	})
	return err
}
