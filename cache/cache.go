// Package cache provides the response cache of the execution core: a
// TTL-bounded fingerprint-keyed store with an in-flight registry that
// guarantees at most one concurrent computation per fingerprint, and an
// optional Redis tier shared across instances.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bleubryce/AgentX-AI-sub000/types"
)

// ComputeFunc produces a result for a fingerprint on cache miss.
type ComputeFunc func(ctx context.Context) (*types.QueryResult, error)

// Config configures the cache.
type Config struct {
	TTL        time.Duration `json:"ttl"`
	MaxEntries int           `json:"max_entries"`
	// SweepInterval drives the proactive expiry sweep. Zero disables it;
	// expiry is then enforced lazily on read only.
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           time.Hour,
		MaxEntries:    10000,
		SweepInterval: 5 * time.Minute,
	}
}

// entry is a completed cached result. In-flight computations are tracked
// separately by the singleflight group, never here.
type entry struct {
	Result    *types.QueryResult `json:"result"`
	CreatedAt time.Time          `json:"created_at"`
	TTL       time.Duration      `json:"ttl"`
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// ResponseCache caches terminal query results by fingerprint.
type ResponseCache struct {
	cfg    Config
	logger *zap.Logger
	rdb    *redis.Client // optional second tier, may be nil

	mu      sync.Mutex
	entries map[string]*entry
	flight  singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a cache. rdb may be nil for a memory-only cache.
func New(cfg Config, rdb *redis.Client, logger *zap.Logger) *ResponseCache {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &ResponseCache{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "response_cache")),
		rdb:     rdb,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// Get returns the cached result for the fingerprint if present and fresh.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string) (*types.QueryResult, bool) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[fingerprint]; ok {
		if e.expired(now) {
			delete(c.entries, fingerprint)
		} else {
			res := e.Result
			c.mu.Unlock()
			return res, true
		}
	}
	c.mu.Unlock()

	if c.rdb == nil {
		return nil, false
	}

	data, err := c.rdb.Get(ctx, redisKey(fingerprint)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error", zap.Error(err))
		}
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil || e.expired(now) {
		return nil, false
	}

	// Backfill the memory tier.
	c.mu.Lock()
	c.entries[fingerprint] = &e
	c.evictOverCapLocked()
	c.mu.Unlock()

	return e.Result, true
}

// Put stores a result, overwriting any existing entry for the fingerprint.
// A non-positive ttl falls back to the configured default.
func (c *ResponseCache) Put(ctx context.Context, fingerprint string, result *types.QueryResult, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	e := &entry{Result: result, CreatedAt: time.Now(), TTL: ttl}

	c.mu.Lock()
	c.entries[fingerprint] = e
	c.evictOverCapLocked()
	c.mu.Unlock()

	if c.rdb != nil {
		data, err := json.Marshal(e)
		if err == nil {
			if err := c.rdb.Set(ctx, redisKey(fingerprint), data, ttl).Err(); err != nil {
				c.logger.Warn("redis set error", zap.Error(err))
			}
		}
	}
}

// Invalidate removes the entry for the fingerprint from all tiers.
func (c *ResponseCache) Invalidate(ctx context.Context, fingerprint string) {
	c.mu.Lock()
	delete(c.entries, fingerprint)
	c.mu.Unlock()

	if c.rdb != nil {
		if err := c.rdb.Del(ctx, redisKey(fingerprint)).Err(); err != nil {
			c.logger.Warn("redis del error", zap.Error(err))
		}
	}
}

// GetOrCompute returns the cached result for the fingerprint, or computes
// it. At most one computation per fingerprint runs at a time: late arrivals
// attach to the in-flight computation and share its outcome. The in-flight
// registration is dropped on completion, success or failure, so later
// callers may retry after a failure.
//
// attached is true whenever this caller's compute did not run: a fresh
// cache hit, joining another caller's in-flight computation, or winning
// the flight only to find the entry already stored.
func (c *ResponseCache) GetOrCompute(ctx context.Context, fingerprint string, ttl time.Duration, compute ComputeFunc) (result *types.QueryResult, attached bool, err error) {
	if res, ok := c.Get(ctx, fingerprint); ok {
		return res, true, nil
	}
	return c.computeShared(ctx, fingerprint, ttl, compute)
}

// computeShared funnels all callers for a fingerprint through one
// singleflight computation.
func (c *ResponseCache) computeShared(ctx context.Context, fingerprint string, ttl time.Duration, compute ComputeFunc) (*types.QueryResult, bool, error) {
	ran := false
	v, err, _ := c.flight.Do(fingerprint, func() (any, error) {
		// Re-check: another caller may have completed between this
		// caller's miss and winning the flight. That is a cache hit,
		// not a fresh computation.
		if res, ok := c.Get(ctx, fingerprint); ok {
			return res, nil
		}
		ran = true
		res, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(ctx, fingerprint, res, ttl)
		return res, nil
	})
	if err != nil {
		return nil, !ran, err
	}
	return v.(*types.QueryResult), !ran, nil
}

// Len returns the number of entries in the memory tier.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the expiry sweep. Idempotent.
func (c *ResponseCache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// evictOverCapLocked evicts least-recently-created entries while over
// capacity. Callers must hold c.mu.
func (c *ResponseCache) evictOverCapLocked() {
	for len(c.entries) > c.cfg.MaxEntries {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.CreatedAt.Before(oldest) {
				oldestKey = k
				oldest = e.CreatedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *ResponseCache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *ResponseCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("swept expired cache entries",
			zap.Int("removed", removed),
			zap.Int("remaining", len(c.entries)),
		)
	}
}

func redisKey(fingerprint string) string {
	return "agent:response_cache:" + fingerprint
}
