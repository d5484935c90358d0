package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleubryce/AgentX-AI-sub000/types"
)

func newTestCache(cfg Config) *ResponseCache {
	return New(cfg, nil, nil)
}

func TestCache_GetPut(t *testing.T) {
	c := newTestCache(Config{TTL: time.Minute, MaxEntries: 10})
	defer c.Close()
	ctx := context.Background()

	_, ok := c.Get(ctx, "fp-1")
	assert.False(t, ok)

	want := &types.QueryResult{AgentID: "agent-1", Response: "two-story colonial"}
	c.Put(ctx, "fp-1", want, 0)

	got, ok := c.Get(ctx, "fp-1")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, c.Len())
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newTestCache(Config{TTL: time.Minute, MaxEntries: 10})
	defer c.Close()
	ctx := context.Background()

	c.Put(ctx, "fp-1", &types.QueryResult{Response: "x"}, 20*time.Millisecond)

	_, ok := c.Get(ctx, "fp-1")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	_, ok = c.Get(ctx, "fp-1")
	assert.False(t, ok, "expired entry must not be served")
	assert.Equal(t, 0, c.Len(), "lazy expiry removes the entry")
}

func TestCache_Invalidate(t *testing.T) {
	c := newTestCache(Config{TTL: time.Minute, MaxEntries: 10})
	defer c.Close()
	ctx := context.Background()

	c.Put(ctx, "fp-1", &types.QueryResult{Response: "x"}, 0)
	c.Invalidate(ctx, "fp-1")

	_, ok := c.Get(ctx, "fp-1")
	assert.False(t, ok)
}

func TestCache_EvictsOldestOverCap(t *testing.T) {
	c := newTestCache(Config{TTL: time.Minute, MaxEntries: 3})
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		c.Put(ctx, fmt.Sprintf("fp-%d", i), &types.QueryResult{Response: fmt.Sprintf("r%d", i)}, 0)
		time.Sleep(2 * time.Millisecond) // distinct CreatedAt
	}

	assert.Equal(t, 3, c.Len())
	_, ok := c.Get(ctx, "fp-0")
	assert.False(t, ok, "oldest entry is evicted first")
	_, ok = c.Get(ctx, "fp-3")
	assert.True(t, ok)
}

func TestCache_GetOrCompute_SingleComputation(t *testing.T) {
	c := newTestCache(Config{TTL: time.Minute, MaxEntries: 10})
	defer c.Close()
	ctx := context.Background()

	var computations atomic.Int64
	release := make(chan struct{})
	compute := func(ctx context.Context) (*types.QueryResult, error) {
		computations.Add(1)
		<-release
		return &types.QueryResult{Response: "computed"}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	var attachedCount atomic.Int64
	results := make([]*types.QueryResult, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, attached, err := c.GetOrCompute(ctx, "fp-1", 0, compute)
			assert.NoError(t, err)
			results[i] = res
			if attached {
				attachedCount.Add(1)
			}
		}(i)
	}

	// Give every caller time to reach the flight, then release the compute.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), computations.Load(), "exactly one computation runs")
	assert.Equal(t, int64(callers-1), attachedCount.Load(), "all but one caller attach")
	for _, res := range results {
		assert.Equal(t, "computed", res.Response)
	}
}

func TestCache_GetOrCompute_CacheHitAttaches(t *testing.T) {
	c := newTestCache(Config{TTL: time.Minute, MaxEntries: 10})
	defer c.Close()
	ctx := context.Background()

	c.Put(ctx, "fp-1", &types.QueryResult{Response: "warm"}, 0)

	res, attached, err := c.GetOrCompute(ctx, "fp-1", 0, func(ctx context.Context) (*types.QueryResult, error) {
		t.Fatal("compute must not run on a warm cache")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, attached)
	assert.Equal(t, "warm", res.Response)
}

func TestCache_GetOrCompute_RecheckHitAttaches(t *testing.T) {
	c := newTestCache(Config{TTL: time.Minute, MaxEntries: 10})
	defer c.Close()
	ctx := context.Background()

	// Another caller finishes between this caller's lookup miss and it
	// winning the flight. The flight's re-check must report a hit, not
	// run compute and claim a fresh outcome.
	c.Put(ctx, "fp-1", &types.QueryResult{Response: "already stored"}, 0)

	res, attached, err := c.computeShared(ctx, "fp-1", 0, func(ctx context.Context) (*types.QueryResult, error) {
		t.Fatal("compute must not run when the re-check hits")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, attached, "a re-check hit is a cache hit")
	assert.Equal(t, "already stored", res.Response)
}

func TestCache_GetOrCompute_FailureNotCached(t *testing.T) {
	c := newTestCache(Config{TTL: time.Minute, MaxEntries: 10})
	defer c.Close()
	ctx := context.Background()

	boom := errors.New("upstream down")
	_, attached, err := c.GetOrCompute(ctx, "fp-1", 0, func(ctx context.Context) (*types.QueryResult, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, attached)
	assert.Equal(t, 0, c.Len(), "failed computations must not be cached")

	// A later caller retries and can succeed.
	res, _, err := c.GetOrCompute(ctx, "fp-1", 0, func(ctx context.Context) (*types.QueryResult, error) {
		return &types.QueryResult{Response: "recovered"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Response)
}

func TestCache_RedisTier(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()

	writer := New(Config{TTL: time.Minute, MaxEntries: 10}, rdb, nil)
	defer writer.Close()
	writer.Put(ctx, "fp-1", &types.QueryResult{Response: "shared"}, 0)

	// A second instance with a cold memory tier reads through Redis.
	reader := New(Config{TTL: time.Minute, MaxEntries: 10}, rdb, nil)
	defer reader.Close()

	res, ok := reader.Get(ctx, "fp-1")
	require.True(t, ok)
	assert.Equal(t, "shared", res.Response)
	assert.Equal(t, 1, reader.Len(), "redis hit backfills the memory tier")
}

func TestCache_RedisInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	c := New(Config{TTL: time.Minute, MaxEntries: 10}, rdb, nil)
	defer c.Close()

	c.Put(ctx, "fp-1", &types.QueryResult{Response: "x"}, 0)
	c.Invalidate(ctx, "fp-1")

	_, ok := c.Get(ctx, "fp-1")
	assert.False(t, ok)
	assert.False(t, mr.Exists(redisKey("fp-1")))
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint("agent-1", "describe the listing", []string{"a", "b"})

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, base, Fingerprint("agent-1", "describe the listing", []string{"a", "b"}))
	})

	t.Run("whitespace collapsed", func(t *testing.T) {
		assert.Equal(t, base, Fingerprint("agent-1", "  describe\tthe \n listing ", []string{"a", "b"}))
	})

	t.Run("feature order ignored", func(t *testing.T) {
		assert.Equal(t, base, Fingerprint("agent-1", "describe the listing", []string{"b", "a"}))
	})

	t.Run("case preserved", func(t *testing.T) {
		assert.NotEqual(t, base, Fingerprint("agent-1", "Describe the listing", []string{"a", "b"}))
	})

	t.Run("agent scoped", func(t *testing.T) {
		assert.NotEqual(t, base, Fingerprint("agent-2", "describe the listing", []string{"a", "b"}))
	})

	t.Run("features matter", func(t *testing.T) {
		assert.NotEqual(t, base, Fingerprint("agent-1", "describe the listing", []string{"a"}))
	})

	t.Run("input not mutated", func(t *testing.T) {
		features := []string{"b", "a"}
		Fingerprint("agent-1", "p", features)
		assert.Equal(t, []string{"b", "a"}, features)
	})
}
