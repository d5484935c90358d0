package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_RequestCeiling(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 3, MaxTokens: 100000}, nil)
	defer l.Close()

	for i := 0; i < 3; i++ {
		res := l.CheckAndConsume("agent-1", 1, 10, Limits{})
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
	}

	res := l.CheckAndConsume("agent-1", 1, 10, Limits{})
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, time.Minute)
}

func TestLimiter_TokenCeiling(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 100, MaxTokens: 50}, nil)
	defer l.Close()

	res := l.CheckAndConsume("agent-1", 1, 40, Limits{})
	require.True(t, res.Allowed)
	assert.Equal(t, 10, res.RemainingTokens)

	// 40 + 20 would exceed the 50-token ceiling.
	res = l.CheckAndConsume("agent-1", 1, 20, Limits{})
	assert.False(t, res.Allowed)

	// A smaller spend still fits.
	res = l.CheckAndConsume("agent-1", 1, 10, Limits{})
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.RemainingTokens)
}

func TestLimiter_DenyDoesNotConsume(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 2, MaxTokens: 100}, nil)
	defer l.Close()

	require.True(t, l.CheckAndConsume("agent-1", 1, 10, Limits{}).Allowed)
	require.True(t, l.CheckAndConsume("agent-1", 1, 10, Limits{}).Allowed)

	denied := l.CheckAndConsume("agent-1", 1, 10, Limits{})
	require.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.RemainingRequests)
	assert.Equal(t, 80, denied.RemainingTokens, "denied check must not consume tokens")
}

func TestLimiter_WindowRollover(t *testing.T) {
	l := New(Config{Window: 50 * time.Millisecond, MaxRequests: 1, MaxTokens: 100}, nil)
	defer l.Close()

	require.True(t, l.CheckAndConsume("agent-1", 1, 1, Limits{}).Allowed)
	require.False(t, l.CheckAndConsume("agent-1", 1, 1, Limits{}).Allowed)

	time.Sleep(60 * time.Millisecond)

	assert.True(t, l.CheckAndConsume("agent-1", 1, 1, Limits{}).Allowed,
		"a new window starts after the old one elapses")
}

func TestLimiter_PerPrincipalLimits(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 100, MaxTokens: 100000}, nil)
	defer l.Close()

	// The principal's own ceilings override the defaults.
	custom := Limits{Requests: 1, Tokens: 100000}
	require.True(t, l.CheckAndConsume("agent-1", 1, 1, custom).Allowed)
	assert.False(t, l.CheckAndConsume("agent-1", 1, 1, custom).Allowed)

	// Other principals are unaffected.
	assert.True(t, l.CheckAndConsume("agent-2", 1, 1, Limits{}).Allowed)
}

func TestLimiter_ZeroLimitsUseDefaults(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 2, MaxTokens: 100000}, nil)
	defer l.Close()

	require.True(t, l.CheckAndConsume("agent-1", 1, 1, Limits{}).Allowed)
	require.True(t, l.CheckAndConsume("agent-1", 1, 1, Limits{}).Allowed)
	assert.False(t, l.CheckAndConsume("agent-1", 1, 1, Limits{}).Allowed)
}

func TestLimiter_Reset(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 1, MaxTokens: 100}, nil)
	defer l.Close()

	require.True(t, l.CheckAndConsume("agent-1", 1, 1, Limits{}).Allowed)
	require.False(t, l.CheckAndConsume("agent-1", 1, 1, Limits{}).Allowed)

	l.Reset("agent-1")
	assert.True(t, l.CheckAndConsume("agent-1", 1, 1, Limits{}).Allowed)
}

func TestLimiter_ConcurrentConsume(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 50, MaxTokens: 1000000}, nil)
	defer l.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckAndConsume("agent-1", 1, 1, Limits{}).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed, "exactly the request ceiling is admitted")
}

func TestLimiter_Sweep(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 10, MaxTokens: 100, IdleTTL: 20 * time.Millisecond}, nil)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.CheckAndConsume(fmt.Sprintf("agent-%d", i), 1, 1, Limits{})
	}

	assert.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.windows) == 0
	}, time.Second, 10*time.Millisecond)
}
