// Package ratelimit enforces per-principal request-count and token-count
// quotas over fixed-length windows. Window rollover happens inside the same
// critical section as the check, so concurrent requests never observe a
// stale window.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config configures the limiter. MaxRequests and MaxTokens are the default
// ceilings used when a principal does not carry its own.
type Config struct {
	Window      time.Duration `json:"window"`
	MaxRequests int           `json:"max_requests"`
	MaxTokens   int           `json:"max_tokens"`
	// IdleTTL bounds memory: windows untouched for this long are dropped
	// by the background sweep. Zero disables the sweep.
	IdleTTL time.Duration `json:"idle_ttl"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Window:      time.Minute,
		MaxRequests: 60,
		MaxTokens:   100000,
		IdleTTL:     10 * time.Minute,
	}
}

// Limits are the per-principal ceilings for one check. Zero fields fall
// back to the configured defaults.
type Limits struct {
	Requests int
	Tokens   int
}

// Result reports the outcome of a check. Denial is a normal outcome, not an
// error; RetryAfter is the time remaining in the current window.
type Result struct {
	Allowed           bool
	RetryAfter        time.Duration
	RemainingRequests int
	RemainingTokens   int
}

type window struct {
	start    time.Time
	requests int
	tokens   int
	lastSeen time.Time
}

// Limiter tracks one quota window per principal.
type Limiter struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	windows map[string]*window

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its idle-window sweep when IdleTTL is set.
func New(cfg Config, logger *zap.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Limiter{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "rate_limiter")),
		windows: make(map[string]*window),
		stopCh:  make(chan struct{}),
	}
	if cfg.IdleTTL > 0 {
		go l.sweepLoop()
	}
	return l
}

// CheckAndConsume checks whether the principal may spend requestCost
// requests and tokenCost tokens in the current window. On allow, counters
// are consumed atomically; on deny, counters are unchanged.
func (l *Limiter) CheckAndConsume(principal string, requestCost, tokenCost int, limits Limits) Result {
	maxRequests := limits.Requests
	if maxRequests <= 0 {
		maxRequests = l.cfg.MaxRequests
	}
	maxTokens := limits.Tokens
	if maxTokens <= 0 {
		maxTokens = l.cfg.MaxTokens
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[principal]
	if !ok {
		w = &window{start: now}
		l.windows[principal] = w
	}
	w.lastSeen = now

	// Rollover inside the same critical section as the check.
	if now.Sub(w.start) >= l.cfg.Window {
		w.start = now
		w.requests = 0
		w.tokens = 0
	}

	if w.requests+requestCost > maxRequests || w.tokens+tokenCost > maxTokens {
		retryAfter := l.cfg.Window - now.Sub(w.start)
		l.logger.Debug("rate limit denied",
			zap.String("principal", principal),
			zap.Int("window_requests", w.requests),
			zap.Int("window_tokens", w.tokens),
			zap.Duration("retry_after", retryAfter),
		)
		return Result{
			Allowed:           false,
			RetryAfter:        retryAfter,
			RemainingRequests: maxRequests - w.requests,
			RemainingTokens:   maxTokens - w.tokens,
		}
	}

	w.requests += requestCost
	w.tokens += tokenCost

	return Result{
		Allowed:           true,
		RemainingRequests: maxRequests - w.requests,
		RemainingTokens:   maxTokens - w.tokens,
	}
}

// Reset drops the principal's window, if any.
func (l *Limiter) Reset(principal string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, principal)
}

// Close stops the background sweep. Idempotent.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	dropped := 0
	for principal, w := range l.windows {
		if now.Sub(w.lastSeen) > l.cfg.IdleTTL {
			delete(l.windows, principal)
			dropped++
		}
	}
	if dropped > 0 {
		l.logger.Debug("swept idle rate windows",
			zap.Int("dropped", dropped),
			zap.Int("remaining", len(l.windows)),
		)
	}
}
