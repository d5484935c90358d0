// Package usage accumulates per-agent request counters and exposes
// immutable snapshots for reporting. The meter is the sole mutator of its
// snapshots; all updates happen under one lock so each lifecycle event is
// atomic as a unit.
package usage

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Snapshot is an immutable copy of the counters for one agent.
type Snapshot struct {
	AgentID        string           `json:"agent_id"`
	ActiveRequests int64            `json:"active_requests"`
	TotalRequests  int64            `json:"total_requests"`
	TotalErrors    int64            `json:"total_errors"`
	CacheHits      int64            `json:"cache_hits"`
	CacheMisses    int64            `json:"cache_misses"`
	TokensUsed     int64            `json:"tokens_used"`
	AvgLatencyMs   float64          `json:"avg_latency_ms"`
	ErrorsByKind   map[string]int64 `json:"errors_by_kind,omitempty"`
	LastUpdated    time.Time        `json:"last_updated"`
}

type counters struct {
	active         int64
	total          int64
	errors         int64
	cacheHits      int64
	cacheMisses    int64
	tokensUsed     int64
	latencySamples int64
	avgLatencyMs   float64
	errorsByKind   map[string]int64
	lastUpdated    time.Time
}

// Meter tracks usage counters per agent, creating them on first use.
type Meter struct {
	logger *zap.Logger

	mu     sync.Mutex
	agents map[string]*counters
}

// NewMeter creates a usage meter.
func NewMeter(logger *zap.Logger) *Meter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Meter{
		logger: logger.With(zap.String("component", "usage_meter")),
		agents: make(map[string]*counters),
	}
}

func (m *Meter) get(agentID string) *counters {
	c, ok := m.agents[agentID]
	if !ok {
		c = &counters{errorsByKind: make(map[string]int64)}
		m.agents[agentID] = c
	}
	return c
}

// RecordStart increments the active-request count before dispatch.
func (m *Meter) RecordStart(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(agentID)
	c.active++
	c.lastUpdated = time.Now()
}

// RecordSuccess records a completed dispatch: decrements the active count,
// bumps totals and tokens, and folds the latency into the running average
// incrementally (avg' = avg + (latency - avg) / samples).
func (m *Meter) RecordSuccess(agentID string, latency time.Duration, tokensUsed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(agentID)
	if c.active > 0 {
		c.active--
	}
	c.total++
	c.tokensUsed += int64(tokensUsed)
	c.latencySamples++
	latencyMs := float64(latency.Milliseconds())
	c.avgLatencyMs += (latencyMs - c.avgLatencyMs) / float64(c.latencySamples)
	c.lastUpdated = time.Now()
}

// RecordFailure records a failed dispatch by error kind.
func (m *Meter) RecordFailure(agentID, errorKind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(agentID)
	if c.active > 0 {
		c.active--
	}
	c.total++
	c.errors++
	c.errorsByKind[errorKind]++
	c.lastUpdated = time.Now()
}

// RecordCacheHit records a request served from cache. Cache hits count as
// completed requests but never enter the dispatch path, so the active count
// is untouched.
func (m *Meter) RecordCacheHit(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(agentID)
	c.total++
	c.cacheHits++
	c.lastUpdated = time.Now()
}

// RecordCacheMiss records a cache miss that proceeds to dispatch.
func (m *Meter) RecordCacheMiss(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(agentID)
	c.cacheMisses++
	c.lastUpdated = time.Now()
}

// Snapshot returns an immutable copy of the agent's counters. The second
// return is false when the agent has never been observed.
func (m *Meter) Snapshot(agentID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.agents[agentID]
	if !ok {
		return Snapshot{AgentID: agentID}, false
	}
	return snapshotOf(agentID, c), true
}

// Snapshots returns immutable copies of all agents' counters.
func (m *Meter) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.agents))
	for agentID, c := range m.agents {
		out = append(out, snapshotOf(agentID, c))
	}
	return out
}

func snapshotOf(agentID string, c *counters) Snapshot {
	byKind := make(map[string]int64, len(c.errorsByKind))
	for k, v := range c.errorsByKind {
		byKind[k] = v
	}
	return Snapshot{
		AgentID:        agentID,
		ActiveRequests: c.active,
		TotalRequests:  c.total,
		TotalErrors:    c.errors,
		CacheHits:      c.cacheHits,
		CacheMisses:    c.cacheMisses,
		TokensUsed:     c.tokensUsed,
		AvgLatencyMs:   c.avgLatencyMs,
		ErrorsByKind:   byKind,
		LastUpdated:    c.lastUpdated,
	}
}
