// Package dispatch orchestrates query execution: agent resolution, feature
// gating, quota enforcement, cache lookup with single-computation dedup, and
// queued dispatch against the upstream model API with retry on transient
// failures.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bleubryce/AgentX-AI-sub000/cache"
	"github.com/bleubryce/AgentX-AI-sub000/queue"
	"github.com/bleubryce/AgentX-AI-sub000/ratelimit"
	"github.com/bleubryce/AgentX-AI-sub000/tokenizer"
	"github.com/bleubryce/AgentX-AI-sub000/types"
	"github.com/bleubryce/AgentX-AI-sub000/usage"
)

// Config configures the dispatcher.
type Config struct {
	CacheTTL        time.Duration
	UpstreamTimeout time.Duration
	// Recorder receives terminal outcomes for metrics export. Optional.
	Recorder QueryRecorder
}

// Dispatcher executes queries end to end. One instance serves all agents.
type Dispatcher struct {
	cfg    Config
	logger *zap.Logger

	store   AgentStore
	client  ModelClient
	audit   AuditSink
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	cache   *cache.ResponseCache
	meter   *usage.Meter
	metrics QueryRecorder

	countersMu sync.Mutex
	counters   map[string]tokenizer.Counter
}

// New creates a dispatcher. All collaborators are required except the logger.
func New(
	cfg Config,
	store AgentStore,
	client ModelClient,
	audit AuditSink,
	q *queue.Queue,
	limiter *ratelimit.Limiter,
	respCache *cache.ResponseCache,
	meter *usage.Meter,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}

	return &Dispatcher{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "dispatcher")),
		store:    store,
		client:   client,
		audit:    audit,
		queue:    q,
		limiter:  limiter,
		cache:    respCache,
		meter:    meter,
		metrics:  rec,
		counters: make(map[string]tokenizer.Counter),
	}
}

// Start launches the queue scheduler. ctx bounds the scheduler lifetime.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.queue.Start(ctx, d.handleItem, d.handleExhausted)
}

// Stop halts the queue scheduler.
func (d *Dispatcher) Stop() {
	d.queue.Stop()
}

// Usage returns the usage snapshot for one agent.
func (d *Dispatcher) Usage(agentID string) (usage.Snapshot, bool) {
	return d.meter.Snapshot(agentID)
}

// QueueStats returns current queue counters.
func (d *Dispatcher) QueueStats() queue.Stats {
	return d.queue.Stats()
}

// Execute runs one query to its terminal outcome: a result (fresh or cached)
// or a typed error. Blocks until the outcome is known or ctx is done.
func (d *Dispatcher) Execute(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	profile, err := d.store.GetAgent(ctx, req.AgentID, req.UserID)
	if err != nil {
		return nil, err
	}

	// Feature gate before any quota is consumed or upstream work queued.
	for _, f := range req.Features {
		if !profile.AllowsFeature(f) {
			return nil, types.NewError(types.ErrFeatureNotAllowed,
				"feature not allowed for agent: "+f).WithHTTPStatus(403)
		}
	}

	tokenCost := d.countTokens(profile.Model.Model, req.Prompt)
	rl := d.limiter.CheckAndConsume(profile.ID, 1, tokenCost, ratelimit.Limits{
		Requests: profile.RateLimit,
		Tokens:   profile.UsageLimit,
	})
	if !rl.Allowed {
		return nil, types.NewError(types.ErrRateLimited, "quota exceeded for agent").
			WithHTTPStatus(429).
			WithRetryAfterMs(rl.RetryAfter.Milliseconds())
	}

	fp := cache.Fingerprint(req.AgentID, req.Prompt, req.Features)
	start := time.Now()
	result, attached, err := d.cache.GetOrCompute(ctx, fp, d.cfg.CacheTTL, func(cctx context.Context) (*types.QueryResult, error) {
		return d.compute(cctx, req, profile)
	})
	if err != nil {
		return nil, err
	}

	if attached {
		return d.serveCached(ctx, req, result, time.Since(start))
	}
	return result, nil
}

// serveCached finalizes a cache-served outcome: usage accounting, a "cached"
// audit row, and a per-request copy of the shared result.
func (d *Dispatcher) serveCached(ctx context.Context, req *types.QueryRequest, shared *types.QueryResult, elapsed time.Duration) (*types.QueryResult, error) {
	d.meter.RecordCacheHit(req.AgentID)
	d.metrics.RecordCacheHit(req.AgentID)

	entry := &types.AuditEntry{
		AgentID:    req.AgentID,
		UserID:     req.UserID,
		RequestID:  req.RequestID,
		Prompt:     req.Prompt,
		Response:   shared.Response,
		TokensUsed: 0, // no upstream tokens spent on a cache hit
		Status:     types.AuditStatusCached,
		Timestamp:  time.Now(),
	}
	if err := d.audit.Append(ctx, entry); err != nil {
		return nil, err
	}
	d.metrics.RecordQuery(req.AgentID, "cached", elapsed, 0)

	res := *shared
	res.RequestID = req.RequestID
	res.Cached = true
	return &res, nil
}

// compute runs the dispatch path on a cache miss: enqueue, wait for the
// scheduler to drive the upstream call to a terminal outcome, then audit and
// meter. An audit failure is terminal even after upstream success, and aborts
// the cache store.
func (d *Dispatcher) compute(ctx context.Context, req *types.QueryRequest, profile *types.AgentProfile) (*types.QueryResult, error) {
	d.meter.RecordCacheMiss(req.AgentID)
	d.metrics.RecordCacheMiss(req.AgentID)
	d.meter.RecordStart(req.AgentID)
	start := time.Now()

	pc := &pendingCall{
		req:     req,
		profile: profile,
		done:    make(chan callOutcome, 1),
	}
	_, err := d.queue.Enqueue(&queue.Item{
		Target:   req.AgentID,
		Priority: req.Priority,
		Payload:  pc,
	})
	if err != nil {
		d.recordFailure(req.AgentID, errorKind(types.ErrQueueFull), time.Since(start))
		if errors.Is(err, queue.ErrQueueFull) {
			return nil, types.NewError(types.ErrQueueFull, "request queue is full").
				WithHTTPStatus(503)
		}
		return nil, types.NewError(types.ErrInternal, "enqueue failed").WithCause(err)
	}

	var out callOutcome
	select {
	case <-ctx.Done():
		d.recordFailure(req.AgentID, "canceled", time.Since(start))
		return nil, types.NewError(types.ErrInternal, "request canceled").WithCause(ctx.Err())
	case out = <-pc.done:
	}

	if out.err != nil {
		d.recordFailure(req.AgentID, errorKind(types.GetErrorCode(out.err)), time.Since(start))
		d.auditFailure(ctx, req)
		return nil, out.err
	}

	latency := time.Since(start)
	entry := &types.AuditEntry{
		AgentID:    req.AgentID,
		UserID:     req.UserID,
		RequestID:  req.RequestID,
		Prompt:     req.Prompt,
		Response:   out.resp.Response,
		TokensUsed: out.resp.TokensUsed,
		Status:     types.AuditStatusSuccess,
		Timestamp:  time.Now(),
	}
	if err := d.audit.Append(ctx, entry); err != nil {
		// The upstream call succeeded, but an unaudited success must not be
		// served or cached.
		d.recordFailure(req.AgentID, errorKind(types.ErrPersistence), latency)
		return nil, err
	}
	d.meter.RecordSuccess(req.AgentID, latency, out.resp.TokensUsed)
	d.metrics.RecordQuery(req.AgentID, "success", latency, out.resp.TokensUsed)

	return &types.QueryResult{
		RequestID:  req.RequestID,
		AgentID:    req.AgentID,
		Response:   out.resp.Response,
		TokensUsed: out.resp.TokensUsed,
		Cached:     false,
		LatencyMs:  latency.Milliseconds(),
	}, nil
}

// recordFailure accounts one failed query in the usage meter and the
// metrics recorder.
func (d *Dispatcher) recordFailure(agentID, kind string, elapsed time.Duration) {
	d.meter.RecordFailure(agentID, kind)
	d.metrics.RecordQueryError(agentID, kind)
	d.metrics.RecordQuery(agentID, "failed", elapsed, 0)
}

// auditFailure records a failed outcome. Best effort: the original error is
// what the caller needs to see.
func (d *Dispatcher) auditFailure(ctx context.Context, req *types.QueryRequest) {
	entry := &types.AuditEntry{
		AgentID:   req.AgentID,
		UserID:    req.UserID,
		RequestID: req.RequestID,
		Prompt:    req.Prompt,
		Status:    types.AuditStatusFailed,
		Timestamp: time.Now(),
	}
	if err := d.audit.Append(ctx, entry); err != nil {
		d.logger.Error("failed-outcome audit write lost",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	}
}

// handleItem is the queue's ProcessFunc. It drives one upstream attempt and
// classifies the outcome: success and permanent failures are terminal,
// transient failures go back to the queue for a delayed retry.
func (d *Dispatcher) handleItem(ctx context.Context, item *queue.Item) {
	pc, ok := item.Payload.(*pendingCall)
	if !ok {
		d.logger.Error("queue item with unexpected payload", zap.String("item_id", item.ID))
		_ = d.queue.MarkSuccess(item.ID)
		return
	}

	invokeCtx, cancel := context.WithTimeout(ctx, d.cfg.UpstreamTimeout)
	resp, err := d.client.Invoke(invokeCtx, pc.req.Prompt, pc.req.Features, pc.profile.Model)
	cancel()

	switch {
	case err == nil:
		_ = d.queue.MarkSuccess(item.ID)
		pc.resolve(resp, nil)
	case !types.IsRetryable(err):
		_ = d.queue.MarkSuccess(item.ID)
		pc.resolve(nil, err)
	default:
		pc.setLastErr(err)
		d.logger.Debug("transient upstream failure",
			zap.String("item_id", item.ID),
			zap.Int("retries", item.Retries),
			zap.Error(err),
		)
		_ = d.queue.MarkFailure(item.ID)
	}
}

// handleExhausted is the queue's FailedFunc, called once per item after its
// final retry failed.
func (d *Dispatcher) handleExhausted(item *queue.Item) {
	pc, ok := item.Payload.(*pendingCall)
	if !ok {
		return
	}
	err := types.NewError(types.ErrUpstreamExhausted, "upstream retries exhausted").
		WithHTTPStatus(502).
		WithCause(pc.lastErr())
	pc.resolve(nil, err)
}

func (d *Dispatcher) countTokens(model, prompt string) int {
	d.countersMu.Lock()
	counter, ok := d.counters[model]
	if !ok {
		counter = tokenizer.ForModel(model)
		d.counters[model] = counter
	}
	d.countersMu.Unlock()

	n, err := counter.CountTokens(prompt)
	if err != nil {
		n, _ = tokenizer.NewEstimator().CountTokens(prompt)
	}
	return n
}

func validate(req *types.QueryRequest) error {
	switch {
	case req == nil:
		return types.NewError(types.ErrValidation, "request is required").WithHTTPStatus(400)
	case req.AgentID == "":
		return types.NewError(types.ErrValidation, "agent_id is required").WithHTTPStatus(400)
	case req.UserID == "":
		return types.NewError(types.ErrValidation, "user_id is required").WithHTTPStatus(400)
	case strings.TrimSpace(req.Prompt) == "":
		return types.NewError(types.ErrValidation, "prompt is required").WithHTTPStatus(400)
	}
	return nil
}

func errorKind(code types.ErrorCode) string {
	if code == "" {
		return "unknown"
	}
	return strings.ToLower(string(code))
}

// nopRecorder discards all outcomes. Used when no recorder is configured.
type nopRecorder struct{}

func (nopRecorder) RecordQuery(string, string, time.Duration, int) {}
func (nopRecorder) RecordQueryError(string, string)                {}
func (nopRecorder) RecordCacheHit(string)                          {}
func (nopRecorder) RecordCacheMiss(string)                         {}

// callOutcome is the terminal result of one queued call.
type callOutcome struct {
	resp *types.ModelResponse
	err  error
}

// pendingCall links a waiting Execute caller to the queue item working on its
// behalf. resolve delivers exactly one outcome.
type pendingCall struct {
	req     *types.QueryRequest
	profile *types.AgentProfile

	mu   sync.Mutex
	last error

	once sync.Once
	done chan callOutcome
}

func (p *pendingCall) resolve(resp *types.ModelResponse, err error) {
	p.once.Do(func() {
		p.done <- callOutcome{resp: resp, err: err}
	})
}

func (p *pendingCall) setLastErr(err error) {
	p.mu.Lock()
	p.last = err
	p.mu.Unlock()
}

func (p *pendingCall) lastErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
