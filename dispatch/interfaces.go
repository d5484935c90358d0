package dispatch

import (
	"context"
	"time"

	"github.com/bleubryce/AgentX-AI-sub000/types"
)

// AgentStore resolves agent profiles, scoped to the requesting user.
type AgentStore interface {
	GetAgent(ctx context.Context, agentID, userID string) (*types.AgentProfile, error)
}

// ModelClient invokes the upstream model API.
type ModelClient interface {
	Invoke(ctx context.Context, prompt string, features []string, model types.ModelConfig) (*types.ModelResponse, error)
}

// AuditSink records the terminal outcome of each query.
type AuditSink interface {
	Append(ctx context.Context, entry *types.AuditEntry) error
}

// QueryRecorder receives terminal query outcomes and cache lookups for
// export. Implementations must be safe for concurrent use.
type QueryRecorder interface {
	RecordQuery(agentID, status string, duration time.Duration, tokensUsed int)
	RecordQueryError(agentID, kind string)
	RecordCacheHit(agentID string)
	RecordCacheMiss(agentID string)
}
