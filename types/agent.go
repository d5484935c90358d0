package types

import "time"

// ModelConfig describes how the upstream model should be invoked for an agent.
type ModelConfig struct {
	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// AgentProfile is the resolved view of an agent record needed by the
// execution core: its feature allow-list and quota ceilings.
// Zero ceilings mean "use the configured defaults".
type AgentProfile struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"owner_id"`
	Name            string      `json:"name"`
	AllowedFeatures []string    `json:"allowed_features"`
	RateLimit       int         `json:"rate_limit"`  // requests per window
	UsageLimit      int         `json:"usage_limit"` // tokens per window
	Model           ModelConfig `json:"model"`
}

// AllowsFeature reports whether the feature is in the agent's allow-list.
func (p *AgentProfile) AllowsFeature(feature string) bool {
	for _, f := range p.AllowedFeatures {
		if f == feature {
			return true
		}
	}
	return false
}

// QueryRequest is a single inbound query against an agent.
type QueryRequest struct {
	RequestID string   `json:"request_id"`
	AgentID   string   `json:"agent_id"`
	UserID    string   `json:"user_id"`
	Prompt    string   `json:"prompt"`
	Features  []string `json:"features,omitempty"`
	Priority  int      `json:"priority,omitempty"`
}

// QueryResult is the terminal outcome of a successful query.
type QueryResult struct {
	RequestID  string `json:"request_id"`
	AgentID    string `json:"agent_id"`
	Response   string `json:"response"`
	TokensUsed int    `json:"tokens_used"`
	Cached     bool   `json:"cached"`
	LatencyMs  int64  `json:"latency_ms"`
}

// ModelResponse is the raw upstream model outcome.
type ModelResponse struct {
	Response   string `json:"response"`
	TokensUsed int    `json:"tokens_used"`
}

// Audit entry statuses.
const (
	AuditStatusSuccess = "success"
	AuditStatusCached  = "cached"
	AuditStatusFailed  = "failed"
)

// AuditEntry records the terminal outcome of a query for the audit log sink.
type AuditEntry struct {
	AgentID    string    `json:"agent_id"`
	UserID     string    `json:"user_id"`
	RequestID  string    `json:"request_id"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response,omitempty"`
	TokensUsed int       `json:"tokens_used"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}
