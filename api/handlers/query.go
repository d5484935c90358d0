package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bleubryce/AgentX-AI-sub000/queue"
	"github.com/bleubryce/AgentX-AI-sub000/types"
	"github.com/bleubryce/AgentX-AI-sub000/usage"
)

// Executor runs queries to a terminal outcome and exposes usage counters.
// Implemented by the dispatcher.
type Executor interface {
	Execute(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error)
	Usage(agentID string) (usage.Snapshot, bool)
	QueueStats() queue.Stats
}

// QueryRequestBody is the POST /agents/query payload.
type QueryRequestBody struct {
	RequestID string   `json:"request_id,omitempty"`
	AgentID   string   `json:"agent_id"`
	UserID    string   `json:"user_id"`
	Prompt    string   `json:"prompt"`
	Features  []string `json:"features,omitempty"`
	Priority  int      `json:"priority,omitempty"`
}

// QueryHandler serves the agent query and usage endpoints.
type QueryHandler struct {
	exec   Executor
	logger *zap.Logger
}

// NewQueryHandler creates a query handler.
func NewQueryHandler(exec Executor, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{exec: exec, logger: logger.With(zap.String("handler", "query"))}
}

// HandleQuery serves POST /api/v1/agents/query.
func (h *QueryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var body QueryRequestBody
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}

	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}

	result, err := h.exec.Execute(r.Context(), &types.QueryRequest{
		RequestID: body.RequestID,
		AgentID:   body.AgentID,
		UserID:    body.UserID,
		Prompt:    body.Prompt,
		Features:  body.Features,
		Priority:  body.Priority,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteSuccess(w, result)
}

// HandleUsage serves GET /api/v1/agents/{id}/usage.
func (h *QueryHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "agent id is required", h.logger)
		return
	}

	snapshot, ok := h.exec.Usage(agentID)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "no usage recorded for agent", h.logger)
		return
	}
	WriteSuccess(w, snapshot)
}

// HandleQueueStats serves GET /api/v1/queue/stats.
func (h *QueryHandler) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.exec.QueueStats())
}
