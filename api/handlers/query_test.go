package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bleubryce/AgentX-AI-sub000/queue"
	"github.com/bleubryce/AgentX-AI-sub000/types"
	"github.com/bleubryce/AgentX-AI-sub000/usage"
)

type stubExecutor struct {
	lastReq *types.QueryRequest
	result  *types.QueryResult
	err     error

	snapshot usage.Snapshot
	known    bool
}

func (s *stubExecutor) Execute(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubExecutor) Usage(agentID string) (usage.Snapshot, bool) {
	return s.snapshot, s.known
}

func (s *stubExecutor) QueueStats() queue.Stats {
	return queue.Stats{Pending: 2, InFlight: 1}
}

func TestQueryHandler_HandleQuery(t *testing.T) {
	exec := &stubExecutor{
		result: &types.QueryResult{
			AgentID:    "agent-1",
			Response:   "three bedrooms, two baths",
			TokensUsed: 42,
		},
	}
	h := NewQueryHandler(exec, zap.NewNop())

	body := `{"agent_id":"agent-1","user_id":"user-1","prompt":"describe the listing"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/agents/query", strings.NewReader(body))

	h.HandleQuery(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)

	require.NotNil(t, exec.lastReq)
	assert.Equal(t, "agent-1", exec.lastReq.AgentID)
	assert.Equal(t, "user-1", exec.lastReq.UserID)
	assert.NotEmpty(t, exec.lastReq.RequestID, "request id is assigned when absent")
}

func TestQueryHandler_HandleQuery_PreservesRequestID(t *testing.T) {
	exec := &stubExecutor{result: &types.QueryResult{}}
	h := NewQueryHandler(exec, zap.NewNop())

	body := `{"request_id":"req-42","agent_id":"a","user_id":"u","prompt":"p"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/agents/query", strings.NewReader(body))

	h.HandleQuery(w, r)

	require.NotNil(t, exec.lastReq)
	assert.Equal(t, "req-42", exec.lastReq.RequestID)
}

func TestQueryHandler_HandleQuery_BadJSON(t *testing.T) {
	exec := &stubExecutor{}
	h := NewQueryHandler(exec, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/agents/query", strings.NewReader(`{"agent_id":`))

	h.HandleQuery(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, exec.lastReq, "executor must not run on invalid input")
}

func TestQueryHandler_HandleQuery_ExecutorError(t *testing.T) {
	exec := &stubExecutor{
		err: types.NewError(types.ErrRateLimited, "quota exceeded").
			WithHTTPStatus(http.StatusTooManyRequests).
			WithRetryAfterMs(1500),
	}
	h := NewQueryHandler(exec, zap.NewNop())

	body := `{"agent_id":"a","user_id":"u","prompt":"p"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/agents/query", strings.NewReader(body))

	h.HandleQuery(w, r)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, string(types.ErrRateLimited), resp.Error.Code)
	assert.Equal(t, int64(1500), resp.Error.RetryAfterMs)
}

func TestQueryHandler_HandleUsage(t *testing.T) {
	exec := &stubExecutor{
		snapshot: usage.Snapshot{AgentID: "agent-1", TotalRequests: 7, CacheHits: 3},
		known:    true,
	}
	h := NewQueryHandler(exec, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/agents/{id}/usage", h.HandleUsage)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/agents/agent-1/usage", nil)
	mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent-1", data["agent_id"])
	assert.Equal(t, float64(7), data["total_requests"])
}

func TestQueryHandler_HandleUsage_Unknown(t *testing.T) {
	exec := &stubExecutor{known: false}
	h := NewQueryHandler(exec, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/agents/{id}/usage", h.HandleUsage)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/agents/ghost/usage", nil)
	mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueryHandler_HandleQueueStats(t *testing.T) {
	h := NewQueryHandler(&stubExecutor{}, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)

	h.HandleQueueStats(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), data["pending"])
	assert.Equal(t, float64(1), data["in_flight"])
}
