package opsserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/engine"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

type fakeEngine struct {
	summaries  []engine.Summary
	views      map[string]engine.ExecutionView
	cancelled  map[string]string
	cancelResp bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		views:     make(map[string]engine.ExecutionView),
		cancelled: make(map[string]string),
	}
}

func (f *fakeEngine) Executions() []engine.Summary { return f.summaries }

func (f *fakeEngine) Execution(id string) (engine.ExecutionView, bool) {
	v, ok := f.views[id]
	return v, ok
}

func (f *fakeEngine) Cancel(id, reason string) bool {
	if !f.cancelResp {
		return false
	}
	f.cancelled[id] = reason
	return true
}

func (f *fakeEngine) ActiveCount() int { return len(f.summaries) }

type fakeCards struct {
	cards map[string]protocol.AgentCard
}

func (f *fakeCards) Snapshot() map[string]protocol.AgentCard { return f.cards }
func (f *fakeCards) Len() int                                { return len(f.cards) }

func newServer(eng *fakeEngine, cards *fakeCards) *Server {
	if cards == nil {
		cards = &fakeCards{cards: map[string]protocol.AgentCard{}}
	}
	return New(eng, cards, "doc_pipeline", nopLogger{})
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	eng := newFakeEngine()
	eng.summaries = []engine.Summary{{WorkflowTaskID: "wf-1"}}
	cards := &fakeCards{cards: map[string]protocol.AgentCard{
		"summarizer": {Name: "summarizer"},
	}}

	rec := doRequest(t, newServer(eng, cards), http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "doc_pipeline", body["workflow"])
	assert.Equal(t, float64(1), body["active_executions"])
	assert.Equal(t, float64(1), body["known_agents"])
}

func TestListAgents(t *testing.T) {
	cards := &fakeCards{cards: map[string]protocol.AgentCard{
		"summarizer": {Name: "summarizer", Description: "summarizes documents"},
		"extractor":  {Name: "extractor"},
	}}

	rec := doRequest(t, newServer(newFakeEngine(), cards), http.MethodGet, "/v1/agents", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	agents, ok := body["agents"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, agents, 2)
	assert.Contains(t, agents, "summarizer")
	assert.Contains(t, agents, "extractor")
}

func TestListWorkflows(t *testing.T) {
	eng := newFakeEngine()
	eng.summaries = []engine.Summary{
		{
			WorkflowTaskID: "wf-1",
			ExecutionID:    "exec-1",
			WorkflowName:   "doc_pipeline",
			StartTime:      time.Now().UTC(),
			CompletedNodes: 2,
			PendingNodes:   1,
		},
	}

	rec := doRequest(t, newServer(eng, nil), http.MethodGet, "/v1/workflows", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	execs, ok := body["executions"].([]any)
	require.True(t, ok)
	require.Len(t, execs, 1)
	first := execs[0].(map[string]any)
	assert.Equal(t, "wf-1", first["workflow_task_id"])
	assert.Equal(t, float64(2), first["completed_nodes"])
}

func TestGetWorkflow(t *testing.T) {
	eng := newFakeEngine()
	eng.views["wf-1"] = engine.ExecutionView{
		WorkflowTaskID: "wf-1",
		LogicalTaskID:  "task-1",
		SessionID:      "sess-1",
	}

	rec := doRequest(t, newServer(eng, nil), http.MethodGet, "/v1/workflows/wf-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "wf-1", body["workflow_task_id"])
	assert.Equal(t, "task-1", body["logical_task_id"])

	rec = doRequest(t, newServer(eng, nil), http.MethodGet, "/v1/workflows/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelWorkflow(t *testing.T) {
	eng := newFakeEngine()
	eng.cancelResp = true

	rec := doRequest(t, newServer(eng, nil), http.MethodPost,
		"/v1/workflows/wf-1/cancel", `{"reason":"operator requested"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "wf-1", body["workflow_task_id"])
	assert.Equal(t, "cancelling", body["status"])
	assert.Equal(t, "operator requested", eng.cancelled["wf-1"])
}

func TestCancelWorkflowWithoutBody(t *testing.T) {
	eng := newFakeEngine()
	eng.cancelResp = true

	rec := doRequest(t, newServer(eng, nil), http.MethodPost, "/v1/workflows/wf-1/cancel", "")

	require.Equal(t, http.StatusAccepted, rec.Code)
	_, found := eng.cancelled["wf-1"]
	assert.True(t, found)
}

func TestCancelUnknownWorkflow(t *testing.T) {
	rec := doRequest(t, newServer(newFakeEngine(), nil), http.MethodPost,
		"/v1/workflows/ghost/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	rec := doRequest(t, newServer(newFakeEngine(), nil), http.MethodGet, "/v1/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "doc_pipeline", body["workflow"])
	assert.Greater(t, body["goroutines"], float64(0))
	assert.Greater(t, body["memory_alloc_mb"], float64(0))
	assert.Contains(t, body, "uptime_seconds")
}
