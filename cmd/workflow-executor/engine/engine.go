// Package engine drives workflow executions: it accepts submits, walks the
// node DAG, dispatches agent sub-tasks over the bus, applies control-flow
// semantics (conditional, switch, join, loop, fork, map), and produces
// exactly one terminal response per execution.
//
// Concurrency model: every execution runs on its own goroutine draining a
// signal inbox. Bus consumers, the correlation sweeper and timers post
// signals into the inbox; nothing outside the run loop mutates execution
// bookkeeping beyond the locked State.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/condition"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/correlation"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/definition"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/events"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/journal"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/registry"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/state"
	"github.com/kestrel-ai/meshflow/common/artifact"
	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/config"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// Logger is the minimal logging interface the engine needs.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// Options bundles the engine's collaborators.
type Options struct {
	Graph     *definition.Graph
	Bus       bus.Bus
	Artifacts artifact.Service
	Agents    *registry.Registry
	Correl    *correlation.Registry
	Events    *events.Publisher
	Journal   journal.Journal
	Config    config.ExecutorConfig
	Logger    Logger
}

// Engine executes one workflow definition for many concurrent submissions.
type Engine struct {
	graph     *definition.Graph
	bus       bus.Bus
	artifacts artifact.Service
	agents    *registry.Registry
	correl    *correlation.Registry
	events    *events.Publisher
	journal   journal.Journal
	cfg       config.ExecutorConfig
	topics    protocol.Topics
	cond      *condition.Evaluator
	log       Logger

	workflowName string

	mu        sync.Mutex
	active    map[string]*execution
	submitted map[string]string
}

// New creates an engine for the given workflow graph.
func New(opts Options) (*Engine, error) {
	cond, err := condition.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if opts.Journal == nil {
		opts.Journal = journal.Nop{}
	}
	return &Engine{
		graph:        opts.Graph,
		bus:          opts.Bus,
		artifacts:    opts.Artifacts,
		agents:       opts.Agents,
		correl:       opts.Correl,
		events:       opts.Events,
		journal:      opts.Journal,
		cfg:          opts.Config,
		topics:       protocol.NewTopics(opts.Config.Namespace),
		cond:         cond,
		log:          opts.Logger,
		workflowName: opts.Config.AgentName,
		active:       make(map[string]*execution),
		submitted:    make(map[string]string),
	}, nil
}

// Submit accepts one workflow request from the work queue. Malformed
// requests and duplicate submissions are acknowledged and dropped; accepted
// requests stay unacknowledged until finalization so a crash before the
// terminal response causes redelivery.
func (e *Engine) Submit(ctx context.Context, msg *bus.Message) error {
	req, err := protocol.ParseRequest(msg.Payload)
	if err != nil {
		e.log.Warn("dropping malformed workflow request", "error", err)
		return msg.Ack(ctx)
	}
	if req.Method != protocol.MethodSend {
		e.log.Warn("dropping workflow request with unsupported method", "method", req.Method)
		return msg.Ack(ctx)
	}

	var message *protocol.Message
	if req.Params != nil {
		message = req.Params.Message
	}
	if message == nil {
		message = &protocol.Message{}
	}

	input := workflowInput(message)

	logicalTaskID := protocol.IDString(req.ID)
	if logicalTaskID == "" {
		logicalTaskID = uuid.New().String()
	}
	sessionID := message.ContextID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	userID := msg.Property(protocol.PropUserID)
	if userID == "" {
		userID = "anonymous"
	}
	clientID := msg.Property(protocol.PropClientID)
	if clientID == "" {
		clientID = "anonymous"
	}

	clientKey := clientID + ":" + logicalTaskID

	e.mu.Lock()
	if existing, ok := e.submitted[clientKey]; ok {
		e.mu.Unlock()
		e.log.Warn("dropping duplicate submission for active task",
			"client_id", clientID,
			"logical_task_id", logicalTaskID,
			"workflow_task_id", existing,
		)
		return msg.Ack(ctx)
	}

	workflowTaskID := uuid.New().String()
	executionID := uuid.New().String()[:8]

	exec := newExecution(executionParams{
		workflowTaskID: workflowTaskID,
		executionID:    executionID,
		logicalTaskID:  logicalTaskID,
		sessionID:      sessionID,
		userID:         userID,
		clientID:       clientID,
		clientKey:      clientKey,
		replyTo:        msg.Property(protocol.PropReplyTo),
		userConfig:     msg.Property(protocol.PropUserConfig),
		requestID:      req.ID,
		inbound:        msg,
		state:          state.New(e.workflowName, executionID, input),
		deadline:       e.cfg.WorkflowTimeout(),
		log:            e.log,
	})
	e.active[workflowTaskID] = exec
	e.submitted[clientKey] = workflowTaskID
	e.mu.Unlock()

	e.journal.RecordStart(ctx, journal.Record{
		ExecutionID:    executionID,
		WorkflowName:   e.workflowName,
		WorkflowTaskID: workflowTaskID,
		LogicalTaskID:  logicalTaskID,
		ClientID:       clientID,
		UserID:         userID,
		StartedAt:      exec.state.StartTime(),
	})

	e.log.Info("workflow execution accepted",
		"workflow", e.workflowName,
		"workflow_task_id", workflowTaskID,
		"execution_id", executionID,
		"logical_task_id", logicalTaskID,
		"client_id", clientID,
	)

	go e.run(ctx, exec)
	return nil
}

// workflowInput extracts the submit payload: the first data part, else the
// first text part wrapped as {"text": ...}, else an empty object.
func workflowInput(message *protocol.Message) map[string]any {
	if data, ok := message.FirstData(); ok {
		return data
	}
	if text, ok := message.FirstText(); ok {
		return map[string]any{"text": text}
	}
	return map[string]any{}
}

// HandleResponse routes a sub-task response to its execution. It returns
// false when the sub-task is unknown, already settled, or its execution is
// gone; the caller drops the message.
func (e *Engine) HandleResponse(ctx context.Context, subTaskID string, resp *protocol.Response) bool {
	entry, ok := e.correl.Resolve(subTaskID)
	if !ok {
		return false
	}

	e.mu.Lock()
	exec, ok := e.active[entry.WorkflowTaskID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	result, reason := extractResult(resp)
	exec.post(completionSignal{
		subTaskID: subTaskID,
		nodeID:    entry.NodeID,
		result:    result,
		reason:    reason,
	})
	return true
}

// extractResult pulls the workflow_node_result out of a response envelope.
// An error member or a missing result part becomes a failure, so agents that
// half-speak the protocol fail the node instead of hanging it.
func extractResult(resp *protocol.Response) (*protocol.NodeResult, string) {
	if resp.Error != nil {
		return &protocol.NodeResult{
			Status:       protocol.ResultStatusFailure,
			ErrorMessage: fmt.Sprintf("agent returned error %d: %s", resp.Error.Code, resp.Error.Message),
		}, "agent_error"
	}
	if resp.Result == nil || resp.Result.Status.Message == nil {
		return &protocol.NodeResult{
			Status:       protocol.ResultStatusFailure,
			ErrorMessage: "response carried no task message",
		}, "protocol_error"
	}
	data, ok := resp.Result.Status.Message.FindData(protocol.TypeNodeResult)
	if !ok {
		return &protocol.NodeResult{
			Status:       protocol.ResultStatusFailure,
			ErrorMessage: "response has no workflow_node_result part",
		}, "protocol_error"
	}
	result, err := protocol.ParseNodeResult(data)
	if err != nil {
		return &protocol.NodeResult{
			Status:       protocol.ResultStatusFailure,
			ErrorMessage: err.Error(),
		}, "protocol_error"
	}
	return result, "agent_failure"
}

// HandleExpiry turns an expired correlation entry into a synthetic timeout
// failure. Registered as the correlation registry's expiry callback.
func (e *Engine) HandleExpiry(entry correlation.Entry) {
	e.mu.Lock()
	exec, ok := e.active[entry.WorkflowTaskID]
	e.mu.Unlock()
	if !ok {
		return
	}

	seconds := int(entry.Timeout / time.Second)
	exec.post(completionSignal{
		subTaskID: entry.SubTaskID,
		nodeID:    entry.NodeID,
		result: &protocol.NodeResult{
			Status:       protocol.ResultStatusFailure,
			ErrorMessage: fmt.Sprintf("Persona agent timed out after %d seconds", seconds),
		},
		reason: "node_timeout",
	})
}

// Cancel requests cooperative cancellation of an execution. After the
// configured grace window the execution is finalized regardless.
func (e *Engine) Cancel(workflowTaskID, reason string) bool {
	e.mu.Lock()
	exec, ok := e.active[workflowTaskID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	if reason == "" {
		reason = "cancelled by operator"
	}
	exec.post(cancelSignal{reason: reason})

	grace := e.cfg.CancellationGrace()
	time.AfterFunc(grace, func() {
		if exec.finalized.Load() {
			return
		}
		e.log.Warn("forcing finalization after cancellation grace",
			"workflow_task_id", workflowTaskID,
			"grace", grace.String(),
		)
		exec.state.SetError("", "cancelled", reason)
		e.finalize(context.Background(), exec, false)
	})
	return true
}

// Summary is the list view of an active execution.
type Summary struct {
	WorkflowTaskID string    `json:"workflow_task_id"`
	ExecutionID    string    `json:"execution_id"`
	WorkflowName   string    `json:"workflow_name"`
	StartTime      time.Time `json:"start_time"`
	CompletedNodes int       `json:"completed_nodes"`
	PendingNodes   int       `json:"pending_nodes"`
}

// Executions lists active executions ordered by start time.
func (e *Engine) Executions() []Summary {
	e.mu.Lock()
	execs := make([]*execution, 0, len(e.active))
	for _, exec := range e.active {
		execs = append(execs, exec)
	}
	e.mu.Unlock()

	out := make([]Summary, 0, len(execs))
	for _, exec := range execs {
		out = append(out, Summary{
			WorkflowTaskID: exec.workflowTaskID,
			ExecutionID:    exec.executionID,
			WorkflowName:   e.workflowName,
			StartTime:      exec.state.StartTime(),
			CompletedNodes: exec.state.CompletedCount(),
			PendingNodes:   exec.state.PendingCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// ExecutionView is the detail view of an active execution.
type ExecutionView struct {
	WorkflowTaskID string         `json:"workflow_task_id"`
	LogicalTaskID  string         `json:"logical_task_id"`
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	ClientID       string         `json:"client_id"`
	State          state.Snapshot `json:"state"`
}

// Execution returns the detail view of one active execution.
func (e *Engine) Execution(workflowTaskID string) (ExecutionView, bool) {
	e.mu.Lock()
	exec, ok := e.active[workflowTaskID]
	e.mu.Unlock()
	if !ok {
		return ExecutionView{}, false
	}
	return ExecutionView{
		WorkflowTaskID: exec.workflowTaskID,
		LogicalTaskID:  exec.logicalTaskID,
		SessionID:      exec.sessionID,
		UserID:         exec.userID,
		ClientID:       exec.clientID,
		State:          exec.state.Snapshot(),
	}, true
}

// ActiveCount returns the number of in-flight executions.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// remove drops a finalized execution from the active tables.
func (e *Engine) remove(exec *execution) {
	e.mu.Lock()
	delete(e.active, exec.workflowTaskID)
	delete(e.submitted, exec.clientKey)
	e.mu.Unlock()
}
