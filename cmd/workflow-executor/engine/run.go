package engine

import (
	"context"
	"fmt"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/definition"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/events"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/state"
)

// run is an execution's goroutine: dispatch whatever is ready, then drain
// the inbox until the workflow finalizes. A panic anywhere in the handlers
// finalizes the execution as failed instead of killing the process.
func (e *Engine) run(ctx context.Context, exec *execution) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("execution loop panicked",
				"workflow_task_id", exec.workflowTaskID,
				"panic", r,
			)
			exec.state.SetError("", "internal_error", fmt.Sprintf("internal error: %v", r))
			e.finalize(ctx, exec, false)
		}
	}()

	e.advance(ctx, exec)

	for !exec.finalized.Load() {
		select {
		case <-ctx.Done():
			// Shutting down. The inbound message stays unacknowledged, so the
			// queue redelivers it to the next executor instance.
			e.log.Warn("abandoning execution on shutdown", "workflow_task_id", exec.workflowTaskID)
			return

		case <-exec.deadline.C:
			exec.state.SetError("", "workflow_timeout",
				fmt.Sprintf("workflow timed out after %d seconds", e.cfg.MaxWorkflowExecutionTime))
			e.finalize(ctx, exec, false)

		case sig := <-exec.inbox:
			e.handleSignal(ctx, exec, sig)
			if !exec.finalized.Load() {
				e.advance(ctx, exec)
			}
		}
	}
}

func (e *Engine) handleSignal(ctx context.Context, exec *execution, sig signal) {
	switch s := sig.(type) {
	case completionSignal:
		e.handleCompletion(ctx, exec, s)
	case loopResumeSignal:
		e.resumeLoop(ctx, exec, s.loopID)
	case cancelSignal:
		exec.cancelled.Store(true)
		exec.state.SetError("", "cancelled", s.reason)
		e.finalize(ctx, exec, false)
	default:
		e.log.Error("unknown signal", "signal", sig.kind())
	}
}

// advance drives the DAG forward: re-check waiting joins, execute every
// ready node in document order, and repeat while progress is made. Once
// nothing is ready and nothing is in flight, the execution either finalizes
// successfully or keeps waiting for inbox signals.
func (e *Engine) advance(ctx context.Context, exec *execution) {
	for {
		if exec.finalized.Load() || exec.cancelled.Load() {
			return
		}

		progressed := e.recheckJoins(ctx, exec)

		for _, node := range e.graph.Nodes() {
			if exec.finalized.Load() {
				return
			}
			if !e.isReady(exec, node) {
				continue
			}
			e.executeNode(ctx, exec, node)
			progressed = true
		}

		if exec.finalized.Load() {
			return
		}
		if !progressed {
			break
		}
	}

	if e.allSettled(exec) {
		e.finalize(ctx, exec, true)
	}
}

// isReady reports whether a top-level node can execute now: not an inner
// node, not already terminal or in flight, and every dependency terminal.
func (e *Engine) isReady(exec *execution, node *definition.Node) bool {
	if e.graph.IsInner(node.ID) {
		return false
	}
	if exec.state.IsCompleted(node.ID) || exec.state.IsPending(node.ID) {
		return false
	}
	for _, dep := range node.DependsOn {
		if !exec.state.IsCompleted(dep) {
			return false
		}
	}
	return true
}

// allSettled reports whether every top-level node reached a terminal state.
func (e *Engine) allSettled(exec *execution) bool {
	for _, node := range e.graph.Nodes() {
		if e.graph.IsInner(node.ID) {
			continue
		}
		if !exec.state.IsCompleted(node.ID) {
			return false
		}
	}
	return true
}

func (e *Engine) executeNode(ctx context.Context, exec *execution, node *definition.Node) {
	switch node.Type {
	case definition.NodeAgent:
		e.runAgent(ctx, exec, node)
	case definition.NodeConditional:
		e.runConditional(ctx, exec, node)
	case definition.NodeSwitch:
		e.runSwitch(ctx, exec, node)
	case definition.NodeJoin:
		e.armJoin(exec, node)
	case definition.NodeLoop:
		e.startLoop(ctx, exec, node)
	case definition.NodeFork:
		e.startFork(ctx, exec, node)
	case definition.NodeMap:
		e.startMap(ctx, exec, node)
	default:
		e.failNode(ctx, exec, node.ID, "internal_error", fmt.Sprintf("unsupported node type %q", node.Type))
	}
}

// failNode records the execution's first failure and finalizes. Later calls
// during teardown keep the original cause.
func (e *Engine) failNode(ctx context.Context, exec *execution, nodeID, reason, message string) {
	exec.state.SetError(nodeID, reason, message)
	e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, events.Event{
		Type:         events.KindNodeResult,
		NodeID:       nodeID,
		Status:       events.StatusFailure,
		ErrorMessage: message,
	})
	e.log.Error("node failed",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", nodeID,
		"reason", reason,
		"error", message,
	)
	e.finalize(ctx, exec, false)
}

// completeControl records a control node's terminal marker and its output.
func (e *Engine) completeControl(ctx context.Context, exec *execution, node *definition.Node, marker string, output any, ev events.Event) {
	exec.state.SetNodeOutput(node.ID, output)
	exec.state.Complete(node.ID, state.ControlCompletion(marker))

	ev.Type = events.KindNodeResult
	ev.NodeID = node.ID
	ev.NodeType = string(node.Type)
	if ev.Status == "" {
		ev.Status = events.StatusSuccess
	}
	e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, ev)
}
