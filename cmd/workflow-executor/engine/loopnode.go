package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/definition"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/events"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/resolver"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/state"
)

// startLoop begins a do-while loop: the inner node always runs at least
// once, then the condition decides whether another iteration follows.
func (e *Engine) startLoop(ctx context.Context, exec *execution, node *definition.Node) {
	tracker := &state.LoopTracker{InnerNodeID: node.Target}
	exec.state.SetTracker(node.ID, tracker)
	exec.state.MarkPending(node.ID)

	e.log.Info("loop started",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", node.ID,
		"inner_node_id", node.Target,
	)

	e.stepLoop(ctx, exec, node, tracker, false)
}

// stepLoop decides the loop's next move: stop at the iteration cap, stop
// when the condition turns false, wait out the inter-iteration delay, or
// dispatch the next iteration. resumed marks a call arriving from the delay
// timer, which must not re-arm it.
func (e *Engine) stepLoop(ctx context.Context, exec *execution, node *definition.Node, tracker *state.LoopTracker, resumed bool) {
	maxIterations := node.MaxIterations
	if maxIterations <= 0 {
		maxIterations = e.cfg.DefaultMaxLoopIterations
	}
	if tracker.Iterations >= maxIterations {
		e.completeLoop(ctx, exec, node, tracker, state.MarkerLoopMaxIterations, "max_iterations")
		return
	}

	// Do-while: the condition is only consulted after the first iteration.
	if tracker.Iterations > 0 {
		again, err := e.cond.Evaluate(node.Condition, exec.state)
		if err != nil {
			e.failNode(ctx, exec, node.ID, "condition_error", err.Error())
			return
		}
		if !again {
			e.completeLoop(ctx, exec, node, tracker, state.MarkerLoopConditionFalse, "condition_false")
			return
		}
	}

	if node.DelaySeconds > 0 && tracker.Iterations > 0 && !resumed {
		tracker.ResumePending = true
		loopID := node.ID
		exec.scheduleTimer(loopID, time.Duration(node.DelaySeconds*float64(time.Second)), func() {
			exec.post(loopResumeSignal{loopID: loopID})
		})
		e.log.Debug("loop delay armed",
			"workflow_task_id", exec.workflowTaskID,
			"node_id", loopID,
			"delay_seconds", node.DelaySeconds,
		)
		return
	}
	tracker.ResumePending = false

	inner, ok := e.graph.Node(tracker.InnerNodeID)
	if !ok {
		e.failNode(ctx, exec, node.ID, "internal_error",
			fmt.Sprintf("loop %s target %s not found", node.ID, tracker.InnerNodeID))
		return
	}

	n := tracker.Iterations + 1
	exec.state.SetLoopIteration(node.ID, n)
	exec.state.SetNodeOutput(resolver.KeyLoopIteration, n)

	childID := fmt.Sprintf("%s_iter_%d", node.ID, n)
	subTaskID, err := e.dispatchAgent(ctx, exec, dispatchSpec{
		nodeID:         childID,
		agentName:      inner.AgentName,
		input:          inner.Input,
		dependsOn:      inner.DependsOn,
		inputOverride:  inner.InputSchemaOverride,
		outputOverride: inner.OutputSchemaOverride,
		timeoutSeconds: inner.TimeoutSeconds,
		owner:          node.ID,
		parentNodeID:   node.ID,
		iteration:      events.Index(n),
	})
	if err != nil {
		e.failNode(ctx, exec, childID, "dispatch_error", err.Error())
		return
	}
	tracker.CurrentSubTask = subTaskID
	tracker.CurrentChildID = childID
}

// resumeLoop handles the delay timer firing. Stale resumes for loops that
// completed or were cancelled in the meantime are dropped.
func (e *Engine) resumeLoop(ctx context.Context, exec *execution, loopID string) {
	t, ok := exec.state.Tracker(loopID)
	if !ok {
		e.log.Debug("loop resume for finished loop dropped",
			"workflow_task_id", exec.workflowTaskID,
			"node_id", loopID,
		)
		return
	}
	tracker, ok := t.(*state.LoopTracker)
	if !ok || !tracker.ResumePending {
		return
	}
	node, ok := e.graph.Node(loopID)
	if !ok {
		return
	}
	e.stepLoop(ctx, exec, node, tracker, true)
}

// loopIterationDone records the finished iteration and steps the loop. The
// iteration's output lands both under the per-iteration child id and under
// the inner node's own id, which is what loop conditions reference.
func (e *Engine) loopIterationDone(ctx context.Context, exec *execution, loopID string, tracker *state.LoopTracker, subTaskID string, result any, artifactName string, artifactVersion int) {
	if subTaskID != tracker.CurrentSubTask {
		e.log.Warn("duplicate loop iteration result dropped",
			"workflow_task_id", exec.workflowTaskID,
			"node_id", loopID,
			"sub_task_id", subTaskID,
		)
		return
	}

	childID := tracker.CurrentChildID
	tracker.Iterations++
	tracker.CurrentSubTask = ""
	tracker.CurrentChildID = ""

	exec.state.SetNodeOutput(tracker.InnerNodeID, result)
	exec.state.SetNodeOutput(childID, result)
	exec.state.Complete(childID, state.ArtifactCompletion(artifactName, artifactVersion))

	e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, events.Event{
		Type:            events.KindNodeResult,
		NodeID:          childID,
		NodeType:        string(definition.NodeAgent),
		SubTaskID:       subTaskID,
		ParentNodeID:    loopID,
		IterationIndex:  events.Index(tracker.Iterations),
		Status:          events.StatusSuccess,
		ArtifactName:    artifactName,
		ArtifactVersion: artifactVersion,
	})

	node, ok := e.graph.Node(loopID)
	if !ok {
		return
	}
	e.stepLoop(ctx, exec, node, tracker, false)
}

// completeLoop removes the iteration variable and completes the loop node
// with its stop reason.
func (e *Engine) completeLoop(ctx context.Context, exec *execution, node *definition.Node, tracker *state.LoopTracker, marker, reason string) {
	exec.state.RemoveNodeOutput(resolver.KeyLoopIteration)
	exec.state.RemoveTracker(node.ID)

	e.completeControl(ctx, exec, node, marker, map[string]any{
		"iterations_completed": tracker.Iterations,
		"stopped_reason":       reason,
	}, events.Event{})

	e.log.Info("loop completed",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", node.ID,
		"iterations", tracker.Iterations,
		"stopped_reason", reason,
	)
}
