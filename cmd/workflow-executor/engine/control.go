package engine

import (
	"context"
	"fmt"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/definition"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/events"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/state"
)

// runConditional evaluates the condition, completes the node and skips the
// branch not taken. Branch targets are ordinary DAG nodes gated by their own
// depends_on; the conditional only decides which side gets skipped.
func (e *Engine) runConditional(ctx context.Context, exec *execution, node *definition.Node) {
	result, err := e.cond.Evaluate(node.Condition, exec.state)
	if err != nil {
		e.failNode(ctx, exec, node.ID, "condition_error", err.Error())
		return
	}

	selected, skipped := node.TrueBranch, node.FalseBranch
	if !result {
		selected, skipped = node.FalseBranch, node.TrueBranch
	}

	e.completeControl(ctx, exec, node, state.MarkerConditional, map[string]any{
		"condition":        node.Condition,
		"condition_result": result,
	}, events.Event{SelectedBranch: selected})

	e.log.Info("conditional evaluated",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", node.ID,
		"result", result,
		"selected_branch", selected,
	)

	if skipped != "" {
		e.skipBranch(ctx, exec, skipped)
	}
}

// runSwitch evaluates case conditions in order; the first true case wins,
// else the default. Unselected arms are skipped. No match and no default
// fails the node.
func (e *Engine) runSwitch(ctx context.Context, exec *execution, node *definition.Node) {
	selected := ""
	selectedCase := -1
	for i, c := range node.Cases {
		ok, err := e.cond.Evaluate(c.Condition, exec.state)
		if err != nil {
			e.failNode(ctx, exec, node.ID, "condition_error", err.Error())
			return
		}
		if ok {
			selected = c.Node
			selectedCase = i
			break
		}
	}
	if selected == "" && node.Default != "" {
		selected = node.Default
	}
	if selected == "" {
		e.failNode(ctx, exec, node.ID, "switch_unmatched",
			fmt.Sprintf("switch %s matched no case and has no default", node.ID))
		return
	}

	e.completeControl(ctx, exec, node, state.MarkerSwitch, map[string]any{
		"selected_branch":     selected,
		"selected_case_index": selectedCase,
	}, events.Event{SelectedBranch: selected})

	e.log.Info("switch evaluated",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", node.ID,
		"selected_branch", selected,
	)

	// Skip every arm that lost, deduplicated in case two arms share a target.
	for _, c := range node.Cases {
		if c.Node != selected {
			e.skipBranch(ctx, exec, c.Node)
		}
	}
	if node.Default != "" && node.Default != selected {
		e.skipBranch(ctx, exec, node.Default)
	}
}

// skipBranch marks a branch root skipped and propagates to descendants.
// Idempotent: an already terminal root is left untouched.
func (e *Engine) skipBranch(ctx context.Context, exec *execution, rootID string) {
	if exec.state.IsCompleted(rootID) {
		return
	}
	exec.state.Complete(rootID, state.SkippedCompletion(state.SkipBranchNotTaken))
	ev := events.Event{
		Type:   events.KindNodeResult,
		NodeID: rootID,
		Status: events.StatusSkipped,
	}
	if node, ok := e.graph.Node(rootID); ok {
		ev.NodeType = string(node.Type)
	}
	e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, ev)
	e.propagateSkip(ctx, exec, rootID)
}

// propagateSkip walks dependents of a skipped node: a dependent is skipped
// only when every one of its dependencies is skipped, so diamonds with one
// live path keep executing.
func (e *Engine) propagateSkip(ctx context.Context, exec *execution, id string) {
	for _, childID := range e.graph.Dependents(id) {
		if exec.state.IsCompleted(childID) {
			continue
		}
		child, ok := e.graph.Node(childID)
		if !ok {
			continue
		}
		allSkipped := len(child.DependsOn) > 0
		for _, dep := range child.DependsOn {
			c, done := exec.state.Completion(dep)
			if !done || !c.IsSkipped() {
				allSkipped = false
				break
			}
		}
		if !allSkipped {
			continue
		}
		exec.state.Complete(childID, state.SkippedCompletion(state.SkipUpstream))
		e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, events.Event{
			Type:     events.KindNodeResult,
			NodeID:   childID,
			NodeType: string(child.Type),
			Status:   events.StatusSkipped,
		})
		e.propagateSkip(ctx, exec, childID)
	}
}

// armJoin puts a join node in the waiting set; completion is decided by
// recheckJoins as wait_for targets become terminal.
func (e *Engine) armJoin(exec *execution, node *definition.Node) {
	exec.pendingJoins[node.ID] = true
	exec.state.MarkPending(node.ID)
	e.log.Debug("join armed",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", node.ID,
		"strategy", node.Strategy,
	)
}

// recheckJoins records newly terminal wait_for targets into join ledgers and
// completes joins whose strategy is satisfied. Returns whether any join
// completed.
func (e *Engine) recheckJoins(ctx context.Context, exec *execution) bool {
	if len(exec.pendingJoins) == 0 {
		return false
	}
	progressed := false
	for _, node := range e.graph.Nodes() {
		if !exec.pendingJoins[node.ID] {
			continue
		}
		if e.checkJoin(ctx, exec, node) {
			delete(exec.pendingJoins, node.ID)
			progressed = true
		}
		if exec.finalized.Load() {
			return progressed
		}
	}
	return progressed
}

func (e *Engine) checkJoin(ctx context.Context, exec *execution, node *definition.Node) bool {
	for _, target := range node.WaitFor {
		if !exec.state.IsCompleted(target) || exec.state.JoinArrived(node.ID, target) {
			continue
		}
		var result any
		hasResult := false
		if entry, ok := exec.state.NodeOutput(target); ok {
			if m, isMap := entry.(map[string]any); isMap {
				result = m["output"]
				hasResult = true
			}
		}
		exec.state.RecordJoinArrival(node.ID, target, result, hasResult)
	}

	completed, results := exec.state.JoinProgress(node.ID)

	needed := len(node.WaitFor)
	switch node.Strategy {
	case definition.JoinAny:
		needed = 1
	case definition.JoinNOfM:
		needed = node.N
	}
	if len(completed) < needed {
		return false
	}

	// Winner-takes-all: abandon the arms that lost the race.
	if node.Strategy == definition.JoinAny {
		arrived := make(map[string]bool, len(completed))
		for _, id := range completed {
			arrived[id] = true
		}
		for _, target := range node.WaitFor {
			if !arrived[target] {
				e.cancelNode(exec, target)
			}
		}
	}

	e.completeControl(ctx, exec, node, state.MarkerJoin, map[string]any{
		"completed_nodes": completed,
		"results":         results,
		"strategy":        node.Strategy,
	}, events.Event{})

	e.log.Info("join completed",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", node.ID,
		"strategy", node.Strategy,
		"arrived", len(completed),
	)
	return true
}

// cancelNode abandons an in-flight node: its correlation entries are dropped
// so late responses are ignored, and it completes as cancelled, which still
// satisfies downstream depends_on checks.
func (e *Engine) cancelNode(exec *execution, nodeID string) {
	if exec.state.IsCompleted(nodeID) {
		return
	}
	if sub, ok := exec.nodeSubTask[nodeID]; ok {
		e.correl.Complete(sub)
	}
	if tracker, ok := exec.state.Tracker(nodeID); ok {
		for _, sub := range tracker.SubTaskIDs() {
			e.correl.Complete(sub)
		}
		exec.state.RemoveTracker(nodeID)
	}
	delete(exec.pendingJoins, nodeID)
	exec.stopTimer(nodeID)
	exec.state.Complete(nodeID, state.CancelledCompletion())
	e.log.Info("node cancelled",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", nodeID,
	)
}
