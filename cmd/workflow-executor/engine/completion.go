package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/events"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/state"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// handleCompletion settles one sub-task: failures fail the workflow, results
// land in state either directly or through the owning control node's
// tracker. Runs on the execution's run goroutine.
func (e *Engine) handleCompletion(ctx context.Context, exec *execution, sig completionSignal) {
	if exec.finalized.Load() {
		return
	}

	nodeID, known := exec.subTaskNode[sig.subTaskID]
	if !known {
		e.log.Warn("completion for unknown sub-task dropped",
			"workflow_task_id", exec.workflowTaskID,
			"sub_task_id", sig.subTaskID,
		)
		return
	}

	// Retire the correlation entry first so a duplicate delivery or a late
	// timeout for this sub-task no longer resolves.
	e.correl.Complete(sig.subTaskID)

	if sig.result.Status != protocol.ResultStatusSuccess {
		e.failNode(ctx, exec, nodeID, sig.reason, sig.result.ErrorMessage)
		return
	}
	if sig.result.ArtifactName == "" {
		e.failNode(ctx, exec, nodeID, "protocol_error",
			fmt.Sprintf("success result for node %s carries no artifact reference", nodeID))
		return
	}

	result, err := e.loadResult(ctx, exec, sig.result)
	if err != nil {
		e.failNode(ctx, exec, nodeID, "artifact_error", err.Error())
		return
	}

	owner := exec.subTaskOwner[sig.subTaskID]
	if owner == "" {
		e.completeStandalone(ctx, exec, nodeID, sig.subTaskID, result, sig.result)
		return
	}

	t, ok := exec.state.Tracker(owner)
	if !ok {
		e.log.Warn("completion for inactive control node dropped",
			"workflow_task_id", exec.workflowTaskID,
			"node_id", owner,
			"sub_task_id", sig.subTaskID,
		)
		return
	}
	switch tracker := t.(type) {
	case *state.ForkTracker:
		e.forkBranchDone(ctx, exec, owner, tracker, sig.subTaskID, result, sig.result.ArtifactName, sig.result.ArtifactVersion)
	case *state.MapTracker:
		e.mapIterationDone(ctx, exec, owner, tracker, sig.subTaskID, result, sig.result.ArtifactName, sig.result.ArtifactVersion)
	case *state.LoopTracker:
		e.loopIterationDone(ctx, exec, owner, tracker, sig.subTaskID, result, sig.result.ArtifactName, sig.result.ArtifactVersion)
	}
}

// completeStandalone settles a top-level agent node.
func (e *Engine) completeStandalone(ctx context.Context, exec *execution, nodeID, subTaskID string, result any, nr *protocol.NodeResult) {
	if exec.state.IsCompleted(nodeID) {
		e.log.Warn("duplicate completion dropped",
			"workflow_task_id", exec.workflowTaskID,
			"node_id", nodeID,
			"sub_task_id", subTaskID,
		)
		return
	}

	exec.state.SetNodeOutput(nodeID, result)
	exec.state.Complete(nodeID, state.ArtifactCompletion(nr.ArtifactName, nr.ArtifactVersion))

	ev := events.Event{
		Type:            events.KindNodeResult,
		NodeID:          nodeID,
		SubTaskID:       subTaskID,
		Status:          events.StatusSuccess,
		ArtifactName:    nr.ArtifactName,
		ArtifactVersion: nr.ArtifactVersion,
	}
	if node, ok := e.graph.Node(nodeID); ok {
		ev.NodeType = string(node.Type)
		ev.AgentName = node.AgentName
	}
	e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, ev)

	e.log.Info("node completed",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", nodeID,
		"artifact_name", nr.ArtifactName,
		"artifact_version", nr.ArtifactVersion,
	)
}

// loadResult fetches and decodes the artifact a successful result points at.
// Bodies that are not valid JSON surface as plain strings.
func (e *Engine) loadResult(ctx context.Context, exec *execution, nr *protocol.NodeResult) (any, error) {
	ref := e.artifactRef(exec, nr.ArtifactName).WithVersion(nr.ArtifactVersion)
	data, err := e.artifacts.Load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load result artifact %s: %w", nr.ArtifactName, err)
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return string(data), nil
	}
	return parsed, nil
}
