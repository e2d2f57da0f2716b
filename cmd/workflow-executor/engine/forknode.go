package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/definition"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/events"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/state"
)

// startFork dispatches every branch of a fork node in parallel. The fork
// completes once all branches return; their outputs merge into one artifact
// keyed by each branch's output_key.
func (e *Engine) startFork(ctx context.Context, exec *execution, node *definition.Node) {
	tracker := &state.ForkTracker{
		GroupID:  uuid.New().String()[:8],
		Branches: make([]*state.ForkBranchRun, 0, len(node.Branches)),
	}

	for i, branch := range node.Branches {
		i := i
		subTaskID, err := e.dispatchAgent(ctx, exec, dispatchSpec{
			nodeID:    branch.ID,
			agentName: branch.AgentName,
			input:     branch.Input,
			// Synthesized branch nodes hang off the fork itself. The fork has
			// no output yet, so a branch without an input map dispatches null.
			dependsOn:    []string{node.ID},
			owner:        node.ID,
			parentNodeID: node.ID,
			groupID:      tracker.GroupID,
			iteration:    &i,
		})
		if err != nil {
			e.failNode(ctx, exec, branch.ID, "dispatch_error", err.Error())
			return
		}
		tracker.Branches = append(tracker.Branches, &state.ForkBranchRun{
			BranchID:  branch.ID,
			OutputKey: branch.OutputKey,
			SubTaskID: subTaskID,
			State:     state.SubTaskDispatched,
		})
	}

	exec.state.SetTracker(node.ID, tracker)
	exec.state.MarkPending(node.ID)

	e.log.Info("fork started",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", node.ID,
		"branches", len(node.Branches),
		"parallel_group_id", tracker.GroupID,
	)
}

// forkBranchDone records one branch result and finalizes the fork when the
// last branch lands. Duplicate deliveries for a settled branch are dropped.
func (e *Engine) forkBranchDone(ctx context.Context, exec *execution, forkID string, tracker *state.ForkTracker, subTaskID string, result any, artifactName string, artifactVersion int) {
	branch := tracker.Branch(subTaskID)
	if branch == nil {
		e.log.Warn("fork result for unknown branch",
			"workflow_task_id", exec.workflowTaskID,
			"node_id", forkID,
			"sub_task_id", subTaskID,
		)
		return
	}
	if branch.State.Terminal() {
		e.log.Warn("duplicate fork branch result dropped",
			"workflow_task_id", exec.workflowTaskID,
			"node_id", branch.BranchID,
			"sub_task_id", subTaskID,
		)
		return
	}

	branch.State = state.SubTaskCompleted
	branch.Result = result

	exec.state.SetNodeOutput(branch.BranchID, result)
	exec.state.Complete(branch.BranchID, state.ArtifactCompletion(artifactName, artifactVersion))

	ev := events.Event{
		Type:            events.KindNodeResult,
		NodeID:          branch.BranchID,
		NodeType:        string(definition.NodeAgent),
		SubTaskID:       subTaskID,
		ParentNodeID:    forkID,
		ParallelGroupID: tracker.GroupID,
		Status:          events.StatusSuccess,
		ArtifactName:    artifactName,
		ArtifactVersion: artifactVersion,
	}
	for i, b := range tracker.Branches {
		if b == branch {
			ev.IterationIndex = events.Index(i)
			break
		}
	}
	e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, ev)

	if tracker.AllCompleted() {
		e.finalizeFork(ctx, exec, forkID, tracker)
	}
}

// finalizeFork merges branch results into one document, persists it as the
// fork's artifact and completes the fork node.
func (e *Engine) finalizeFork(ctx context.Context, exec *execution, forkID string, tracker *state.ForkTracker) {
	merged := make(map[string]any, len(tracker.Branches))
	for _, b := range tracker.Branches {
		merged[b.OutputKey] = b.Result
	}

	data, err := json.Marshal(merged)
	if err != nil {
		e.failNode(ctx, exec, forkID, "merge_error", fmt.Sprintf("failed to encode merged fork output: %v", err))
		return
	}
	ref := e.artifactRef(exec, fmt.Sprintf("fork_%s_merged.json", forkID))
	version, err := e.artifacts.Save(ctx, ref, data, "application/json")
	if err != nil {
		e.failNode(ctx, exec, forkID, "artifact_error", fmt.Sprintf("failed to save merged fork output: %v", err))
		return
	}

	exec.state.SetNodeOutput(forkID, merged)
	exec.state.RemoveTracker(forkID)
	exec.state.Complete(forkID, state.ArtifactCompletion(ref.Filename, version))

	e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, events.Event{
		Type:            events.KindNodeResult,
		NodeID:          forkID,
		NodeType:        string(definition.NodeFork),
		ParallelGroupID: tracker.GroupID,
		Status:          events.StatusSuccess,
		ArtifactName:    ref.Filename,
		ArtifactVersion: version,
	})

	e.log.Info("fork completed",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", forkID,
		"branches", len(tracker.Branches),
	)
}
