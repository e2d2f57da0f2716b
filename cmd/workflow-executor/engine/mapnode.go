package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/definition"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/events"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/resolver"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/state"
)

// startMap resolves the items expression and fans the inner node out over
// the list, at most concurrency_limit iterations in flight. Results keep
// item order regardless of completion order.
func (e *Engine) startMap(ctx context.Context, exec *execution, node *definition.Node) {
	resolved, err := resolver.Resolve(node.Items, exec.state)
	if err != nil {
		e.failNode(ctx, exec, node.ID, "items_error", fmt.Sprintf("failed to resolve map items: %v", err))
		return
	}
	var items []any
	switch v := resolved.(type) {
	case nil:
		// A null items path maps over nothing.
	case []any:
		items = v
	default:
		e.failNode(ctx, exec, node.ID, "items_error",
			fmt.Sprintf("map %s items must resolve to a list, got %T", node.ID, resolved))
		return
	}

	maxItems := node.MaxItems
	if maxItems <= 0 {
		maxItems = e.cfg.DefaultMaxMapItems
	}
	if len(items) > maxItems {
		e.failNode(ctx, exec, node.ID, "map_too_large",
			fmt.Sprintf("map %s has %d items, limit is %d", node.ID, len(items), maxItems))
		return
	}

	if len(items) == 0 {
		e.finalizeMap(ctx, exec, node.ID, &state.MapTracker{Results: []any{}})
		return
	}

	tracker := state.NewMapTracker(items, node.ConcurrencyLimit, node.Target, uuid.New().String()[:8])
	exec.state.SetTracker(node.ID, tracker)
	exec.state.MarkPending(node.ID)

	e.log.Info("map started",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", node.ID,
		"items", len(items),
		"concurrency_limit", node.ConcurrencyLimit,
		"parallel_group_id", tracker.GroupID,
	)

	e.launchMapIterations(ctx, exec, node.ID, tracker)
}

// launchMapIterations dispatches pending items until the concurrency limit
// is reached or the pending queue drains.
func (e *Engine) launchMapIterations(ctx context.Context, exec *execution, mapID string, tracker *state.MapTracker) {
	inner, ok := e.graph.Node(tracker.TargetNodeID)
	if !ok {
		e.failNode(ctx, exec, mapID, "internal_error",
			fmt.Sprintf("map %s target %s not found", mapID, tracker.TargetNodeID))
		return
	}

	for tracker.CanLaunch() {
		i := tracker.NextIndex()
		item := tracker.Items[i]
		childID := fmt.Sprintf("%s_%d", mapID, i)

		// Each iteration resolves against an overlay carrying its own item
		// and index, so concurrent iterations never see each other's values.
		overlay := exec.state.Overlay(map[string]any{
			resolver.KeyMapItem:  map[string]any{"output": item},
			resolver.KeyMapIndex: map[string]any{"output": i},
		})

		subTaskID, err := e.dispatchAgent(ctx, exec, dispatchSpec{
			nodeID:         childID,
			agentName:      inner.AgentName,
			input:          inner.Input,
			dependsOn:      inner.DependsOn,
			inputOverride:  inner.InputSchemaOverride,
			outputOverride: inner.OutputSchemaOverride,
			timeoutSeconds: inner.TimeoutSeconds,
			owner:          mapID,
			parentNodeID:   mapID,
			groupID:        tracker.GroupID,
			iteration:      events.Index(i),
			source:         overlay,
			fallback:       item,
			hasFallback:    true,
		})
		if err != nil {
			e.failNode(ctx, exec, childID, "dispatch_error", err.Error())
			return
		}
		tracker.Active[i] = subTaskID
		tracker.Entries[subTaskID] = i
	}
}

// mapIterationDone records one iteration result, reports progress and either
// refills the launch window or finalizes the map.
func (e *Engine) mapIterationDone(ctx context.Context, exec *execution, mapID string, tracker *state.MapTracker, subTaskID string, result any, artifactName string, artifactVersion int) {
	i, ok := tracker.Entries[subTaskID]
	if !ok {
		e.log.Warn("map result for unknown iteration",
			"workflow_task_id", exec.workflowTaskID,
			"node_id", mapID,
			"sub_task_id", subTaskID,
		)
		return
	}
	if tracker.Active[i] != subTaskID {
		e.log.Warn("duplicate map iteration result dropped",
			"workflow_task_id", exec.workflowTaskID,
			"node_id", mapID,
			"sub_task_id", subTaskID,
			"iteration", i,
		)
		return
	}
	delete(tracker.Active, i)
	delete(tracker.Entries, subTaskID)

	tracker.Results[i] = result
	tracker.CompletedCount++

	childID := fmt.Sprintf("%s_%d", mapID, i)
	exec.state.SetNodeOutput(childID, result)
	exec.state.Complete(childID, state.ArtifactCompletion(artifactName, artifactVersion))

	e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, events.Event{
		Type:            events.KindNodeResult,
		NodeID:          childID,
		NodeType:        string(definition.NodeAgent),
		SubTaskID:       subTaskID,
		ParentNodeID:    mapID,
		ParallelGroupID: tracker.GroupID,
		IterationIndex:  events.Index(i),
		Status:          events.StatusSuccess,
		ArtifactName:    artifactName,
		ArtifactVersion: artifactVersion,
	})

	progress := events.ProgressRunning
	if tracker.Done() {
		progress = events.ProgressCompleted
	}
	e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, events.Event{
		Type:      events.KindMapProgress,
		NodeID:    mapID,
		Status:    progress,
		Total:     len(tracker.Items),
		Completed: tracker.CompletedCount,
	})

	if tracker.Done() {
		e.finalizeMap(ctx, exec, mapID, tracker)
		return
	}
	e.launchMapIterations(ctx, exec, mapID, tracker)
}

// finalizeMap persists the ordered results document and completes the map
// node.
func (e *Engine) finalizeMap(ctx context.Context, exec *execution, mapID string, tracker *state.MapTracker) {
	doc := map[string]any{"results": tracker.Results}

	data, err := json.Marshal(doc)
	if err != nil {
		e.failNode(ctx, exec, mapID, "merge_error", fmt.Sprintf("failed to encode map results: %v", err))
		return
	}
	ref := e.artifactRef(exec, fmt.Sprintf("map_%s_results.json", mapID))
	version, err := e.artifacts.Save(ctx, ref, data, "application/json")
	if err != nil {
		e.failNode(ctx, exec, mapID, "artifact_error", fmt.Sprintf("failed to save map results: %v", err))
		return
	}

	exec.state.SetNodeOutput(mapID, doc)
	exec.state.RemoveTracker(mapID)
	exec.state.Complete(mapID, state.ArtifactCompletion(ref.Filename, version))

	e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, events.Event{
		Type:            events.KindNodeResult,
		NodeID:          mapID,
		NodeType:        string(definition.NodeMap),
		ParallelGroupID: tracker.GroupID,
		Status:          events.StatusSuccess,
		ArtifactName:    ref.Filename,
		ArtifactVersion: version,
	})

	e.log.Info("map completed",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", mapID,
		"items", len(tracker.Results),
	)
}
