package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/definition"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/events"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/resolver"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/state"
	"github.com/kestrel-ai/meshflow/common/artifact"
	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// runAgent executes a top-level agent node: evaluate its when clause, then
// dispatch. A false when marks the node skipped and propagates the skip to
// descendants whose dependencies are all skipped.
func (e *Engine) runAgent(ctx context.Context, exec *execution, node *definition.Node) {
	if node.When != "" {
		ok, err := e.cond.Evaluate(node.When, exec.state)
		if err != nil {
			e.failNode(ctx, exec, node.ID, "condition_error", err.Error())
			return
		}
		if !ok {
			exec.state.Complete(node.ID, state.SkippedCompletion(state.SkipWhenFalse))
			e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, events.Event{
				Type:     events.KindNodeResult,
				NodeID:   node.ID,
				NodeType: string(node.Type),
				Status:   events.StatusSkipped,
			})
			e.log.Info("node skipped by when clause", "workflow_task_id", exec.workflowTaskID, "node_id", node.ID)
			e.propagateSkip(ctx, exec, node.ID)
			return
		}
	}

	if _, err := e.dispatchAgent(ctx, exec, dispatchSpec{
		nodeID:         node.ID,
		agentName:      node.AgentName,
		input:          node.Input,
		dependsOn:      node.DependsOn,
		inputOverride:  node.InputSchemaOverride,
		outputOverride: node.OutputSchemaOverride,
		timeoutSeconds: node.TimeoutSeconds,
	}); err != nil {
		e.failNode(ctx, exec, node.ID, "dispatch_error", err.Error())
	}
}

// dispatchSpec describes one agent dispatch. Control nodes reuse it for
// their children with owner, parent and iteration metadata set.
type dispatchSpec struct {
	nodeID         string
	agentName      string
	input          map[string]any
	dependsOn      []string
	inputOverride  map[string]any
	outputOverride map[string]any
	timeoutSeconds int

	owner        string
	parentNodeID string
	groupID      string
	iteration    *int

	// source overrides the resolver view (map iterations overlay their item
	// variables); nil means the execution state.
	source resolver.Source
	// fallback is the implicit payload when the spec has no input map and no
	// dependency-derived default applies (map items).
	fallback    any
	hasFallback bool
}

// dispatchAgent resolves the input, builds the request envelope, registers
// the correlation entry and enqueues the request. It returns the sub_task_id
// on success; errors fail the owning node at the caller.
func (e *Engine) dispatchAgent(ctx context.Context, exec *execution, spec dispatchSpec) (string, error) {
	src := spec.source
	if src == nil {
		src = exec.state
	}

	payload, err := e.resolveDispatchInput(exec, spec, src)
	if err != nil {
		return "", err
	}

	inputSchema, outputSchema := e.effectiveSchemas(spec)
	if key := requiredViolation(payload, inputSchema); key != "" {
		return "", fmt.Errorf("required parameter %q of node %s resolved to null", key, spec.nodeID)
	}

	subTaskID := fmt.Sprintf("wf_%s_%s_%s", exec.executionID, spec.nodeID, uuid.New().String()[:8])

	parts := []protocol.Part{
		protocol.DataPart(protocol.NodeRequestData(e.workflowName, spec.nodeID, inputSchema, outputSchema)),
	}
	if wantsTextInput(inputSchema) {
		parts = append(parts, protocol.TextPart(renderText(payload)))
	} else {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to encode input for node %s: %w", spec.nodeID, err)
		}
		ref := e.artifactRef(exec, fmt.Sprintf("input_%s_%s.json", spec.nodeID, subTaskID))
		version, err := e.artifacts.Save(ctx, ref, data, "application/json")
		if err != nil {
			return "", fmt.Errorf("failed to save input artifact for node %s: %w", spec.nodeID, err)
		}
		pinned := ref.WithVersion(version)
		parts = append(parts, protocol.FilePart(pinned.URI(), pinned.Filename, "application/json"))
	}
	parts = append(parts, protocol.TextPart(protocol.ResultReminder))

	message := &protocol.Message{
		Role:      protocol.RoleUser,
		Parts:     parts,
		TaskID:    subTaskID,
		ContextID: exec.sessionID,
		Metadata: map[string]any{
			"workflow_name":    e.workflowName,
			"workflow_task_id": exec.workflowTaskID,
			"node_id":          spec.nodeID,
		},
	}
	raw, err := json.Marshal(protocol.NewRequest(subTaskID, message))
	if err != nil {
		return "", fmt.Errorf("failed to encode request for node %s: %w", spec.nodeID, err)
	}

	timeout := e.cfg.NodeTimeout()
	if spec.timeoutSeconds > 0 {
		timeout = time.Duration(spec.timeoutSeconds) * time.Second
	}

	props := map[string]string{
		protocol.PropReplyTo:     e.topics.AgentResponse(e.workflowName, subTaskID),
		protocol.PropStatusTopic: e.topics.AgentStatus(e.workflowName, subTaskID),
		protocol.PropUserID:      exec.userID,
		protocol.PropClientID:    exec.clientID,
	}
	if exec.userConfig != "" {
		props[protocol.PropUserConfig] = exec.userConfig
	}

	// Register before publishing: a response can arrive before Enqueue
	// returns, and an unregistered sub-task would be dropped as unknown.
	e.correl.Register(subTaskID, exec.workflowTaskID, spec.nodeID, timeout)

	if err := e.bus.Enqueue(ctx, &bus.Message{
		Topic:      e.topics.AgentRequest(spec.agentName),
		Payload:    raw,
		Properties: props,
	}); err != nil {
		e.correl.Complete(subTaskID)
		return "", fmt.Errorf("failed to enqueue request for node %s: %w", spec.nodeID, err)
	}

	exec.subTaskNode[subTaskID] = spec.nodeID
	exec.nodeSubTask[spec.nodeID] = subTaskID
	if spec.owner != "" {
		exec.subTaskOwner[subTaskID] = spec.owner
	}
	exec.state.MarkPending(spec.nodeID)

	e.events.Emit(ctx, exec.executionID, exec.workflowTaskID, events.Event{
		Type:            events.KindNodeStart,
		NodeID:          spec.nodeID,
		NodeType:        string(definition.NodeAgent),
		AgentName:       spec.agentName,
		SubTaskID:       subTaskID,
		ParentNodeID:    spec.parentNodeID,
		ParallelGroupID: spec.groupID,
		IterationIndex:  spec.iteration,
	})
	e.log.Info("sub-task dispatched",
		"workflow_task_id", exec.workflowTaskID,
		"node_id", spec.nodeID,
		"agent", spec.agentName,
		"sub_task_id", subTaskID,
		"timeout", timeout.String(),
	)
	return subTaskID, nil
}

// resolveDispatchInput produces the payload sent to the agent. An explicit
// input map is resolved expression by expression. Without one, a map item
// fallback wins, then the implicit rules: no dependencies reads the workflow
// input, one dependency forwards that node's output, several dependencies
// are ambiguous and fail the node.
func (e *Engine) resolveDispatchInput(exec *execution, spec dispatchSpec, src resolver.Source) (any, error) {
	if spec.input != nil {
		resolved, err := resolver.ResolveMap(spec.input, src)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", spec.nodeID, err)
		}
		return resolved, nil
	}

	if spec.hasFallback {
		return spec.fallback, nil
	}

	switch len(spec.dependsOn) {
	case 0:
		input, err := resolver.ResolvePath("workflow.input", src)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", spec.nodeID, err)
		}
		return input, nil
	case 1:
		output, err := resolver.ResolvePath(spec.dependsOn[0]+".output", src)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", spec.nodeID, err)
		}
		return output, nil
	default:
		return nil, fmt.Errorf("node %s has no input and %d dependencies, implicit input is ambiguous",
			spec.nodeID, len(spec.dependsOn))
	}
}

// effectiveSchemas picks the dispatch schemas: node overrides first, then
// the agent's registry card, then none.
func (e *Engine) effectiveSchemas(spec dispatchSpec) (map[string]any, map[string]any) {
	inputSchema := spec.inputOverride
	outputSchema := spec.outputOverride
	if inputSchema == nil || outputSchema == nil {
		if card, ok := e.agents.Lookup(spec.agentName); ok {
			if inputSchema == nil {
				inputSchema = card.InputSchema
			}
			if outputSchema == nil {
				outputSchema = card.OutputSchema
			}
		}
	}
	return inputSchema, outputSchema
}

// requiredViolation returns the first schema-required key that is missing or
// null in the payload, or "".
func requiredViolation(payload any, schema map[string]any) string {
	if schema == nil {
		return ""
	}
	required, ok := schema["required"].([]any)
	if !ok {
		return ""
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	for _, r := range required {
		key, ok := r.(string)
		if !ok {
			continue
		}
		if v, present := m[key]; !present || v == nil {
			return key
		}
	}
	return ""
}

// wantsTextInput reports whether the input travels as a plain text part: no
// schema at all, or the degenerate single-"text"-property object shape plain
// chat agents declare.
func wantsTextInput(schema map[string]any) bool {
	if schema == nil {
		return true
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) != 1 {
		return false
	}
	_, ok = props["text"]
	return ok
}

// renderText flattens a payload into the text part body.
func renderText(payload any) string {
	if m, ok := payload.(map[string]any); ok && len(m) == 1 {
		if s, ok := m["text"].(string); ok {
			return s
		}
	}
	return resolver.Stringify(payload)
}

// artifactRef addresses an artifact in this execution's session scope.
func (e *Engine) artifactRef(exec *execution, filename string) artifact.Ref {
	return artifact.Ref{
		AppName:   e.cfg.AppName,
		UserID:    exec.userID,
		SessionID: exec.sessionID,
		Filename:  filename,
	}
}
