package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/journal"
	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/resolver"
	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// finalize publishes the terminal response and tears the execution down:
// timers stopped, correlation entries dropped, journal row closed, context
// removed. The one-way flag makes it idempotent; the first caller wins.
func (e *Engine) finalize(ctx context.Context, exec *execution, success bool) {
	exec.finalizeMu.Lock()
	defer exec.finalizeMu.Unlock()
	if exec.finalized.Load() {
		return
	}
	exec.finalized.Store(true)

	exec.stopAllTimers()
	e.correl.DropWorkflow(exec.workflowTaskID)

	var finalOutput map[string]any
	if success {
		resolved, err := resolver.ResolveMap(e.graph.Workflow.OutputMapping, exec.state)
		if err != nil {
			success = false
			exec.state.SetError("", "output_mapping_error",
				fmt.Sprintf("failed to resolve output mapping: %v", err))
		} else {
			finalOutput = resolved
		}
	}

	task := e.terminalTask(exec, success, finalOutput)
	resp := protocol.NewResponse(exec.requestID, task)

	topic := exec.replyTo
	if topic == "" {
		topic = e.topics.ClientResponse(exec.clientID)
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		e.log.Error("failed to encode terminal response",
			"workflow_task_id", exec.workflowTaskID,
			"error", err,
		)
	} else if err := e.bus.Publish(ctx, &bus.Message{Topic: topic, Payload: payload}); err != nil {
		e.log.Error("failed to publish terminal response",
			"workflow_task_id", exec.workflowTaskID,
			"topic", topic,
			"error", err,
		)
	}

	if exec.inbound != nil {
		if err := exec.inbound.Ack(ctx); err != nil {
			e.log.Error("failed to acknowledge workflow request",
				"workflow_task_id", exec.workflowTaskID,
				"error", err,
			)
		}
	}

	status := journal.StatusCompleted
	errorMessage := ""
	if !success {
		status = journal.StatusFailed
		if errState := exec.state.Error(); errState != nil {
			errorMessage = errState.ErrorMessage
		}
	}
	e.journal.RecordFinish(ctx, exec.executionID, status, errorMessage)

	e.remove(exec)

	e.log.Info("workflow finalized",
		"workflow_task_id", exec.workflowTaskID,
		"execution_id", exec.executionID,
		"status", status,
		"completed_nodes", exec.state.CompletedCount(),
	)
}

// terminalTask builds the task object of the terminal response: completed
// with the resolved output, or failed with a message naming the failed node.
func (e *Engine) terminalTask(exec *execution, success bool, finalOutput map[string]any) *protocol.Task {
	metadata := map[string]any{"workflow_name": e.workflowName}

	taskState := protocol.TaskStateCompleted
	text := fmt.Sprintf("Workflow %s completed.", e.workflowName)
	if success {
		metadata["output"] = finalOutput
	} else {
		taskState = protocol.TaskStateFailed
		text = fmt.Sprintf("Workflow %s failed.", e.workflowName)
		if errState := exec.state.Error(); errState != nil {
			if errState.FailedNodeID != "" {
				text = fmt.Sprintf("Workflow %s failed at node %s: %s",
					e.workflowName, errState.FailedNodeID, errState.ErrorMessage)
			} else {
				text = fmt.Sprintf("Workflow %s failed: %s", e.workflowName, errState.ErrorMessage)
			}
			metadata["failure_reason"] = errState.FailureReason
			if errState.FailedNodeID != "" {
				metadata["failed_node_id"] = errState.FailedNodeID
			}
		}
	}

	msg := &protocol.Message{
		Role:  protocol.RoleAgent,
		Parts: []protocol.Part{protocol.TextPart(text)},
	}
	task := protocol.NewTask(exec.logicalTaskID, exec.sessionID, taskState, msg)
	task.Metadata = metadata
	return task
}
