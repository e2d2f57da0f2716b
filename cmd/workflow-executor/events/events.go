// Package events publishes the executor's progress feed. Every execution
// gets an observer topic; clients and dashboards subscribe to watch nodes
// start and finish in real time. Events are a side channel: publish failures
// are logged and swallowed, they never affect execution.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// Kind names an event type on the observer feed.
type Kind string

const (
	KindNodeStart   Kind = "node_execution_start"
	KindNodeResult  Kind = "node_execution_result"
	KindMapProgress Kind = "map_progress"
)

// Result statuses carried by node_execution_result events.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

// Progress statuses carried by map_progress events.
const (
	ProgressRunning   = "running"
	ProgressCompleted = "completed"
)

// Event is one entry on an execution's observer feed. Only the fields
// relevant to the Kind are set.
type Event struct {
	Type           Kind   `json:"type"`
	WorkflowName   string `json:"workflow_name"`
	ExecutionID    string `json:"execution_id"`
	WorkflowTaskID string `json:"workflow_task_id"`
	Timestamp      int64  `json:"timestamp"`

	NodeID          string `json:"node_id,omitempty"`
	NodeType        string `json:"node_type,omitempty"`
	AgentName       string `json:"agent_name,omitempty"`
	SubTaskID       string `json:"sub_task_id,omitempty"`
	ParentNodeID    string `json:"parent_node_id,omitempty"`
	ParallelGroupID string `json:"parallel_group_id,omitempty"`
	IterationIndex  *int   `json:"iteration_index,omitempty"`

	Status          string `json:"status,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	SelectedBranch  string `json:"selected_branch,omitempty"`
	ArtifactName    string `json:"artifact_name,omitempty"`
	ArtifactVersion int    `json:"artifact_version,omitempty"`

	Total     int `json:"total,omitempty"`
	Completed int `json:"completed,omitempty"`
}

// Index returns a pointer for IterationIndex so index zero survives
// omitempty.
func Index(i int) *int { return &i }

// Logger is the minimal logging interface the publisher needs.
type Logger interface {
	Error(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// Publisher emits events on per-execution observer topics.
type Publisher struct {
	bus          bus.Bus
	topics       protocol.Topics
	workflowName string
	log          Logger
}

// NewPublisher creates a publisher for the named workflow.
func NewPublisher(b bus.Bus, topics protocol.Topics, workflowName string, log Logger) *Publisher {
	return &Publisher{bus: b, topics: topics, workflowName: workflowName, log: log}
}

// Emit stamps the event with execution identity and publishes it to the
// execution's observer topic.
func (p *Publisher) Emit(ctx context.Context, executionID, workflowTaskID string, ev Event) {
	ev.WorkflowName = p.workflowName
	ev.ExecutionID = executionID
	ev.WorkflowTaskID = workflowTaskID
	ev.Timestamp = time.Now().Unix()

	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("failed to marshal event", "type", string(ev.Type), "error", err)
		return
	}

	msg := &bus.Message{
		Topic:   p.topics.Observer(workflowTaskID),
		Payload: payload,
	}
	if err := p.bus.Publish(ctx, msg); err != nil {
		p.log.Error("failed to publish event",
			"type", string(ev.Type),
			"workflow_task_id", workflowTaskID,
			"error", err,
		)
	}
}
