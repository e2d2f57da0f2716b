package consumer

import (
	"context"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/correlation"
	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// StatusConsumer watches the workflow's status pattern. Status updates are
// informational; they are logged with their execution context and otherwise
// ignored.
type StatusConsumer struct {
	bus          bus.Bus
	topics       protocol.Topics
	workflowName string
	correl       *correlation.Registry
	log          Logger
}

// NewStatusConsumer creates the status consumer for the named workflow.
func NewStatusConsumer(b bus.Bus, topics protocol.Topics, workflowName string, correl *correlation.Registry, log Logger) *StatusConsumer {
	return &StatusConsumer{bus: b, topics: topics, workflowName: workflowName, correl: correl, log: log}
}

// Start subscribes to the workflow's status pattern.
func (c *StatusConsumer) Start(ctx context.Context) error {
	pattern := c.topics.StatusPattern(c.workflowName)
	c.log.Info("starting status consumer", "pattern", pattern)
	return c.bus.SubscribePattern(ctx, pattern, c.handle)
}

func (c *StatusConsumer) handle(ctx context.Context, msg *bus.Message) error {
	subTaskID := protocol.SubTaskFromTopic(msg.Topic)
	resp, err := protocol.ParseResponse(msg.Payload)
	if err != nil || resp.Result == nil {
		c.log.Debug("ignoring malformed status update", "topic", msg.Topic)
		return nil
	}

	fields := []any{
		"sub_task_id", subTaskID,
		"state", string(resp.Result.Status.State),
	}
	if entry, ok := c.correl.Resolve(subTaskID); ok {
		fields = append(fields,
			"workflow_task_id", entry.WorkflowTaskID,
			"node_id", entry.NodeID,
		)
	}
	c.log.Debug("sub-task status update", fields...)
	return nil
}
