package consumer

import (
	"context"

	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// ResponseRouter routes a sub-task response into its execution. False means
// the sub-task is unknown or already settled.
type ResponseRouter interface {
	HandleResponse(ctx context.Context, subTaskID string, resp *protocol.Response) bool
}

// ResponseConsumer holds the single pattern subscription covering every
// response topic of the workflow; the sub-task id is the final topic
// segment.
type ResponseConsumer struct {
	bus          bus.Bus
	topics       protocol.Topics
	workflowName string
	router       ResponseRouter
	log          Logger
}

// NewResponseConsumer creates the response consumer for the named workflow.
func NewResponseConsumer(b bus.Bus, topics protocol.Topics, workflowName string, router ResponseRouter, log Logger) *ResponseConsumer {
	return &ResponseConsumer{bus: b, topics: topics, workflowName: workflowName, router: router, log: log}
}

// Start subscribes to the workflow's response pattern.
func (c *ResponseConsumer) Start(ctx context.Context) error {
	pattern := c.topics.ResponsePattern(c.workflowName)
	c.log.Info("starting response consumer", "pattern", pattern)
	return c.bus.SubscribePattern(ctx, pattern, c.handle)
}

func (c *ResponseConsumer) handle(ctx context.Context, msg *bus.Message) error {
	subTaskID := protocol.SubTaskFromTopic(msg.Topic)
	if subTaskID == "" {
		c.log.Warn("dropping response without sub-task id", "topic", msg.Topic)
		return nil
	}
	resp, err := protocol.ParseResponse(msg.Payload)
	if err != nil {
		c.log.Warn("dropping malformed response", "sub_task_id", subTaskID, "error", err)
		return nil
	}
	if !c.router.HandleResponse(ctx, subTaskID, resp) {
		// Expected for responses landing after a timeout or cancellation.
		c.log.Warn("dropping response for unknown sub-task", "sub_task_id", subTaskID)
	}
	return nil
}
