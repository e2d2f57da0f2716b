package consumer

import (
	"context"

	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// SubmitGroup is the consumer group name on the workflow's request queue, so
// concurrent executor instances compete for submissions.
const SubmitGroup = "workflow_executors"

// Submitter accepts workflow submissions. The engine acknowledges or defers
// each message itself.
type Submitter interface {
	Submit(ctx context.Context, msg *bus.Message) error
}

// SubmitConsumer drains the workflow's request queue.
type SubmitConsumer struct {
	bus          bus.Bus
	topics       protocol.Topics
	workflowName string
	engine       Submitter
	log          Logger
}

// NewSubmitConsumer creates the submit consumer for the named workflow.
func NewSubmitConsumer(b bus.Bus, topics protocol.Topics, workflowName string, engine Submitter, log Logger) *SubmitConsumer {
	return &SubmitConsumer{bus: b, topics: topics, workflowName: workflowName, engine: engine, log: log}
}

// Start consumes the request queue until the context ends.
func (c *SubmitConsumer) Start(ctx context.Context) error {
	topic := c.topics.AgentRequest(c.workflowName)
	c.log.Info("starting submit consumer", "topic", topic, "group", SubmitGroup)
	return c.bus.Consume(ctx, topic, SubmitGroup, c.engine.Submit)
}
