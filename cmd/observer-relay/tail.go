package main

import (
	"context"

	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/logger"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// Tail holds the single pattern subscription covering every observer topic
// in the namespace and feeds the hub. The workflow task id is the final
// topic segment.
type Tail struct {
	bus    bus.Bus
	topics protocol.Topics
	hub    *Hub
	log    *logger.Logger
}

// NewTail creates the observer tail.
func NewTail(b bus.Bus, topics protocol.Topics, hub *Hub, log *logger.Logger) *Tail {
	return &Tail{bus: b, topics: topics, hub: hub, log: log.WithComponent("tail")}
}

// Start subscribes to the namespace's observer pattern.
func (t *Tail) Start(ctx context.Context) error {
	pattern := t.topics.Observer("*")
	t.log.Info("tailing observer topics", "pattern", pattern)
	return t.bus.SubscribePattern(ctx, pattern, t.handle)
}

func (t *Tail) handle(ctx context.Context, msg *bus.Message) error {
	id := protocol.SubTaskFromTopic(msg.Topic)
	if id == "" {
		t.log.Warn("dropping observer event without workflow task id", "topic", msg.Topic)
		return nil
	}
	t.hub.Broadcast(id, msg.Payload)
	return nil
}
