package consumer

import (
	"context"
	"encoding/json"

	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// CardStore ingests discovery announcements: full agent cards and
// incremental card patches.
type CardStore interface {
	Ingest(raw []byte) error
	ApplyPatch(p *protocol.CardPatch) error
}

// DiscoveryConsumer feeds the agent registry from the shared discovery
// topic. Malformed or rejected announcements are dropped with a warning;
// they never disturb running workflows.
type DiscoveryConsumer struct {
	bus    bus.Bus
	topics protocol.Topics
	cards  CardStore
	log    Logger
}

// NewDiscoveryConsumer creates the discovery consumer.
func NewDiscoveryConsumer(b bus.Bus, topics protocol.Topics, cards CardStore, log Logger) *DiscoveryConsumer {
	return &DiscoveryConsumer{bus: b, topics: topics, cards: cards, log: log}
}

// Start subscribes to the discovery topic.
func (c *DiscoveryConsumer) Start(ctx context.Context) error {
	topic := c.topics.Discovery()
	c.log.Info("starting discovery consumer", "topic", topic)
	return c.bus.SubscribePattern(ctx, topic, c.handle)
}

func (c *DiscoveryConsumer) handle(ctx context.Context, msg *bus.Message) error {
	var probe struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(msg.Payload, &probe); err != nil {
		c.log.Warn("ignoring malformed discovery announcement", "error", err)
		return nil
	}

	if probe.Type == protocol.TypeCardPatch {
		var patch protocol.CardPatch
		if err := json.Unmarshal(msg.Payload, &patch); err != nil {
			c.log.Warn("ignoring malformed card patch", "agent", probe.Name, "error", err)
			return nil
		}
		if err := c.cards.ApplyPatch(&patch); err != nil {
			c.log.Warn("rejected agent card patch", "agent", patch.Name, "error", err)
		}
		return nil
	}

	if err := c.cards.Ingest(msg.Payload); err != nil {
		c.log.Warn("rejected agent card", "error", err)
	}
	return nil
}
