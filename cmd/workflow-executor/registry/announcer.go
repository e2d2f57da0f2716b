package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// Announcer periodically publishes an agent card on the discovery topic. The
// executor uses it to advertise the workflow itself as an invokable agent;
// the persona simulator uses one per persona.
type Announcer struct {
	bus      bus.Bus
	topics   protocol.Topics
	card     protocol.AgentCard
	interval time.Duration
	log      Logger
}

// NewAnnouncer creates an announcer for the given card.
func NewAnnouncer(b bus.Bus, topics protocol.Topics, card protocol.AgentCard, interval time.Duration, log Logger) *Announcer {
	return &Announcer{bus: b, topics: topics, card: card, interval: interval, log: log}
}

// Start announces immediately and then on every interval tick until the
// context is cancelled.
func (a *Announcer) Start(ctx context.Context) error {
	if err := a.announce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.announce(ctx); err != nil {
				a.log.Warn("card announcement failed", "agent", a.card.Name, "error", err)
			}
		}
	}
}

func (a *Announcer) announce(ctx context.Context) error {
	payload, err := json.Marshal(a.card)
	if err != nil {
		return fmt.Errorf("failed to marshal agent card: %w", err)
	}
	msg := &bus.Message{
		Topic:   a.topics.Discovery(),
		Payload: payload,
	}
	if err := a.bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to announce agent card: %w", err)
	}
	a.log.Debug("agent card announced", "agent", a.card.Name)
	return nil
}
