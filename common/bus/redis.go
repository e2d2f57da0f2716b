package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// envelope is the wire form used on pub/sub channels, where the transport
// carries a single string and user-properties must ride inside it.
type envelope struct {
	Payload    json.RawMessage   `json:"payload"`
	Properties map[string]string `json:"properties,omitempty"`
}

// RedisBus implements Bus on Redis: streams with consumer groups for queue
// topics, pub/sub channels for fan-out topics.
type RedisBus struct {
	client       *redis.Client
	log          Logger
	consumerName string

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	closed  bool
}

// NewRedisBus creates a bus backed by the given Redis client.
func NewRedisBus(client *redis.Client, log Logger) *RedisBus {
	return &RedisBus{
		client:       client,
		log:          log,
		consumerName: fmt.Sprintf("bus_consumer_%s", uuid.New().String()[:8]),
	}
}

// Publish fans the message out to current subscribers of the topic.
func (b *RedisBus) Publish(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(envelope{
		Payload:    json.RawMessage(msg.Payload),
		Properties: msg.Properties,
	})
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", msg.Topic, err)
	}
	if err := b.client.Publish(ctx, msg.Topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Enqueue appends the message to the topic's stream.
func (b *RedisBus) Enqueue(ctx context.Context, msg *Message) error {
	values := map[string]interface{}{
		"payload": string(msg.Payload),
	}
	if len(msg.Properties) > 0 {
		props, err := json.Marshal(msg.Properties)
		if err != nil {
			return fmt.Errorf("failed to encode properties for %s: %w", msg.Topic, err)
		}
		values["properties"] = string(props)
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: msg.Topic,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue to %s: %w", msg.Topic, err)
	}
	return nil
}

// Consume reads the topic's stream as a member of the consumer group and
// hands each message to the handler. Messages stay pending until Ack.
func (b *RedisBus) Consume(ctx context.Context, topic, group string, h Handler) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, topic, err)
	}

	b.log.Info("consuming stream",
		"topic", topic,
		"group", group,
		"consumer", b.consumerName)

	for {
		select {
		case <-ctx.Done():
			b.log.Info("stream consumer stopping", "topic", topic)
			return nil
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumerName,
			Streams:  []string{topic, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Error("stream read failed", "topic", topic, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, raw := range stream.Messages {
				msg := b.streamMessage(topic, group, raw)
				if err := h(ctx, msg); err != nil {
					// Unacked messages remain in the pending list for
					// redelivery; the handler owns dedup.
					b.log.Error("stream handler failed",
						"topic", topic,
						"message_id", raw.ID,
						"error", err)
				}
			}
		}
	}
}

func (b *RedisBus) streamMessage(topic, group string, raw redis.XMessage) *Message {
	msg := &Message{Topic: topic}
	if payload, ok := raw.Values["payload"].(string); ok {
		msg.Payload = []byte(payload)
	}
	if props, ok := raw.Values["properties"].(string); ok {
		if err := json.Unmarshal([]byte(props), &msg.Properties); err != nil {
			b.log.Warn("malformed message properties", "topic", topic, "message_id", raw.ID)
		}
	}
	id := raw.ID
	msg.SetAcker(func(ctx context.Context) error {
		return b.client.XAck(ctx, topic, group, id).Err()
	})
	return msg
}

// SubscribePattern subscribes to a fan-out pattern (PSUBSCRIBE semantics) and
// runs the handler for every delivery until the context ends.
func (b *RedisBus) SubscribePattern(ctx context.Context, pattern string, h Handler) error {
	ps := b.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	b.mu.Lock()
	b.pubsubs = append(b.pubsubs, ps)
	b.mu.Unlock()

	b.log.Info("subscribed", "pattern", pattern)

	ch := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil {
					b.log.Warn("malformed bus message", "channel", raw.Channel)
					continue
				}
				msg := &Message{
					Topic:      raw.Channel,
					Payload:    env.Payload,
					Properties: env.Properties,
				}
				if err := h(ctx, msg); err != nil {
					b.log.Error("subscription handler failed",
						"channel", raw.Channel,
						"error", err)
				}
			}
		}
	}()

	return nil
}

// Close tears down all pattern subscriptions. The Redis client itself is
// owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ps := range b.pubsubs {
		ps.Close()
	}
	return nil
}
