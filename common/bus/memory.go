package bus

import (
	"context"
	"path"
	"sync"
)

// MemoryBus is an in-process Bus used by tests and local development. Queue
// topics are buffered channels with competing consumers; fan-out patterns are
// matched per-segment the way the Redis implementation matches them.
type MemoryBus struct {
	mu      sync.RWMutex
	queues  map[string]chan *Message
	subs    []*memorySub
	acks    map[string]int
	closed  bool
	log     Logger
	bufSize int
}

type memorySub struct {
	pattern string
	ch      chan *Message
}

// NewMemoryBus creates a new in-memory bus.
func NewMemoryBus(log Logger) *MemoryBus {
	return &MemoryBus{
		queues:  make(map[string]chan *Message),
		acks:    make(map[string]int),
		log:     log,
		bufSize: 1024,
	}
}

func (b *MemoryBus) queue(topic string) chan *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[topic]
	if !ok {
		ch = make(chan *Message, b.bufSize)
		b.queues[topic] = ch
	}
	return ch
}

// Publish fans the message out to every subscription whose pattern matches.
func (b *MemoryBus) Publish(ctx context.Context, msg *Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !topicMatches(sub.pattern, msg.Topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.log.Warn("subscriber buffer full, dropping", "pattern", sub.pattern, "topic", msg.Topic)
		}
	}
	return nil
}

// Enqueue appends to the topic's queue.
func (b *MemoryBus) Enqueue(ctx context.Context, msg *Message) error {
	ch := b.queue(msg.Topic)
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		b.log.Warn("queue full", "topic", msg.Topic)
		return nil
	}
}

// Consume delivers queue messages to the handler until the context ends.
// The group name is accepted for interface parity; the memory bus keeps a
// single group per topic.
func (b *MemoryBus) Consume(ctx context.Context, topic, group string, h Handler) error {
	ch := b.queue(topic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			msg.SetAcker(func(context.Context) error {
				b.mu.Lock()
				b.acks[topic]++
				b.mu.Unlock()
				return nil
			})
			if err := h(ctx, msg); err != nil {
				b.log.Error("queue handler failed", "topic", topic, "error", err)
			}
		}
	}
}

// SubscribePattern registers a fan-out subscription and pumps deliveries
// into the handler on a dedicated goroutine.
func (b *MemoryBus) SubscribePattern(ctx context.Context, pattern string, h Handler) error {
	sub := &memorySub{
		pattern: pattern,
		ch:      make(chan *Message, b.bufSize),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.ch:
				if !ok {
					return
				}
				if err := h(ctx, msg); err != nil {
					b.log.Error("subscription handler failed", "topic", msg.Topic, "error", err)
				}
			}
		}
	}()
	return nil
}

// AckCount reports how many messages were acknowledged on a queue topic.
func (b *MemoryBus) AckCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.acks[topic]
}

// Close shuts the bus down; later sends are dropped.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	return nil
}

// topicMatches reports whether a fan-out pattern matches a topic. Patterns
// use `*` within a single `/`-separated segment, mirroring PSUBSCRIBE usage
// in this codebase (response/status patterns end in a `*` segment).
func topicMatches(pattern, topic string) bool {
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}
