// Package bus abstracts the asynchronous message fabric the executor and the
// persona agents communicate over. Request topics behave like work queues
// (competing consumers, explicit acknowledgement); response, status,
// discovery and observer topics are fan-out.
package bus

import "context"

// Message is a single bus message. Payload is the raw body (JSON in this
// system); Properties carry the user-properties of the underlying transport.
type Message struct {
	Topic      string
	Payload    []byte
	Properties map[string]string

	ack func(context.Context) error
}

// Ack acknowledges the message with its source. Fan-out deliveries have no
// acknowledgement; Ack is then a no-op.
func (m *Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// SetAcker attaches the acknowledgement callback. Bus implementations call
// this when delivering queue messages; tests use it to observe acks.
func (m *Message) SetAcker(fn func(context.Context) error) {
	m.ack = fn
}

// Property returns a user-property value, or "" when absent.
func (m *Message) Property(key string) string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[key]
}

// Handler processes a delivered message. Returning an error leaves a queue
// message unacknowledged; fan-out deliveries only log the error.
type Handler func(ctx context.Context, msg *Message) error

// Bus is the transport used by the executor and personas.
//
// Publish/SubscribePattern provide fan-out semantics (a pattern may end in a
// `*` segment). Enqueue/Consume provide queue semantics: each message is
// delivered to one member of the consumer group and must be acknowledged via
// Message.Ack, which may happen long after the handler returns.
type Bus interface {
	Publish(ctx context.Context, msg *Message) error
	Enqueue(ctx context.Context, msg *Message) error
	Consume(ctx context.Context, topic, group string, h Handler) error
	SubscribePattern(ctx context.Context, pattern string, h Handler) error
	Close() error
}

// Logger is the logging surface bus implementations need.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}
