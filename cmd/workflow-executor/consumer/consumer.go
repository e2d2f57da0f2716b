// Package consumer hosts the executor's fixed bus subscriptions: the submit
// work queue, the workflow's response and status fan-out patterns, and the
// shared discovery topic. Consumers translate bus messages into engine and
// registry calls; they hold no workflow state of their own.
package consumer

// Logger is the logging surface consumers need.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}
