// Package correlation tracks dispatched sub-tasks: which execution and node
// each sub_task_id belongs to and when to stop waiting for it. A background
// sweeper turns expired entries into synthetic timeout failures through the
// registered callback, so a silent agent can never hang a workflow.
package correlation

import (
	"context"
	"sync"
	"time"
)

// Entry is one outstanding sub-task.
type Entry struct {
	SubTaskID      string
	WorkflowTaskID string
	NodeID         string
	Timeout        time.Duration
	Deadline       time.Time
}

// ExpiryFunc receives entries whose deadline passed. It runs outside the
// registry lock.
type ExpiryFunc func(entry Entry)

// Logger is the minimal logging interface the registry needs.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// Registry is an in-memory correlation table with deadline sweeping. Safe
// for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry

	onExpire      ExpiryFunc
	sweepInterval time.Duration
	log           Logger
}

// NewRegistry creates an empty registry sweeping once per second.
func NewRegistry(log Logger) *Registry {
	return &Registry{
		entries:       make(map[string]Entry),
		sweepInterval: time.Second,
		log:           log,
	}
}

// WithSweepInterval overrides how often deadlines are checked.
func (r *Registry) WithSweepInterval(d time.Duration) *Registry {
	if d > 0 {
		r.sweepInterval = d
	}
	return r
}

// OnExpiry sets the callback invoked for expired entries. Set it before
// Start.
func (r *Registry) OnExpiry(fn ExpiryFunc) {
	r.onExpire = fn
}

// Register records a dispatched sub-task with its timeout budget.
func (r *Registry) Register(subTaskID, workflowTaskID, nodeID string, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[subTaskID] = Entry{
		SubTaskID:      subTaskID,
		WorkflowTaskID: workflowTaskID,
		NodeID:         nodeID,
		Timeout:        timeout,
		Deadline:       time.Now().Add(timeout),
	}
}

// Resolve looks up a sub-task without removing it. Consumers use it to route
// responses; the engine removes the entry once the completion is processed.
func (r *Registry) Resolve(subTaskID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[subTaskID]
	return e, ok
}

// Complete removes a sub-task, returning whether it was still tracked. A
// false return means the entry already expired or was completed before.
func (r *Registry) Complete(subTaskID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[subTaskID]
	if ok {
		delete(r.entries, subTaskID)
	}
	return e, ok
}

// DropWorkflow removes every entry belonging to the given execution and
// returns how many were dropped. Called at finalization so late responses
// for a finished workflow are not routed.
func (r *Registry) DropWorkflow(workflowTaskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, e := range r.entries {
		if e.WorkflowTaskID == workflowTaskID {
			delete(r.entries, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of outstanding sub-tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Start runs the deadline sweeper until the context is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	r.log.Info("starting correlation sweeper", "interval", r.sweepInterval.String())
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var expired []Entry
	for id, e := range r.entries {
		if now.After(e.Deadline) {
			expired = append(expired, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		r.log.Warn("sub-task deadline expired",
			"sub_task_id", e.SubTaskID,
			"workflow_task_id", e.WorkflowTaskID,
			"node_id", e.NodeID,
			"timeout", e.Timeout.String(),
		)
		if r.onExpire != nil {
			r.onExpire(e)
		}
	}
}
