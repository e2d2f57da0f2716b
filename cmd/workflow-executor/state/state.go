package state

import (
	"sort"
	"sync"
	"time"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/resolver"
)

// ErrorState captures the first failure of an execution.
type ErrorState struct {
	FailedNodeID  string    `json:"failed_node_id,omitempty"`
	FailureReason string    `json:"failure_reason"`
	ErrorMessage  string    `json:"error_message"`
	Timestamp     time.Time `json:"timestamp"`
}

// joinLedger accumulates wait_for arrivals for one join node.
type joinLedger struct {
	completed []string
	results   map[string]any
}

// JoinView is the read-only snapshot form of a join ledger.
type JoinView struct {
	Completed []string       `json:"completed"`
	Results   map[string]any `json:"results"`
}

// State is one execution's bookkeeping. All methods are safe for concurrent
// use: the engine's run loop writes, the operations API and the resolver
// read. Node outputs are stored as {"output": value} entries so template
// paths traverse node.output.field uniformly.
type State struct {
	workflowName string
	executionID  string
	startTime    time.Time

	mu        sync.RWMutex
	completed map[string]Completion
	pending   map[string]bool
	skipped   map[string]string
	outputs   map[string]any
	trackers  map[string]Tracker
	loopIters map[string]int
	joins     map[string]*joinLedger
	errState  *ErrorState
	metadata  map[string]any
}

// New creates the state for an execution, seeding node_outputs with the
// workflow input.
func New(workflowName, executionID string, input any) *State {
	s := &State{
		workflowName: workflowName,
		executionID:  executionID,
		startTime:    time.Now(),
		completed:    make(map[string]Completion),
		pending:      make(map[string]bool),
		skipped:      make(map[string]string),
		outputs:      make(map[string]any),
		trackers:     make(map[string]Tracker),
		loopIters:    make(map[string]int),
		joins:        make(map[string]*joinLedger),
		metadata:     make(map[string]any),
	}
	s.outputs[resolver.KeyWorkflowInput] = map[string]any{"output": input}
	return s
}

// WorkflowName returns the definition name this execution runs.
func (s *State) WorkflowName() string { return s.workflowName }

// ExecutionID returns the short execution id.
func (s *State) ExecutionID() string { return s.executionID }

// StartTime returns when the execution was accepted.
func (s *State) StartTime() time.Time { return s.startTime }

// NodeOutput implements resolver.Source.
func (s *State) NodeOutput(id string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.outputs[id]
	return v, ok
}

// SetNodeOutput stores a node's resolved output wrapped as an entry.
func (s *State) SetNodeOutput(id string, output any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[id] = map[string]any{"output": output}
}

// RemoveNodeOutput drops an entry, used to clear reserved loop variables.
func (s *State) RemoveNodeOutput(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outputs, id)
}

// Complete records a node's terminal state and clears its pending mark.
func (s *State) Complete(id string, c Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = c
	delete(s.pending, id)
	if c.Kind == KindSkipped {
		s.skipped[id] = string(c.Reason)
	}
}

// Completion returns how a node completed.
func (s *State) Completion(id string) (Completion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.completed[id]
	return c, ok
}

// IsCompleted reports whether the node reached a terminal state.
func (s *State) IsCompleted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.completed[id]
	return ok
}

// CompletedCount returns the number of terminal nodes, inner children
// included.
func (s *State) CompletedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.completed)
}

// MarkPending flags a node as dispatched and awaiting completion.
func (s *State) MarkPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = true
}

// ClearPending removes the pending mark without completing the node.
func (s *State) ClearPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// IsPending reports whether the node is dispatched and unfinished.
func (s *State) IsPending(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending[id]
}

// PendingCount returns the number of in-flight nodes.
func (s *State) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// SetTracker installs a control node's tracker.
func (s *State) SetTracker(id string, t Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackers[id] = t
}

// Tracker returns a control node's tracker.
func (s *State) Tracker(id string) (Tracker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trackers[id]
	return t, ok
}

// RemoveTracker drops a finished control node's tracker.
func (s *State) RemoveTracker(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trackers, id)
}

// Trackers returns the active trackers keyed by node id.
func (s *State) Trackers() map[string]Tracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Tracker, len(s.trackers))
	for id, t := range s.trackers {
		out[id] = t
	}
	return out
}

// SetLoopIteration records a loop node's current iteration count.
func (s *State) SetLoopIteration(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loopIters[id] = n
}

// JoinArrived reports whether the join already recorded the given node.
func (s *State) JoinArrived(joinID, nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ledger, ok := s.joins[joinID]
	if !ok {
		return false
	}
	for _, id := range ledger.completed {
		if id == nodeID {
			return true
		}
	}
	return false
}

// RecordJoinArrival appends a wait_for completion to the join's ledger,
// keeping arrival order. The result is stored only when present.
func (s *State) RecordJoinArrival(joinID, nodeID string, result any, hasResult bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ledger, ok := s.joins[joinID]
	if !ok {
		ledger = &joinLedger{results: make(map[string]any)}
		s.joins[joinID] = ledger
	}
	ledger.completed = append(ledger.completed, nodeID)
	if hasResult {
		ledger.results[nodeID] = result
	}
}

// JoinProgress returns copies of the join's arrival list and results.
func (s *State) JoinProgress(joinID string) ([]string, map[string]any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ledger, ok := s.joins[joinID]
	if !ok {
		return nil, map[string]any{}
	}
	completed := make([]string, len(ledger.completed))
	copy(completed, ledger.completed)
	results := make(map[string]any, len(ledger.results))
	for k, v := range ledger.results {
		results[k] = v
	}
	return completed, results
}

// SetError records the first failure; later calls are ignored so the
// original cause survives cascading teardown.
func (s *State) SetError(failedNodeID, reason, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errState != nil {
		return
	}
	s.errState = &ErrorState{
		FailedNodeID:  failedNodeID,
		FailureReason: reason,
		ErrorMessage:  message,
		Timestamp:     time.Now(),
	}
}

// Error returns the recorded failure, or nil.
func (s *State) Error() *ErrorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.errState == nil {
		return nil
	}
	e := *s.errState
	return &e
}

// SetMetadata stores a free-form execution annotation.
func (s *State) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Snapshot is the read-only JSON view served by the operations API.
type Snapshot struct {
	WorkflowName   string              `json:"workflow_name"`
	ExecutionID    string              `json:"execution_id"`
	StartTime      time.Time           `json:"start_time"`
	CompletedNodes map[string]string   `json:"completed_nodes"`
	PendingNodes   []string            `json:"pending_nodes"`
	SkippedNodes   map[string]string   `json:"skipped_nodes,omitempty"`
	NodeOutputs    map[string]any      `json:"node_outputs"`
	LoopIterations map[string]int      `json:"loop_iterations,omitempty"`
	ActiveTrackers map[string]string   `json:"active_trackers,omitempty"`
	Joins          map[string]JoinView `json:"joins,omitempty"`
	Error          *ErrorState         `json:"error_state,omitempty"`
	Metadata       map[string]any      `json:"metadata,omitempty"`
}

// Snapshot copies the current state. Output values are shared, not deep
// copied; the engine replaces entries wholesale rather than mutating them in
// place.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		WorkflowName:   s.workflowName,
		ExecutionID:    s.executionID,
		StartTime:      s.startTime,
		CompletedNodes: make(map[string]string, len(s.completed)),
		PendingNodes:   make([]string, 0, len(s.pending)),
		NodeOutputs:    make(map[string]any, len(s.outputs)),
	}
	for id, c := range s.completed {
		snap.CompletedNodes[id] = c.Sentinel()
	}
	for id := range s.pending {
		snap.PendingNodes = append(snap.PendingNodes, id)
	}
	sort.Strings(snap.PendingNodes)
	for id, v := range s.outputs {
		snap.NodeOutputs[id] = v
	}
	if len(s.skipped) > 0 {
		snap.SkippedNodes = make(map[string]string, len(s.skipped))
		for id, reason := range s.skipped {
			snap.SkippedNodes[id] = reason
		}
	}
	if len(s.loopIters) > 0 {
		snap.LoopIterations = make(map[string]int, len(s.loopIters))
		for id, n := range s.loopIters {
			snap.LoopIterations[id] = n
		}
	}
	if len(s.trackers) > 0 {
		snap.ActiveTrackers = make(map[string]string, len(s.trackers))
		for id, t := range s.trackers {
			snap.ActiveTrackers[id] = trackerKind(t)
		}
	}
	if len(s.joins) > 0 {
		snap.Joins = make(map[string]JoinView, len(s.joins))
		for id, ledger := range s.joins {
			completed := make([]string, len(ledger.completed))
			copy(completed, ledger.completed)
			results := make(map[string]any, len(ledger.results))
			for k, v := range ledger.results {
				results[k] = v
			}
			snap.Joins[id] = JoinView{Completed: completed, Results: results}
		}
	}
	if s.errState != nil {
		e := *s.errState
		snap.Error = &e
	}
	if len(s.metadata) > 0 {
		snap.Metadata = make(map[string]any, len(s.metadata))
		for k, v := range s.metadata {
			snap.Metadata[k] = v
		}
	}
	return snap
}

func trackerKind(t Tracker) string {
	switch t.(type) {
	case *ForkTracker:
		return "fork"
	case *MapTracker:
		return "map"
	case *LoopTracker:
		return "loop"
	default:
		return "unknown"
	}
}

// Overlay is a resolver view layering extra node_outputs entries over the
// state without mutating it. Map iterations use it so concurrent items each
// see their own _map_item and _map_index.
type Overlay struct {
	base  *State
	extra map[string]any
}

// Overlay returns a view with the given entries taking precedence. Values
// must already be {"output": ...} entries.
func (s *State) Overlay(extra map[string]any) *Overlay {
	return &Overlay{base: s, extra: extra}
}

// NodeOutput implements resolver.Source.
func (o *Overlay) NodeOutput(id string) (any, bool) {
	if v, ok := o.extra[id]; ok {
		return v, true
	}
	return o.base.NodeOutput(id)
}
