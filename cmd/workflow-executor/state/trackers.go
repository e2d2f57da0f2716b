package state

import "sort"

// SubTaskState is the one-way lifecycle of a dispatched sub-task.
type SubTaskState int

const (
	SubTaskDispatched SubTaskState = iota
	SubTaskCompleted
	SubTaskFailed
	SubTaskCancelled
)

func (s SubTaskState) String() string {
	switch s {
	case SubTaskDispatched:
		return "dispatched"
	case SubTaskCompleted:
		return "completed"
	case SubTaskFailed:
		return "failed"
	case SubTaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s SubTaskState) Terminal() bool { return s != SubTaskDispatched }

// Tracker is a control node's record of its in-flight children. SubTaskIDs
// lists the outstanding sub-task ids so cancellation can drop their
// correlation entries.
type Tracker interface {
	SubTaskIDs() []string
}

// ForkBranchRun is one branch of a running fork.
type ForkBranchRun struct {
	BranchID  string
	OutputKey string
	SubTaskID string
	State     SubTaskState
	Result    any
}

// ForkTracker follows the parallel branches of a fork node.
type ForkTracker struct {
	GroupID  string
	Branches []*ForkBranchRun
}

// Branch returns the branch owning the given sub-task id, or nil.
func (t *ForkTracker) Branch(subTaskID string) *ForkBranchRun {
	for _, b := range t.Branches {
		if b.SubTaskID == subTaskID {
			return b
		}
	}
	return nil
}

// AllCompleted reports whether every branch finished successfully.
func (t *ForkTracker) AllCompleted() bool {
	for _, b := range t.Branches {
		if b.State != SubTaskCompleted {
			return false
		}
	}
	return true
}

// SubTaskIDs returns the sub-task ids of branches still in flight.
func (t *ForkTracker) SubTaskIDs() []string {
	var ids []string
	for _, b := range t.Branches {
		if b.State == SubTaskDispatched {
			ids = append(ids, b.SubTaskID)
		}
	}
	return ids
}

// MapTracker follows the bounded-concurrency iterations of a map node.
// Results are positional so completion order never changes output order.
type MapTracker struct {
	GroupID          string
	TargetNodeID     string
	Items            []any
	Results          []any
	ConcurrencyLimit int
	CompletedCount   int

	// Pending holds the item indexes not yet dispatched, kept ascending so
	// launches proceed in input order. Active maps in-flight indexes to
	// their sub-task ids, Entries the reverse.
	Pending []int
	Active  map[int]string
	Entries map[string]int
}

// NewMapTracker prepares a tracker for the given items.
func NewMapTracker(items []any, concurrencyLimit int, targetNodeID, groupID string) *MapTracker {
	pending := make([]int, len(items))
	for i := range items {
		pending[i] = i
	}
	return &MapTracker{
		GroupID:          groupID,
		TargetNodeID:     targetNodeID,
		Items:            items,
		Results:          make([]any, len(items)),
		ConcurrencyLimit: concurrencyLimit,
		Pending:          pending,
		Active:           make(map[int]string),
		Entries:          make(map[string]int),
	}
}

// CanLaunch reports whether another iteration may be dispatched now.
func (t *MapTracker) CanLaunch() bool {
	if len(t.Pending) == 0 {
		return false
	}
	return t.ConcurrencyLimit <= 0 || len(t.Active) < t.ConcurrencyLimit
}

// NextIndex pops the smallest pending item index.
func (t *MapTracker) NextIndex() int {
	i := t.Pending[0]
	t.Pending = t.Pending[1:]
	return i
}

// Done reports whether every item has a result.
func (t *MapTracker) Done() bool {
	return t.CompletedCount == len(t.Items)
}

// SubTaskIDs returns the in-flight sub-task ids in item order.
func (t *MapTracker) SubTaskIDs() []string {
	indexes := make([]int, 0, len(t.Active))
	for i := range t.Active {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	ids := make([]string, 0, len(indexes))
	for _, i := range indexes {
		ids = append(ids, t.Active[i])
	}
	return ids
}

// LoopTracker follows the single in-flight iteration of a loop node.
type LoopTracker struct {
	InnerNodeID string
	// Iterations counts completed iterations.
	Iterations int
	// CurrentSubTask and CurrentChildID identify the in-flight iteration,
	// empty between iterations.
	CurrentSubTask string
	CurrentChildID string
	// ResumePending is set while a between-iteration delay timer is armed.
	ResumePending bool
}

// SubTaskIDs returns the in-flight iteration's sub-task id, if any.
func (t *LoopTracker) SubTaskIDs() []string {
	if t.CurrentSubTask == "" {
		return nil
	}
	return []string{t.CurrentSubTask}
}
