// Package state holds the mutable bookkeeping of one workflow execution:
// which nodes completed and how, resolved node outputs, control-node
// trackers, join ledgers and the terminal error. The engine's run loop is
// the only writer; the operations API and the resolver read concurrently.
package state

import "encoding/json"

// CompletionKind discriminates how a node reached its terminal state.
type CompletionKind int

const (
	// KindArtifact marks a node whose agent produced an output artifact.
	KindArtifact CompletionKind = iota
	// KindSkipped marks a node bypassed by branch selection or a false when
	// clause. Skipped nodes satisfy dependency checks downstream.
	KindSkipped
	// KindCancelled marks a node abandoned by a join-any race or workflow
	// cancellation. Cancelled nodes satisfy dependency checks downstream.
	KindCancelled
	// KindControl marks a control node that completed by evaluating, not by
	// producing output.
	KindControl
)

// SkipReason qualifies a skipped completion.
type SkipReason string

const (
	SkipBranchNotTaken SkipReason = "branch_not_taken"
	SkipWhenFalse      SkipReason = "when_false"
	SkipUpstream       SkipReason = "upstream_skipped"
)

// Control markers recorded when a non-agent node completes.
const (
	MarkerConditional        = "conditional_evaluated"
	MarkerSwitch             = "switch_evaluated"
	MarkerJoin               = "join_completed"
	MarkerLoopMaxIterations  = "loop_max_iterations"
	MarkerLoopConditionFalse = "loop_condition_false"
)

// Sentinel strings used in the JSON snapshot form for skipped and cancelled
// completions. Observability consumers key off these values.
const (
	sentinelSkipped       = "SKIPPED"
	sentinelSkippedByWhen = "SKIPPED_BY_WHEN"
	sentinelCancelled     = "CANCELLED"
)

// Completion records a node's terminal state. Exactly one variant is
// populated, selected by Kind.
type Completion struct {
	Kind     CompletionKind
	Artifact string
	Version  int
	Reason   SkipReason
	Marker   string
}

// ArtifactCompletion records a node that produced the named artifact version.
func ArtifactCompletion(name string, version int) Completion {
	return Completion{Kind: KindArtifact, Artifact: name, Version: version}
}

// SkippedCompletion records a node bypassed for the given reason.
func SkippedCompletion(reason SkipReason) Completion {
	return Completion{Kind: KindSkipped, Reason: reason}
}

// CancelledCompletion records a node abandoned before its result arrived.
func CancelledCompletion() Completion {
	return Completion{Kind: KindCancelled}
}

// ControlCompletion records a control node's completion marker.
func ControlCompletion(marker string) Completion {
	return Completion{Kind: KindControl, Marker: marker}
}

// IsSkipped reports whether the node was bypassed.
func (c Completion) IsSkipped() bool { return c.Kind == KindSkipped }

// IsCancelled reports whether the node was abandoned.
func (c Completion) IsCancelled() bool { return c.Kind == KindCancelled }

// Sentinel returns the snapshot string form: the artifact name, the control
// marker, or one of the skip and cancel sentinels.
func (c Completion) Sentinel() string {
	switch c.Kind {
	case KindArtifact:
		return c.Artifact
	case KindSkipped:
		if c.Reason == SkipWhenFalse {
			return sentinelSkippedByWhen
		}
		return sentinelSkipped
	case KindCancelled:
		return sentinelCancelled
	default:
		return c.Marker
	}
}

// MarshalJSON renders the completion as its sentinel string.
func (c Completion) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Sentinel())
}
