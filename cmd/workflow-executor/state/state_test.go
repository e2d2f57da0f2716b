package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/resolver"
)

func TestCompletion_Sentinels(t *testing.T) {
	cases := []struct {
		name string
		c    Completion
		want string
	}{
		{"artifact", ArtifactCompletion("fetch_out.json", 3), "fetch_out.json"},
		{"skipped branch", SkippedCompletion(SkipBranchNotTaken), "SKIPPED"},
		{"skipped upstream", SkippedCompletion(SkipUpstream), "SKIPPED"},
		{"skipped when", SkippedCompletion(SkipWhenFalse), "SKIPPED_BY_WHEN"},
		{"cancelled", CancelledCompletion(), "CANCELLED"},
		{"control", ControlCompletion(MarkerJoin), "join_completed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.c.Sentinel())

			data, err := json.Marshal(tc.c)
			require.NoError(t, err)
			assert.Equal(t, `"`+tc.want+`"`, string(data))
		})
	}
}

func TestState_CompleteClearsPending(t *testing.T) {
	s := New("pipeline", "abc12345", map[string]any{"q": "go"})

	s.MarkPending("fetch")
	assert.True(t, s.IsPending("fetch"))

	s.Complete("fetch", ArtifactCompletion("out.json", 1))
	assert.False(t, s.IsPending("fetch"))
	assert.True(t, s.IsCompleted("fetch"))

	c, ok := s.Completion("fetch")
	require.True(t, ok)
	assert.Equal(t, KindArtifact, c.Kind)
	assert.Equal(t, 1, c.Version)
}

func TestState_WorkflowInputSeeded(t *testing.T) {
	s := New("pipeline", "abc12345", map[string]any{"q": "go"})

	v, err := resolver.ResolvePath("workflow.input.q", s)
	require.NoError(t, err)
	assert.Equal(t, "go", v)
}

func TestState_SetErrorKeepsFirst(t *testing.T) {
	s := New("pipeline", "abc12345", nil)

	s.SetError("fetch", "agent_failure", "boom")
	s.SetError("rank", "agent_failure", "later")

	e := s.Error()
	require.NotNil(t, e)
	assert.Equal(t, "fetch", e.FailedNodeID)
	assert.Equal(t, "boom", e.ErrorMessage)
}

func TestState_JoinLedger(t *testing.T) {
	s := New("pipeline", "abc12345", nil)

	assert.False(t, s.JoinArrived("j", "a"))
	s.RecordJoinArrival("j", "a", map[string]any{"v": 1}, true)
	s.RecordJoinArrival("j", "b", nil, false)
	assert.True(t, s.JoinArrived("j", "a"))

	completed, results := s.JoinProgress("j")
	assert.Equal(t, []string{"a", "b"}, completed)
	assert.Contains(t, results, "a")
	assert.NotContains(t, results, "b")
}

func TestState_SnapshotShapes(t *testing.T) {
	s := New("pipeline", "abc12345", map[string]any{"q": "go"})
	s.MarkPending("rank")
	s.MarkPending("fetch")
	s.Complete("gate", ControlCompletion(MarkerConditional))
	s.Complete("alt", SkippedCompletion(SkipBranchNotTaken))
	s.SetNodeOutput("gate", map[string]any{"condition_result": true})
	s.SetLoopIteration("refine", 2)
	s.SetTracker("refine", &LoopTracker{InnerNodeID: "polish"})

	snap := s.Snapshot()
	assert.Equal(t, "pipeline", snap.WorkflowName)
	assert.Equal(t, []string{"fetch", "rank"}, snap.PendingNodes)
	assert.Equal(t, "conditional_evaluated", snap.CompletedNodes["gate"])
	assert.Equal(t, "SKIPPED", snap.CompletedNodes["alt"])
	assert.Equal(t, "branch_not_taken", snap.SkippedNodes["alt"])
	assert.Equal(t, 2, snap.LoopIterations["refine"])
	assert.Equal(t, "loop", snap.ActiveTrackers["refine"])

	// The snapshot must be detached from later mutation.
	s.MarkPending("extra")
	assert.Len(t, snap.PendingNodes, 2)
}

func TestOverlay_ShadowsBase(t *testing.T) {
	s := New("pipeline", "abc12345", map[string]any{"q": "go"})
	s.SetNodeOutput("fetch", map[string]any{"docs": []any{"a"}})

	view := s.Overlay(map[string]any{
		resolver.KeyMapItem:  map[string]any{"output": "a"},
		resolver.KeyMapIndex: map[string]any{"output": 0},
	})

	item, err := resolver.ResolvePath("item", view)
	require.NoError(t, err)
	assert.Equal(t, "a", item)

	idx, err := resolver.ResolvePath("index", view)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	// Base entries stay visible through the overlay.
	docs, err := resolver.ResolvePath("fetch.output.docs", view)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	// The overlay never leaks into the base state.
	_, ok := s.NodeOutput(resolver.KeyMapItem)
	assert.False(t, ok)
}

func TestForkTracker_Lifecycle(t *testing.T) {
	tr := &ForkTracker{
		GroupID: "g1",
		Branches: []*ForkBranchRun{
			{BranchID: "left", OutputKey: "l", SubTaskID: "st1", State: SubTaskDispatched},
			{BranchID: "right", OutputKey: "r", SubTaskID: "st2", State: SubTaskDispatched},
		},
	}

	assert.False(t, tr.AllCompleted())
	assert.Equal(t, []string{"st1", "st2"}, tr.SubTaskIDs())

	b := tr.Branch("st1")
	require.NotNil(t, b)
	b.State = SubTaskCompleted
	b.Result = map[string]any{"v": 1}

	assert.False(t, tr.AllCompleted())
	assert.Equal(t, []string{"st2"}, tr.SubTaskIDs())

	tr.Branch("st2").State = SubTaskCompleted
	assert.True(t, tr.AllCompleted())
	assert.Nil(t, tr.Branch("st9"))
}

func TestMapTracker_LaunchOrderAndLimit(t *testing.T) {
	tr := NewMapTracker([]any{"a", "b", "c"}, 2, "summarize", "g1")

	require.True(t, tr.CanLaunch())
	assert.Equal(t, 0, tr.NextIndex())
	tr.Active[0] = "st0"
	tr.Entries["st0"] = 0

	require.True(t, tr.CanLaunch())
	assert.Equal(t, 1, tr.NextIndex())
	tr.Active[1] = "st1"
	tr.Entries["st1"] = 1

	// Two in flight with a limit of two.
	assert.False(t, tr.CanLaunch())

	delete(tr.Active, 0)
	tr.Results[0] = "done-a"
	tr.CompletedCount++

	require.True(t, tr.CanLaunch())
	assert.Equal(t, 2, tr.NextIndex())
	assert.False(t, tr.Done())

	tr.Results[1] = "done-b"
	tr.Results[2] = "done-c"
	tr.CompletedCount += 2
	assert.True(t, tr.Done())
}

func TestMapTracker_UnlimitedConcurrency(t *testing.T) {
	tr := NewMapTracker([]any{1, 2, 3, 4}, 0, "summarize", "g1")
	for i := 0; i < 4; i++ {
		require.True(t, tr.CanLaunch())
		idx := tr.NextIndex()
		tr.Active[idx] = "st"
	}
	assert.False(t, tr.CanLaunch())
}

func TestSubTaskState_Terminal(t *testing.T) {
	assert.False(t, SubTaskDispatched.Terminal())
	assert.True(t, SubTaskCompleted.Terminal())
	assert.True(t, SubTaskFailed.Terminal())
	assert.True(t, SubTaskCancelled.Terminal())
	assert.Equal(t, "dispatched", SubTaskDispatched.String())
	assert.Equal(t, "cancelled", SubTaskCancelled.String())
}
