package correlation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

func TestRegistry_RegisterResolveComplete(t *testing.T) {
	r := NewRegistry(nopLogger{})

	r.Register("st1", "wf1", "fetch", 30*time.Second)
	require.Equal(t, 1, r.Len())

	e, ok := r.Resolve("st1")
	require.True(t, ok)
	assert.Equal(t, "wf1", e.WorkflowTaskID)
	assert.Equal(t, "fetch", e.NodeID)
	// Resolve must not remove the entry.
	assert.Equal(t, 1, r.Len())

	e, ok = r.Complete("st1")
	require.True(t, ok)
	assert.Equal(t, "st1", e.SubTaskID)
	assert.Equal(t, 0, r.Len())

	_, ok = r.Complete("st1")
	assert.False(t, ok)
}

func TestRegistry_DropWorkflow(t *testing.T) {
	r := NewRegistry(nopLogger{})

	r.Register("st1", "wf1", "a", time.Minute)
	r.Register("st2", "wf1", "b", time.Minute)
	r.Register("st3", "wf2", "c", time.Minute)

	assert.Equal(t, 2, r.DropWorkflow("wf1"))
	assert.Equal(t, 1, r.Len())

	_, ok := r.Resolve("st3")
	assert.True(t, ok)
}

func TestRegistry_SweeperFiresExpiry(t *testing.T) {
	r := NewRegistry(nopLogger{}).WithSweepInterval(10 * time.Millisecond)

	var mu sync.Mutex
	var expired []Entry
	r.OnExpiry(func(e Entry) {
		mu.Lock()
		expired = append(expired, e)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Start(ctx) }()

	r.Register("fast", "wf1", "fetch", 20*time.Millisecond)
	r.Register("slow", "wf1", "rank", time.Minute)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "fast", expired[0].SubTaskID)
	assert.Equal(t, "fetch", expired[0].NodeID)
	mu.Unlock()

	// The expired entry is gone, the live one remains.
	_, ok := r.Resolve("fast")
	assert.False(t, ok)
	_, ok = r.Resolve("slow")
	assert.True(t, ok)
}

func TestRegistry_CompletedEntryNeverExpires(t *testing.T) {
	r := NewRegistry(nopLogger{}).WithSweepInterval(10 * time.Millisecond)

	fired := make(chan Entry, 1)
	r.OnExpiry(func(e Entry) { fired <- e })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Start(ctx) }()

	r.Register("st1", "wf1", "fetch", 30*time.Millisecond)
	_, ok := r.Complete("st1")
	require.True(t, ok)

	select {
	case e := <-fired:
		t.Fatalf("expiry fired for completed sub-task %s", e.SubTaskID)
	case <-time.After(100 * time.Millisecond):
	}
}
