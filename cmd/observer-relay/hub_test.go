package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/events"
	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/logger"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

func testLogger() *logger.Logger { return logger.New("error", "json") }

// testClient builds an unconnected client; hub tests never run the pumps.
func testClient(hub *Hub, id string, buf int) *Client {
	return &Client{
		hub:            hub,
		workflowTaskID: id,
		send:           make(chan []byte, buf),
		log:            testLogger(),
	}
}

func recvEvent(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send channel closed before event arrived")
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestHub_FanOutReachesOnlyTheRoom(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger())
	go func() { _ = hub.Run(ctx) }()

	a := testClient(hub, "wf-1", 4)
	b := testClient(hub, "wf-1", 4)
	other := testClient(hub, "wf-2", 4)
	hub.register <- a
	hub.register <- b
	hub.register <- other

	payload := []byte(`{"type":"node_execution_start","node_id":"fetch"}`)
	hub.Broadcast("wf-1", payload)

	assert.JSONEq(t, string(payload), string(recvEvent(t, a)))
	assert.JSONEq(t, string(payload), string(recvEvent(t, b)))

	select {
	case <-other.send:
		t.Fatal("event leaked into another room")
	default:
	}

	assert.Equal(t, 3, hub.ConnectionCount())
	assert.Equal(t, 2, hub.RoomCount())
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger())
	go func() { _ = hub.Run(ctx) }()

	slow := testClient(hub, "wf-1", 1)
	healthy := testClient(hub, "wf-1", 8)
	hub.register <- slow
	hub.register <- healthy

	hub.Broadcast("wf-1", []byte(`{"seq":1}`))
	hub.Broadcast("wf-1", []byte(`{"seq":2}`))

	// The healthy client sees both events.
	assert.JSONEq(t, `{"seq":1}`, string(recvEvent(t, healthy)))
	assert.JSONEq(t, `{"seq":2}`, string(recvEvent(t, healthy)))

	// The slow client got the first event, then its buffer overflowed and
	// the hub closed it.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "slow client should be closed")

	assert.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHub_UnregisterTwiceIsHarmless(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger())
	go func() { _ = hub.Run(ctx) }()

	c := testClient(hub, "wf-1", 4)
	hub.register <- c
	hub.unregister <- c

	// A read pump re-reporting a client the hub already dropped must not
	// close the channel again.
	hub.unregister <- c

	assert.Eventually(t, func() bool {
		return hub.ConnectionCount() == 0 && hub.RoomCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestTail_RoutesEventsByTrailingTopicSegment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := testLogger()
	membus := bus.NewMemoryBus(log)
	topics := protocol.NewTopics("relay-test")

	hub := NewHub(log)
	go func() { _ = hub.Run(ctx) }()

	tail := NewTail(membus, topics, hub, log)
	require.NoError(t, tail.Start(ctx))

	watcher := testClient(hub, "wf-42", 4)
	bystander := testClient(hub, "wf-other", 4)
	hub.register <- watcher
	hub.register <- bystander

	pub := events.NewPublisher(membus, topics, "pipeline", log)
	pub.Emit(ctx, "exec-1", "wf-42", events.Event{
		Type:   events.KindNodeResult,
		NodeID: "fetch",
		Status: events.StatusSuccess,
	})

	var ev events.Event
	require.NoError(t, json.Unmarshal(recvEvent(t, watcher), &ev))
	assert.Equal(t, events.KindNodeResult, ev.Type)
	assert.Equal(t, "wf-42", ev.WorkflowTaskID)
	assert.Equal(t, "fetch", ev.NodeID)

	select {
	case <-bystander.send:
		t.Fatal("event delivered to the wrong room")
	default:
	}
}
