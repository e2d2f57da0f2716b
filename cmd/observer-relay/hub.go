package main

import (
	"context"
	"sync"

	"github.com/kestrel-ai/meshflow/common/logger"
)

// Event is one observer payload addressed to the room of a workflow task id.
type Event struct {
	WorkflowTaskID string
	Data           []byte
}

// Hub tracks which connections are watching each workflow task id and fans
// observer events out to them. All room bookkeeping happens on the Run
// goroutine; the mutex exists for the read-side counts served by the health
// route.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string][]*Client

	register   chan *Client
	unregister chan *Client
	events     chan Event

	log *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string][]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan Event, 256),
		log:        log.WithComponent("hub"),
	}
}

// Run processes registrations and event fan-out until the context is
// cancelled, then closes every connection's send channel so the write pumps
// send close frames on the way out.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.drop(client)
		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

// Broadcast queues an event for fan-out. Events are advisory: when the hub
// is backed up the event is dropped rather than blocking the bus pump.
func (h *Hub) Broadcast(workflowTaskID string, data []byte) {
	select {
	case h.events <- Event{WorkflowTaskID: workflowTaskID, Data: data}:
	default:
		h.log.Warn("event queue full, dropping event", "workflow_task_id", workflowTaskID)
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rooms[client.workflowTaskID] = append(h.rooms[client.workflowTaskID], client)
	h.log.Info("client joined",
		"workflow_task_id", client.workflowTaskID,
		"watchers", len(h.rooms[client.workflowTaskID]),
	)
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(client)
}

// dropLocked removes a client from its room and closes its send channel.
// Only the call that still finds the client closes the channel, so a client
// dropped for being slow and later unregistered by its read pump is not
// closed twice.
func (h *Hub) dropLocked(client *Client) {
	clients := h.rooms[client.workflowTaskID]
	for i, c := range clients {
		if c != client {
			continue
		}
		h.rooms[client.workflowTaskID] = append(clients[:i], clients[i+1:]...)
		if len(h.rooms[client.workflowTaskID]) == 0 {
			delete(h.rooms, client.workflowTaskID)
		}
		close(client.send)
		h.log.Info("client left", "workflow_task_id", client.workflowTaskID)
		return
	}
}

// fanOut delivers an event to every connection in its room. A connection
// whose send buffer is full cannot keep up and is dropped rather than
// allowed to stall the feed.
func (h *Hub) fanOut(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.rooms[ev.WorkflowTaskID]
	if len(clients) == 0 {
		return
	}

	var slow []*Client
	for _, client := range clients {
		select {
		case client.send <- ev.Data:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		h.log.Warn("dropping slow client", "workflow_task_id", client.workflowTaskID)
		h.dropLocked(client)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, clients := range h.rooms {
		for _, client := range clients {
			close(client.send)
		}
		delete(h.rooms, id)
	}
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, clients := range h.rooms {
		n += len(clients)
	}
	return n
}

// RoomCount returns the number of workflow task ids with at least one
// watcher.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms)
}
