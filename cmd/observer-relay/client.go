package main

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-ai/meshflow/common/logger"
)

const (
	// Time allowed to write an event to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the connection counts as
	// dead.
	pongWait = 30 * time.Second

	// Ping period; must be shorter than pongWait.
	pingPeriod = 25 * time.Second

	// Clients only send pongs, never data.
	maxMessageSize = 512

	// Per-connection event buffer; a client falling this far behind is
	// dropped by the hub.
	sendBuffer = 512
)

// Client is one WebSocket connection watching a workflow task id.
type Client struct {
	hub            *Hub
	conn           *websocket.Conn
	workflowTaskID string
	send           chan []byte
	log            *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, workflowTaskID string, log *logger.Logger) *Client {
	return &Client{
		hub:            hub,
		conn:           conn,
		workflowTaskID: workflowTaskID,
		send:           make(chan []byte, sendBuffer),
		log:            log.WithWorkflowID(workflowTaskID),
	}
}

// readPump discards inbound frames (the relay is server-push only) but keeps
// reading so pong handling and disconnect detection work.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}
	}
}

// writePump forwards queued events to the peer, one text frame per event so
// every JSON document stays parseable on its own, and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub dropped this client.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// Flush whatever queued up during the write, still one frame
			// each.
			n := len(c.send)
			for i := 0; i < n; i++ {
				data, ok := <-c.send
				if !ok {
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
