package main

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kestrel-ai/meshflow/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The relay carries no credentials and events are scoped per workflow
	// task id, so any origin may watch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newHandler builds the relay's HTTP surface: the WebSocket attach point and
// a health route reporting connection counts.
func newHandler(hub *Hub, log *logger.Logger) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": hub.ConnectionCount(),
			"rooms":       hub.RoomCount(),
		})
	})

	e.GET("/ws/:workflow_task_id", func(c echo.Context) error {
		id := c.Param("workflow_task_id")
		if id == "" {
			return c.JSON(http.StatusBadRequest, map[string]any{
				"error": "workflow_task_id is required",
			})
		}

		conn, err := upgrader.Upgrade(c.Response().Writer, c.Request(), nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			log.Warn("websocket upgrade failed", "error", err)
			return nil
		}

		client := NewClient(hub, conn, id, log)
		hub.register <- client

		go client.writePump()
		go client.readPump()
		return nil
	})

	return e
}
