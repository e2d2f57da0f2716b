// Package opsserver exposes the executor's operations API: health, the
// agent registry, active executions, cancellation and process stats. It is
// read-mostly; cancellation is the only mutating route.
package opsserver

import (
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/engine"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// Logger is the logging surface the ops server needs.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Executions is the engine surface the ops API reads and cancels through.
type Executions interface {
	Executions() []engine.Summary
	Execution(workflowTaskID string) (engine.ExecutionView, bool)
	Cancel(workflowTaskID, reason string) bool
	ActiveCount() int
}

// AgentCards is the registry surface the ops API reads.
type AgentCards interface {
	Snapshot() map[string]protocol.AgentCard
	Len() int
}

// Server is the operations HTTP API.
type Server struct {
	echo         *echo.Echo
	engine       Executions
	agents       AgentCards
	workflowName string
	startTime    time.Time
	log          Logger
}

// New builds the ops server and registers its routes.
func New(eng Executions, agents AgentCards, workflowName string, log Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:         e,
		engine:       eng,
		agents:       agents,
		workflowName: workflowName,
		startTime:    time.Now(),
		log:          log,
	}

	e.GET("/health", s.health)

	v1 := e.Group("/v1")
	v1.GET("/agents", s.listAgents)
	v1.GET("/workflows", s.listWorkflows)
	v1.GET("/workflows/:id", s.getWorkflow)
	v1.POST("/workflows/:id/cancel", s.cancelWorkflow)
	v1.GET("/stats", s.stats)

	return s
}

// Handler returns the server's HTTP handler for mounting.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":            "ok",
		"workflow":          s.workflowName,
		"active_executions": s.engine.ActiveCount(),
		"known_agents":      s.agents.Len(),
	})
}

func (s *Server) listAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"agents": s.agents.Snapshot(),
	})
}

func (s *Server) listWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"executions": s.engine.Executions(),
	})
}

func (s *Server) getWorkflow(c echo.Context) error {
	id := c.Param("id")
	view, ok := s.engine.Execution(id)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]any{
			"error": "no active execution with id " + id,
		})
	}
	return c.JSON(http.StatusOK, view)
}

// cancelRequest is the optional cancellation body.
type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelWorkflow(c echo.Context) error {
	id := c.Param("id")

	var req cancelRequest
	// The body is optional; a bare POST cancels with the default reason.
	_ = c.Bind(&req)

	if !s.engine.Cancel(id, req.Reason) {
		return c.JSON(http.StatusNotFound, map[string]any{
			"error": "no active execution with id " + id,
		})
	}

	s.log.Info("cancellation requested", "workflow_task_id", id, "reason", req.Reason)
	return c.JSON(http.StatusAccepted, map[string]any{
		"workflow_task_id": id,
		"status":           "cancelling",
	})
}

func (s *Server) stats(c echo.Context) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return c.JSON(http.StatusOK, map[string]any{
		"workflow":          s.workflowName,
		"active_executions": s.engine.ActiveCount(),
		"goroutines":        runtime.NumGoroutine(),
		"memory_alloc_mb":   float64(m.Alloc) / 1024 / 1024,
		"memory_sys_mb":     float64(m.Sys) / 1024 / 1024,
		"gc_cycles":         m.NumGC,
		"uptime_seconds":    int(time.Since(s.startTime).Seconds()),
	})
}
