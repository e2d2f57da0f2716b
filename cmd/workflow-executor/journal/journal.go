// Package journal records execution history rows for operators. The journal
// is advisory: write failures are logged and swallowed, they never affect a
// running workflow.
package journal

import (
	"context"
	"time"

	"github.com/kestrel-ai/meshflow/common/db"
)

// Execution statuses recorded in the journal.
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Record describes an accepted execution.
type Record struct {
	ExecutionID    string
	WorkflowName   string
	WorkflowTaskID string
	LogicalTaskID  string
	ClientID       string
	UserID         string
	StartedAt      time.Time
}

// Journal persists execution lifecycle rows.
type Journal interface {
	RecordStart(ctx context.Context, rec Record)
	RecordFinish(ctx context.Context, executionID, status, errorMessage string)
}

// Logger is the minimal logging interface the journal needs.
type Logger interface {
	Error(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// Nop is the journal used when no database is configured.
type Nop struct{}

func (Nop) RecordStart(context.Context, Record)                  {}
func (Nop) RecordFinish(context.Context, string, string, string) {}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
    execution_id     TEXT PRIMARY KEY,
    workflow_name    TEXT NOT NULL,
    workflow_task_id TEXT NOT NULL,
    logical_task_id  TEXT NOT NULL DEFAULT '',
    client_id        TEXT NOT NULL DEFAULT '',
    user_id          TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    error_message    TEXT NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_workflow_executions_name_started
    ON workflow_executions (workflow_name, started_at DESC);
`

// EnsureSchema creates the journal table. Wired as a database init hook.
func EnsureSchema(ctx context.Context, database *db.DB) error {
	_, err := database.Exec(ctx, schema)
	return err
}

// Postgres writes journal rows through the shared connection pool.
type Postgres struct {
	db  *db.DB
	log Logger
}

// NewPostgres creates a database-backed journal.
func NewPostgres(database *db.DB, log Logger) *Postgres {
	return &Postgres{db: database, log: log}
}

// RecordStart inserts the RUNNING row for an accepted execution.
func (j *Postgres) RecordStart(ctx context.Context, rec Record) {
	const q = `
		INSERT INTO workflow_executions
			(execution_id, workflow_name, workflow_task_id, logical_task_id, client_id, user_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id) DO NOTHING`

	_, err := j.db.Exec(ctx, q,
		rec.ExecutionID, rec.WorkflowName, rec.WorkflowTaskID, rec.LogicalTaskID,
		rec.ClientID, rec.UserID, StatusRunning, rec.StartedAt,
	)
	if err != nil {
		j.log.Error("failed to journal execution start", "execution_id", rec.ExecutionID, "error", err)
		return
	}
	j.log.Debug("journaled execution start", "execution_id", rec.ExecutionID)
}

// RecordFinish marks the row terminal.
func (j *Postgres) RecordFinish(ctx context.Context, executionID, status, errorMessage string) {
	const q = `
		UPDATE workflow_executions
		SET status = $2, error_message = $3, finished_at = NOW()
		WHERE execution_id = $1`

	_, err := j.db.Exec(ctx, q, executionID, status, errorMessage)
	if err != nil {
		j.log.Error("failed to journal execution finish", "execution_id", executionID, "error", err)
		return
	}
	j.log.Debug("journaled execution finish", "execution_id", executionID, "status", status)
}
