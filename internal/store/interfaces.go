package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// RunStore persists the history of launched jobs.
type RunStore interface {
	// CreateRun inserts a run in the submitted state.
	CreateRun(ctx context.Context, tx DBTransaction, run *Run) error

	// FinishRun records how a run ended.
	FinishRun(ctx context.Context, tx DBTransaction, run *Run) error

	// GetRun returns a run by its ID.
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// PruneRuns deletes runs started before the given time.
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
}
