package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"computecannon/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrRunNotFound is returned when a run ID matches no row.
var ErrRunNotFound = errors.New("run not found")

const runColumns = "id, job_id, name, engine, image, command, inputs, status, exit_code, error, outputs, started_at, finished_at"

// CreateRun inserts a new run row. Input names are stored as a text array.
func (s *Store) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.Run) error {
	query := `
		INSERT INTO runs (id, job_id, name, engine, image, command, inputs, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = store.RunStatusSubmitted
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		run.ID,
		run.JobID,
		run.Name,
		run.Engine,
		run.Image,
		run.Command,
		pq.Array(nonNil(run.Inputs)),
		run.Status,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun stores the final status, exit code and outputs of a run.
func (s *Store) FinishRun(ctx context.Context, tx store.DBTransaction, run *store.Run) error {
	query := `
		UPDATE runs
		SET status = $2, exit_code = $3, error = $4, outputs = $5, finished_at = $6
		WHERE id = $1
	`
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}

	res, err := s.getExecutor(tx).ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.ExitCode,
		run.Error,
		pq.Array(nonNil(run.Outputs)),
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.ID, &run.JobID, &run.Name, &run.Engine, &run.Image, &run.Command,
		pq.Array(&run.Inputs), &run.Status, &run.ExitCode, &run.Error,
		pq.Array(&run.Outputs), &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE id = $1"
	return scanRun(s.db.QueryRowContext(ctx, query, id))
}

// ListRuns returns runs newest first. A zero limit means 50.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	// Build WHERE clause and args
	args := []interface{}{filter.Limit, filter.Offset}
	var conds []string
	if filter.Engine != "" {
		args = append(args, filter.Engine)
		conds = append(conds, fmt.Sprintf("engine = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	whereClause := ""
	if len(conds) > 0 {
		whereClause = "WHERE " + strings.Join(conds, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM runs
		%s
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2
	`, runColumns, whereClause)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// PruneRuns deletes runs started before the given time.
func (s *Store) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE started_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
