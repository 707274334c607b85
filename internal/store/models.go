// Package store contains the run history database layer.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Run is one job launched from the command line.
type Run struct {
	ID         uuid.UUID
	JobID      string // backend identifier
	Name       string
	Engine     string // engine hostname
	Image      string
	Command    string
	Inputs     []string
	Status     RunStatus
	ExitCode   *int
	Error      *string
	Outputs    []string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// RunStatus mirrors the canonical job statuses that end a run, plus
// submitted for runs still in flight.
type RunStatus string

const (
	RunStatusSubmitted RunStatus = "submitted"
	RunStatusFinished  RunStatus = "finished"
	RunStatusKilled    RunStatus = "killed"
	RunStatusError     RunStatus = "error"
	RunStatusTimeout   RunStatus = "timeout"
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	Engine   string
	Statuses []RunStatus
	Limit    int
	Offset   int
}
