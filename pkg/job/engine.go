package job

import (
	"context"
	"io"

	"computecannon/pkg/files"
)

// Engine runs jobs on one kind of backend. Engine-specific state for a job
// lives in Job.RunData and is never inspected outside the engine.
type Engine interface {
	// Submit assigns the job's ID, stages its inputs and starts it.
	Submit(ctx context.Context, j *Job) error

	// Wait blocks until the job reaches a terminal backend state.
	// ExitResult.ExitCode is -1 when the backend has none.
	Wait(ctx context.Context, j *Job) (ExitResult, error)

	// Kill requests termination. It is best effort.
	Kill(ctx context.Context, j *Job) error

	// Status maps the backend state onto the canonical status set.
	Status(ctx context.Context, j *Job) (Status, error)

	// ListOutputFiles returns the files created or modified under the job's
	// working directory, keyed by path relative to it.
	ListOutputFiles(ctx context.Context, j *Job) (map[string]files.Reference, error)

	// FinalStdio returns the job's complete stdout and stderr, undecoded.
	FinalStdio(ctx context.Context, j *Job) (stdout, stderr []byte, err error)

	// Hostname describes where jobs run.
	Hostname() string
}

// ExitResult contains the outcome of a finished job.
type ExitResult struct {
	ExitCode int
	Error    error
}

// ConnectionTester is implemented by engines that can check their backend is reachable.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// LogStreamer is implemented by engines that can follow a job's output while it runs.
type LogStreamer interface {
	StreamLogs(ctx context.Context, j *Job) (io.ReadCloser, error)
}

// DirectoryGetter is implemented by engines that can return a whole directory from a job.
type DirectoryGetter interface {
	GetDirectory(ctx context.Context, j *Job, path string) (files.Directory, error)
}

// Cleaner is implemented by engines that hold backend resources after a job finishes.
type Cleaner interface {
	Cleanup(ctx context.Context, j *Job) error
}

// Describer is implemented by engines with a human readable description.
type Describer interface {
	Describe() string
}

// Attacher is implemented by engines that can resume tracking a job
// submitted by another process, knowing only its ID.
type Attacher interface {
	Attach(ctx context.Context, j *Job) error
}
