package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStillRunning is returned when results are requested before the job reached a terminal state.
	ErrStillRunning = errors.New("job is still running")

	// ErrErrorState is returned when results are requested from a job that ended in Error, Killed or Timeout.
	ErrErrorState = errors.New("job did not complete successfully")

	// ErrAlreadySubmitted is returned by Submit on a job that was already submitted.
	ErrAlreadySubmitted = errors.New("job has already been submitted")

	// ErrNotSubmitted is returned by operations that need a submitted job.
	ErrNotSubmitted = errors.New("job has not been submitted")

	// ErrOutputNotFound is returned by GetOutput for an unknown file name.
	ErrOutputNotFound = errors.New("output file not found")

	// ErrNoExitCode is returned by ExitCode when the engine does not report one.
	ErrNoExitCode = errors.New("engine did not report an exit code")
)

// JobError carries the job and the status it was in when an operation failed.
type JobError struct {
	JobID  string
	Status Status
	Err    error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s (%s): %v", e.JobID, e.Status, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// TimeoutError is returned by engines that enforce Job.Runtime when the
// accumulated running time exceeds it.
type TimeoutError struct {
	JobID   string
	Runtime time.Duration
	Running time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s exceeded its runtime of %s (running for %s)", e.JobID, e.Runtime, e.Running)
}

// EngineTestError is returned when an engine's connection self-test fails.
type EngineTestError struct {
	Engine string
	Err    error
}

func (e *EngineTestError) Error() string {
	return fmt.Sprintf("engine %s failed its self-test: %v", e.Engine, e.Err)
}

func (e *EngineTestError) Unwrap() error { return e.Err }

// UnknownStatusError is returned when a backend reports a status with no canonical mapping.
type UnknownStatusError struct {
	Backend string
	Value   string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("%s reported unknown job status %q", e.Backend, e.Value)
}
