package payload

import (
	"encoding/json"
	"fmt"
)

// exception is the on-disk form of an error raised by the worker.
type exception struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RemoteError is an error raised by a function while running as a job.
// Err is the rebuilt error when its type was registered with RegisterError,
// so errors.As reaches the original type.
type RemoteError struct {
	Type      string
	Message   string
	Traceback string
	Err       error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Type, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ProgramFailureError is returned when a function job left no result and
// no error behind, typically because the worker never ran.
type ProgramFailureError struct {
	JobID    string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ProgramFailureError) Error() string {
	msg := fmt.Sprintf("job %s produced no result (exit code %d)", e.JobID, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + lastLine(e.Stderr)
	}
	return msg
}

func lastLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
