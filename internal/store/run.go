package store

import (
	"context"
	"errors"
	"sort"

	"computecannon/pkg/job"
)

// NewRun describes a submitted job.
func NewRun(j *job.Job) *Run {
	inputs := make([]string, 0, len(j.Inputs))
	for name := range j.Inputs {
		inputs = append(inputs, name)
	}
	sort.Strings(inputs)

	return &Run{
		JobID:   j.ID(),
		Name:    j.Name,
		Engine:  j.Engine().Hostname(),
		Image:   j.Image,
		Command: j.Command,
		Inputs:  inputs,
		Status:  RunStatusSubmitted,
	}
}

// Finish copies the outcome of j into the run. waitErr is the error
// returned by the job's Wait.
func (r *Run) Finish(ctx context.Context, j *job.Job, waitErr error) {
	var timeout *job.TimeoutError
	var jobErr *job.JobError
	switch {
	case waitErr == nil:
		r.Status = RunStatusFinished
	case errors.As(waitErr, &timeout):
		r.Status = RunStatusTimeout
	case errors.As(waitErr, &jobErr) && jobErr.Status == job.StatusKilled:
		r.Status = RunStatusKilled
	default:
		r.Status = RunStatusError
	}
	if waitErr != nil {
		msg := waitErr.Error()
		r.Error = &msg
	}
	if code, err := j.ExitCode(); err == nil {
		r.ExitCode = &code
	}
	if waitErr == nil {
		if outputs, err := j.Outputs(ctx); err == nil {
			r.Outputs = make([]string, 0, len(outputs))
			for name := range outputs {
				r.Outputs = append(r.Outputs, name)
			}
			sort.Strings(r.Outputs)
		}
	}
}
