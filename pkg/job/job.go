// Package job provides the Job state machine and the Engine interface that
// backends implement to run jobs.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"time"

	"computecannon/pkg/files"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultName    = "untitled"
	DefaultRuntime = time.Hour
)

// Job is one request to run a command on an Engine, together with its
// lifecycle state and, once finished, its outputs.
//
// The exported configuration fields may be changed before submission.
// A Job is not safe for concurrent use.
type Job struct {
	Name       string
	Image      string
	Command    string
	Inputs     map[string]files.Reference
	NumCPUs    int
	Runtime    time.Duration
	WorkingDir string
	Env        map[string]string

	// EngineOptions holds backend specific settings, e.g. "volumes" for Docker.
	EngineOptions map[string]any

	// OnStatusUpdate is called whenever Status observes a new state.
	OnStatusUpdate func(j *Job, s Status)

	// WhenFinished runs once at the end of the finish sequence. Its return
	// value becomes the job's Result.
	WhenFinished func(j *Job) (any, error)

	// RunData is owned by the engine.
	RunData any

	engine Engine
	logger *slog.Logger

	id         string
	submitted  bool
	lastStatus Status
	stopped    Status
	waited     bool
	exitCode   int
	finished   bool
	outputs    map[string]files.Reference
	stdout     []byte
	stderr     []byte
	result     any
	resultErr  error
}

// New creates a job bound to engine. Unless WithoutSubmit is given, the job
// is submitted right away when both engine and image are set.
func New(ctx context.Context, engine Engine, image, command string, opts ...Option) (*Job, error) {
	j := &Job{
		Name:     DefaultName,
		Image:    image,
		Command:  command,
		Inputs:   map[string]files.Reference{},
		NumCPUs:  1,
		Runtime:  DefaultRuntime,
		engine:   engine,
		logger:   slog.Default(),
		exitCode: -1,
	}

	cfg := &settings{submit: true}
	for _, opt := range opts {
		if err := opt(j, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.submit && engine != nil && image != "" {
		if err := j.Submit(ctx); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// Launch creates a job and always submits it.
func Launch(ctx context.Context, engine Engine, image, command string, opts ...Option) (*Job, error) {
	j, err := New(ctx, engine, image, command, append(opts, WithoutSubmit())...)
	if err != nil {
		return nil, err
	}
	if err := j.Submit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

// Attach returns a submitted job for an ID handed out by an earlier
// submission, so it can be polled, killed or collected again.
func Attach(ctx context.Context, engine Engine, id string, opts ...Option) (*Job, error) {
	a, ok := engine.(Attacher)
	if !ok {
		return nil, fmt.Errorf("%s: attach: %w", engine.Hostname(), errors.ErrUnsupported)
	}
	j, err := New(ctx, engine, "", "", append(opts, WithoutSubmit())...)
	if err != nil {
		return nil, err
	}
	j.id = id
	if err := a.Attach(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to attach to job %s: %w", id, err)
	}
	j.submitted = true
	return j, nil
}

// ID returns the backend identifier assigned at submission.
func (j *Job) ID() string { return j.id }

// SetID is called by engines during Submit.
func (j *Job) SetID(id string) { j.id = id }

// Engine returns the engine the job is bound to.
func (j *Job) Engine() Engine { return j.engine }

// Logger returns the job's logger, annotated with its name and ID.
func (j *Job) Logger() *slog.Logger {
	l := j.logger.With("job_name", j.Name)
	if j.id != "" {
		l = l.With("job_id", j.id)
	}
	return l
}

// Submitted reports whether the job has been handed to its engine.
func (j *Job) Submitted() bool { return j.submitted }

// Submit hands the job to its engine.
func (j *Job) Submit(ctx context.Context) error {
	if j.submitted {
		return &JobError{JobID: j.id, Status: j.lastStatus, Err: ErrAlreadySubmitted}
	}
	if j.engine == nil {
		return fmt.Errorf("job %q has no engine", j.Name)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "job.submit",
		trace.WithAttributes(
			attribute.String("job.name", j.Name),
			attribute.String("job.image", j.Image),
			attribute.String("engine.host", j.engine.Hostname()),
		),
	)
	defer span.End()

	if err := j.engine.Submit(ctx, j); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to submit job %q: %w", j.Name, err)
	}
	j.submitted = true
	span.SetAttributes(attribute.String("job.id", j.id))
	recordSubmitted(ctx, j)
	j.Logger().Info("job submitted", "engine", j.engine.Hostname())
	return nil
}

// Resubmit clears all completion state and submits the job again.
func (j *Job) Resubmit(ctx context.Context) error {
	j.reset()
	return j.Submit(ctx)
}

func (j *Job) reset() {
	j.id = ""
	j.submitted = false
	j.lastStatus = ""
	j.stopped = ""
	j.waited = false
	j.exitCode = -1
	j.finished = false
	j.outputs = nil
	j.stdout = nil
	j.stderr = nil
	j.result = nil
	j.resultErr = nil
	j.RunData = nil
}

// Status polls the engine for the job's state. Terminal states are
// remembered and never polled again.
func (j *Job) Status(ctx context.Context) (Status, error) {
	if !j.submitted {
		return StatusUnsubmitted, nil
	}
	if j.stopped != "" {
		return j.stopped, nil
	}

	s, err := j.engine.Status(ctx, j)
	if err != nil {
		return "", fmt.Errorf("failed to get status of job %s: %w", j.id, err)
	}
	j.observe(s)
	return s, nil
}

func (j *Job) observe(s Status) {
	if s.IsDone() {
		j.stopped = s
	}
	if s != j.lastStatus {
		j.lastStatus = s
		if j.OnStatusUpdate != nil {
			j.OnStatusUpdate(j, s)
		}
	}
}

// Wait blocks until the job is done, then runs the finish sequence.
func (j *Job) Wait(ctx context.Context) error {
	if !j.submitted {
		return &JobError{Status: StatusUnsubmitted, Err: ErrNotSubmitted}
	}

	if !j.waited {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "job.wait",
			trace.WithAttributes(attribute.String("job.id", j.id)),
		)
		res, err := j.engine.Wait(ctx, j)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			var timeout *TimeoutError
			if errors.As(err, &timeout) {
				j.observe(StatusTimeout)
			}
			return fmt.Errorf("failed waiting for job %s: %w", j.id, err)
		}
		j.waited = true
		j.exitCode = res.ExitCode
		span.SetAttributes(attribute.Int("exit_code", res.ExitCode))
		span.End()
	}

	return j.finish(ctx)
}

// finish fetches outputs and stdio once the job ended successfully. It runs at most once.
func (j *Job) finish(ctx context.Context) error {
	if j.finished {
		return nil
	}

	s, err := j.Status(ctx)
	if err != nil {
		return err
	}
	if !s.IsDone() {
		return &JobError{JobID: j.id, Status: s, Err: ErrStillRunning}
	}
	if s != StatusFinished {
		return &JobError{JobID: j.id, Status: s, Err: ErrErrorState}
	}

	outputs, err := j.engine.ListOutputFiles(ctx, j)
	if err != nil {
		return fmt.Errorf("failed to list outputs of job %s: %w", j.id, err)
	}
	stdout, stderr, err := j.engine.FinalStdio(ctx, j)
	if err != nil {
		return fmt.Errorf("failed to get stdio of job %s: %w", j.id, err)
	}

	j.outputs = outputs
	j.stdout = stdout
	j.stderr = stderr
	j.finished = true
	recordFinished(ctx, j, s)
	j.Logger().Info("job finished", "outputs", len(outputs), "exit_code", j.exitCode)

	if j.WhenFinished != nil {
		j.result, j.resultErr = j.WhenFinished(j)
	}
	return nil
}

// Finished reports whether the finish sequence has completed.
func (j *Job) Finished() bool { return j.finished }

// Outputs returns every output file, keyed by path relative to the working directory.
func (j *Job) Outputs(ctx context.Context) (map[string]files.Reference, error) {
	if err := j.finish(ctx); err != nil {
		return nil, err
	}
	return j.outputs, nil
}

// GetOutput returns one output file.
func (j *Job) GetOutput(ctx context.Context, name string) (files.Reference, error) {
	outputs, err := j.Outputs(ctx)
	if err != nil {
		return nil, err
	}
	ref, ok := outputs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOutputNotFound, name)
	}
	return ref, nil
}

// GlobOutput returns the sorted output names matching a shell pattern.
func (j *Job) GlobOutput(ctx context.Context, pattern string) ([]string, error) {
	outputs, err := j.Outputs(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for name := range outputs {
		ok, err := path.Match(pattern, name)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Stdout returns the job's standard output decoded as UTF-8. Output that
// does not decode is an error here only; the rest of the job stays readable.
func (j *Job) Stdout(ctx context.Context) (string, error) {
	raw, err := j.StdoutBytes(ctx)
	if err != nil {
		return "", err
	}
	return decodeStdio("stdout", raw)
}

// Stderr returns the job's standard error decoded as UTF-8.
func (j *Job) Stderr(ctx context.Context) (string, error) {
	raw, err := j.StderrBytes(ctx)
	if err != nil {
		return "", err
	}
	return decodeStdio("stderr", raw)
}

// StdoutBytes returns the job's standard output as the engine captured it.
func (j *Job) StdoutBytes(ctx context.Context) ([]byte, error) {
	if err := j.finish(ctx); err != nil {
		return nil, err
	}
	return j.stdout, nil
}

// StderrBytes returns the job's standard error as the engine captured it.
func (j *Job) StderrBytes(ctx context.Context) ([]byte, error) {
	if err := j.finish(ctx); err != nil {
		return nil, err
	}
	return j.stderr, nil
}

func decodeStdio(stream string, raw []byte) (string, error) {
	text, err := files.Decode(raw, files.DefaultEncoding)
	if err != nil {
		return "", fmt.Errorf("%s: %w", stream, err)
	}
	return text, nil
}

// Result returns what WhenFinished returned, or nil without a callback.
func (j *Job) Result(ctx context.Context) (any, error) {
	if err := j.finish(ctx); err != nil {
		return nil, err
	}
	return j.result, j.resultErr
}

// ExitCode returns the exit code recorded by Wait. It does not block.
func (j *Job) ExitCode() (int, error) {
	if !j.waited {
		return 0, &JobError{JobID: j.id, Status: j.lastStatus, Err: ErrStillRunning}
	}
	if j.exitCode < 0 {
		return 0, ErrNoExitCode
	}
	return j.exitCode, nil
}

// Kill asks the engine to terminate the job.
func (j *Job) Kill(ctx context.Context) error {
	if !j.submitted {
		return &JobError{Status: StatusUnsubmitted, Err: ErrNotSubmitted}
	}
	if err := j.engine.Kill(ctx, j); err != nil {
		return fmt.Errorf("failed to kill job %s: %w", j.id, err)
	}
	j.Logger().Info("job kill requested")
	return nil
}

// StreamLogs follows the job's output while it runs, when the engine supports it.
func (j *Job) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	ls, ok := j.engine.(LogStreamer)
	if !ok {
		return nil, fmt.Errorf("%s: log streaming: %w", j.engine.Hostname(), errors.ErrUnsupported)
	}
	return ls.StreamLogs(ctx, j)
}

// GetDirectory returns a directory produced by the job, when the engine supports it.
func (j *Job) GetDirectory(ctx context.Context, dir string) (files.Directory, error) {
	if err := j.finish(ctx); err != nil {
		return nil, err
	}
	dg, ok := j.engine.(DirectoryGetter)
	if !ok {
		return nil, fmt.Errorf("%s: directory retrieval: %w", j.engine.Hostname(), errors.ErrUnsupported)
	}
	return dg.GetDirectory(ctx, j, dir)
}

// Cleanup releases backend resources, when the engine holds any.
func (j *Job) Cleanup(ctx context.Context) error {
	c, ok := j.engine.(Cleaner)
	if !ok || !j.submitted {
		return nil
	}
	return c.Cleanup(ctx, j)
}

// Describe returns the engine's description, or its hostname when it has none.
func (j *Job) Describe() string {
	if j.engine == nil {
		return "no engine"
	}
	if d, ok := j.engine.(Describer); ok {
		return d.Describe()
	}
	return j.engine.Hostname()
}

func (j *Job) String() string {
	s := j.lastStatus
	if !j.submitted {
		s = StatusUnsubmitted
	}
	host := "no engine"
	if j.engine != nil {
		host = j.engine.Hostname()
	}
	id := j.id
	if id == "" {
		id = "-"
	}
	return fmt.Sprintf("Job %q [%s] on %s: %s", j.Name, id, host, s)
}
