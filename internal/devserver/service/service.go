// Package service runs jobs submitted to the dev server on the local
// subprocess engine and keeps their results on disk for download.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"computecannon/internal/logger"
	"computecannon/pkg/api"
	"computecannon/pkg/engine/subprocess"
	"computecannon/pkg/files"
	"computecannon/pkg/job"
)

// States reported by the status command. They are a subset of the
// vocabulary understood by the remote engine.
const (
	StateRunning        = "container_running"
	StateCopyingOutputs = "copying_outputs"
	StateFinished       = "finished"
	StateKilled         = "killed"
	StateFailed         = "failed"
)

var (
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")
	// ErrNotDone is returned when results are requested too early.
	ErrNotDone = errors.New("job has not finished")
	// ErrInvalidParams is returned for malformed submissions.
	ErrInvalidParams = errors.New("invalid params")
)

// Config configures a Service.
type Config struct {
	// Root holds one directory per job. Defaults to a temp directory.
	Root   string
	Logger *slog.Logger
}

// Service owns the jobs submitted to the dev server.
type Service struct {
	engine *subprocess.Engine
	root   string
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*record
	wg   sync.WaitGroup

	submitted metric.Int64Counter
}

type record struct {
	id     string
	dir    string
	cancel context.CancelFunc

	mu       sync.Mutex
	state    string
	killed   bool
	exitCode *int
	outputs  []string
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	root := cfg.Root
	if root == "" {
		dir, err := os.MkdirTemp("", "ccc-devserver-")
		if err != nil {
			return nil, fmt.Errorf("failed to create work root: %w", err)
		}
		root = dir
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work root: %w", err)
	}

	submitted, err := otel.Meter("computecannon/devserver").Int64Counter("ccc_devserver_jobs_submitted_total",
		metric.WithDescription("Jobs accepted by the dev server"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &Service{
		engine: subprocess.New(subprocess.Config{
			WorkRoot: filepath.Join(root, ".run"),
			Logger:   cfg.Logger,
		}),
		root:      root,
		logger:    cfg.Logger,
		jobs:      map[string]*record{},
		submitted: submitted,
	}, nil
}

// Root returns the directory served under /files/.
func (s *Service) Root() string { return s.root }

// Len returns the number of known jobs.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Submit stages the inline inputs and starts the job.
func (s *Service) Submit(ctx context.Context, p api.SubmitJobParams) (string, error) {
	command := ShellCommand(p.Command)
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("%w: command is required", ErrInvalidParams)
	}

	id := uuid.NewString()
	dir := filepath.Join(s.root, id)
	inputs, outputs := filepath.Join(dir, "inputs"), filepath.Join(dir, "outputs")
	for _, d := range []string{inputs, outputs} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", fmt.Errorf("failed to create job directory: %w", err)
		}
	}
	if err := writeInputs(inputs, p.Inputs); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	opts := []job.Option{
		job.WithName(id),
		job.WithEnv(map[string]string{"CCC_INPUTS": inputs, "CCC_OUTPUTS": outputs}),
		job.WithLogger(logger.FromContext(logger.WithJobID(ctx, id), s.logger)),
	}
	if p.CPUs > 0 {
		opts = append(opts, job.WithNumCPUs(p.CPUs))
	}
	if p.Image != "" {
		s.logger.Debug("image ignored by the dev server", "image", p.Image)
	}

	j, err := job.Launch(ctx, s.engine, "", command, opts...)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	// the job outlives the request, so its context does not derive from ctx
	var runCtx context.Context
	var cancel context.CancelFunc
	if p.MaxDuration > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), time.Duration(p.MaxDuration)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	rec := &record{id: id, dir: dir, cancel: cancel, state: StateRunning}

	s.mu.Lock()
	s.jobs[id] = rec
	s.mu.Unlock()
	s.submitted.Add(ctx, 1, metric.WithAttributes(attribute.Int("cpus", p.CPUs)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.watch(runCtx, rec, j)
	}()
	return id, nil
}

// watch owns j for the rest of its life. Nothing else touches the job.
func (s *Service) watch(ctx context.Context, rec *record, j *job.Job) {
	log := j.Logger()

	waitErr := j.Wait(ctx)
	if waitErr != nil && ctx.Err() != nil {
		if err := j.Kill(context.Background()); err != nil {
			log.Warn("failed to kill job", "error", err)
		}
		// reap the process; the killed status makes this fail
		_ = j.Wait(context.Background())
	}

	rec.setState(StateCopyingOutputs)
	if err := s.saveStdio(rec, j); err != nil {
		log.Warn("failed to save stdio", "error", err)
	}
	outputs, err := listOutputs(filepath.Join(rec.dir, "outputs"))
	if err != nil {
		log.Warn("failed to list outputs", "error", err)
	}
	if err := j.Cleanup(context.Background()); err != nil {
		log.Warn("failed to clean up job", "error", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.outputs = outputs
	if code, err := j.ExitCode(); err == nil {
		rec.exitCode = &code
	}
	switch {
	case rec.killed:
		rec.state = StateKilled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Warn("job exceeded its maximum duration")
		rec.state = StateFailed
	case waitErr != nil:
		log.Warn("job failed", "error", waitErr)
		rec.state = StateFailed
	default:
		rec.state = StateFinished
	}
}

func (s *Service) saveStdio(rec *record, j *job.Job) error {
	stdout, stderr, err := j.Engine().FinalStdio(context.Background(), j)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(rec.dir, "stdout"), stdout, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rec.dir, "stderr"), stderr, 0o644)
}

func (r *record) setState(state string) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (s *Service) get(id string) (*record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Status returns the state of job id.
func (s *Service) Status(id string) (string, error) {
	rec, err := s.get(id)
	if err != nil {
		return "", err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state, nil
}

// Kill stops job id. Killing a job that already ended is not an error.
func (s *Service) Kill(id string) error {
	rec, err := s.get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if rec.state == StateRunning {
		rec.killed = true
	}
	rec.mu.Unlock()
	rec.cancel()
	return nil
}

// Result returns the result manifest of job id. URLs are relative to the server root.
func (s *Service) Result(id string) (api.JobResult, error) {
	rec, err := s.get(id)
	if err != nil {
		return api.JobResult{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.state {
	case StateFinished, StateKilled, StateFailed:
	default:
		return api.JobResult{}, fmt.Errorf("%w: %s is %s", ErrNotDone, id, rec.state)
	}

	base := "files/" + id + "/"
	return api.JobResult{
		Stdout:         base + "stdout",
		Stderr:         base + "stderr",
		OutputsBaseURL: base + "outputs/",
		Outputs:        append([]string{}, rec.outputs...),
		ExitCode:       rec.exitCode,
	}, nil
}

// Close kills every running job and waits for them to be reaped.
func (s *Service) Close() {
	s.mu.Lock()
	for _, rec := range s.jobs {
		rec.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func writeInputs(dir string, inputs []api.InlineInput) error {
	for _, in := range inputs {
		var data []byte
		switch in.Encoding {
		case "", api.EncodingUTF8:
			data = []byte(in.Value)
		case api.EncodingBase64:
			decoded, err := base64.StdEncoding.DecodeString(in.Value)
			if err != nil {
				return fmt.Errorf("%w: input %s: %v", ErrInvalidParams, in.Name, err)
			}
			data = decoded
		default:
			return fmt.Errorf("%w: input %s: unknown encoding %q", ErrInvalidParams, in.Name, in.Encoding)
		}

		dst, err := files.JoinLocal(dir, in.Name)
		if err != nil {
			return fmt.Errorf("%w: input %s: %v", ErrInvalidParams, in.Name, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("failed to write input %s: %w", in.Name, err)
		}
	}
	return nil
}

func listOutputs(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(out)
	return out, err
}

// ShellCommand turns a command vector into a shell string. The common
// ["sh", "-c", script] form is unwrapped; anything else is quoted word by word.
func ShellCommand(argv []string) string {
	if len(argv) == 3 && (argv[0] == "sh" || argv[0] == "/bin/sh") && argv[1] == "-c" {
		return argv[2]
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
