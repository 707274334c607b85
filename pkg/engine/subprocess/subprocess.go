// Package subprocess runs jobs as shell processes on the local machine.
// It is intended for development and testing; jobs are not sandboxed.
package subprocess

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"computecannon/pkg/files"
	"computecannon/pkg/job"
)

// Config holds configuration for the subprocess engine.
type Config struct {
	// WorkRoot is the parent of every job's temporary working directory.
	WorkRoot string
	// Shell runs the job command with "-c".
	Shell  string
	Logger *slog.Logger
}

// Engine implements job.Engine using local OS processes.
type Engine struct {
	workRoot string
	shell    string
	logger   *slog.Logger
}

// runData is the per-job state kept in job.RunData.
type runData struct {
	cmd      *exec.Cmd
	workDir  string
	stdout   *outputBuffer
	stderr   *outputBuffer
	combined *outputBuffer
	staged   map[string]fs.FileInfo
	done     chan struct{}
	exitCode int
	killed   atomic.Bool
}

// New creates a subprocess engine.
func New(cfg Config) *Engine {
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "ccc", "subprocess")
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{workRoot: cfg.WorkRoot, shell: cfg.Shell, logger: cfg.Logger}
}

// WorkRoot returns the directory under which job directories are created.
func (e *Engine) WorkRoot() string { return e.workRoot }

// Submit implements job.Engine. Each job gets a fresh temporary directory
// with its inputs staged into it.
func (e *Engine) Submit(_ context.Context, j *job.Job) error {
	if strings.TrimSpace(j.Command) == "" {
		return fmt.Errorf("command is required")
	}
	if j.Image != "" {
		e.logger.Debug("subprocess engine ignores image", "image", j.Image)
	}

	if err := os.MkdirAll(e.workRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create work root: %w", err)
	}
	workDir, err := os.MkdirTemp(e.workRoot, "job-")
	if err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}

	staged, err := stageInputs(workDir, j.Inputs)
	if err != nil {
		os.RemoveAll(workDir)
		return err
	}

	rd := &runData{
		workDir:  workDir,
		stdout:   newOutputBuffer(),
		stderr:   newOutputBuffer(),
		combined: newOutputBuffer(),
		staged:   staged,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	// The process outlives the submit call, so it is not bound to ctx.
	cmd := exec.Command(e.shell, "-c", j.Command)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	for k, v := range j.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stdout = io.MultiWriter(rd.stdout, rd.combined)
	cmd.Stderr = io.MultiWriter(rd.stderr, rd.combined)
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		os.RemoveAll(workDir)
		return fmt.Errorf("failed to start process: %w", err)
	}
	rd.cmd = cmd

	go func() {
		_ = cmd.Wait()
		rd.exitCode = cmd.ProcessState.ExitCode()
		rd.stdout.Close()
		rd.stderr.Close()
		rd.combined.Close()
		close(rd.done)
	}()

	j.RunData = rd
	j.SetID(strconv.Itoa(cmd.Process.Pid))
	e.logger.Info("started process", "pid", cmd.Process.Pid, "workdir", workDir)
	return nil
}

func stageInputs(workDir string, inputs map[string]files.Reference) (map[string]fs.FileInfo, error) {
	staged := make(map[string]fs.FileInfo, len(inputs))
	for rel, ref := range inputs {
		dst, err := files.JoinLocal(workDir, rel)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("input %s: %w", rel, err)
		}
		put, err := ref.Put(dst)
		if err != nil {
			return nil, fmt.Errorf("failed to stage input %s: %w", rel, err)
		}
		info, err := os.Stat(put.Path())
		if err != nil {
			return nil, err
		}
		staged[filepath.ToSlash(filepath.Clean(rel))] = info
	}
	return staged, nil
}

func runDataOf(j *job.Job) (*runData, error) {
	rd, ok := j.RunData.(*runData)
	if !ok || rd == nil {
		return nil, fmt.Errorf("job %s was not submitted to a subprocess engine", j.ID())
	}
	return rd, nil
}

// Wait implements job.Engine.
func (e *Engine) Wait(ctx context.Context, j *job.Job) (job.ExitResult, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return job.ExitResult{ExitCode: -1, Error: err}, err
	}
	select {
	case <-rd.done:
		return job.ExitResult{ExitCode: rd.exitCode}, nil
	case <-ctx.Done():
		return job.ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Kill implements job.Engine by sending SIGTERM to the job's process group.
func (e *Engine) Kill(_ context.Context, j *job.Job) error {
	rd, err := runDataOf(j)
	if err != nil {
		return err
	}
	select {
	case <-rd.done:
		return nil
	default:
	}
	rd.killed.Store(true)
	return terminate(rd.cmd)
}

// Status implements job.Engine. It never blocks.
func (e *Engine) Status(_ context.Context, j *job.Job) (job.Status, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return "", err
	}
	select {
	case <-rd.done:
		if rd.killed.Load() {
			return job.StatusKilled, nil
		}
		return job.StatusFinished, nil
	default:
		return job.StatusRunning, nil
	}
}

// ListOutputFiles implements job.Engine. Symlinks and staged inputs that
// were left untouched are not reported.
func (e *Engine) ListOutputFiles(_ context.Context, j *job.Job) (map[string]files.Reference, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return nil, err
	}

	outputs := map[string]files.Reference{}
	err = filepath.WalkDir(rd.workDir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || entry.Type()&fs.ModeSymlink != 0 || !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(rd.workDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if before, ok := rd.staged[rel]; ok && unchanged(before, info) {
			return nil
		}

		ref, err := files.NewLocalFile(p)
		if err != nil {
			return err
		}
		outputs[rel] = ref
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs in %s: %w", rd.workDir, err)
	}
	return outputs, nil
}

func unchanged(before, after fs.FileInfo) bool {
	return before.Size() == after.Size() && before.ModTime().Equal(after.ModTime())
}

// FinalStdio implements job.Engine.
func (e *Engine) FinalStdio(ctx context.Context, j *job.Job) ([]byte, []byte, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return nil, nil, err
	}
	select {
	case <-rd.done:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return rd.stdout.Bytes(), rd.stderr.Bytes(), nil
}

// StreamLogs implements job.LogStreamer with interleaved stdout and stderr.
func (e *Engine) StreamLogs(ctx context.Context, j *job.Job) (io.ReadCloser, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return nil, err
	}
	return rd.combined.Follow(ctx), nil
}

// GetDirectory implements job.DirectoryGetter.
func (e *Engine) GetDirectory(_ context.Context, j *job.Job, dir string) (files.Directory, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return nil, err
	}
	p, err := files.JoinLocal(rd.workDir, dir)
	if err != nil {
		return nil, err
	}
	return files.NewLocalDirectory(p)
}

// WorkDir returns the job's working directory.
func (e *Engine) WorkDir(j *job.Job) (string, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return "", err
	}
	return rd.workDir, nil
}

// Cleanup implements job.Cleaner by removing the working directory of a finished job.
func (e *Engine) Cleanup(_ context.Context, j *job.Job) error {
	rd, err := runDataOf(j)
	if err != nil {
		return err
	}
	select {
	case <-rd.done:
	default:
		return fmt.Errorf("job %s is still running", j.ID())
	}
	if err := os.RemoveAll(rd.workDir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", rd.workDir, err)
	}
	return nil
}

// TestConnection implements job.ConnectionTester by running a trivial command.
func (e *Engine) TestConnection(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, e.shell, "-c", "echo check12").Output()
	if err != nil {
		return &job.EngineTestError{Engine: e.Hostname(), Err: err}
	}
	if got := strings.TrimSpace(string(out)); got != "check12" {
		return &job.EngineTestError{Engine: e.Hostname(), Err: fmt.Errorf("unexpected echo %q", got)}
	}
	return nil
}

// Hostname implements job.Engine.
func (e *Engine) Hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}

// Describe implements job.Describer.
func (e *Engine) Describe() string {
	return fmt.Sprintf("Subprocess engine on %s (work root %s)", e.Hostname(), e.workRoot)
}

var _ interface {
	job.Engine
	job.LogStreamer
	job.DirectoryGetter
	job.Cleaner
	job.ConnectionTester
	job.Describer
} = (*Engine)(nil)
