// Package docker runs jobs in containers on a Docker daemon.
//
// Inputs are baked into a per-job image built on top of the job's image, so
// the daemon may be remote. Outputs are found with a filesystem diff of the
// stopped container and fetched lazily through the archive endpoint.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/stdcopy"

	"computecannon/pkg/files"
	"computecannon/pkg/job"
)

// DefaultWorkDir is the working directory used when the job does not set one.
const DefaultWorkDir = "/default_wdir"

const managedByLabel = "computecannon.managed-by"

// Config holds configuration for the Docker engine.
type Config struct {
	// Host is the daemon address. Empty means DOCKER_HOST and friends.
	Host           string
	DefaultWorkDir string
	Logger         *slog.Logger
	// Cache holds fetched outputs. Nil uses files.DefaultCacheDir.
	Cache *files.CacheDir
}

// Engine implements job.Engine on a Docker daemon.
type Engine struct {
	api     API
	workDir string
	cache   *files.CacheDir
	logger  *slog.Logger
}

type runData struct {
	containerID string
	imageID     string
	builtImage  bool
	workDir     string
	killed      atomic.Bool
}

// New connects to the daemon described by cfg.
func New(cfg Config) (*Engine, error) {
	cli, err := NewClient(cfg.Host)
	if err != nil {
		return nil, err
	}
	return NewWithClient(cli, cfg), nil
}

// NewWithClient creates an engine around an existing client.
func NewWithClient(api API, cfg Config) *Engine {
	if cfg.DefaultWorkDir == "" {
		cfg.DefaultWorkDir = DefaultWorkDir
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{api: api, workDir: cfg.DefaultWorkDir, cache: cfg.Cache, logger: cfg.Logger}
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// Submit implements job.Engine. It builds the input image, then creates and
// starts the container.
func (e *Engine) Submit(ctx context.Context, j *job.Job) error {
	if j.Image == "" {
		return fmt.Errorf("image is required")
	}
	if strings.TrimSpace(j.Command) == "" {
		return fmt.Errorf("command is required")
	}

	workDir := j.WorkingDir
	if workDir == "" {
		workDir = e.workDir
	}
	if !path.IsAbs(workDir) {
		return fmt.Errorf("working directory %q must be absolute", workDir)
	}

	mounts, err := mountsFromOptions(j.EngineOptions)
	if err != nil {
		return err
	}

	labels := map[string]string{managedByLabel: "computecannon", "computecannon.job-name": j.Name}

	rd := &runData{imageID: j.Image, workDir: workDir}
	if len(j.Inputs) > 0 {
		buildCtx, err := buildContext(j.Image, workDir, j.Inputs)
		if err != nil {
			return err
		}
		imageID, err := e.buildImage(ctx, buildCtx, labels)
		if err != nil {
			return err
		}
		rd.imageID = imageID
		rd.builtImage = true
		e.logger.Debug("built input image", "image", imageID, "inputs", len(j.Inputs))
	}

	containerConfig := &container.Config{
		Image:      rd.imageID,
		Cmd:        []string{"sh", "-c", j.Command},
		Env:        mapToEnvList(j.Env),
		WorkingDir: workDir,
		Labels:     labels,
	}
	hostConfig := &container.HostConfig{
		Mounts: mounts,
	}
	if j.NumCPUs > 0 {
		hostConfig.Resources.NanoCPUs = int64(j.NumCPUs) * 1e9
	}

	resp, err := e.api.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		e.removeImage(ctx, rd)
		return fmt.Errorf("failed to create container: %w", err)
	}
	rd.containerID = resp.ID

	if err := e.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rerr := e.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rerr != nil {
			e.logger.Warn("failed to remove container", "container", shortID(resp.ID), "error", rerr)
		}
		e.removeImage(ctx, rd)
		return fmt.Errorf("failed to start container: %w", err)
	}

	j.RunData = rd
	j.SetID(resp.ID)
	e.logger.Info("started container", "container", shortID(resp.ID), "image", j.Image)
	return nil
}

func runDataOf(j *job.Job) (*runData, error) {
	rd, ok := j.RunData.(*runData)
	if !ok || rd == nil {
		return nil, fmt.Errorf("job %s was not submitted to a docker engine", j.ID())
	}
	return rd, nil
}

// Wait implements job.Engine.
func (e *Engine) Wait(ctx context.Context, j *job.Job) (job.ExitResult, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return job.ExitResult{ExitCode: -1, Error: err}, err
	}

	statusCh, errCh := e.api.ContainerWait(ctx, rd.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return job.ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		if status.Error != nil {
			return job.ExitResult{
				ExitCode: int(status.StatusCode),
				Error:    fmt.Errorf("%s", status.Error.Message),
			}, nil
		}
		return job.ExitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return job.ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Kill implements job.Engine.
func (e *Engine) Kill(ctx context.Context, j *job.Job) error {
	rd, err := runDataOf(j)
	if err != nil {
		return err
	}
	rd.killed.Store(true)
	timeout := 5
	return e.api.ContainerStop(ctx, rd.containerID, container.StopOptions{Timeout: &timeout})
}

// Status implements job.Engine from a container inspection.
func (e *Engine) Status(ctx context.Context, j *job.Job) (job.Status, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return "", err
	}
	info, err := e.api.ContainerInspect(ctx, rd.containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", shortID(rd.containerID), err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return "", fmt.Errorf("container %s has no state", shortID(rd.containerID))
	}

	state := info.State
	switch {
	case state.Running || state.Restarting || state.Paused:
		return job.StatusRunning, nil
	case rd.killed.Load():
		return job.StatusKilled, nil
	case state.Status == "created":
		return job.StatusQueued, nil
	case state.Status == "dead" || state.OOMKilled:
		return job.StatusError, nil
	default:
		return job.StatusFinished, nil
	}
}

// ListOutputFiles implements job.Engine. Every file the container added or
// modified is reported; paths under the working directory are keyed
// relative to it, others by absolute path.
func (e *Engine) ListOutputFiles(ctx context.Context, j *job.Job) (map[string]files.Reference, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return nil, err
	}
	changes, err := e.api.ContainerDiff(ctx, rd.containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to diff container %s: %w", shortID(rd.containerID), err)
	}

	var changed []string
	for _, c := range changes {
		if c.Kind == container.ChangeModify || c.Kind == container.ChangeAdd {
			changed = append(changed, c.Path)
		}
	}

	outputs := map[string]files.Reference{}
	for _, p := range removeDirectories(changed) {
		key := p
		if rel, ok := strings.CutPrefix(p, strings.TrimSuffix(rd.workDir, "/")+"/"); ok {
			key = rel
		}
		fetcher := &ContainerFetcher{API: e.api, ContainerID: rd.containerID, Path: p}
		outputs[key] = files.NewLazy(fetcher, files.WithCacheDir(e.cache))
	}
	return outputs, nil
}

// removeDirectories drops every path that is a parent of another path in the list.
func removeDirectories(paths []string) []string {
	parents := map[string]bool{}
	for _, p := range paths {
		for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
			parents[dir] = true
		}
	}
	var leaves []string
	for _, p := range paths {
		if !parents[p] {
			leaves = append(leaves, p)
		}
	}
	return leaves
}

// FinalStdio implements job.Engine by demultiplexing the container logs.
func (e *Engine) FinalStdio(ctx context.Context, j *job.Job) ([]byte, []byte, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return nil, nil, err
	}
	rc, err := e.api.ContainerLogs(ctx, rd.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get logs of container %s: %w", shortID(rd.containerID), err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, nil, fmt.Errorf("failed to read logs: %w", err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// StreamLogs implements job.LogStreamer. The stream is multiplexed; use
// stdcopy.StdCopy to split it.
func (e *Engine) StreamLogs(ctx context.Context, j *job.Job) (io.ReadCloser, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return nil, err
	}
	return e.api.ContainerLogs(ctx, rd.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

// GetDirectory implements job.DirectoryGetter. The directory is fetched
// from the container only when it is first copied out.
func (e *Engine) GetDirectory(_ context.Context, j *job.Job, dir string) (files.Directory, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return nil, err
	}
	p := dir
	if !path.IsAbs(p) {
		p = path.Join(rd.workDir, dir)
	}
	fetcher := &ContainerFetcher{API: e.api, ContainerID: rd.containerID, Path: p, Archive: true}
	return files.NewLazyArchive(fetcher, path.Base(p), e.cache), nil
}

// Cleanup implements job.Cleaner by removing the container and any image
// built for it.
func (e *Engine) Cleanup(ctx context.Context, j *job.Job) error {
	rd, err := runDataOf(j)
	if err != nil {
		return err
	}
	if err := e.api.ContainerRemove(ctx, rd.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", shortID(rd.containerID), err)
	}
	e.removeImage(ctx, rd)
	return nil
}

func (e *Engine) removeImage(ctx context.Context, rd *runData) {
	if !rd.builtImage {
		return
	}
	if _, err := e.api.ImageRemove(ctx, rd.imageID, image.RemoveOptions{PruneChildren: true}); err != nil {
		e.logger.Warn("failed to remove input image", "image", rd.imageID, "error", err)
	}
}

// TestConnection implements job.ConnectionTester.
func (e *Engine) TestConnection(ctx context.Context) error {
	if _, err := e.api.Ping(ctx); err != nil {
		return &job.EngineTestError{Engine: e.Hostname(), Err: err}
	}
	return nil
}

// Hostname implements job.Engine.
func (e *Engine) Hostname() string { return e.api.DaemonHost() }

// Describe implements job.Describer.
func (e *Engine) Describe() string {
	return fmt.Sprintf("Docker engine at %s", e.api.DaemonHost())
}

var _ interface {
	job.Engine
	job.LogStreamer
	job.DirectoryGetter
	job.Cleaner
	job.ConnectionTester
	job.Describer
} = (*Engine)(nil)
