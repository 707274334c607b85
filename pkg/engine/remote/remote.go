// Package remote submits jobs to a remote job service over JSON-RPC.
//
// The service offers no push notifications, so jobs are observed by polling
// with a back-off that grows with the time already spent waiting.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"computecannon/internal/jsonrpc"
	"computecannon/pkg/api"
	"computecannon/pkg/files"
	"computecannon/pkg/job"
)

// ServiceWorkDir is the working directory requested for every job.
const ServiceWorkDir = "/workingdir"

// statuses translates the service's vocabulary into canonical statuses.
var statuses = map[string]job.Status{
	"pending":           job.StatusQueued,
	"copying_image":     job.StatusDownloading,
	"copying_inputs":    job.StatusDownloading,
	"container_running": job.StatusRunning,
	"finished_working":  job.StatusRunning,
	"copying_logs":      job.StatusFinishing,
	"copying_outputs":   job.StatusFinishing,
	"finalizing":        job.StatusFinishing,
	"finished":          job.StatusFinished,
	"cancelled":         job.StatusKilled,
	"killed":            job.StatusKilled,
	"failed":            job.StatusError,
}

// TranslateStatus maps a service status onto the canonical set.
func TranslateStatus(backend, value string) (job.Status, error) {
	s, ok := statuses[value]
	if !ok {
		return "", &job.UnknownStatusError{Backend: backend, Value: value}
	}
	return s, nil
}

// DefaultPollInterval returns the delay before the next status poll, given
// how long Wait has been polling.
func DefaultPollInterval(waited time.Duration) time.Duration {
	switch {
	case waited > 1000*time.Second:
		return 60 * time.Second
	case waited > 100*time.Second:
		return 20 * time.Second
	case waited > 10*time.Second:
		return 5 * time.Second
	default:
		return time.Second
	}
}

// Config holds configuration for the remote engine.
type Config struct {
	// URL of the service, e.g. http://ccc.example.com:9000. The scheme
	// defaults to http.
	URL string
	// RateLimit caps RPC calls per second. Zero means unlimited.
	RateLimit  float64
	HTTPClient *http.Client
	Cache      *files.CacheDir
	Logger     *slog.Logger
	// PollInterval overrides DefaultPollInterval.
	PollInterval func(waited time.Duration) time.Duration
}

// Engine implements job.Engine against a remote job service.
type Engine struct {
	baseURL string
	rpc     *jsonrpc.Client
	cache   *files.CacheDir
	hc      *http.Client
	logger  *slog.Logger
	poll    func(time.Duration) time.Duration
}

// runData caches the result manifest, which the service computes once.
type runData struct {
	result *api.JobResult
}

// New creates a remote engine. It does not contact the service.
func New(cfg Config) (*Engine, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote url is required")
	}
	base := cfg.URL
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval == nil {
		cfg.PollInterval = DefaultPollInterval
	}

	opts := []jsonrpc.Option{
		jsonrpc.WithRateLimit(cfg.RateLimit, 1),
		jsonrpc.WithLogger(cfg.Logger),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, jsonrpc.WithHTTPClient(cfg.HTTPClient))
	}

	return &Engine{
		baseURL: base,
		rpc:     jsonrpc.NewClient(base+"api/rpc", opts...),
		cache:   cfg.Cache,
		hc:      cfg.HTTPClient,
		logger:  cfg.Logger,
		poll:    cfg.PollInterval,
	}, nil
}

// Endpoint returns the RPC endpoint URL.
func (e *Engine) Endpoint() string { return e.rpc.Endpoint }

// WrapCommand surrounds command with the staging steps the service
// expects: inputs are copied in from CCC_INPUTS (default /inputs) and the
// working directory is copied out to CCC_OUTPUTS (default /outputs). The
// copy-out runs whatever the command's status, and the script exits with
// that status.
func WrapCommand(command string, hasInputs bool) string {
	steps := []string{"export CCC_WORKDIR=`pwd`"}
	if hasInputs {
		steps = append(steps, "cp -rf ${CCC_INPUTS:-/inputs}/* .")
	}
	// the subshell keeps an exit or cd in command from skipping the copy-out
	steps = append(steps, "(\n"+command+"\n)")
	return strings.Join(steps, " && ") +
		"; rc=$?; cd $CCC_WORKDIR && cp -r * ${CCC_OUTPUTS:-/outputs} 2>/dev/null; exit $rc"
}

// inlineInputs reads every input into the request. Text that is valid
// UTF-8 is sent as is; anything else is base64 encoded.
func inlineInputs(inputs map[string]files.Reference) ([]api.InlineInput, error) {
	out := make([]api.InlineInput, 0, len(inputs))
	for name, ref := range inputs {
		if _, err := files.JoinLocal("/", name); err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		data, err := files.Read(ref, "rb", "")
		if err != nil {
			return nil, fmt.Errorf("failed to read input %s: %w", name, err)
		}
		in := api.InlineInput{Type: "inline", Name: name}
		if utf8.Valid(data) {
			in.Value, in.Encoding = string(data), api.EncodingUTF8
		} else {
			in.Value, in.Encoding = base64.StdEncoding.EncodeToString(data), api.EncodingBase64
		}
		out = append(out, in)
	}
	return out, nil
}

// Submit implements job.Engine.
func (e *Engine) Submit(ctx context.Context, j *job.Job) error {
	if j.Image == "" {
		return fmt.Errorf("image is required")
	}
	if strings.TrimSpace(j.Command) == "" {
		return fmt.Errorf("command is required")
	}
	inputs, err := inlineInputs(j.Inputs)
	if err != nil {
		return err
	}

	params := api.SubmitJobParams{
		Image:       j.Image,
		Command:     []string{"sh", "-c", WrapCommand(j.Command, len(inputs) > 0)},
		Inputs:      inputs,
		CPUs:        j.NumCPUs,
		MaxDuration: j.Runtime.Milliseconds(),
		WorkingDir:  ServiceWorkDir,
	}
	var result api.SubmitJobResult
	if err := e.rpc.Call(ctx, api.MethodSubmitJob, params, &result); err != nil {
		return err
	}
	if result.JobID == "" {
		return fmt.Errorf("service returned no job id")
	}

	j.RunData = &runData{}
	j.SetID(result.JobID)
	e.logger.Info("submitted remote job", "job_id", result.JobID, "endpoint", e.rpc.Endpoint)
	return nil
}

func runDataOf(j *job.Job) (*runData, error) {
	rd, ok := j.RunData.(*runData)
	if !ok || rd == nil {
		return nil, fmt.Errorf("job %s was not submitted to a remote engine", j.ID())
	}
	return rd, nil
}

func (e *Engine) jobCommand(ctx context.Context, command string, j *job.Job, result any) error {
	return e.rpc.Call(ctx, api.MethodJob, api.JobParams{Command: command, JobID: []string{j.ID()}}, result)
}

// Status implements job.Engine.
func (e *Engine) Status(ctx context.Context, j *job.Job) (job.Status, error) {
	var resp map[string]string
	if err := e.jobCommand(ctx, api.JobCommandStatus, j, &resp); err != nil {
		return "", err
	}
	value, ok := resp[j.ID()]
	if !ok {
		return "", fmt.Errorf("service did not report status for job %s", j.ID())
	}
	return TranslateStatus(e.baseURL, value)
}

// Wait implements job.Engine by polling. Time spent in the Running state
// counts against Job.Runtime; exceeding it returns a *job.TimeoutError.
func (e *Engine) Wait(ctx context.Context, j *job.Job) (job.ExitResult, error) {
	var waited, running time.Duration
	interval := e.poll(0)

	for {
		s, err := j.Status(ctx)
		if err != nil {
			return job.ExitResult{ExitCode: -1, Error: err}, err
		}
		if s.IsDone() {
			return e.exitResult(ctx, j, s), nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return job.ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
		case <-timer.C:
		}

		waited += interval
		if s == job.StatusRunning {
			running += interval
		}
		if j.Runtime > 0 && running > j.Runtime {
			err := &job.TimeoutError{JobID: j.ID(), Runtime: j.Runtime, Running: running}
			return job.ExitResult{ExitCode: -1, Error: err}, err
		}
		interval = e.poll(waited)
	}
}

func (e *Engine) exitResult(ctx context.Context, j *job.Job, s job.Status) job.ExitResult {
	if s != job.StatusFinished {
		return job.ExitResult{ExitCode: -1}
	}
	res, err := e.result(ctx, j)
	if err != nil || res.ExitCode == nil {
		return job.ExitResult{ExitCode: -1}
	}
	return job.ExitResult{ExitCode: *res.ExitCode}
}

// Attach implements job.Attacher. The service must still know the job.
func (e *Engine) Attach(ctx context.Context, j *job.Job) error {
	j.RunData = &runData{}
	if _, err := e.Status(ctx, j); err != nil {
		j.RunData = nil
		return err
	}
	return nil
}

// Kill implements job.Engine.
func (e *Engine) Kill(ctx context.Context, j *job.Job) error {
	return e.jobCommand(ctx, api.JobCommandKill, j, nil)
}

// result fetches the result manifest once per job.
func (e *Engine) result(ctx context.Context, j *job.Job) (*api.JobResult, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return nil, err
	}
	if rd.result != nil {
		return rd.result, nil
	}
	var resp map[string]api.JobResult
	if err := e.jobCommand(ctx, api.JobCommandResult, j, &resp); err != nil {
		return nil, err
	}
	res, ok := resp[j.ID()]
	if !ok {
		return nil, fmt.Errorf("service returned no result for job %s", j.ID())
	}
	rd.result = &res
	return rd.result, nil
}

func (e *Engine) url(rel string) string {
	return e.baseURL + strings.TrimPrefix(rel, "/")
}

// ListOutputFiles implements job.Engine. Outputs are lazy HTTP references.
func (e *Engine) ListOutputFiles(ctx context.Context, j *job.Job) (map[string]files.Reference, error) {
	res, err := e.result(ctx, j)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]files.Reference, len(res.Outputs))
	for _, name := range res.Outputs {
		fetcher := &files.HTTPFetcher{URL: e.url(res.OutputsBaseURL + name), Client: e.hc}
		outputs[name] = files.NewLazy(fetcher, files.WithName(path.Base(name)), files.WithCacheDir(e.cache))
	}
	return outputs, nil
}

// FinalStdio implements job.Engine.
func (e *Engine) FinalStdio(ctx context.Context, j *job.Job) ([]byte, []byte, error) {
	res, err := e.result(ctx, j)
	if err != nil {
		return nil, nil, err
	}
	stdout, err := e.fetchBytes(ctx, res.Stdout)
	if err != nil {
		return nil, nil, fmt.Errorf("stdout: %w", err)
	}
	stderr, err := e.fetchBytes(ctx, res.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("stderr: %w", err)
	}
	return stdout, stderr, nil
}

func (e *Engine) fetchBytes(ctx context.Context, rel string) ([]byte, error) {
	if rel == "" {
		return nil, nil
	}
	var buf bytes.Buffer
	fetcher := &files.HTTPFetcher{URL: e.url(rel), Client: e.hc}
	if err := fetcher.Fetch(ctx, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TestConnection implements job.ConnectionTester with the service's echo method.
func (e *Engine) TestConnection(ctx context.Context) error {
	var echoed string
	if err := e.rpc.Call(ctx, api.MethodTestRPC, api.TestRPCParams{Echo: "check12"}, &echoed); err != nil {
		return &job.EngineTestError{Engine: e.baseURL, Err: err}
	}
	if strings.TrimSpace(echoed) != "check12check12" {
		return &job.EngineTestError{Engine: e.baseURL, Err: fmt.Errorf("unexpected echo %q", echoed)}
	}
	return nil
}

// Methods lists the methods the service offers.
func (e *Engine) Methods(ctx context.Context) ([]api.MethodInfo, error) {
	return e.rpc.Methods(ctx)
}

// Hostname implements job.Engine.
func (e *Engine) Hostname() string { return e.baseURL }

// Describe implements job.Describer.
func (e *Engine) Describe() string {
	return fmt.Sprintf("Remote job service at %s", e.baseURL)
}

var _ interface {
	job.Engine
	job.Attacher
	job.ConnectionTester
	job.Describer
} = (*Engine)(nil)
