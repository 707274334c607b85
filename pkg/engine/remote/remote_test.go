package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"computecannon/pkg/api"
	"computecannon/pkg/files"
	"computecannon/pkg/job"
)

// fakeService is a scripted remote job service.
type fakeService struct {
	mu          sync.Mutex
	submitted   []api.SubmitJobParams
	statuses    []string
	polls       int
	resultCalls int
	killed      bool
	exitCode    *int
	echo        string
	stdout      []byte
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rpc", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		var req api.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request: %v", err)
			return
		}

		var result any
		switch req.Method {
		case api.MethodSubmitJob:
			var p api.SubmitJobParams
			json.Unmarshal(req.Params, &p)
			f.submitted = append(f.submitted, p)
			result = api.SubmitJobResult{JobID: "job-1"}
		case api.MethodTestRPC:
			var p api.TestRPCParams
			json.Unmarshal(req.Params, &p)
			result = p.Echo + f.echo
		case api.MethodJob:
			var p api.JobParams
			json.Unmarshal(req.Params, &p)
			switch p.Command {
			case api.JobCommandStatus:
				s := f.statuses[min(f.polls, len(f.statuses)-1)]
				f.polls++
				result = map[string]string{"job-1": s}
			case api.JobCommandKill:
				f.killed = true
				result = true
			case api.JobCommandResult:
				f.resultCalls++
				result = map[string]api.JobResult{"job-1": {
					Stdout:         "files/job-1/stdout",
					Stderr:         "files/job-1/stderr",
					OutputsBaseURL: "files/job-1/outputs/",
					Outputs:        []string{"out.txt", "sub/data.bin"},
					ExitCode:       f.exitCode,
				}}
			}
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(api.Response{JSONRPC: api.Version, ID: req.ID, Result: raw})
	})
	mux.HandleFunc("GET /files/job-1/stdout", func(w http.ResponseWriter, r *http.Request) {
		if f.stdout != nil {
			w.Write(f.stdout)
			return
		}
		w.Write([]byte("hello\n"))
	})
	mux.HandleFunc("GET /files/job-1/stderr", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /files/job-1/outputs/out.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("result"))
	})
	return mux
}

func newTestEngine(t *testing.T, svc *fakeService) *Engine {
	t.Helper()
	server := httptest.NewServer(svc.handler(t))
	t.Cleanup(server.Close)

	cache, err := files.NewCacheDir(t.TempDir())
	require.NoError(t, err)

	e, err := New(Config{
		URL:          strings.TrimPrefix(server.URL, "http://"),
		Cache:        cache,
		PollInterval: func(time.Duration) time.Duration { return time.Millisecond },
	})
	require.NoError(t, err)
	return e
}

func TestTranslateStatus(t *testing.T) {
	tests := []struct {
		value string
		want  job.Status
	}{
		{"pending", job.StatusQueued},
		{"copying_image", job.StatusDownloading},
		{"copying_inputs", job.StatusDownloading},
		{"container_running", job.StatusRunning},
		{"finished_working", job.StatusRunning},
		{"copying_logs", job.StatusFinishing},
		{"copying_outputs", job.StatusFinishing},
		{"finalizing", job.StatusFinishing},
		{"finished", job.StatusFinished},
		{"cancelled", job.StatusKilled},
		{"killed", job.StatusKilled},
		{"failed", job.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := TranslateStatus("svc", tt.value)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := TranslateStatus("svc", "exploded")
	var unknown *job.UnknownStatusError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "exploded", unknown.Value)
}

func TestDefaultPollInterval(t *testing.T) {
	require.Equal(t, time.Second, DefaultPollInterval(0))
	require.Equal(t, time.Second, DefaultPollInterval(10*time.Second))
	require.Equal(t, 5*time.Second, DefaultPollInterval(11*time.Second))
	require.Equal(t, 20*time.Second, DefaultPollInterval(101*time.Second))
	require.Equal(t, 60*time.Second, DefaultPollInterval(1001*time.Second))
}

func TestWrapCommand(t *testing.T) {
	require.Equal(t,
		"export CCC_WORKDIR=`pwd` && cp -rf ${CCC_INPUTS:-/inputs}/* . && (\nmake\n); rc=$?; cd $CCC_WORKDIR && cp -r * ${CCC_OUTPUTS:-/outputs} 2>/dev/null; exit $rc",
		WrapCommand("make", true))
	require.NotContains(t, WrapCommand("make", false), "cp -rf")
}

func TestWrapCommand_CopiesOutAfterFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	work, out := t.TempDir(), t.TempDir()
	script := WrapCommand("echo partial > log.txt # trailing comment\nexit 3", false)

	cmd := exec.Command("sh", "-c", script)
	cmd.Dir = work
	cmd.Env = append(os.Environ(), "CCC_OUTPUTS="+out)
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 3, exitErr.ExitCode())
	data, err := os.ReadFile(filepath.Join(out, "log.txt"))
	require.NoError(t, err)
	require.Equal(t, "partial\n", string(data))
}

func TestWrapCommand_EmptyWorkdirKeepsStatus(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	cmd := exec.Command("sh", "-c", WrapCommand("true", false))
	cmd.Dir = t.TempDir()
	cmd.Env = append(os.Environ(), "CCC_OUTPUTS="+t.TempDir())
	require.NoError(t, cmd.Run())
}

func TestNew_NormalizesURL(t *testing.T) {
	e, err := New(Config{URL: "ccc.example.com:9000"})
	require.NoError(t, err)
	require.Equal(t, "http://ccc.example.com:9000/", e.Hostname())
	require.Equal(t, "http://ccc.example.com:9000/api/rpc", e.Endpoint())

	_, err = New(Config{})
	require.Error(t, err)
}

func TestSubmit_SendsParams(t *testing.T) {
	svc := &fakeService{statuses: []string{"pending"}}
	e := newTestEngine(t, svc)

	j, err := job.New(context.Background(), e, "alpine", "cat a.txt",
		job.WithInput("a.txt", files.NewText("héllo")),
		job.WithInput("b.bin", files.NewBytes([]byte{0xff, 0x00})),
		job.WithNumCPUs(2),
		job.WithRuntime(90*time.Second),
	)
	require.NoError(t, err)
	require.Equal(t, "job-1", j.ID())

	require.Len(t, svc.submitted, 1)
	p := svc.submitted[0]
	require.Equal(t, "alpine", p.Image)
	require.Equal(t, []string{"sh", "-c", WrapCommand("cat a.txt", true)}, p.Command)
	require.Equal(t, 2, p.CPUs)
	require.Equal(t, int64(90000), p.MaxDuration)
	require.Equal(t, ServiceWorkDir, p.WorkingDir)

	byName := map[string]api.InlineInput{}
	for _, in := range p.Inputs {
		byName[in.Name] = in
	}
	require.Equal(t, api.InlineInput{Type: "inline", Name: "a.txt", Value: "héllo", Encoding: api.EncodingUTF8}, byName["a.txt"])
	require.Equal(t, api.EncodingBase64, byName["b.bin"].Encoding)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xff, 0x00}), byName["b.bin"].Value)
}

func TestWait_FinishSequence(t *testing.T) {
	code := 0
	svc := &fakeService{
		statuses: []string{"pending", "copying_inputs", "container_running", "copying_outputs", "finished"},
		exitCode: &code,
	}
	e := newTestEngine(t, svc)
	ctx := context.Background()

	var seen []job.Status
	j, err := job.New(ctx, e, "alpine", "run", job.OnStatusUpdate(func(_ *job.Job, s job.Status) {
		seen = append(seen, s)
	}))
	require.NoError(t, err)

	require.NoError(t, j.Wait(ctx))
	require.Equal(t, []job.Status{
		job.StatusQueued, job.StatusDownloading, job.StatusRunning, job.StatusFinishing, job.StatusFinished,
	}, seen)

	exit, err := j.ExitCode()
	require.NoError(t, err)
	require.Equal(t, 0, exit)

	stdout, err := j.Stdout(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello\n", stdout)

	out, err := j.GetOutput(ctx, "out.txt")
	require.NoError(t, err)
	text, err := files.ReadString(out, "")
	require.NoError(t, err)
	require.Equal(t, "result", text)

	sub, err := j.GetOutput(ctx, "sub/data.bin")
	require.NoError(t, err)
	require.Equal(t, "data.bin", sub.Name())

	// manifest fetched once for exit code, outputs and stdio
	require.Equal(t, 1, svc.resultCalls)
}

func TestWait_UndecodableStdout(t *testing.T) {
	code := 0
	svc := &fakeService{statuses: []string{"finished"}, exitCode: &code, stdout: []byte{0xff, 0xfe}}
	e := newTestEngine(t, svc)
	ctx := context.Background()

	j, err := job.New(ctx, e, "alpine", "run")
	require.NoError(t, err)
	require.NoError(t, j.Wait(ctx))

	_, err = j.Stdout(ctx)
	var de *files.DecodeError
	require.ErrorAs(t, err, &de)

	raw, err := j.StdoutBytes(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xfe}, raw)

	_, err = j.GetOutput(ctx, "out.txt")
	require.NoError(t, err)
}

func TestWait_Timeout(t *testing.T) {
	svc := &fakeService{statuses: []string{"container_running"}}
	e := newTestEngine(t, svc)
	ctx := context.Background()

	j, err := job.New(ctx, e, "alpine", "sleep 1000", job.WithRuntime(3*time.Millisecond))
	require.NoError(t, err)

	err = j.Wait(ctx)
	var timeout *job.TimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, "job-1", timeout.JobID)

	s, err := j.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, job.StatusTimeout, s)
}

func TestWait_QueueTimeDoesNotCount(t *testing.T) {
	statuses := make([]string, 0, 11)
	for range 10 {
		statuses = append(statuses, "pending")
	}
	svc := &fakeService{statuses: append(statuses, "finished")}
	e := newTestEngine(t, svc)
	ctx := context.Background()

	j, err := job.New(ctx, e, "alpine", "true", job.WithRuntime(2*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, j.Wait(ctx))

	_, err = j.ExitCode()
	require.ErrorIs(t, err, job.ErrNoExitCode)
}

func TestWait_ErrorState(t *testing.T) {
	svc := &fakeService{statuses: []string{"container_running", "failed"}}
	e := newTestEngine(t, svc)
	ctx := context.Background()

	j, err := job.New(ctx, e, "alpine", "false")
	require.NoError(t, err)

	err = j.Wait(ctx)
	require.ErrorIs(t, err, job.ErrErrorState)
	require.Equal(t, 0, svc.resultCalls)
}

func TestWait_UnknownStatus(t *testing.T) {
	svc := &fakeService{statuses: []string{"on_fire"}}
	e := newTestEngine(t, svc)

	j, err := job.New(context.Background(), e, "alpine", "true")
	require.NoError(t, err)

	var unknown *job.UnknownStatusError
	require.ErrorAs(t, j.Wait(context.Background()), &unknown)
}

func TestKill(t *testing.T) {
	svc := &fakeService{statuses: []string{"container_running", "killed"}}
	e := newTestEngine(t, svc)
	ctx := context.Background()

	j, err := job.New(ctx, e, "alpine", "sleep 100")
	require.NoError(t, err)
	require.NoError(t, j.Kill(ctx))
	require.True(t, svc.killed)
}

func TestTestConnection(t *testing.T) {
	svc := &fakeService{echo: "check12"}
	e := newTestEngine(t, svc)
	require.NoError(t, e.TestConnection(context.Background()))

	svc.echo = "nope"
	var testErr *job.EngineTestError
	require.ErrorAs(t, e.TestConnection(context.Background()), &testErr)
}

func TestTestConnection_Unreachable(t *testing.T) {
	e, err := New(Config{URL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	err = e.TestConnection(context.Background())
	var testErr *job.EngineTestError
	require.True(t, errors.As(err, &testErr))
}

func TestAttach(t *testing.T) {
	code := 0
	svc := &fakeService{statuses: []string{"finished"}, exitCode: &code}
	e := newTestEngine(t, svc)
	ctx := context.Background()

	j, err := job.Attach(ctx, e, "job-1")
	require.NoError(t, err)
	require.NoError(t, j.Wait(ctx))

	stdout, err := j.Stdout(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello\n", stdout)
	require.Empty(t, svc.submitted)

	// the fake only reports job-1
	_, err = job.Attach(ctx, e, "job-2")
	require.Error(t, err)
}
