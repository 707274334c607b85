package subprocess

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"computecannon/pkg/files"
	"computecannon/pkg/job"
)

func launch(t *testing.T, e *Engine, command string, opts ...job.Option) *job.Job {
	t.Helper()
	j, err := job.Launch(context.Background(), e, "", command, opts...)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	return j
}

func TestNew_DefaultWorkRoot(t *testing.T) {
	e := New(Config{})

	expected := filepath.Join(os.TempDir(), "ccc", "subprocess")
	if e.WorkRoot() != expected {
		t.Errorf("expected WorkRoot to be %s, got %s", expected, e.WorkRoot())
	}
}

func TestSubmit_EmptyCommand(t *testing.T) {
	e := New(Config{WorkRoot: t.TempDir()})

	_, err := job.Launch(context.Background(), e, "", "   ")
	if err == nil {
		t.Fatal("expected error for empty command")
	}
	if !strings.Contains(err.Error(), "command is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRun_ConcatenatesInputs(t *testing.T) {
	e := New(Config{WorkRoot: t.TempDir()})
	ctx := context.Background()

	j := launch(t, e, "cat a.txt b.txt",
		job.WithInput("a.txt", files.NewText("a")),
		job.WithInput("b.txt", files.NewText("b")),
	)
	if err := j.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	stdout, err := j.Stdout(ctx)
	if err != nil {
		t.Fatalf("Stdout failed: %v", err)
	}
	if stdout != "ab" {
		t.Errorf("expected stdout %q, got %q", "ab", stdout)
	}

	outputs, err := j.Outputs(ctx)
	if err != nil {
		t.Fatalf("Outputs failed: %v", err)
	}
	if len(outputs) != 0 {
		t.Errorf("expected unchanged inputs to be excluded, got %v", outputs)
	}
}

func TestRun_CollectsOutputs(t *testing.T) {
	e := New(Config{WorkRoot: t.TempDir()})
	ctx := context.Background()

	j := launch(t, e, "mkdir -p out && echo hi > out/greeting.txt && ln -s out/greeting.txt link && echo extra >> in.txt",
		job.WithInput("in.txt", files.NewText("original\n")),
	)
	if err := j.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	outputs, err := j.Outputs(ctx)
	if err != nil {
		t.Fatalf("Outputs failed: %v", err)
	}
	if _, ok := outputs["link"]; ok {
		t.Error("expected symlink to be skipped")
	}
	if _, ok := outputs["in.txt"]; !ok {
		t.Error("expected modified input to be reported")
	}

	ref, err := j.GetOutput(ctx, "out/greeting.txt")
	if err != nil {
		t.Fatalf("GetOutput failed: %v", err)
	}
	text, err := files.ReadString(ref, "")
	if err != nil {
		t.Fatalf("ReadString failed: %v", err)
	}
	if text != "hi\n" {
		t.Errorf("expected %q, got %q", "hi\n", text)
	}
}

func TestRun_PassesEnv(t *testing.T) {
	e := New(Config{WorkRoot: t.TempDir()})
	ctx := context.Background()

	j := launch(t, e, `printf "$GREETING"`, job.WithEnv(map[string]string{"GREETING": "hello"}))
	if err := j.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	stdout, _ := j.Stdout(ctx)
	if stdout != "hello" {
		t.Errorf("expected %q, got %q", "hello", stdout)
	}
}

func TestRun_BinaryStdoutKeepsOutputs(t *testing.T) {
	e := New(Config{WorkRoot: t.TempDir()})
	ctx := context.Background()

	j := launch(t, e, `printf '\377' && echo done > out.txt`)
	if err := j.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if _, err := j.Stdout(ctx); err == nil {
		t.Error("expected a decode error for non-UTF-8 stdout")
	}
	raw, err := j.StdoutBytes(ctx)
	if err != nil || len(raw) != 1 || raw[0] != 0xff {
		t.Errorf("expected raw byte 0xff, got %v (%v)", raw, err)
	}
	if _, err := j.GetOutput(ctx, "out.txt"); err != nil {
		t.Errorf("outputs should stay readable: %v", err)
	}
}

func TestRun_NonZeroExitIsFinished(t *testing.T) {
	e := New(Config{WorkRoot: t.TempDir()})
	ctx := context.Background()

	j := launch(t, e, "echo oops >&2; exit 42")
	if err := j.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	status, err := j.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != job.StatusFinished {
		t.Errorf("expected %s, got %s", job.StatusFinished, status)
	}
	code, err := j.ExitCode()
	if err != nil {
		t.Fatalf("ExitCode failed: %v", err)
	}
	if code != 42 {
		t.Errorf("expected exit code 42, got %d", code)
	}
	stderr, _ := j.Stderr(ctx)
	if stderr != "oops\n" {
		t.Errorf("expected stderr %q, got %q", "oops\n", stderr)
	}
}

func TestRun_RejectsEscapingInput(t *testing.T) {
	e := New(Config{WorkRoot: t.TempDir()})

	_, err := job.Launch(context.Background(), e, "", "true",
		job.WithInput("../escape.txt", files.NewText("x")),
	)
	if !errors.Is(err, files.ErrPathEscape) {
		t.Errorf("expected ErrPathEscape, got %v", err)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	e := New(Config{WorkRoot: t.TempDir()})

	j := launch(t, e, "sleep 10")
	defer j.Kill(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := e.Wait(ctx, j)
	if err != context.DeadlineExceeded {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %d", res.ExitCode)
	}
}

func TestKill(t *testing.T) {
	e := New(Config{WorkRoot: t.TempDir()})
	ctx := context.Background()

	j := launch(t, e, "sleep 10")

	status, err := j.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != job.StatusRunning {
		t.Errorf("expected %s, got %s", job.StatusRunning, status)
	}

	if err := j.Kill(ctx); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := e.Wait(waitCtx, j); err != nil {
		t.Fatalf("process did not exit after kill: %v", err)
	}

	status, _ = j.Status(ctx)
	if status != job.StatusKilled {
		t.Errorf("expected %s, got %s", job.StatusKilled, status)
	}
}

func TestStreamLogs(t *testing.T) {
	e := New(Config{WorkRoot: t.TempDir()})
	ctx := context.Background()

	j := launch(t, e, "echo one; sleep 0.1; echo two >&2")

	rc, err := j.StreamLogs(ctx)
	if err != nil {
		t.Fatalf("StreamLogs failed: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "one\ntwo\n" {
		t.Errorf("expected interleaved output, got %q", data)
	}
}

func TestGetDirectoryAndCleanup(t *testing.T) {
	e := New(Config{WorkRoot: t.TempDir()})
	ctx := context.Background()

	j := launch(t, e, "mkdir -p results/sub && echo 1 > results/sub/x")
	if err := j.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	dir, err := j.GetDirectory(ctx, "results")
	if err != nil {
		t.Fatalf("GetDirectory failed: %v", err)
	}
	dst := t.TempDir()
	out, err := dir.PutDir(dst)
	if err != nil {
		t.Fatalf("PutDir failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "sub", "x")); err != nil {
		t.Errorf("expected copied file: %v", err)
	}

	workDir, _ := e.WorkDir(j)
	if err := j.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed", workDir)
	}
}

func TestTestConnection(t *testing.T) {
	e := New(Config{WorkRoot: t.TempDir()})
	if err := e.TestConnection(context.Background()); err != nil {
		t.Errorf("TestConnection failed: %v", err)
	}

	broken := New(Config{WorkRoot: t.TempDir(), Shell: "/nonexistent/shell"})
	err := broken.TestConnection(context.Background())
	var testErr *job.EngineTestError
	if !errors.As(err, &testErr) {
		t.Errorf("expected EngineTestError, got %v", err)
	}
}
