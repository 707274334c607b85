package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"computecannon/pkg/engine/subprocess"
	"computecannon/pkg/job"
)

type Counter struct {
	N int `json:"n"`
}

type ValueError struct {
	Value int    `json:"value"`
	Msg   string `json:"msg"`
}

func (e *ValueError) Error() string { return fmt.Sprintf("%s: %d", e.Msg, e.Value) }

func init() {
	Register("addOne", func(_ context.Context, x int) (int, error) {
		return x + 1, nil
	})
	Register("mustBePositive", func(_ context.Context, x int) (int, error) {
		if x <= 0 {
			return 0, fmt.Errorf("checking input: %w", &ValueError{Value: x, Msg: "not positive"})
		}
		return x, nil
	})
	Register("plainFailure", func(_ context.Context, _ string) (string, error) {
		return "", errors.New("nothing to do")
	})
	Register("explode", func(_ context.Context, _ int) (int, error) {
		panic("boom")
	})
	Register("takesAny", func(_ context.Context, v any) (bool, error) {
		return v != nil, nil
	})
	RegisterMethod("Counter.Add", func(_ context.Context, c *Counter, delta int) (int, error) {
		c.N += delta
		return c.N, nil
	})
	RegisterError[*ValueError]("ValueError")
}

func TestMain(m *testing.M) {
	// The test binary doubles as the worker for function jobs.
	Serve()
	os.Exit(m.Run())
}

func newEngine(t *testing.T) *subprocess.Engine {
	t.Helper()
	return subprocess.New(subprocess.Config{WorkRoot: t.TempDir()})
}

func TestNewCall_Validation(t *testing.T) {
	_, err := NewCall("missing", 1)
	require.ErrorIs(t, err, ErrNotRegistered)

	_, err = NewCall("addOne", "five")
	require.ErrorIs(t, err, ErrArgumentType)

	_, err = NewCall("Counter.Add", 1)
	require.Error(t, err)

	_, err = NewMethodCall("addOne", &Counter{}, 1)
	require.Error(t, err)

	_, err = NewMethodCall[Counter]("Counter.Add", nil, 1)
	require.ErrorIs(t, err, ErrArgumentType)

	_, err = NewCall[any]("takesAny", func() {})
	require.ErrorIs(t, err, ErrUnserializable)
}

func TestCall_Descriptor(t *testing.T) {
	call, err := NewMethodCall("Counter.Add", &Counter{N: 4}, 2)
	require.NoError(t, err)

	raw, err := call.Descriptor()
	require.NoError(t, err)

	var desc descriptor
	require.NoError(t, json.Unmarshal(raw, &desc))
	require.Equal(t, "Counter.Add", desc.Function)
	require.True(t, desc.Method)
	require.JSONEq(t, `{"n":4}`, string(desc.Receiver))
	require.JSONEq(t, `2`, string(desc.Arg))
	require.Equal(t, "chmod +x ./ccc-worker && CCC_PAYLOAD=function.json ./ccc-worker", call.Command())
}

func writeDescriptor(t *testing.T, call *Call) (string, string) {
	t.Helper()
	dir := t.TempDir()
	raw, err := call.Descriptor()
	require.NoError(t, err)
	path := filepath.Join(dir, DescriptorFile)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return dir, path
}

func TestServe_WritesReturnAndState(t *testing.T) {
	call, err := NewMethodCall("Counter.Add", &Counter{N: 1}, 2)
	require.NoError(t, err)
	dir, path := writeDescriptor(t, call)

	require.Equal(t, 0, serve(context.Background(), path))

	ret, err := os.ReadFile(filepath.Join(dir, ReturnFile))
	require.NoError(t, err)
	require.JSONEq(t, `3`, string(ret))

	state, err := os.ReadFile(filepath.Join(dir, StateFile))
	require.NoError(t, err)
	require.JSONEq(t, `{"n":3}`, string(state))
}

func TestServe_WritesException(t *testing.T) {
	call, err := NewCall("mustBePositive", -2)
	require.NoError(t, err)
	dir, path := writeDescriptor(t, call)

	require.Equal(t, 0, serve(context.Background(), path))

	raw, err := os.ReadFile(filepath.Join(dir, ExceptionFile))
	require.NoError(t, err)
	var exc exception
	require.NoError(t, json.Unmarshal(raw, &exc))
	require.Equal(t, "ValueError", exc.Type)
	require.Equal(t, "checking input: not positive: -2", exc.Message)
	require.JSONEq(t, `{"value":-2,"msg":"not positive"}`, string(exc.Data))

	tb, err := os.ReadFile(filepath.Join(dir, TracebackFile))
	require.NoError(t, err)
	require.Contains(t, string(tb), "*payload.ValueError: not positive: -2")
	require.NoFileExists(t, filepath.Join(dir, ReturnFile))
}

func TestServe_RecoversPanic(t *testing.T) {
	call, err := NewCall("explode", 1)
	require.NoError(t, err)
	dir, path := writeDescriptor(t, call)

	require.Equal(t, 0, serve(context.Background(), path))

	tb, err := os.ReadFile(filepath.Join(dir, TracebackFile))
	require.NoError(t, err)
	require.Contains(t, string(tb), "panic: boom")
	require.Contains(t, string(tb), "goroutine")
}

func TestServe_MissingDescriptor(t *testing.T) {
	dir := t.TempDir()
	// the error is still reported through the exception file
	require.Equal(t, 0, serve(context.Background(), filepath.Join(dir, DescriptorFile)))
	require.FileExists(t, filepath.Join(dir, ExceptionFile))
}

func TestServe_UnwritableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	call, err := NewCall("addOne", 1)
	require.NoError(t, err)
	dir, path := writeDescriptor(t, call)
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	require.Equal(t, 2, serve(context.Background(), path))
}

func TestFunctionJob_Result(t *testing.T) {
	ctx := context.Background()
	call, err := NewCall("addOne", 5)
	require.NoError(t, err)

	j, err := LaunchFunction(ctx, newEngine(t), "", call)
	require.NoError(t, err)
	require.NoError(t, j.Wait(ctx))

	got, err := ResultAs[int](ctx, j)
	require.NoError(t, err)
	require.Equal(t, 6, got)

	re, err := j.Exception(ctx)
	require.NoError(t, err)
	require.Nil(t, re)
}

func TestFunctionJob_MethodUpdatesReceiver(t *testing.T) {
	ctx := context.Background()
	counter := &Counter{N: 1}
	call, err := NewMethodCall("Counter.Add", counter, 2)
	require.NoError(t, err)

	j, err := LaunchFunction(ctx, newEngine(t), "", call)
	require.NoError(t, err)

	result, err := j.Result(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, result)

	updated, err := j.UpdatedObject(ctx)
	require.NoError(t, err)
	require.Equal(t, &Counter{N: 3}, updated)
	require.Equal(t, 1, counter.N)

	require.NoError(t, j.ApplyUpdate(ctx))
	require.Equal(t, 3, counter.N)
}

func TestFunctionJob_RemoteError(t *testing.T) {
	ctx := context.Background()
	call, err := NewCall("mustBePositive", 0)
	require.NoError(t, err)

	j, err := LaunchFunction(ctx, newEngine(t), "", call)
	require.NoError(t, err)
	require.NoError(t, j.Wait(ctx))

	_, err = j.Result(ctx)
	var ve *ValueError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, 0, ve.Value)

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "ValueError", re.Type)
	require.Contains(t, re.Traceback, "not positive")

	// the report was written, so the worker itself succeeded
	code, err := j.ExitCode()
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

func TestFunctionJob_UnregisteredErrorType(t *testing.T) {
	ctx := context.Background()
	call, err := NewCall("plainFailure", "x")
	require.NoError(t, err)

	j, err := LaunchFunction(ctx, newEngine(t), "", call)
	require.NoError(t, err)

	_, err = j.FunctionResult(ctx)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "*errors.errorString", re.Type)
	require.EqualError(t, re.Err, "nothing to do")
}

func TestFunctionJob_WhenFinished(t *testing.T) {
	ctx := context.Background()
	call, err := NewCall("addOne", 1)
	require.NoError(t, err)

	j, err := LaunchFunction(ctx, newEngine(t), "", call,
		job.WhenFinished(func(j *job.Job) (any, error) { return "done", nil }),
	)
	require.NoError(t, err)

	result, err := j.Result(ctx)
	require.NoError(t, err)
	require.Equal(t, "done", result)

	raw, err := j.FunctionResult(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, raw)
}

func TestFunctionJob_ProgramFailure(t *testing.T) {
	ctx := context.Background()
	worker := filepath.Join(t.TempDir(), "broken.sh")
	require.NoError(t, os.WriteFile(worker, []byte("#!/bin/sh\necho broken >&2\nexit 3\n"), 0o755))

	call, err := NewCall("addOne", 1)
	require.NoError(t, err)

	j, err := LaunchFunction(ctx, newEngine(t), "", call.WithWorker(worker))
	require.NoError(t, err)

	_, err = j.Result(ctx)
	var pf *ProgramFailureError
	require.ErrorAs(t, err, &pf)
	require.Equal(t, 3, pf.ExitCode)
	require.Equal(t, "broken\n", pf.Stderr)
	require.True(t, strings.HasSuffix(err.Error(), ": broken"))
}

func TestRefTable(t *testing.T) {
	type blob struct{ buf [64]byte }
	tbl := NewRefTable[blob]()

	a, b := &blob{}, &blob{}
	tokA := tbl.Put(a)
	require.Equal(t, tokA, tbl.Put(a))
	require.NotEqual(t, tokA, tbl.Put(b))

	got, ok := tbl.Get(tokA)
	require.True(t, ok)
	require.Same(t, a, got)

	_, ok = tbl.Get("nope")
	require.False(t, ok)

	tokB := tbl.Put(b)
	b = nil
	runtime.GC()
	runtime.GC()
	_, ok = tbl.Get(tokB)
	require.False(t, ok)
	runtime.KeepAlive(a)
}
