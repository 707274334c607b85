package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
)

// Serve runs the packaged call named by $CCC_PAYLOAD and exits. It returns
// immediately when the variable is unset, so it is safe to call at the top
// of any main function or TestMain.
//
// The worker writes its artifacts next to the descriptor. It exits 0
// whenever an artifact was written, the error report included, so that
// wrappers which stop on failure still collect it. It exits 2 when no
// artifact could be written at all.
func Serve() {
	path := os.Getenv(EnvPayload)
	if path == "" {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := serve(ctx, path)
	stop()
	os.Exit(code)
}

func serve(ctx context.Context, path string) int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	dir := filepath.Dir(path)

	err := run(ctx, path, dir)
	if err == nil {
		return 0
	}
	if werr := writeException(dir, err); werr != nil {
		logger.Error("failed to write exception", "error", werr, "cause", err.Error())
		return 2
	}
	return 0
}

// failure carries a panic stack out of run.
type failure struct {
	err   error
	stack []byte
}

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func run(ctx context.Context, path, dir string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &failure{err: fmt.Errorf("panic: %v", r), stack: debug.Stack()}
		}
	}()

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read descriptor: %w", err)
	}
	var desc descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("failed to parse descriptor: %w", err)
	}
	e, err := lookup(desc.Function)
	if err != nil {
		return err
	}

	result, updated, err := e.invoke(ctx, desc.Receiver, desc.Arg)
	if err != nil {
		return &failure{err: err, stack: debug.Stack()}
	}

	if err := writeJSON(filepath.Join(dir, ReturnFile), result); err != nil {
		return err
	}
	if e.method {
		if err := writeJSON(filepath.Join(dir, StateFile), updated); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	raw, err := encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, raw, 0o644)
}

func writeException(dir string, err error) error {
	exc := exception{Type: fmt.Sprintf("%T", err), Message: err.Error()}
	var stack []byte
	var f *failure
	if errors.As(err, &f) {
		stack = f.stack
		exc.Type = fmt.Sprintf("%T", f.err)
	}
	if name, registered, ok := errorName(err); ok {
		if data, jerr := json.Marshal(registered); jerr == nil {
			exc.Type = name
			exc.Data = data
		}
	}

	if err := writeJSON(filepath.Join(dir, ExceptionFile), exc); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, TracebackFile), []byte(traceback(err, stack)), 0o644)
}

// traceback renders the error chain followed by the worker stack.
func traceback(err error, stack []byte) string {
	var b strings.Builder
	depth := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		if _, ok := e.(*failure); ok {
			continue
		}
		fmt.Fprintf(&b, "%s%T: %s\n", strings.Repeat("  ", depth), e, e.Error())
		depth++
	}
	if len(stack) > 0 {
		b.WriteString("\n")
		b.Write(stack)
	}
	return b.String()
}
