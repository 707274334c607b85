package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"computecannon/pkg/api"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func waitState(t *testing.T, svc *Service, id string) string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state, err := svc.Status(id)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		switch state {
		case StateFinished, StateKilled, StateFailed:
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return ""
}

func TestSubmit_RunsJob(t *testing.T) {
	svc := newTestService(t)

	id, err := svc.Submit(context.Background(), api.SubmitJobParams{
		Command: []string{"sh", "-c", `cat $CCC_INPUTS/greeting.txt && cp $CCC_INPUTS/greeting.txt $CCC_OUTPUTS/copy.txt`},
		Inputs: []api.InlineInput{
			{Type: "inline", Name: "greeting.txt", Value: "hi there", Encoding: api.EncodingUTF8},
		},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if state := waitState(t, svc, id); state != StateFinished {
		t.Fatalf("expected finished, got %s", state)
	}

	res, err := svc.Result(id)
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", res.ExitCode)
	}
	if len(res.Outputs) != 1 || res.Outputs[0] != "copy.txt" {
		t.Errorf("unexpected outputs %v", res.Outputs)
	}
	if res.Stdout != "files/"+id+"/stdout" {
		t.Errorf("unexpected stdout url %s", res.Stdout)
	}

	stdout, err := os.ReadFile(filepath.Join(svc.Root(), id, "stdout"))
	if err != nil {
		t.Fatalf("stdout not saved: %v", err)
	}
	if string(stdout) != "hi there" {
		t.Errorf("expected stdout %q, got %q", "hi there", stdout)
	}
}

func TestSubmit_Base64Input(t *testing.T) {
	svc := newTestService(t)

	id, err := svc.Submit(context.Background(), api.SubmitJobParams{
		Command: []string{"true"},
		Inputs: []api.InlineInput{
			{Name: "sub/data.bin", Value: "/wA=", Encoding: api.EncodingBase64},
		},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitState(t, svc, id)

	data, err := os.ReadFile(filepath.Join(svc.Root(), id, "inputs", "sub", "data.bin"))
	if err != nil {
		t.Fatalf("input not staged: %v", err)
	}
	if len(data) != 2 || data[0] != 0xff || data[1] != 0x00 {
		t.Errorf("unexpected input bytes %v", data)
	}
}

func TestSubmit_InvalidInputs(t *testing.T) {
	tests := []struct {
		name  string
		input api.InlineInput
	}{
		{"escaping path", api.InlineInput{Name: "../evil", Value: "x"}},
		{"bad base64", api.InlineInput{Name: "a", Value: "!!", Encoding: api.EncodingBase64}},
		{"unknown encoding", api.InlineInput{Name: "a", Value: "x", Encoding: "rot13"}},
	}

	svc := newTestService(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), api.SubmitJobParams{
				Command: []string{"true"},
				Inputs:  []api.InlineInput{tt.input},
			})
			if !errors.Is(err, ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
	if svc.Len() != 0 {
		t.Errorf("rejected jobs should not be recorded, got %d", svc.Len())
	}
}

func TestSubmit_NonZeroExit(t *testing.T) {
	svc := newTestService(t)

	id, err := svc.Submit(context.Background(), api.SubmitJobParams{Command: []string{"sh", "-c", "exit 4"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if state := waitState(t, svc, id); state != StateFinished {
		t.Fatalf("expected finished, got %s", state)
	}
	res, _ := svc.Result(id)
	if res.ExitCode == nil || *res.ExitCode != 4 {
		t.Errorf("expected exit code 4, got %v", res.ExitCode)
	}
}

func TestSubmit_MaxDuration(t *testing.T) {
	svc := newTestService(t)

	id, err := svc.Submit(context.Background(), api.SubmitJobParams{
		Command:     []string{"sleep", "30"},
		MaxDuration: 50,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if state := waitState(t, svc, id); state != StateFailed {
		t.Errorf("expected failed, got %s", state)
	}
}

func TestKill(t *testing.T) {
	svc := newTestService(t)

	id, err := svc.Submit(context.Background(), api.SubmitJobParams{Command: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := svc.Result(id); !errors.Is(err, ErrNotDone) {
		t.Errorf("expected ErrNotDone while running, got %v", err)
	}

	if err := svc.Kill(id); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if state := waitState(t, svc, id); state != StateKilled {
		t.Errorf("expected killed, got %s", state)
	}
	// killing again is harmless
	if err := svc.Kill(id); err != nil {
		t.Errorf("second Kill() error = %v", err)
	}
}

func TestUnknownJob(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.Status("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Status: expected ErrNotFound, got %v", err)
	}
	if err := svc.Kill("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Kill: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Result("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Result: expected ErrNotFound, got %v", err)
	}
}

func TestShellCommand(t *testing.T) {
	tests := []struct {
		argv []string
		want string
	}{
		{[]string{"sh", "-c", "echo hi && ls"}, "echo hi && ls"},
		{[]string{"/bin/sh", "-c", "true"}, "true"},
		{[]string{"echo", "it's"}, `'echo' 'it'\''s'`},
		{[]string{"ls"}, "'ls'"},
	}
	for _, tt := range tests {
		if got := ShellCommand(tt.argv); got != tt.want {
			t.Errorf("ShellCommand(%q) = %q, want %q", tt.argv, got, tt.want)
		}
	}
}
