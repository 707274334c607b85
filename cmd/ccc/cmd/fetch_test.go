package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"computecannon/pkg/files"
)

func TestRunManifest_FetchAfterCleanup(t *testing.T) {
	useSubprocess(t)
	manifest := filepath.Join(t.TempDir(), "outputs.json")

	_, _, err := execute(t, "run", "--manifest", manifest, "--", "mkdir d && echo hi > d/a.txt && echo yo > b.txt")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// The working directory is gone; local outputs travel inside the manifest
	outDir := t.TempDir()
	stdout, _, err := execute(t, "fetch", manifest, "-o", outDir)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !strings.Contains(stdout, "b.txt ->") || !strings.Contains(stdout, "d/a.txt ->") {
		t.Errorf("unexpected fetch output %q", stdout)
	}
	a, err := os.ReadFile(filepath.Join(outDir, "d", "a.txt"))
	if err != nil || string(a) != "hi\n" {
		t.Errorf("d/a.txt = %q, %v", a, err)
	}
}

func TestFetchCommand_SelectedAndList(t *testing.T) {
	resetViper()
	data, err := files.MarshalMap(map[string]files.Reference{
		"keep.txt": files.NewText("kept"),
		"skip.txt": files.NewText("skipped"),
		"remote":   files.NewHTTP("https://example.com/data.csv"),
	})
	if err != nil {
		t.Fatal(err)
	}
	manifest := filepath.Join(t.TempDir(), "m.json")
	if err := os.WriteFile(manifest, data, 0o644); err != nil {
		t.Fatal(err)
	}

	stdout, _, err := execute(t, "fetch", manifest, "--list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(stdout, "remote\thttps://example.com/data.csv") {
		t.Errorf("expected the remote source listed, got %q", stdout)
	}

	outDir := t.TempDir()
	if _, _, err := execute(t, "fetch", manifest, "keep.txt", "-o", outDir); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(outDir, "keep.txt")); string(got) != "kept" {
		t.Errorf("keep.txt = %q", got)
	}
	if _, err := os.Stat(filepath.Join(outDir, "skip.txt")); !os.IsNotExist(err) {
		t.Errorf("skip.txt should not be fetched")
	}

	if _, _, err := execute(t, "fetch", manifest, "missing.txt"); err == nil {
		t.Error("expected an error for an unknown output")
	}
}
