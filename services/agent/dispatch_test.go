package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"rescued/pkg/manifest"
	"rescued/pkg/render"
)

type fakeRunner struct {
	starts [][]string
	err    error
}

func (r *fakeRunner) Start(_ context.Context, path string, args []string, logPath string) error {
	if r.err != nil {
		return r.err
	}
	r.starts = append(r.starts, append([]string{path, logPath}, args...))
	return nil
}

func newTestDispatcher(t *testing.T, dir string) (*Dispatcher, *fakeRunner) {
	t.Helper()
	engine, err := render.New()
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}
	d := NewDispatcher(dir, "scripts/instructions.sh", engine, nil, discardLogger())
	runner := &fakeRunner{}
	d.runner = runner
	d.open = func([]string, string) string { return "" }
	d.now = func() time.Time { return time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC) }
	return d, runner
}

func writeInstruction(t *testing.T, dir, body string) *manifest.Manifest {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "instructions.sh"), []byte(body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return manifestOf(map[string][]byte{"scripts/instructions.sh": []byte(body)})
}

func TestDispatchRunsEachHashOnce(t *testing.T) {
	dir := t.TempDir()
	d, runner := newTestDispatcher(t, dir)
	m := writeInstruction(t, dir, "#!/bin/sh\necho one\n")

	for i := 0; i < 3; i++ {
		launched, err := d.Check(context.Background(), m, "192.168.1.61")
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if launched != (i == 0) {
			t.Fatalf("poll %d launched=%v", i, launched)
		}
	}
	if len(runner.starts) != 1 {
		t.Fatalf("expected one launch, got %d", len(runner.starts))
	}
	want := []string{filepath.Join(dir, "instructions.sh"), filepath.Join(dir, "instructions.log"), "192.168.1.61"}
	if !reflect.DeepEqual(runner.starts[0], want) {
		t.Fatalf("launch = %v, want %v", runner.starts[0], want)
	}

	page, err := os.ReadFile(filepath.Join(dir, "result.html"))
	if err != nil {
		t.Fatalf("result page missing: %v", err)
	}
	if !strings.Contains(string(page), "PENDING") || !strings.Contains(string(page), "No log output available.") {
		t.Fatalf("unexpected result page %s", page)
	}

	m = writeInstruction(t, dir, "#!/bin/sh\necho two\n")
	if launched, _ := d.Check(context.Background(), m, "192.168.1.61"); !launched {
		t.Fatalf("changed instruction not launched")
	}
	if len(runner.starts) != 2 {
		t.Fatalf("expected two launches, got %d", len(runner.starts))
	}
}

func TestDispatchSkipsUnsyncedOrMissing(t *testing.T) {
	dir := t.TempDir()
	d, runner := newTestDispatcher(t, dir)

	if launched, err := d.Check(context.Background(), manifestOf(nil), "hub"); launched || err != nil {
		t.Fatalf("absent instruction: launched=%v err=%v", launched, err)
	}

	writeInstruction(t, dir, "stale")
	m := manifestOf(map[string][]byte{"scripts/instructions.sh": []byte("fresh")})
	if launched, err := d.Check(context.Background(), m, "hub"); launched || err != nil {
		t.Fatalf("unsynced instruction: launched=%v err=%v", launched, err)
	}
	if len(runner.starts) != 0 || d.LastHash() != "" {
		t.Fatalf("state changed for skipped instruction")
	}
}

func TestDispatchLaunchFailureRetries(t *testing.T) {
	dir := t.TempDir()
	d, runner := newTestDispatcher(t, dir)
	m := writeInstruction(t, dir, "#!/bin/sh\n")

	runner.err = errors.New("exec format error")
	if launched, err := d.Check(context.Background(), m, "hub"); launched || err == nil {
		t.Fatalf("expected launch error, launched=%v err=%v", launched, err)
	}
	if d.LastHash() != "" {
		t.Fatalf("hash recorded after failed launch")
	}

	runner.err = nil
	if launched, err := d.Check(context.Background(), m, "hub"); !launched || err != nil {
		t.Fatalf("retry: launched=%v err=%v", launched, err)
	}
}

func TestExecRunnerAppendsOutput(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "instructions.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"hub=$1\"\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	logPath := filepath.Join(dir, "instructions.log")
	if err := os.WriteFile(logPath, []byte("previous\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := (execRunner{}).Start(context.Background(), script, []string{"10.1.1.1"}, logPath); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(logPath)
		if string(data) == "previous\nhub=10.1.1.1\n" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("log = %q", data)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
