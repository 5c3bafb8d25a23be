package instance

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/r3e-network/hostrunner/internal/eventbus"
	"github.com/r3e-network/hostrunner/internal/hostpaths"
	"github.com/r3e-network/hostrunner/internal/logging"
	"github.com/r3e-network/hostrunner/internal/project"
)

func testLogger() *logging.Logger {
	return logging.New("instance-test", "error", "text")
}

func TestRunnerResolverPrefersConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	binPath := filepath.Join(dir, "myrunner")
	if err := os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := RunnerResolver{ConfiguredPath: "myrunner"}
	got, err := r.Resolve(dir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != binPath {
		t.Fatalf("expected %s, got %s", binPath, got)
	}
}

func TestRunnerResolverFallsBackToHostBinaryDir(t *testing.T) {
	hostDir := t.TempDir()
	binPath := filepath.Join(hostDir, runnerExecutableName())
	if err := os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := RunnerResolver{HostBinaryDir: hostDir}
	got, err := r.Resolve(t.TempDir())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != binPath {
		t.Fatalf("expected %s, got %s", binPath, got)
	}
}

func TestRunnerResolverReturnsErrorWhenNotFound(t *testing.T) {
	r := RunnerResolver{}
	if _, err := r.Resolve(t.TempDir()); err == nil {
		t.Fatal("expected an error when no runner can be located")
	}
}

func TestTimestampWriterPrefixesCompleteLines(t *testing.T) {
	var buf bytes.Buffer
	w := &timestampWriter{w: &buf, prefix: "[stderr] "}

	if _, err := w.Write([]byte("hello\nworld")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "[stderr] hello\n") {
		t.Fatalf("expected the first complete line to be flushed with its prefix, got %q", out)
	}
	if strings.Contains(out, "world") {
		t.Fatal("the trailing partial line must not be flushed until it is newline-terminated")
	}

	if _, err := w.Write([]byte("\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out = buf.String()
	if !strings.Contains(out, "[stderr] world\n") {
		t.Fatalf("expected the completed second line to be flushed, got %q", out)
	}
}

func newTestRoot(t *testing.T) hostpaths.Root {
	t.Helper()
	dir := t.TempDir()
	root := hostpaths.New(dir)
	if err := root.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	return root
}

func writeFakeRunner(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake runner: %v", err)
	}
}

func TestLaunchPublishesStartedThenFinishedOnCleanExit(t *testing.T) {
	root := newTestRoot(t)
	if err := os.MkdirAll(root.ServiceDir("echoer"), 0o755); err != nil {
		t.Fatalf("mkdir service dir: %v", err)
	}

	runnerPath := filepath.Join(t.TempDir(), "hostrunner-service")
	writeFakeRunner(t, runnerPath, "exit 0")

	bus := eventbus.New()
	var events []eventbus.Event
	var mu sync.Mutex
	done := make(chan struct{})
	bus.Subscribe(func(ev eventbus.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if ev.Type == "instance.finished" {
			close(done)
		}
	})

	mgr := New(root, RunnerResolver{ConfiguredPath: runnerPath}, bus, testLogger())
	p := &project.Project{ID: "proj1", ServiceID: "echoer", Valid: true, Config: map[string]any{}}

	inst, err := mgr.Launch(context.Background(), p)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if inst.Status != StatusRunning {
		t.Fatalf("expected StatusRunning right after Launch, got %s", inst.Status)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for instance.finished")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0].Type != "instance.started" || events[1].Type != "instance.finished" {
		t.Fatalf("expected [started, finished], got %+v", events)
	}
	exitCode, _ := events[1].Data["exitCode"].(int)
	normal, _ := events[1].Data["normal"].(bool)
	if exitCode != 0 || !normal {
		t.Fatalf("expected a clean exit, got exitCode=%v normal=%v", exitCode, normal)
	}
	if _, ok := mgr.Get(inst.ID); ok {
		t.Fatal("expected the instance to be removed from the manager once it finished")
	}
}

func TestLaunchReportsAbnormalExit(t *testing.T) {
	root := newTestRoot(t)
	if err := os.MkdirAll(root.ServiceDir("failer"), 0o755); err != nil {
		t.Fatalf("mkdir service dir: %v", err)
	}
	runnerPath := filepath.Join(t.TempDir(), "hostrunner-service")
	writeFakeRunner(t, runnerPath, "exit 7")

	bus := eventbus.New()
	done := make(chan eventbus.Event, 1)
	bus.Subscribe(func(ev eventbus.Event) {
		if ev.Type == "instance.finished" {
			done <- ev
		}
	})

	mgr := New(root, RunnerResolver{ConfiguredPath: runnerPath}, bus, testLogger())
	p := &project.Project{ID: "proj2", ServiceID: "failer", Valid: true, Config: map[string]any{}}
	if _, err := mgr.Launch(context.Background(), p); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case ev := <-done:
		exitCode, _ := ev.Data["exitCode"].(int)
		if exitCode != 7 {
			t.Fatalf("expected exitCode 7, got %v", exitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for instance.finished")
	}
}

func TestLaunchRejectsAnInvalidProject(t *testing.T) {
	root := newTestRoot(t)
	bus := eventbus.New()
	mgr := New(root, RunnerResolver{}, bus, testLogger())

	p := &project.Project{ID: "bad", ServiceID: "nope", Valid: false, Error: "unknown serviceId"}
	if _, err := mgr.Launch(context.Background(), p); err == nil {
		t.Fatal("expected Launch to reject an invalid project")
	}
}

func TestWaitAllFinishedReturnsOnceCountReachesZero(t *testing.T) {
	root := newTestRoot(t)
	bus := eventbus.New()
	mgr := New(root, RunnerResolver{}, bus, testLogger())

	start := time.Now()
	mgr.WaitAllFinished(2 * time.Second)
	if time.Since(start) > time.Second {
		t.Fatal("expected WaitAllFinished to return promptly when there are no live instances")
	}
}
