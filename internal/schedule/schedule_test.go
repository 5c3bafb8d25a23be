package schedule

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/r3e-network/hostrunner/internal/eventbus"
	"github.com/r3e-network/hostrunner/internal/hostpaths"
	"github.com/r3e-network/hostrunner/internal/instance"
	"github.com/r3e-network/hostrunner/internal/logging"
	"github.com/r3e-network/hostrunner/internal/project"
	"github.com/r3e-network/hostrunner/internal/svccatalog"
)

func testLogger() *logging.Logger {
	return logging.New("schedule-test", "error", "text")
}

func newTestEngine(t *testing.T) (*Engine, *project.Store, *eventbus.Bus) {
	t.Helper()
	dir := t.TempDir()
	root := hostpaths.New(dir)
	if err := root.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}

	svcDir := filepath.Join(root.ServicesDir(), "svc")
	if err := os.MkdirAll(svcDir, 0o755); err != nil {
		t.Fatalf("mkdir service dir: %v", err)
	}
	manifest := `{"manifestVersion":"1","id":"svc","name":"Svc","version":"1.0.0"}`
	if err := os.WriteFile(filepath.Join(svcDir, "manifest.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(svcDir, "config.schema.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	services := svccatalog.New(root.ServicesDir(), testLogger())
	if err := services.Scan(); err != nil {
		t.Fatalf("services.Scan: %v", err)
	}
	store := project.New(root, services)
	bus := eventbus.New()
	launcher := instance.New(root, instance.RunnerResolver{}, bus, testLogger())

	e := New(store, launcher, bus, testLogger())
	return e, store, bus
}

// daemonProject builds a daemon project whose restart delay is long enough
// that the engine's restart timer never fires during a test, so the
// suppression counters can be asserted deterministically.
func daemonProject(id string, maxFailures int) *project.Project {
	return &project.Project{
		ID:        id,
		ServiceID: "svc",
		Enabled:   true,
		Valid:     true,
		Schedule: project.Schedule{
			Kind:                   "daemon",
			RestartDelayMs:         60_000, // long enough that the test never triggers a real relaunch
			MaxConsecutiveFailures: maxFailures,
		},
	}
}

func TestDaemonSuppressesAfterConsecutiveFailureThreshold(t *testing.T) {
	e, store, bus := newTestEngine(t)
	p := daemonProject("flappy", 3)
	if err := store.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	e.mu.Lock()
	e.states["flappy"] = &projectState{}
	e.mu.Unlock()

	var suppressedEvents int
	var mu sync.Mutex
	bus.Subscribe(func(ev eventbus.Event) {
		if ev.Type == "schedule.suppressed" {
			mu.Lock()
			suppressedEvents++
			mu.Unlock()
		}
	})

	abnormal := func() {
		e.onInstanceFinished(eventbus.Event{
			Type: "instance.finished",
			Data: map[string]any{"projectId": "flappy", "normal": false, "exitCode": 1},
		})
	}

	abnormal()
	e.mu.Lock()
	failures := e.states["flappy"].consecutiveFailures
	suppressed := e.states["flappy"].suppressed
	e.mu.Unlock()
	if failures != 1 || suppressed {
		t.Fatalf("after 1 failure expected count=1 suppressed=false, got count=%d suppressed=%v", failures, suppressed)
	}

	abnormal()
	e.mu.Lock()
	failures = e.states["flappy"].consecutiveFailures
	suppressed = e.states["flappy"].suppressed
	e.mu.Unlock()
	if failures != 2 || suppressed {
		t.Fatalf("after 2 failures expected count=2 suppressed=false, got count=%d suppressed=%v", failures, suppressed)
	}

	abnormal()
	e.mu.Lock()
	suppressed = e.states["flappy"].suppressed
	e.mu.Unlock()
	if !suppressed {
		t.Fatal("expected the 3rd consecutive failure to trip suppression")
	}

	mu.Lock()
	got := suppressedEvents
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected exactly one schedule.suppressed event, got %d", got)
	}
}

func TestDaemonFailureCounterResetsOnCleanExit(t *testing.T) {
	e, store, _ := newTestEngine(t)
	p := daemonProject("resetter", 3)
	if err := store.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	e.mu.Lock()
	e.states["resetter"] = &projectState{}
	e.mu.Unlock()

	e.onInstanceFinished(eventbus.Event{
		Type: "instance.finished",
		Data: map[string]any{"projectId": "resetter", "normal": false, "exitCode": 1},
	})
	e.onInstanceFinished(eventbus.Event{
		Type: "instance.finished",
		Data: map[string]any{"projectId": "resetter", "normal": true, "exitCode": 0},
	})

	e.mu.Lock()
	failures := e.states["resetter"].consecutiveFailures
	e.mu.Unlock()
	if failures != 0 {
		t.Fatalf("expected a clean exit to reset the failure counter, got %d", failures)
	}
}

func TestStopProjectSuppressesAndResumeClears(t *testing.T) {
	e, store, _ := newTestEngine(t)
	p := daemonProject("stoppable", 5)
	if err := store.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	e.mu.Lock()
	e.states["stoppable"] = &projectState{consecutiveFailures: 2}
	e.mu.Unlock()

	e.StopProject("stoppable")
	e.mu.Lock()
	suppressed := e.states["stoppable"].suppressed
	failures := e.states["stoppable"].consecutiveFailures
	e.mu.Unlock()
	if !suppressed || failures != 0 {
		t.Fatalf("expected StopProject to suppress and reset counters, got suppressed=%v failures=%d", suppressed, failures)
	}

	e.ResumeProject("stoppable")
	e.mu.Lock()
	suppressed = e.states["stoppable"].suppressed
	e.mu.Unlock()
	if suppressed {
		t.Fatal("expected ResumeProject to clear suppression")
	}
}

func TestOnInstanceFinishedIgnoresUnknownProject(t *testing.T) {
	e, _, _ := newTestEngine(t)
	// Must not panic when no state has been armed for this project.
	e.onInstanceFinished(eventbus.Event{
		Type: "instance.finished",
		Data: map[string]any{"projectId": "never-armed", "normal": false, "exitCode": 1},
	})
}

func TestSetShuttingDownGatesFixedRateTick(t *testing.T) {
	e, store, bus := newTestEngine(t)
	p := &project.Project{
		ID: "ticker", ServiceID: "svc", Enabled: true, Valid: true,
		Schedule: project.Schedule{Kind: "fixedRate", IntervalMs: 1000, MaxConcurrent: 1},
	}
	if err := store.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	e.mu.Lock()
	e.states["ticker"] = &projectState{}
	e.mu.Unlock()
	e.SetShuttingDown(true)

	var triggered bool
	var mu sync.Mutex
	bus.Subscribe(func(ev eventbus.Event) {
		if ev.Type == "schedule.triggered" {
			mu.Lock()
			triggered = true
			mu.Unlock()
		}
	})

	e.onFixedRateTick("ticker")
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if triggered {
		t.Fatal("expected a fixedRate tick to be a no-op while shutting down")
	}
}
