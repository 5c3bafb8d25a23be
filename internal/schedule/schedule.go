// Package schedule implements the schedule engine (spec.md §4.8): given
// (projects, services) it brings the whole system to steady state per
// each project's Schedule tag — Manual, FixedRate, or Daemon.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/hostrunner/internal/eventbus"
	"github.com/r3e-network/hostrunner/internal/instance"
	"github.com/r3e-network/hostrunner/internal/logging"
	"github.com/r3e-network/hostrunner/internal/project"
)

type projectState struct {
	cronEntryID         cron.EntryID
	suppressed          bool
	consecutiveFailures int
}

// Engine drives Manual/FixedRate/Daemon projects to steady state. All
// exported methods are expected to run from the control thread, except
// the instance.finished subscription callback, which the Engine itself
// owns.
type Engine struct {
	store    *project.Store
	launcher *instance.Manager
	bus      *eventbus.Bus
	log      *logging.Logger

	cronRunner *cron.Cron

	mu           sync.Mutex
	states       map[string]*projectState
	shuttingDown bool
	subID        int
}

// New returns an Engine wired to store/launcher/bus. Call StartAll to
// bring it to steady state.
func New(store *project.Store, launcher *instance.Manager, bus *eventbus.Bus, log *logging.Logger) *Engine {
	e := &Engine{
		store:      store,
		launcher:   launcher,
		bus:        bus,
		log:        log.Named("schedule"),
		cronRunner: cron.New(),
		states:     make(map[string]*projectState),
	}
	e.cronRunner.Start()
	e.subID = bus.Subscribe(e.onInstanceFinished)
	return e
}

// StartAll brings every enabled project to steady state. Idempotent
// after StopAll.
func (e *Engine) StartAll() {
	e.mu.Lock()
	e.shuttingDown = false
	e.mu.Unlock()

	for _, p := range e.store.List() {
		if !p.Enabled || !p.Valid {
			continue
		}
		e.armProject(p)
	}
}

func (e *Engine) armProject(p *project.Project) {
	switch p.Schedule.Kind {
	case "fixedRate":
		e.armFixedRate(p)
	case "daemon":
		e.armDaemon(p)
	default:
		// manual: never auto-start
	}
}

func (e *Engine) armFixedRate(p *project.Project) {
	interval := time.Duration(p.Schedule.IntervalMs) * time.Millisecond
	spec := fmt.Sprintf("@every %s", interval.String())

	entryID, err := e.cronRunner.AddFunc(spec, func() { e.onFixedRateTick(p.ID) })
	if err != nil {
		e.log.WithContext(nil).Warnf("project %s: invalid fixedRate interval: %v", p.ID, err)
		return
	}

	e.mu.Lock()
	e.states[p.ID] = &projectState{cronEntryID: entryID}
	e.mu.Unlock()
}

func (e *Engine) onFixedRateTick(projectID string) {
	e.mu.Lock()
	shuttingDown := e.shuttingDown
	st, ok := e.states[projectID]
	suppressed := ok && st.suppressed
	e.mu.Unlock()
	if shuttingDown || suppressed {
		return
	}

	p, ok := e.store.Get(projectID)
	if !ok || !p.Valid || !p.Enabled {
		return
	}
	running := len(e.launcher.InstancesForProject(projectID))
	if running >= maxInt(p.Schedule.MaxConcurrent, 1) {
		return
	}
	e.bus.Publish(eventbus.Event{Type: "schedule.triggered", Data: map[string]any{"projectId": projectID, "kind": "fixedRate"}})
	_, _ = e.launcher.Launch(context.Background(), p)
}

func (e *Engine) armDaemon(p *project.Project) {
	e.mu.Lock()
	e.states[p.ID] = &projectState{}
	e.mu.Unlock()
	e.maybeStartDaemon(p.ID)
}

func (e *Engine) maybeStartDaemon(projectID string) {
	e.mu.Lock()
	shuttingDown := e.shuttingDown
	st, ok := e.states[projectID]
	suppressed := ok && st.suppressed
	e.mu.Unlock()
	if shuttingDown || !ok || suppressed {
		return
	}

	p, ok := e.store.Get(projectID)
	if !ok || !p.Valid || !p.Enabled {
		return
	}
	if len(e.launcher.InstancesForProject(projectID)) != 0 {
		return
	}
	e.bus.Publish(eventbus.Event{Type: "schedule.triggered", Data: map[string]any{"projectId": projectID, "kind": "daemon"}})
	_, _ = e.launcher.Launch(context.Background(), p)
}

// onInstanceFinished subscribes to instance.finished to drive the Daemon
// restart/suppress state machine.
func (e *Engine) onInstanceFinished(ev eventbus.Event) {
	if ev.Type != "instance.finished" {
		return
	}
	projectID, _ := ev.Data["projectId"].(string)
	if projectID == "" {
		return
	}

	e.mu.Lock()
	st, ok := e.states[projectID]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	p, ok := e.store.Get(projectID)
	if !ok || p.Schedule.Kind != "daemon" {
		return
	}

	normal, _ := ev.Data["normal"].(bool)
	exitCode, _ := ev.Data["exitCode"].(int)
	abnormal := !normal || exitCode != 0

	e.mu.Lock()
	if abnormal {
		st.consecutiveFailures++
		if st.consecutiveFailures >= maxInt(p.Schedule.MaxConsecutiveFailures, 1) {
			st.suppressed = true
			e.mu.Unlock()
			e.bus.Publish(eventbus.Event{Type: "schedule.suppressed", Data: map[string]any{"projectId": projectID}})
			return
		}
		delay := time.Duration(p.Schedule.RestartDelayMs) * time.Millisecond
		e.mu.Unlock()
		time.AfterFunc(delay, func() { e.maybeStartDaemon(projectID) })
		return
	}
	st.consecutiveFailures = 0
	e.mu.Unlock()
}

// StopProject stops a project's timer (if any), suppresses further
// restarts, and clears failure counters.
func (e *Engine) StopProject(projectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[projectID]
	if !ok {
		return
	}
	if st.cronEntryID != 0 {
		e.cronRunner.Remove(st.cronEntryID)
	}
	st.suppressed = true
	st.consecutiveFailures = 0
}

// ResumeProject clears suppression and failure counters for projectID.
func (e *Engine) ResumeProject(projectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[projectID]
	if !ok {
		return
	}
	st.suppressed = false
	st.consecutiveFailures = 0
}

// SetShuttingDown gates all would-be starts when true.
func (e *Engine) SetShuttingDown(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shuttingDown = v
}

// StopAll stops every timer and marks every project suppressed.
func (e *Engine) StopAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.StopProject(id)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
