// Package instance implements the instance manager (spec.md §4.7): it
// launches, monitors, and terminates service runner processes on behalf
// of the schedule engine or direct user action.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/r3e-network/hostrunner/internal/eventbus"
	"github.com/r3e-network/hostrunner/internal/guard"
	"github.com/r3e-network/hostrunner/internal/hostpaths"
	"github.com/r3e-network/hostrunner/internal/logging"
	"github.com/r3e-network/hostrunner/internal/project"
)

// Status is an instance's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// Instance is one running (or recently finished) service runner process.
type Instance struct {
	ID        string
	ProjectID string
	ServiceID string
	Pid       int
	StartedAt time.Time
	Status    Status

	WorkingDir     string
	LogPath        string
	TempConfigFile string

	guardServer *guard.Server
	cmd         *exec.Cmd
}

// Stats is a point-in-time resource sample for a running instance,
// surfaced on the project runtime endpoint.
type Stats struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
}

// RunnerResolver locates the service runner executable (spec.md §4.7 step
// 2): configured path, then next to the host binary, then PATH.
type RunnerResolver struct {
	ConfiguredPath string
	HostBinaryDir  string
}

// Resolve returns the absolute runner path, or an error classified
// ProgramNotFound by the caller.
func (r RunnerResolver) Resolve(dataRoot string) (string, error) {
	if r.ConfiguredPath != "" {
		path := r.ConfiguredPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(dataRoot, path)
		}
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return path, nil
		}
	}
	if r.HostBinaryDir != "" {
		candidate := filepath.Join(r.HostBinaryDir, runnerExecutableName())
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath(runnerExecutableName()); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("service runner program not found")
}

func runnerExecutableName() string {
	if os.PathSeparator == '\\' {
		return "hostrunner-service.exe"
	}
	return "hostrunner-service"
}

// Manager owns every live Instance, mutated only from the control thread
// (spec.md §5's single-owner rule): all exported methods are expected to
// be called from that one goroutine, except awaitExit's finish path.
type Manager struct {
	root     hostpaths.Root
	resolver RunnerResolver
	bus      *eventbus.Bus
	log      *logging.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// New returns an empty Manager.
func New(root hostpaths.Root, resolver RunnerResolver, bus *eventbus.Bus, log *logging.Logger) *Manager {
	return &Manager{
		root:      root,
		resolver:  resolver,
		bus:       bus,
		log:       log.Named("instance"),
		instances: make(map[string]*Instance),
	}
}

// Launch runs the launch sequence from spec.md §4.7. On any failure,
// partial state (temp file, guard server) is cleaned up before returning.
func (m *Manager) Launch(ctx context.Context, p *project.Project) (*Instance, error) {
	if !p.Valid {
		return nil, fmt.Errorf("project %s is not valid: %s", p.ID, p.Error)
	}
	serviceDir := m.root.ServiceDir(p.ServiceID)
	if st, err := os.Stat(serviceDir); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("service directory %s is missing", serviceDir)
	}

	runnerPath, err := m.resolver.Resolve(m.root.Dir)
	if err != nil {
		return nil, fmt.Errorf("ProgramNotFound: %w", err)
	}

	inst := &Instance{
		ID:        uuid.NewString(),
		ProjectID: p.ID,
		ServiceID: p.ServiceID,
		Status:    StatusStarting,
	}

	configBytes, err := marshalConfig(p.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config for %s: %w", p.ID, err)
	}
	tempFile, err := os.CreateTemp("", "hostrunner-cfg-*.json")
	if err != nil {
		return nil, fmt.Errorf("create temp config file: %w", err)
	}
	inst.TempConfigFile = tempFile.Name()
	if _, err := tempFile.Write(configBytes); err != nil {
		tempFile.Close()
		os.Remove(inst.TempConfigFile)
		return nil, fmt.Errorf("write temp config file: %w", err)
	}
	tempFile.Close()

	workDir := m.root.WorkspaceDir(p.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		os.Remove(inst.TempConfigFile)
		return nil, fmt.Errorf("ensure workspace dir: %w", err)
	}
	if err := os.MkdirAll(m.root.LogsDir(), 0o755); err != nil {
		os.Remove(inst.TempConfigFile)
		return nil, fmt.Errorf("ensure logs dir: %w", err)
	}
	inst.WorkingDir = workDir
	inst.LogPath = m.root.LogFile(p.ID)

	gs, err := guard.NewServer(inst.ID)
	if err != nil {
		os.Remove(inst.TempConfigFile)
		return nil, fmt.Errorf("create guard server: %w", err)
	}
	inst.guardServer = gs

	logFile, err := os.OpenFile(inst.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		gs.Close()
		os.Remove(inst.TempConfigFile)
		return nil, fmt.Errorf("open log file: %w", err)
	}

	args := []string{serviceDir, "--config-file=" + inst.TempConfigFile, "--guard=" + gs.Name()}
	cmd := exec.CommandContext(ctx, runnerPath, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "PATH="+filepath.Dir(runnerPath)+string(os.PathListSeparator)+os.Getenv("PATH"))
	cmd.Stdout = &timestampWriter{w: logFile, prefix: ""}
	cmd.Stderr = &timestampWriter{w: logFile, prefix: "[stderr] "}
	guard.Contain(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		gs.Close()
		os.Remove(inst.TempConfigFile)
		return nil, fmt.Errorf("SpawnFailed: %w", err)
	}
	_ = guard.AfterStart(cmd)

	inst.cmd = cmd
	inst.Pid = cmd.Process.Pid
	inst.StartedAt = time.Now()
	inst.Status = StatusRunning

	m.mu.Lock()
	m.instances[inst.ID] = inst
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: "instance.started", Data: map[string]any{
		"instanceId": inst.ID, "projectId": p.ID, "serviceId": p.ServiceID, "pid": inst.Pid,
	}})

	go m.awaitExit(inst, logFile)
	return inst, nil
}

func (m *Manager) awaitExit(inst *Instance, logFile *os.File) {
	err := inst.cmd.Wait()
	defer logFile.Close()
	defer inst.guardServer.Close()

	exitCode := 0
	normal := true
	if err != nil {
		normal = false
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			normal = true // process exited cleanly from the OS's perspective, just non-zero
		}
	}

	m.mu.Lock()
	if normal && exitCode == 0 {
		inst.Status = StatusStopped
	} else {
		inst.Status = StatusFailed
	}
	delete(m.instances, inst.ID)
	m.mu.Unlock()

	os.Remove(inst.TempConfigFile)

	m.bus.Publish(eventbus.Event{Type: "instance.finished", Data: map[string]any{
		"instanceId": inst.ID, "projectId": inst.ProjectID, "serviceId": inst.ServiceID,
		"exitCode": exitCode, "normal": normal,
	}})
}

// Terminate kills one instance without a grace signal (spec.md §4.7:
// services are expected to shut down through the guard channel dropping).
func (m *Manager) Terminate(id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	return inst.cmd.Process.Kill()
}

// TerminateByProject terminates every instance belonging to projectID.
func (m *Manager) TerminateByProject(projectID string) error {
	for _, inst := range m.InstancesForProject(projectID) {
		if err := m.Terminate(inst.ID); err != nil {
			return err
		}
	}
	return nil
}

// TerminateAll terminates every running instance.
func (m *Manager) TerminateAll() error {
	for _, inst := range m.List() {
		if err := m.Terminate(inst.ID); err != nil {
			return err
		}
	}
	return nil
}

// WaitAllFinished polls for quiescence up to grace, force-kills any
// stragglers, then allows up to 1s for their finish events to drain.
func (m *Manager) WaitAllFinished(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if m.Count() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = m.TerminateAll()
	time.Sleep(1 * time.Second)
}

// List returns a snapshot of all live instances.
func (m *Manager) List() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

// InstancesForProject returns the live instances belonging to projectID.
func (m *Manager) InstancesForProject(projectID string) []*Instance {
	var out []*Instance
	for _, inst := range m.List() {
		if inst.ProjectID == projectID {
			out = append(out, inst)
		}
	}
	return out
}

// Get returns the instance with the given id.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// Count returns the total number of live instances across all projects
// (spec.md §8's "sum over projects of instanceCount == global instanceCount").
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// SampleStats reads live CPU/RSS figures for a running instance via
// gopsutil, returning an error if the process has already exited.
func SampleStats(inst *Instance) (Stats, error) {
	proc, err := process.NewProcess(int32(inst.Pid))
	if err != nil {
		return Stats{}, err
	}
	cpuPct, err := proc.CPUPercent()
	if err != nil {
		return Stats{}, err
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Stats{}, err
	}
	return Stats{CPUPercent: cpuPct, RSSBytes: memInfo.RSS}, nil
}

func marshalConfig(config map[string]any) ([]byte, error) {
	return json.Marshal(config)
}

// timestampWriter prefixes each line written to w with an RFC3339
// timestamp and a static marker, matching spec.md §6's log format.
type timestampWriter struct {
	w      io.Writer
	prefix string
	buf    []byte
	mu     sync.Mutex
}

func (t *timestampWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	for {
		idx := indexOf(t.buf, '\n')
		if idx < 0 {
			break
		}
		line := t.buf[:idx]
		t.buf = t.buf[idx+1:]
		ts := time.Now().Format(time.RFC3339)
		if _, err := fmt.Fprintf(t.w, "%s | %s%s\n", ts, t.prefix, line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func indexOf(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
