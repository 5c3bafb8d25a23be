// Package driver hosts one driver child process: spawning it, writing
// requests to its stdin, pumping its stdout into per-request Tasks, and
// terminating it gracefully or forcibly (spec.md §4 "Driver host").
package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/r3e-network/hostrunner/internal/guard"
	"github.com/r3e-network/hostrunner/internal/logging"
	"github.com/r3e-network/hostrunner/internal/protocol"
	"github.com/r3e-network/hostrunner/internal/task"
)

// Status is the driver process's lifecycle state.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusCrashed   Status = "crashed"
)

// Host owns one spawned driver process. A Host is safe for concurrent use.
type Host struct {
	id      string
	program string
	args    []string

	log *logging.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	status  Status
	started time.Time
	pending map[string]*task.State // requestID -> awaiting Task state
	nextSeq uint64

	waitDone chan struct{}
	exitErr  error
	exitCode int
}

// New constructs an un-started Host for the given driver program.
func New(id, program string, args []string, log *logging.Logger) *Host {
	return &Host{
		id:      id,
		program: program,
		args:    args,
		log:     log.Named("driver:" + id),
		status:  StatusStopped,
		pending: make(map[string]*task.State),
	}
}

// Start spawns the driver process and begins pumping its stdout. The
// process is placed under OS-level process-tree containment per
// internal/guard, so an unexpected host crash does not orphan it.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.status == StatusRunning || h.status == StatusStarting {
		h.mu.Unlock()
		return fmt.Errorf("driver %s: already started", h.id)
	}
	h.status = StatusStarting
	h.mu.Unlock()

	cmd := exec.CommandContext(ctx, h.program, h.args...)
	cmd.Stderr = &logWriter{log: h.log}
	guard.Contain(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("driver %s: stdin pipe: %w", h.id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("driver %s: stdout pipe: %w", h.id, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("driver %s: spawn %q: %w", h.id, h.program, err)
	}
	if err := guard.AfterStart(cmd); err != nil {
		h.log.WithContext(ctx).Warnf("process-tree guard not fully established: %v", err)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.stdin = stdin
	h.status = StatusRunning
	h.started = time.Now()
	h.waitDone = make(chan struct{})
	h.mu.Unlock()

	go h.pumpStdout(stdout)
	go h.awaitExit()

	h.log.WithContext(ctx).Info("driver started")
	return nil
}

// pumpStdout reads the driver's stdout line by line, routing each
// header+payload pair to the Task awaiting that request ID. It never
// blocks on a slow consumer: Task.State.Push is itself non-blocking.
func (h *Host) pumpStdout(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var awaitingHeader *protocol.Header
	var awaitingID string

	for scanner.Scan() {
		line := scanner.Bytes()
		if awaitingHeader == nil {
			hdr, err := protocol.ParseHeader(line)
			if err != nil {
				h.log.WithContext(context.Background()).Warnf("malformed header line: %v", err)
				h.deliver(h.oldestPendingID(), task.Message{
					Status: "error",
					Code:   1000,
					Payload: map[string]any{
						"message": "invalid header",
						"raw":     string(line),
					},
				})
				return
			}
			cp := hdr
			awaitingHeader = &cp
			awaitingID = h.oldestPendingID()
			continue
		}

		payload := protocol.ParsePayload(line)
		h.deliver(awaitingID, task.Message{
			Status:  string(awaitingHeader.Status),
			Code:    awaitingHeader.Code,
			Payload: payload,
		})
		awaitingHeader = nil
		awaitingID = ""
	}
}

// oldestPendingID returns the pending request with the lowest sequence
// number, matching a driver that replies to requests in arrival order
// (spec.md §4 notes drivers are not required to be concurrent internally).
func (h *Host) oldestPendingID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var oldest string
	for id := range h.pending {
		if oldest == "" || id < oldest {
			oldest = id
		}
	}
	return oldest
}

func (h *Host) deliver(requestID string, msg task.Message) {
	h.mu.Lock()
	st, present := h.pending[requestID]
	if msg.Terminal() {
		delete(h.pending, requestID)
	}
	h.mu.Unlock()
	if present {
		st.Push(msg)
	}
}

func (h *Host) awaitExit() {
	h.mu.Lock()
	cmd := h.cmd
	waitDone := h.waitDone
	h.mu.Unlock()

	err := cmd.Wait()

	h.mu.Lock()
	h.exitErr = err
	if exitErr, ok := err.(*exec.ExitError); ok {
		h.exitCode = exitErr.ExitCode()
	}
	if h.status != StatusStopping {
		h.status = StatusCrashed
	} else {
		h.status = StatusStopped
	}
	pending := make([]*task.State, 0, len(h.pending))
	for _, st := range h.pending {
		pending = append(pending, st)
	}
	h.pending = make(map[string]*task.State)
	h.mu.Unlock()

	for _, st := range pending {
		st.ForceTerminal(1001, "driver process exited without sending a response", map[string]any{
			"code":    1001,
			"message": "driver process exited without sending a response",
		})
	}
	close(waitDone)
}

// Send writes one request to the driver's stdin and returns a Task for its
// response(s). requestID need only be locally unique and monotonic within
// this Host; it is never placed on the wire (spec.md §4.1's request frame
// carries no ID, responses are matched to the oldest outstanding request).
func (h *Host) Send(cmd string, data any) (*task.Task, error) {
	line, err := protocol.EncodeRequest(cmd, data)
	if err != nil {
		return nil, fmt.Errorf("driver %s: encode request: %w", h.id, err)
	}

	h.mu.Lock()
	if h.status != StatusRunning {
		h.mu.Unlock()
		return nil, fmt.Errorf("driver %s: not running", h.id)
	}
	h.nextSeq++
	requestID := fmt.Sprintf("%020d", h.nextSeq)
	st := task.NewState()
	h.pending[requestID] = st
	stdin := h.stdin
	h.mu.Unlock()

	if _, err := stdin.Write(line); err != nil {
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
		return nil, fmt.Errorf("driver %s: write request: %w", h.id, err)
	}

	return task.New(st), nil
}

// Status returns the current lifecycle state.
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Pid returns the driver process's OS pid, or 0 before Start has spawned it.
func (h *Host) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// CloseStdin closes the driver's stdin write side without terminating the
// process, signaling EOF to a driver that reads its next request from
// stdin (spec.md §4.11 cancel semantics: the driver itself stays alive
// and decides when to exit). The Host is marked stopping so that exit is
// reported as a normal shutdown rather than a crash.
func (h *Host) CloseStdin() error {
	h.mu.Lock()
	stdin := h.stdin
	if h.status == StatusRunning {
		h.status = StatusStopping
	}
	h.mu.Unlock()
	if stdin == nil {
		return nil
	}
	return stdin.Close()
}

// ExitInfo reports the process's exit code and a human-readable reason.
// Meaningful once Status is StatusStopped or StatusCrashed.
func (h *Host) ExitInfo() (exitCode int, crashed bool, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	crashed = h.status == StatusCrashed
	exitCode = h.exitCode
	switch {
	case h.exitErr != nil:
		reason = h.exitErr.Error()
	case crashed:
		reason = "driver exited unexpectedly"
	default:
		reason = "terminated"
	}
	return
}

// Terminate asks the driver to exit, sending SIGTERM and escalating to
// Process.Kill if it has not exited within grace.
func (h *Host) Terminate(grace time.Duration) error {
	h.mu.Lock()
	if h.status != StatusRunning {
		h.mu.Unlock()
		return nil
	}
	h.status = StatusStopping
	cmd := h.cmd
	waitDone := h.waitDone
	h.mu.Unlock()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-waitDone:
		return nil
	case <-time.After(grace):
	}

	_ = cmd.Process.Kill()
	<-waitDone
	return nil
}

// logWriter adapts a *logging.Logger to an io.Writer for a child process's
// stderr, emitting one log line per write (bufio.Scanner-free since stderr
// writes are not guaranteed to be line-buffered by the child).
type logWriter struct {
	log *logging.Logger
	buf []byte
	mu  sync.Mutex
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := -1
		for i, b := range w.buf {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		line := string(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		if line != "" {
			w.log.WithContext(context.Background()).Debug(line)
		}
	}
	return len(p), nil
}
