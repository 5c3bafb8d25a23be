package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/r3e-network/hostrunner/internal/catalog"
	"github.com/r3e-network/hostrunner/internal/driver"
	"github.com/r3e-network/hostrunner/internal/task"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is one envelope exchanged over the driverlab bridge (spec.md
// §4.11). Fields are omitted per message type; not every field applies to
// every type.
type wsMessage struct {
	Type       string `json:"type"`
	Cmd        string `json:"cmd,omitempty"`
	Data       any    `json:"data,omitempty"`
	Message    any    `json:"message,omitempty"`
	DriverID   string `json:"driverId,omitempty"`
	Pid        int    `json:"pid,omitempty"`
	RunMode    string `json:"runMode,omitempty"`
	Meta       any    `json:"meta,omitempty"`
	ExitCode   int    `json:"exitCode,omitempty"`
	ExitStatus string `json:"exitStatus,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

const (
	metaTimeout    = 5 * time.Second
	crashWindow    = 2 * time.Second
	crashThreshold = 3
)

// driverlabWS opens a one-to-one session with a catalog-resolved driver
// over a WebSocket, per spec.md §4.11.
func (r *Router) driverlabWS(w http.ResponseWriter, req *http.Request) {
	driverID := mux.Vars(req)["driverId"]
	entry, ok := r.drivers.Get(driverID)
	if !ok {
		writeError(w, http.StatusNotFound, "driver not found")
		return
	}

	runMode := req.URL.Query().Get("runMode")
	if runMode != "oneshot" {
		runMode = "keepalive"
	}
	var extraArgs []string
	if raw := req.URL.Query().Get("args"); raw != "" {
		extraArgs = strings.Split(raw, ",")
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.WithContext(req.Context()).Warnf("driverlab upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s := &driverlabSession{
		router:  r,
		conn:    conn,
		entry:   entry,
		runMode: runMode,
		args:    extraArgs,
	}
	s.run()
}

// driverlabSession owns one WebSocket's driver child for its lifetime.
type driverlabSession struct {
	router *Router
	conn   *websocket.Conn
	entry  catalog.Entry

	runMode string
	args    []string

	mu   sync.Mutex
	host *driver.Host

	crashTimes []time.Time
	suppressed bool
}

func (s *driverlabSession) send(msg wsMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *driverlabSession) run() {
	if err := s.spawn(); err != nil {
		_ = s.send(wsMessage{Type: "error", Message: err.Error()})
		return
	}

	for {
		var msg wsMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.teardown()
			return
		}
		switch msg.Type {
		case "exec":
			s.exec(msg)
		case "cancel":
			s.cancelCurrent()
		default:
			_ = s.send(wsMessage{Type: "error", Message: "unknown message type"})
		}
	}
}

// spawn starts the driver in keep-alive profile, always, independent of
// the WS runMode (spec.md §4.11), fetches meta, and starts the exit
// watcher.
func (s *driverlabSession) spawn() error {
	args := append([]string{"--profile=keepalive"}, s.args...)
	h := driver.New(s.entry.ID, s.entry.Program, args, s.router.log)
	if err := h.Start(context.Background()); err != nil {
		return err
	}

	s.mu.Lock()
	s.host = h
	s.mu.Unlock()

	_ = s.send(wsMessage{Type: "driver.started", Pid: h.Pid()})

	go s.fetchMeta(h)
	go s.watchExit(h)
	return nil
}

func (s *driverlabSession) fetchMeta(h *driver.Host) {
	t, err := h.Send("meta.describe", nil)
	if err != nil {
		_ = s.send(wsMessage{Type: "error", Message: err.Error()})
		return
	}
	msg, ok := t.WaitNext(metaTimeout)
	if !ok {
		_ = s.send(wsMessage{Type: "error", Message: "meta.describe timed out"})
		return
	}
	_ = s.send(wsMessage{
		Type:     "meta",
		DriverID: s.entry.ID,
		Pid:      h.Pid(),
		RunMode:  s.runMode,
		Meta:     msg.Payload,
	})
}

func (s *driverlabSession) watchExit(h *driver.Host) {
	for {
		time.Sleep(200 * time.Millisecond)
		if h.Status() == driver.StatusRunning || h.Status() == driver.StatusStarting {
			continue
		}
		s.onExit(h)
		return
	}
}

func (s *driverlabSession) onExit(h *driver.Host) {
	exitCode, crashed, reason := h.ExitInfo()
	exitStatus := "normal"
	if crashed {
		exitStatus = "crash"
	}
	_ = s.send(wsMessage{
		Type:       "driver.exited",
		ExitCode:   exitCode,
		ExitStatus: exitStatus,
		Reason:     reason,
	})

	if s.runMode == "keepalive" {
		s.conn.Close()
		return
	}

	now := time.Now()
	s.crashTimes = append(s.crashTimes, now)
	cutoff := now.Add(-crashWindow)
	var recent []time.Time
	for _, t := range s.crashTimes {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	s.crashTimes = recent
	if len(recent) >= crashThreshold {
		s.mu.Lock()
		s.suppressed = true
		s.mu.Unlock()
		_ = s.send(wsMessage{Type: "error", Message: "auto-restart suppressed after repeated crashes; reconnect to reset"})
	}
}

func (s *driverlabSession) exec(msg wsMessage) {
	s.mu.Lock()
	h := s.host
	suppressed := s.suppressed
	s.mu.Unlock()

	if h == nil || (h.Status() != driver.StatusRunning) {
		if s.runMode != "oneshot" {
			_ = s.send(wsMessage{Type: "error", Message: "driver is not running"})
			return
		}
		if suppressed {
			_ = s.send(wsMessage{Type: "error", Message: "auto-restart suppressed after repeated crashes; reconnect to reset"})
			return
		}
		if err := s.spawn(); err != nil {
			_ = s.send(wsMessage{Type: "error", Message: err.Error()})
			return
		}
		s.mu.Lock()
		h = s.host
		s.mu.Unlock()
	}

	t, err := h.Send(msg.Cmd, msg.Data)
	if err != nil {
		_ = s.send(wsMessage{Type: "error", Message: err.Error()})
		return
	}
	go s.pumpTask(t)
}

func (s *driverlabSession) pumpTask(t *task.Task) {
	for {
		m, ok := t.WaitNext(30 * time.Second)
		if !ok {
			return
		}
		_ = s.send(wsMessage{Type: "stdout", Message: m.Payload})
		if m.Terminal() {
			return
		}
	}
}

func (s *driverlabSession) cancelCurrent() {
	s.mu.Lock()
	h := s.host
	s.mu.Unlock()
	if h != nil {
		_ = h.CloseStdin()
	}
}

func (s *driverlabSession) teardown() {
	s.mu.Lock()
	h := s.host
	s.mu.Unlock()
	if h != nil {
		_ = h.Terminate(2 * time.Second)
	}
}
