package guard

import (
	"context"
	"os"
	"time"
)

// Watchdog is the second, OS-independent half of the process-tree guard:
// it runs inside the host process and kills a specific child if the host
// itself stops ticking it, covering platforms and failure modes (e.g. a
// hard freeze rather than a clean exit) the OS-level primitives in
// contain/AfterStart don't reach alone.
type Watchdog struct {
	pid      int
	interval time.Duration
	grace    time.Duration
	lastPing chan struct{}
	stop     chan struct{}
}

// NewWatchdog starts watching pid, expecting a Ping at least every
// interval; if grace elapses with no ping, it sends SIGKILL.
func NewWatchdog(pid int, interval, grace time.Duration) *Watchdog {
	w := &Watchdog{
		pid:      pid,
		interval: interval,
		grace:    grace,
		lastPing: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Ping resets the watchdog's grace timer.
func (w *Watchdog) Ping() {
	select {
	case w.lastPing <- struct{}{}:
	default:
	}
}

// Stop ends the watchdog without killing its child, for clean shutdowns.
func (w *Watchdog) Stop() {
	close(w.stop)
}

func (w *Watchdog) run() {
	timer := time.NewTimer(w.grace)
	defer timer.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-w.lastPing:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.grace)
		case <-timer.C:
			w.kill()
			return
		}
	}
}

func (w *Watchdog) kill() {
	proc, err := os.FindProcess(w.pid)
	if err != nil {
		return
	}
	_ = proc.Kill()
}

// PingLoop pings w every interval until ctx is done, for a caller that
// wants to keep a Watchdog alive for as long as it is itself healthy
// (e.g. the host's main select loop).
func PingLoop(ctx context.Context, w *Watchdog) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Ping()
		}
	}
}
