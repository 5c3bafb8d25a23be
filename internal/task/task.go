// Package task implements the Task/TaskState handle on one outstanding
// driver request (spec.md §3 "Task", §4.3 "Task API"), and the wait-any
// selector across many Tasks (spec.md §4.4).
//
// The source's host-event-loop notification model is expressed here with
// goroutines and channels, per the "Async I/O without coroutines" note in
// spec.md §9: a Task's message queue is a mutex-guarded slice whose
// "notify" channel is closed and replaced on every push, and its terminal
// transition closes a "done" channel exactly once so any number of
// waiters can observe it without racing the producer.
package task

import (
	"sync"
	"time"
)

// Message is one item produced for a Task: either an intermediate "event"
// or the terminal "done"/"error".
type Message struct {
	Status  string
	Code    int
	Payload any
}

func (m Message) Terminal() bool { return m.Status == "done" || m.Status == "error" }

// State is the TaskState shared between one producer (a driver host's
// stdout pump) and one consumer (the Task's owner). It is safe for the
// producer and a single consumer to use concurrently.
type State struct {
	mu           sync.Mutex
	terminal     bool
	exitCode     int
	errorText    string
	finalPayload any

	queue    []Message
	notifyCh chan struct{} // closed+replaced each time a message is queued
	doneCh   chan struct{} // closed exactly once, when terminal becomes true
}

// NewState returns a fresh, non-terminal TaskState.
func NewState() *State {
	return &State{
		notifyCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Push enqueues a message from the producer side. If status is done/error,
// the terminal flag is set under the same lock that makes the message
// visible to TryNext/WaitNext (doneCh is closed right after), matching
// spec.md §5's ordering
// guarantee that "a Task's terminal flag is set before the terminal
// message is dequeued by the caller".
func (s *State) Push(msg Message) {
	s.mu.Lock()
	if s.terminal {
		// Spec invariant: "A Task reaches terminal state exactly once;
		// subsequent messages are dropped."
		s.mu.Unlock()
		return
	}
	if msg.Terminal() {
		s.terminal = true
		s.exitCode = msg.Code
		s.finalPayload = msg.Payload
		if obj, isObj := msg.Payload.(map[string]any); isObj && msg.Status == "error" {
			if text, isStr := obj["message"].(string); isStr {
				s.errorText = text
			}
		}
	}
	s.queue = append(s.queue, msg)
	terminalNow := s.terminal
	old := s.notifyCh
	s.notifyCh = make(chan struct{})
	s.mu.Unlock()

	close(old)
	if terminalNow {
		close(s.doneCh)
	}
}

// ForceTerminal marks the state terminal with a synthesized message,
// without requiring a wire frame. Used when the driver process exits
// without sending a terminal response (spec.md §4.3, code 1001).
func (s *State) ForceTerminal(code int, errorText string, payload any) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.exitCode = code
	s.errorText = errorText
	s.finalPayload = payload
	s.queue = append(s.queue, Message{Status: "error", Code: code, Payload: payload})
	old := s.notifyCh
	s.notifyCh = make(chan struct{})
	s.mu.Unlock()

	close(old)
	close(s.doneCh)
}

// IsDone reports whether the terminal flag is set.
func (s *State) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// IsEmpty reports whether the queue currently has no buffered messages.
func (s *State) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// Outcome returns the terminal exit code, error text, and final payload.
// Only meaningful once IsDone() is true.
func (s *State) Outcome() (exitCode int, errorText string, finalPayload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.errorText, s.finalPayload
}

func (s *State) pop() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Message{}, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

func (s *State) notifyAndDone() (chan struct{}, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyCh, s.doneCh
}

// Task is a handle on one outstanding request. A Task is single-consumer.
type Task struct {
	state *State
}

// New wraps a State in a Task.
func New(state *State) *Task { return &Task{state: state} }

// TryNext dequeues without blocking. It reports false if the queue is
// currently empty, terminal or not.
func (t *Task) TryNext() (Message, bool) {
	return t.state.pop()
}

// IsDone reports whether the Task has reached a terminal state.
func (t *Task) IsDone() bool { return t.state.IsDone() }

// WaitNext blocks until a message is dequeued, the terminal flag is set
// with an empty queue, or timeout elapses. It returns (message, true) on a
// delivered message, or (zero, false) on timeout with nothing to deliver.
func (t *Task) WaitNext(timeout time.Duration) (Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if msg, had := t.state.pop(); had {
			return msg, true
		}
		if t.state.IsDone() {
			return Message{}, false
		}
		notifyCh, doneCh := t.state.notifyAndDone()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Message{}, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-notifyCh:
			timer.Stop()
		case <-doneCh:
			timer.Stop()
		case <-timer.C:
			return Message{}, false
		}
	}
}
