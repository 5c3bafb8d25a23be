package task

import (
	"time"
)

// Ready is one hit returned by WaitAny: the index of the Task (into the
// slice passed in) together with the message it yielded.
type Ready struct {
	Index   int
	Message Message
}

// BreakFlag lets a caller interrupt a blocked WaitAny call early, e.g. when
// the host is shutting down mid-select (spec.md §4.4 "a wait-any call may
// be woken early by server shutdown").
type BreakFlag struct {
	ch chan struct{}
}

// NewBreakFlag returns an unset BreakFlag.
func NewBreakFlag() *BreakFlag { return &BreakFlag{ch: make(chan struct{})} }

// Set wakes any WaitAny call currently blocked on this flag. Idempotent.
func (b *BreakFlag) Set() {
	select {
	case <-b.ch:
	default:
		close(b.ch)
	}
}

// WaitAny blocks until one of tasks has a message ready, every task is
// done with an empty queue, timeout elapses, or brk is set. It follows the
// four-step shape spec.md §4.4 prescribes:
//
//  1. fast path: try every task once without blocking, stopping at the
//     first one that yields a message;
//  2. all-done check: if every task is terminal and empty, return no hit;
//  3. pump: block on whichever task's queue is notified first, or the
//     break flag, or the timeout;
//  4. on wake, loop back to the fast path.
//
// The selector never consumes from more than one Task per call.
func WaitAny(tasks []*Task, timeout time.Duration, brk *BreakFlag) (Ready, bool) {
	deadline := time.Now().Add(timeout)

	for {
		allDone := true
		for i, t := range tasks {
			if msg, had := t.TryNext(); had {
				return Ready{Index: i, Message: msg}, true
			}
			if !t.IsDone() {
				allDone = false
			}
		}
		if allDone {
			return Ready{}, false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Ready{}, false
		}

		woken := pumpOnce(tasks, remaining, brk)
		if !woken {
			return Ready{}, false
		}
		if brk != nil {
			select {
			case <-brk.ch:
				return Ready{}, false
			default:
			}
		}
	}
}

// pumpOnce blocks until any task's notify/done channel fires, the break
// flag is set, or timeout elapses. It returns false only on timeout.
func pumpOnce(tasks []*Task, timeout time.Duration, brk *BreakFlag) bool {
	cases := make([]<-chan struct{}, 0, len(tasks)*2+2)
	for _, t := range tasks {
		notifyCh, doneCh := t.state.notifyAndDone()
		cases = append(cases, notifyCh, doneCh)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var brkCh chan struct{}
	if brk != nil {
		brkCh = brk.ch
	}

	woken := make(chan struct{}, 1)
	done := make(chan struct{})
	for _, ch := range cases {
		go func(c <-chan struct{}) {
			select {
			case <-c:
				select {
				case woken <- struct{}{}:
				default:
				}
			case <-done:
			}
		}(ch)
	}
	defer close(done)

	select {
	case <-woken:
		return true
	case <-brkCh:
		return true
	case <-timer.C:
		return false
	}
}
