package api

import (
	"testing"
	"time"
)

func TestGetReusesTheSameLimiterForARepeatedKey(t *testing.T) {
	rl := newRateLimiter(10, 10)
	a := rl.get("203.0.113.5")
	b := rl.get("203.0.113.5")
	if a != b {
		t.Fatal("expected the same *rate.Limiter instance for the same key")
	}
}

func TestSweepStaleLimitersClearsTheMap(t *testing.T) {
	rl := newRateLimiter(10, 10)
	rl.get("203.0.113.5")

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		rl.sweepStaleLimiters(5*time.Millisecond, stop)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rl.mu.Lock()
		n := len(rl.limiters)
		rl.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rl.mu.Lock()
	n := len(rl.limiters)
	rl.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected the sweep to clear the limiter map, still has %d entries", n)
	}

	close(stop)
	<-done
}

func TestNewRateLimiterAppliesDefaultsWhenUnset(t *testing.T) {
	rl := newRateLimiter(0, 0)
	if rl.r <= 0 {
		t.Fatalf("expected a positive default rate, got %v", rl.r)
	}
	if rl.burst <= 0 {
		t.Fatalf("expected a positive default burst, got %d", rl.burst)
	}
}
