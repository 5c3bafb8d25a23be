package eventbus

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSSEFanoutStreamsMatchingEvents(t *testing.T) {
	bus := New()
	fanout := NewSSEFanout(bus)
	defer fanout.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api/events?types=instance.", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		fanout.ServeHTTP(rec, req)
		close(done)
	}()

	// Give ServeHTTP a moment to register its connection before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(Event{Type: "instance.started", Data: map[string]any{"instanceId": "x"}})
	bus.Publish(Event{Type: "schedule.triggered"}) // should be filtered out by the types= prefix
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHTTP did not return after context cancellation")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "instance.started") {
		t.Fatalf("expected the matching event in the stream, got %q", body)
	}
	if strings.Contains(body, "schedule.triggered") {
		t.Fatalf("expected the non-matching event to be filtered out, got %q", body)
	}
}

func TestSSEFanoutEvictsOldestConnectionAtCap(t *testing.T) {
	bus := New()
	fanout := NewSSEFanout(bus)
	fanout.maxConns = 1
	defer fanout.Close()

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	req1 := httptest.NewRequest("GET", "/api/events", nil).WithContext(ctx1)
	rec1 := httptest.NewRecorder()
	done1 := make(chan struct{})
	go func() {
		fanout.ServeHTTP(rec1, req1)
		close(done1)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	req2 := httptest.NewRequest("GET", "/api/events", nil).WithContext(ctx2)
	rec2 := httptest.NewRecorder()
	done2 := make(chan struct{})
	go func() {
		fanout.ServeHTTP(rec2, req2)
		close(done2)
	}()
	time.Sleep(20 * time.Millisecond)

	// Registering the second connection over the cap must have evicted the
	// first, so its ServeHTTP call should already have returned.
	select {
	case <-done1:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the oldest connection to be evicted and its ServeHTTP call to return")
	}
}
