package eventbus

import (
	"testing"
)

func TestPublishDeliversToAllSubscribersInOrder(t *testing.T) {
	bus := New()
	var order []int
	bus.Subscribe(func(e Event) { order = append(order, 1) })
	bus.Subscribe(func(e Event) { order = append(order, 2) })

	bus.Publish(Event{Type: "test.event"})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected subscribers invoked in subscription order, got %v", order)
	}
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	bus := New()
	count := 0
	id := bus.Subscribe(func(e Event) { count++ })

	bus.Publish(Event{Type: "a"})
	bus.Unsubscribe(id)
	bus.Publish(Event{Type: "b"})

	if count != 1 {
		t.Fatalf("expected exactly one delivery before unsubscribe, got %d", count)
	}
}

func TestPublishStampsTimestampWhenUnset(t *testing.T) {
	bus := New()
	var got Event
	bus.Subscribe(func(e Event) { got = e })

	bus.Publish(Event{Type: "test.event"})
	if got.Timestamp.IsZero() {
		t.Fatal("expected Publish to stamp a non-zero timestamp")
	}
}

func TestMatchesAnyPrefix(t *testing.T) {
	if !MatchesAnyPrefix("instance.started", nil) {
		t.Fatal("an empty prefix list must match everything")
	}
	if !MatchesAnyPrefix("instance.started", []string{"instance."}) {
		t.Fatal("expected instance.started to match the instance. prefix")
	}
	if MatchesAnyPrefix("schedule.triggered", []string{"instance."}) {
		t.Fatal("schedule.triggered must not match the instance. prefix")
	}
}
