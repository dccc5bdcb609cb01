package telemetry

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestEventPublisher_OrderedDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 100})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	first, second := &eventCollector{}, &eventCollector{}
	ep.Subscribe(first.collect)
	ep.Subscribe(second.collect)

	for i := 0; i < 50; i++ {
		if err := ep.Publish(Event{Type: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for _, c := range []*eventCollector{first, second} {
		got := c.types()
		if len(got) != 50 {
			t.Fatalf("Expected 50 events, got: %d", len(got))
		}
		for i, typ := range got {
			if typ != fmt.Sprintf("t%d", i) {
				t.Fatalf("Expected t%d at %d, got: %s", i, i, typ)
			}
		}
	}

	if first.events[0].ID == "" || first.events[0].Timestamp.IsZero() || first.events[0].Level != EventLevelInfo {
		t.Errorf("Expected defaults to be filled, got: %+v", first.events[0])
	}
}

func TestEventPublisher_Filters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	all, errorsOnly := &eventCollector{}, &eventCollector{}
	ep.AddFilter(FilterByRunID("run-1"))
	ep.Subscribe(all.collect)
	ep.SubscribeWithFilter(errorsOnly.collect, FilterByLevel(EventLevelError))

	_ = ep.Publish(Event{Type: EventTypeNodeFinished, RunID: "run-1"})
	_ = ep.Publish(Event{Type: EventTypeNodeFailed, RunID: "run-1", Level: EventLevelError})
	_ = ep.Publish(Event{Type: EventTypeNodeFailed, RunID: "run-2", Level: EventLevelError})

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if got := all.types(); len(got) != 2 {
		t.Errorf("Expected 2 events for run-1, got: %v", got)
	}
	if got := errorsOnly.types(); len(got) != 1 || got[0] != EventTypeNodeFailed {
		t.Errorf("Expected one node.failed event, got: %v", got)
	}
}

func TestFilterByType(t *testing.T) {
	filter := FilterByType(EventTypeRunStarted, EventTypeRunFailed)

	tests := []struct {
		typ  string
		want bool
	}{
		{EventTypeRunStarted, true},
		{EventTypeRunFailed, true},
		{EventTypeNodeStarted, false},
	}
	for _, tt := range tests {
		if got := filter(Event{Type: tt.typ}); got != tt.want {
			t.Errorf("FilterByType(%s) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestEventPublisher_PublishAfterShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	// second shutdown is a no-op
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Second shutdown failed: %v", err)
	}

	if err := ep.Publish(Event{Type: "late"}); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("Expected ErrPublisherClosed, got: %v", err)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	c := &eventCollector{}
	ep.Subscribe(c.collect)
	if err := ep.Publish(Event{Type: "ignored"}); err != nil {
		t.Errorf("Expected nil, got: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected nil, got: %v", err)
	}
	if len(c.types()) != 0 {
		t.Errorf("Expected no events")
	}
}

func TestNewEventPublisher_InvalidBuffer(t *testing.T) {
	if _, err := NewEventPublisher(EventsConfig{Enabled: true}); err == nil {
		t.Error("Expected error for zero buffer size")
	}
}
