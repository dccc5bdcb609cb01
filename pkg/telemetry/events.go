package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted during a convergence run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Resource is the associated definition, type[name], if applicable.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeRunStarted   = "run.started"
	EventTypeRunCompleted = "run.completed"
	EventTypeRunFailed    = "run.failed"
	EventTypeRunCancelled = "run.cancelled"
	EventTypeNodeStarted  = "node.started"
	EventTypeNodeFinished = "node.finished"
	EventTypeNodeFailed   = "node.failed"
	EventTypeBackupTaken  = "backup.taken"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = fmt.Errorf("event publisher is closed")

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. A single goroutine delivers events,
// so every subscriber sees them in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	done        chan struct{}
	mu          sync.RWMutex
	closed      bool
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	go ep.processEvents()

	return ep, nil
}

// Publish queues an event for delivery. It fails rather than blocks when the buffer is full.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()

	if ep.closed {
		return ErrPublisherClosed
	}

	for _, filter := range ep.filters {
		if !filter(event) {
			return nil
		}
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropping event %s", event.Type)
	}
}

// Subscribe registers a subscriber for all events.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber) {
	ep.SubscribeWithFilter(subscriber, nil)
}

// SubscribeWithFilter registers a subscriber that only receives events accepted by filter.
func (ep *EventPublisher) SubscribeWithFilter(subscriber EventSubscriber, filter EventFilter) {
	if !ep.config.Enabled {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a filter applied to every published event.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if !ep.config.Enabled {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer close(ep.done)

	for event := range ep.buffer {
		ep.deliver(event)
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subscribers := make([]subscriberEntry, len(ep.subscribers))
	copy(subscribers, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits until queued ones are delivered or ctx ends.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.buffer)
	}
	ep.mu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FilterByType returns a filter that accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByLevel returns a filter that accepts events at or above the given level.
func FilterByLevel(minLevel string) EventFilter {
	rank := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	min := rank[minLevel]
	return func(event Event) bool {
		return rank[event.Level] >= min
	}
}

// FilterByRunID returns a filter that accepts events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
