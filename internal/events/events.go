package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/rescale-vrows/internal/constants"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	EventRowsChanged      EventType = "rows_changed"      // Rows inserted, updated or deleted
	EventHasData          EventType = "has_data"          // Row count crossed zero
	EventSelectionChanged EventType = "selection_changed" // Selected row replaced or cleared
	EventFetchFailed      EventType = "fetch_failed"      // Page fetch gave up after retries
	EventGeneration       EventType = "generation"        // Full invalidation minted a new generation
	EventWorkerStalled    EventType = "worker_stalled"    // Hand-off or teardown exceeded its timeout
)

// ChangeKind says what happened to a range of rows.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// RowsChangedEvent reports a change to the inclusive row range [Start, End].
type RowsChangedEvent struct {
	BaseEvent
	Source string
	Start  int
	End    int
	Kind   ChangeKind
}

// HasDataEvent is published when the row count goes from zero to non-zero or back.
type HasDataEvent struct {
	BaseEvent
	Source  string
	HasData bool
}

// SelectionChangedEvent carries the new selected row. Selected is false when cleared.
type SelectionChangedEvent struct {
	BaseEvent
	Source   string
	Row      any
	Selected bool
}

// FetchFailedEvent reports a page that could not be loaded.
// The cache keeps its last good state.
type FetchFailedEvent struct {
	BaseEvent
	Source     string
	TaskID     string
	TaskKind   string
	Page       int
	Generation uint64
	Error      error
}

// GenerationEvent reports a full invalidation.
type GenerationEvent struct {
	BaseEvent
	Source     string
	Generation uint64
}

// WorkerStalledEvent reports a worker that did not respond in time.
type WorkerStalledEvent struct {
	BaseEvent
	Worker  string
	Phase   string // "handoff" or "teardown"
	Timeout time.Duration
}

// Handler is called synchronously from Publish, on the publishing goroutine.
type Handler func(Event)

type handlerEntry struct {
	id uint64
	fn Handler
}

// EventBus manages event subscriptions and publishing.
//
// Channel subscribers are buffered and may drop events when they fall behind.
// Handlers registered with Handle run inline, in registration order, so a
// consumer that must see every row change in order uses a handler.
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event // Subscribers to all events
	handlers      map[EventType][]handlerEntry
	nextHandlerID uint64
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64 // Count of dropped events due to full buffers
}

// NewEventBus creates a new event bus with specified buffer size
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	if bufferSize > constants.EventBusMaxBuffer {
		bufferSize = constants.EventBusMaxBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		all:         make([]chan Event, 0),
		handlers:    make(map[EventType][]handlerEntry),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.all = append(eb.all, ch)
	return ch
}

// Handle registers a synchronous handler for one event type.
// The returned function removes it.
func (eb *EventBus) Handle(eventType EventType, fn Handler) (remove func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextHandlerID++
	id := eb.nextHandlerID
	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{id: id, fn: fn})

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		entries := eb.handlers[eventType]
		for i, e := range entries {
			if e.id == id {
				eb.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Publish runs handlers for the event type, then sends the event to channel
// subscribers without blocking.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	if eb.closed {
		eb.mu.RUnlock()
		return
	}
	// Copy so handlers may (un)register without deadlocking
	handlers := append([]handlerEntry(nil), eb.handlers[event.Type()]...)

	// Send to specific type subscribers
	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}

	// Send to all-events subscribers
	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		h.fn(event)
	}
}

// Close shuts down the event bus and closes all channels
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}

	for _, ch := range eb.all {
		close(ch)
	}
	eb.handlers = make(map[EventType][]handlerEntry)
}

// PublishRowsChanged is a convenience method for publishing row range changes
func (eb *EventBus) PublishRowsChanged(source string, start, end int, kind ChangeKind) {
	eb.Publish(&RowsChangedEvent{
		BaseEvent: BaseEvent{
			EventType: EventRowsChanged,
			Time:      time.Now(),
		},
		Source: source,
		Start:  start,
		End:    end,
		Kind:   kind,
	})
}

// PublishHasData is a convenience method for publishing has-data flips
func (eb *EventBus) PublishHasData(source string, hasData bool) {
	eb.Publish(&HasDataEvent{
		BaseEvent: BaseEvent{
			EventType: EventHasData,
			Time:      time.Now(),
		},
		Source:  source,
		HasData: hasData,
	})
}

// PublishSelection is a convenience method for publishing selection changes
func (eb *EventBus) PublishSelection(source string, row any, selected bool) {
	eb.Publish(&SelectionChangedEvent{
		BaseEvent: BaseEvent{
			EventType: EventSelectionChanged,
			Time:      time.Now(),
		},
		Source:   source,
		Row:      row,
		Selected: selected,
	})
}

// PublishGeneration is a convenience method for publishing generation changes
func (eb *EventBus) PublishGeneration(source string, generation uint64) {
	eb.Publish(&GenerationEvent{
		BaseEvent: BaseEvent{
			EventType: EventGeneration,
			Time:      time.Now(),
		},
		Source:     source,
		Generation: generation,
	})
}

// PublishFetchFailed is a convenience method for publishing failed page loads
func (eb *EventBus) PublishFetchFailed(source, taskID, taskKind string, page int, generation uint64, err error) {
	eb.Publish(&FetchFailedEvent{
		BaseEvent: BaseEvent{
			EventType: EventFetchFailed,
			Time:      time.Now(),
		},
		Source:     source,
		TaskID:     taskID,
		TaskKind:   taskKind,
		Page:       page,
		Generation: generation,
		Error:      err,
	})
}

// PublishWorkerStalled is a convenience method for publishing stalled workers
func (eb *EventBus) PublishWorkerStalled(worker, phase string, timeout time.Duration) {
	eb.Publish(&WorkerStalledEvent{
		BaseEvent: BaseEvent{
			EventType: EventWorkerStalled,
			Time:      time.Now(),
		},
		Worker:  worker,
		Phase:   phase,
		Timeout: timeout,
	})
}

// Unsubscribe removes a subscription channel from a specific event type
// This prevents memory leaks from abandoned subscriptions
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	subscribers := eb.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
			break
		}
	}
}

// UnsubscribeAll removes a subscription channel from all event types
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	for eventType, subscribers := range eb.subscribers {
		for i, subCh := range subscribers {
			if subCh == ch {
				subscribers[i] = subscribers[len(subscribers)-1]
				eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
				break
			}
		}
	}

	for i, subCh := range eb.all {
		if subCh == ch {
			eb.all[i] = eb.all[len(eb.all)-1]
			eb.all = eb.all[:len(eb.all)-1]
			break
		}
	}
}

// GetDroppedEventCount returns the total number of events dropped due to full buffers
func (eb *EventBus) GetDroppedEventCount() int64 {
	return eb.droppedEvents.Load()
}

// ResetDroppedEventCount resets the dropped event counter to zero
func (eb *EventBus) ResetDroppedEventCount() int64 {
	return eb.droppedEvents.Swap(0)
}
