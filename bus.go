package traybar

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind classifies cache change events.
type EventKind int

// Cache change events.
const (
	// EventImagesUpdated is published after a bulk update merged new
	// images into the cache.
	EventImagesUpdated EventKind = iota

	// EventImagesCleared is published after images were explicitly
	// invalidated.
	EventImagesCleared

	// EventMemoryPressure is published after a memory pressure eviction.
	EventMemoryPressure
)

// Event is a cache change notification. Subscribers pull the current
// snapshot via [ImageCache.Snapshot]; events intentionally carry no image
// data.
type Event struct {
	Kind EventKind
	Tags []ItemTag
	Time time.Time
}

var (
	// ErrSubscriberExists is returned when Subscribe is called with a
	// duplicate id.
	ErrSubscriberExists = errors.New("subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with an
	// unknown id.
	ErrSubscriberNotFound = errors.New("subscriber id not found")

	// ErrBusClosed is returned when operations are attempted on a closed
	// bus.
	ErrBusClosed = errors.New("bus is closed")
)

// Bus distributes cache change events to subscribers with a drop policy:
// if a subscriber's channel is full the event is dropped rather than
// queued. Publishing never blocks, so slow UI layers cannot stall cache
// updates. Subscribers that miss events still converge by pulling the
// current snapshot on the next event they receive.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- Event
	closed      bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]chan<- Event)}
}

// Subscribe registers a channel to receive events.
// Returns an error if id already exists or if the bus is closed.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	if ch == nil {
		return errors.New("subscriber channel cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = ch
	return nil
}

// Unsubscribe removes a subscriber by id.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}

	delete(b.subscribers, id)
	return nil
}

// Publish sends the event to all subscribers without blocking, dropping it
// for subscribers whose channels are full. Publishing on a closed bus is a
// no-op.
func (b *Bus) Publish(event Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Stats returns the number of published and dropped events.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Close stops the bus. Subsequent Subscribe and Unsubscribe calls return
// [ErrBusClosed] and Publish becomes a no-op. Close does not close
// subscriber channels; that is the subscriber's responsibility. Close is
// idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
