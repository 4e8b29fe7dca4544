package orchestrator

import (
	"sync"
	"sync/atomic"
)

// EventEmitter fans coordinator events out to subscribers.
// Emit never blocks: a subscriber whose buffer is full misses the event.
type EventEmitter struct {
	mu           sync.RWMutex
	subs         map[int]chan OrchestratorEvent
	nextID       int
	bufferSize   int
	closed       bool
	droppedCount atomic.Uint64
}

// NewEventEmitter creates a new EventEmitter with the given per-subscriber buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = DefaultEventBuffer
	}
	return &EventEmitter{
		subs:       make(map[int]chan OrchestratorEvent),
		bufferSize: bufferSize,
	}
}

// Emit sends an event to every subscriber.
func (e *EventEmitter) Emit(event OrchestratorEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
			count := e.droppedCount.Add(1)
			if count%10 == 1 { // Log every 10th drop to avoid spam
				debugLog("[events] subscriber full, dropped event (total dropped: %d): type=%s", count, event.Type)
			}
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// unsubscribes and closes the channel; it is safe to call more than once.
func (e *EventEmitter) Subscribe() (<-chan OrchestratorEvent, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan OrchestratorEvent, e.bufferSize)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if sub, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(sub)
			}
		})
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Close closes every subscriber channel. Later Emits are no-ops.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
