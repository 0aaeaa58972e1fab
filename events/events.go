// Package events carries collection change notifications to external
// consumers, such as an index-sync pipeline.
package events

import (
	"sync"
	"time"
)

// Kind identifies what happened to a collection.
type Kind string

const (
	KindCreated   Kind = "created"
	KindDeleted   Kind = "deleted"
	KindRenamed   Kind = "renamed"
	KindRecovered Kind = "recovered"
)

// Event is one collection change. Events are emitted while the
// collection lock is still held, so consumers observe them in the
// order the changes were committed.
type Event struct {
	ID           uint64            `json:"id"`
	Kind         Kind              `json:"kind"`
	CollectionID string            `json:"collection_id"`
	Time         time.Time         `json:"time"`
	Details      map[string]string `json:"details,omitempty"`
}

// Sync verdicts reported by Status. A queue with pending events has
// changes no consumer has seen yet.
const (
	StateSynced    = "synced"
	StateOutOfSync = "out_of_sync"
)

// Status is a point-in-time view of the queue.
type Status struct {
	State       string
	Pending     int
	NextID      uint64
	Dropped     uint64
	Subscribers int
}

// Queue is a bounded in-memory event queue. When full, the oldest
// pending event is discarded and counted, never the newest; a consumer
// that falls behind loses history, not recency.
type Queue struct {
	mu      sync.Mutex
	events  []Event
	cap     int
	nextID  uint64
	dropped uint64
	subs    map[chan Event]struct{}
	now     func() time.Time
}

// DefaultCapacity bounds the queue when NewQueue is given a
// non-positive capacity.
const DefaultCapacity = 1024

// NewQueue creates a queue holding at most capacity pending events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		cap:    capacity,
		nextID: 1,
		subs:   make(map[chan Event]struct{}),
		now:    time.Now,
	}
}

// Append records an event and fans it out to subscribers. It never
// blocks; a subscriber with a full channel misses the event.
func (q *Queue) Append(kind Kind, collectionID string, details map[string]string) Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	ev := Event{
		ID:           q.nextID,
		Kind:         kind,
		CollectionID: collectionID,
		Time:         q.now().UTC(),
		Details:      details,
	}
	q.nextID++

	if len(q.events) >= q.cap {
		drop := len(q.events) - q.cap + 1
		q.events = append(q.events[:0], q.events[drop:]...)
		q.dropped += uint64(drop)
	}
	q.events = append(q.events, ev)

	for ch := range q.subs {
		select {
		case ch <- ev:
		default:
			q.dropped++
		}
	}

	return ev
}

// Drain returns all pending events in emission order and clears the
// queue.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.events
	q.events = nil
	return out
}

// Peek returns pending events without consuming them.
func (q *Queue) Peek() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Event, len(q.events))
	copy(out, q.events)
	return out
}

// Subscribe registers a live feed of future events. The returned cancel
// function closes the channel and must be called exactly once.
func (q *Queue) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	q.mu.Lock()
	q.subs[ch] = struct{}{}
	q.mu.Unlock()

	cancel := func() {
		q.mu.Lock()
		if _, ok := q.subs[ch]; ok {
			delete(q.subs, ch)
			close(ch)
		}
		q.mu.Unlock()
	}
	return ch, cancel
}

// Dropped returns how many events were lost to capacity or slow
// subscribers since the queue was created.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Status returns a snapshot of the queue state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	state := StateSynced
	if len(q.events) > 0 {
		state = StateOutOfSync
	}
	return Status{
		State:       state,
		Pending:     len(q.events),
		NextID:      q.nextID,
		Dropped:     q.dropped,
		Subscribers: len(q.subs),
	}
}
