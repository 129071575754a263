package event

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity bounds the number of undelivered events.
const DefaultCapacity = 256

// Relay is an ordered, bounded queue between one producer and a consumer
// running on its own schedule. Publish never blocks: when the queue is full
// the oldest pending event is discarded and counted.
type Relay struct {
	mu      sync.Mutex
	buf     []Event
	head    int
	count   int
	seq     uint64
	session string
	ready   chan struct{}
	dropped atomic.Uint64
}

// NewRelay returns a relay holding at most capacity pending events.
func NewRelay(capacity int) *Relay {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Relay{
		buf:   make([]Event, capacity),
		ready: make(chan struct{}, 1),
	}
}

// SetSession stamps subsequent events with id.
func (r *Relay) SetSession(id string) {
	r.mu.Lock()
	r.session = id
	r.mu.Unlock()
}

// Publish enqueues e and wakes the consumer.
func (r *Relay) Publish(e Event) {
	r.mu.Lock()
	r.seq++
	e.Seq = r.seq
	if e.Session == "" {
		e.Session = r.session
	}
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		r.dropped.Add(1)
	}
	r.buf[(r.head+r.count)%len(r.buf)] = e
	r.count++
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
}

// Drain removes and returns all pending events in publish order.
func (r *Relay) Drain() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}
	out := make([]Event, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.buf)
		out[i] = r.buf[idx]
		r.buf[idx] = Event{}
	}
	r.head = 0
	r.count = 0
	return out
}

// Ready is signalled after a Publish; consumers should Drain on receive.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Len returns the number of pending events.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Dropped returns how many events were discarded on overflow.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}
