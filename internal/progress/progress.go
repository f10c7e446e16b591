// Package progress provides throttled, fan-out progress streams.
package progress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Func is a typed progress callback. A nil Func discards events.
type Func[E any] func(E)

// Emit calls f if it is set.
func (f Func[E]) Emit(e E) {
	if f != nil {
		f(e)
	}
}

// Flush is Emit; a Func delivers every event.
func (f Func[E]) Flush(e E) {
	f.Emit(e)
}

// Sink receives progress events. Emit may drop an event under load; Flush
// is for events a consumer must see, such as the last chunk of a transfer.
type Sink[E any] interface {
	Emit(E)
	Flush(E)
}

// Throttle forwards the first event it sees and afterwards at most one event
// per interval. Flush bypasses the limit for events that must be delivered,
// such as the last chunk of a transfer. Safe for concurrent use.
type Throttle[E any] struct {
	sink     Sink[E]
	interval time.Duration
	limiter  rate.Sometimes
}

// NewThrottle returns a Throttle delivering to sink. An interval <= 0
// disables throttling.
func NewThrottle[E any](interval time.Duration, sink Sink[E]) *Throttle[E] {
	return &Throttle[E]{
		sink:     sink,
		interval: interval,
		limiter:  rate.Sometimes{First: 1, Interval: interval},
	}
}

// Emit delivers e unless an event was delivered less than interval ago.
func (t *Throttle[E]) Emit(e E) {
	if t.sink == nil {
		return
	}
	if t.interval <= 0 {
		t.sink.Emit(e)
		return
	}
	t.limiter.Do(func() { t.sink.Emit(e) })
}

// Flush delivers e unconditionally through the sink's Flush.
func (t *Throttle[E]) Flush(e E) {
	if t.sink == nil {
		return
	}
	t.sink.Flush(e)
}

// Hub fans events out to any number of subscribers. Neither Publish nor
// Flush blocks: with Publish a subscriber whose buffer is full misses the
// event, with Flush it loses its oldest buffered event instead.
type Hub[E any] struct {
	mu     sync.Mutex
	subs   map[int]chan E
	next   int
	buffer int
	closed bool
}

// NewHub returns a hub giving each subscriber a channel of the given buffer.
func NewHub[E any](buffer int) *Hub[E] {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub[E]{subs: make(map[int]chan E), buffer: buffer}
}

// Subscribe registers a new subscriber. The returned cancel func removes it
// and closes its channel; it is safe to call more than once. Subscribing to
// a closed hub yields an already-closed channel.
func (h *Hub[E]) Subscribe() (<-chan E, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan E, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// Publish delivers e to every subscriber with buffer space.
func (h *Hub[E]) Publish(e E) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Flush delivers e to every subscriber, evicting the oldest buffered event
// of a full one to make room.
func (h *Hub[E]) Flush(e E) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
			continue
		default:
		}
		// Sends only happen under mu, so one receive frees a slot.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (h *Hub[E]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub[E]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
