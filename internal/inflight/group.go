// Package inflight collapses concurrent fetches of the same key into one
// execution and shares both its result and its progress events.
package inflight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/breeze-rmm/brewkit/internal/progress"
)

// Fn performs the shared work. emit publishes progress events to every
// caller currently waiting on the key; events passed to emit.Flush are never
// dropped.
type Fn[V, E any] func(ctx context.Context, emit progress.Sink[E]) (V, error)

// Group de-duplicates calls by key. The zero value is ready to use.
type Group[V, E any] struct {
	flight singleflight.Group

	mu   sync.Mutex
	hubs map[string]*progress.Hub[E]
	// running tracks keys whose Fn is executing.
	running map[string]bool
}

const eventBuffer = 64

// Do runs fn for key unless a call for key is already running, in which case
// it waits for that call. shared reports whether the result came from a call
// started by another caller. onEvent, if set, receives the progress events
// published while this caller waits.
//
// fn runs on a context detached from the starting caller's cancellation so
// one caller giving up does not fail the others; ctx still ends this
// caller's wait.
func (g *Group[V, E]) Do(ctx context.Context, key string, fn Fn[V, E], onEvent func(E)) (v V, shared bool, err error) {
	g.mu.Lock()
	if g.hubs == nil {
		g.hubs = make(map[string]*progress.Hub[E])
		g.running = make(map[string]bool)
	}
	hub, ok := g.hubs[key]
	if !ok {
		hub = progress.NewHub[E](eventBuffer)
		g.hubs[key] = hub
	}
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	detached := context.WithoutCancel(ctx)
	started := false
	results := g.flight.DoChan(key, func() (any, error) {
		g.mu.Lock()
		started = true
		g.running[key] = true
		g.mu.Unlock()

		defer func() {
			g.mu.Lock()
			delete(g.running, key)
			if g.hubs[key] == hub {
				delete(g.hubs, key)
			}
			g.mu.Unlock()
			hub.Close()
		}()
		return fn(detached, hubSink[E]{hub})
	})
	g.mu.Unlock()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if onEvent != nil {
				onEvent(ev)
			}
		case res := <-results:
			drain(events, onEvent)
			g.mu.Lock()
			shared = !started
			g.mu.Unlock()
			if res.Err != nil {
				return v, shared, res.Err
			}
			v, _ = res.Val.(V)
			return v, shared, nil
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

func drain[E any](events <-chan E, onEvent func(E)) {
	if events == nil {
		return
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if onEvent != nil {
				onEvent(ev)
			}
		default:
			return
		}
	}
}

// InFlight reports whether a call for key is currently executing.
func (g *Group[V, E]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[key]
}

type hubSink[E any] struct {
	hub *progress.Hub[E]
}

func (s hubSink[E]) Emit(e E) { s.hub.Publish(e) }
func (s hubSink[E]) Flush(e E) { s.hub.Flush(e) }
