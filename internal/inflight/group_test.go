package inflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breeze-rmm/brewkit/internal/progress"
)

func TestDoCollapsesConcurrentCalls(t *testing.T) {
	var g Group[int, string]
	var calls int32
	release := make(chan struct{})

	fn := func(ctx context.Context, emit progress.Sink[string]) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 42, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]int, n)
	shared := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, s, err := g.Do(context.Background(), "formula", fn, nil)
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i], shared[i] = v, s
		}(i)
	}

	waitFor(t, func() bool { return subscribers(&g, "formula") == n })
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("fn ran %d times, want 1", got)
	}
	owners := 0
	for i := range results {
		if results[i] != 42 {
			t.Fatalf("result[%d] = %d", i, results[i])
		}
		if !shared[i] {
			owners++
		}
	}
	if owners != 1 {
		t.Fatalf("%d callers report owning the call, want 1", owners)
	}
	if g.InFlight("formula") {
		t.Fatal("key should be unregistered after settle")
	}
}

func TestDoUnregistersAfterError(t *testing.T) {
	var g Group[int, string]
	boom := errors.New("boom")
	var calls int32

	fn := func(ctx context.Context, emit progress.Sink[string]) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, boom
	}

	if _, _, err := g.Do(context.Background(), "cask", fn, nil); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, _, err := g.Do(context.Background(), "cask", fn, nil); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (failed fetch must not stay registered)", calls)
	}
}

func TestDoSharesProgressEvents(t *testing.T) {
	var g Group[int, int]
	release := make(chan struct{})
	joined := make(chan struct{})

	fn := func(ctx context.Context, emit progress.Sink[int]) (int, error) {
		<-release
		for i := 1; i <= 3; i++ {
			emit.Emit(i)
		}
		return 3, nil
	}

	var mu sync.Mutex
	seen := map[string][]int{}
	record := func(name string) func(int) {
		return func(ev int) {
			mu.Lock()
			seen[name] = append(seen[name], ev)
			mu.Unlock()
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.Do(context.Background(), "k", fn, record("first"))
	}()
	waitFor(t, func() bool { return g.InFlight("k") })
	go func() {
		defer wg.Done()
		close(joined)
		g.Do(context.Background(), "k", fn, record("second"))
	}()
	<-joined
	waitFor(t, func() bool { return subscribers(&g, "k") == 2 })
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, name := range []string{"first", "second"} {
		evs := seen[name]
		if len(evs) != 3 || evs[0] != 1 || evs[2] != 3 {
			t.Fatalf("%s saw %v, want [1 2 3]", name, evs)
		}
	}
}

func TestDoCallerCancellationDoesNotAbortSharedCall(t *testing.T) {
	var g Group[string, struct{}]
	release := make(chan struct{})

	fn := func(ctx context.Context, emit progress.Sink[struct{}]) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "k", fn, nil)
		errc <- err
	}()
	waitFor(t, func() bool { return g.InFlight("k") })

	resc := make(chan string, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", fn, nil)
		resc <- v
	}()
	waitFor(t, func() bool { return subscribers(&g, "k") == 2 })

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v", err)
	}
	close(release)
	if v := <-resc; v != "done" {
		t.Fatalf("remaining caller got %q, want done", v)
	}
}

func TestDoFlushedEventReachesSlowCaller(t *testing.T) {
	var g Group[int, int]
	emitted := make(chan struct{})

	fn := func(ctx context.Context, emit progress.Sink[int]) (int, error) {
		for i := 1; i <= eventBuffer*3; i++ {
			emit.Emit(i)
		}
		emit.Flush(-1)
		close(emitted)
		return 0, nil
	}

	gate := make(chan struct{})
	go func() {
		<-emitted
		close(gate)
	}()

	var seen []int
	_, _, err := g.Do(context.Background(), "k", fn, func(ev int) {
		if len(seen) == 0 {
			<-gate
		}
		seen = append(seen, ev)
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(seen) == 0 || seen[len(seen)-1] != -1 {
		t.Fatalf("last event = %v, want the flushed -1", seen)
	}
	if len(seen) > eventBuffer+1 {
		t.Fatalf("saw %d events, expected the full buffer to drop some", len(seen))
	}
}

func subscribers[V, E any](g *Group[V, E], key string) int {
	g.mu.Lock()
	hub := g.hubs[key]
	g.mu.Unlock()
	if hub == nil {
		return 0
	}
	return hub.Subscribers()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}
