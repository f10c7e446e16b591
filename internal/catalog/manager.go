// Package catalog caches large remote JSON arrays (the Homebrew formula and
// cask catalogs) on disk and in memory, downloading with progress, parsing
// as a stream and de-duplicating concurrent fetches.
package catalog

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/breeze-rmm/brewkit/internal/brewerr"
	"github.com/breeze-rmm/brewkit/internal/filelock"
	"github.com/breeze-rmm/brewkit/internal/freshness"
	"github.com/breeze-rmm/brewkit/internal/fsutil"
	"github.com/breeze-rmm/brewkit/internal/httputil"
	"github.com/breeze-rmm/brewkit/internal/inflight"
	"github.com/breeze-rmm/brewkit/internal/logging"
	"github.com/breeze-rmm/brewkit/internal/metrics"
	"github.com/breeze-rmm/brewkit/internal/progress"
	"github.com/breeze-rmm/brewkit/internal/workerpool"
)

var log = logging.L("catalog")

// Options configures a Manager. Zero fields take defaults.
type Options struct {
	Client           *http.Client
	Retry            httputil.RetryConfig
	ProgressInterval time.Duration
	Oracle           *freshness.Oracle
	// Pool runs Revalidate work; nil runs it on a fresh goroutine.
	Pool *workerpool.Pool
}

// Manager owns the memoized values of every resource it has fetched. One
// Manager per record type is created at startup and shared by handle.
type Manager[T any] struct {
	opts   Options
	flight inflight.Group[[]T, Progress]

	mu   sync.RWMutex
	memo map[string][]T
}

func NewManager[T any](opts Options) *Manager[T] {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Retry == (httputil.RetryConfig{}) {
		opts.Retry = httputil.DefaultRetryConfig()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 100 * time.Millisecond
	}
	if opts.Oracle == nil {
		opts.Oracle = freshness.New(opts.Client)
	}
	return &Manager[T]{opts: opts, memo: make(map[string][]T)}
}

// Fetch returns the records of res. A memoized value is returned at once;
// otherwise the call starts, or joins, the single in-flight fetch for res.
// onProgress receives throttled progress and always ends with one event
// that has Complete set.
func (m *Manager[T]) Fetch(ctx context.Context, res Resource, onProgress progress.Func[Progress]) ([]T, error) {
	if items, ok := m.Peek(res); ok {
		metrics.CatalogFetches.WithLabelValues(res.Name, "memory").Inc()
		onProgress.Emit(Progress{
			URL:            res.URL,
			Phase:          PhaseProcessing,
			Percent:        100,
			ItemsProcessed: len(items),
			TotalItems:     len(items),
			Complete:       true,
		})
		return items, nil
	}
	return m.fetch(ctx, res, onProgress)
}

// Refresh is Fetch without the memo shortcut: freshness is re-checked and
// the memo replaced on success.
func (m *Manager[T]) Refresh(ctx context.Context, res Resource, onProgress progress.Func[Progress]) ([]T, error) {
	return m.fetch(ctx, res, onProgress)
}

func (m *Manager[T]) fetch(ctx context.Context, res Resource, onProgress progress.Func[Progress]) ([]T, error) {
	last := Progress{URL: res.URL, Phase: PhaseDownloading, Percent: UnknownPercent}
	relay := func(p Progress) {
		last = p
		onProgress.Emit(p)
	}

	items, shared, err := m.flight.Do(ctx, res.CachePath, func(ctx context.Context, emit progress.Sink[Progress]) ([]T, error) {
		return m.load(ctx, res, emit)
	}, relay)
	if shared {
		metrics.DeduplicatedFetches.Inc()
	}

	final := last
	final.Complete = true
	if err != nil {
		final.Err = err
		final.ErrorMessage = brewerr.UserMessage(err)
		onProgress.Emit(final)
		return nil, err
	}
	final.Phase = PhaseProcessing
	final.Percent = 100
	final.ItemsProcessed = len(items)
	final.TotalItems = len(items)
	onProgress.Emit(final)
	return items, nil
}

// load runs once per in-flight fetch: refresh the file if stale, parse it,
// memoize the result.
func (m *Manager[T]) load(ctx context.Context, res Resource, emit progress.Sink[Progress]) ([]T, error) {
	start := time.Now()
	lock := filelock.For(res.CachePath + ".lock")
	if err := fsutil.EnsureDir(res.CachePath); err != nil {
		return nil, err
	}
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		log.Info("waiting for catalog cache lock", "resource", res.Name, "path", lock.Path())
		if err := lock.Lock(ctx); err != nil {
			return nil, err
		}
	}
	defer lock.Unlock()

	source := "disk"
	if m.opts.Oracle.RemoteStale(ctx, res.CachePath, res.URL) {
		if err := m.download(ctx, res, emit); err != nil {
			metrics.CatalogFetches.WithLabelValues(res.Name, "error").Inc()
			return nil, err
		}
		source = "download"
	}

	items, err := m.parse(res, emit)
	if err != nil {
		metrics.CatalogFetches.WithLabelValues(res.Name, "error").Inc()
		return nil, err
	}

	m.store(res, items)
	metrics.CatalogFetches.WithLabelValues(res.Name, source).Inc()
	log.Info("catalog loaded",
		"resource", res.Name,
		"source", source,
		"items", len(items),
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return items, nil
}

func (m *Manager[T]) store(res Resource, items []T) {
	m.mu.Lock()
	m.memo[res.CachePath] = items
	m.mu.Unlock()
	metrics.CatalogItems.WithLabelValues(res.Name).Set(float64(len(items)))
}

// Peek returns the memoized records of res without any I/O.
func (m *Manager[T]) Peek(res Resource) ([]T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items, ok := m.memo[res.CachePath]
	return items, ok
}

// InFlight reports whether a fetch of res is running.
func (m *Manager[T]) InFlight(res Resource) bool {
	return m.flight.InFlight(res.CachePath)
}

// Cached returns whatever data is available without contacting the
// network: the memo, else the on-disk file as last written. It returns
// (nil, false, nil) when neither exists.
func (m *Manager[T]) Cached(res Resource) ([]T, bool, error) {
	if items, ok := m.Peek(res); ok {
		return items, true, nil
	}
	items, err := m.parse(res, nil)
	if err != nil {
		if errors.Is(err, errNoCache) {
			return nil, false, nil
		}
		return nil, false, err
	}
	m.store(res, items)
	return items, true, nil
}

// Revalidate refreshes res in the background and calls done, if set, with
// the outcome. It returns false when the work could not be scheduled.
func (m *Manager[T]) Revalidate(res Resource, done func([]T, error)) bool {
	task := func(ctx context.Context) {
		items, err := m.Refresh(ctx, res, nil)
		if err != nil {
			log.Warn("background revalidation failed", "resource", res.Name, logging.KeyError, err)
		}
		if done != nil {
			done(items, err)
		}
	}
	if m.opts.Pool != nil {
		return m.opts.Pool.Submit(task)
	}
	go task(context.Background())
	return true
}

// Stream runs Fetch and delivers its progress and result on a channel that
// is closed after the Done update. Each call starts or joins a fetch, so a
// stream can be restarted by calling Stream again.
func (m *Manager[T]) Stream(ctx context.Context, res Resource) <-chan Update[T] {
	ch := make(chan Update[T], 16)
	go func() {
		defer close(ch)
		items, err := m.Fetch(ctx, res, func(p Progress) {
			select {
			case ch <- Update[T]{Progress: p}:
			case <-ctx.Done():
			}
		})
		select {
		case ch <- Update[T]{Items: items, Err: err, Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch
}

// Clear drops the memo and the cache file of res.
func (m *Manager[T]) Clear(res Resource) error {
	m.mu.Lock()
	delete(m.memo, res.CachePath)
	m.mu.Unlock()
	metrics.CatalogItems.DeleteLabelValues(res.Name)
	return fsutil.RemoveIfExists(res.CachePath)
}
