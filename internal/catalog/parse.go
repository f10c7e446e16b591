package catalog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/breeze-rmm/brewkit/internal/brewerr"
	"github.com/breeze-rmm/brewkit/internal/logging"
	"github.com/breeze-rmm/brewkit/internal/metrics"
	"github.com/breeze-rmm/brewkit/internal/progress"
)

var errNoCache = errors.New("no cache file")

// parse stream-decodes the cached JSON array one element at a time. Each
// element is decoded into T, whose fields are the allow-list; everything
// else is skipped without being retained. A malformed file is deleted.
func (m *Manager[T]) parse(res Resource, emit progress.Sink[Progress]) ([]T, error) {
	start := time.Now()
	f, err := os.Open(res.CachePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errNoCache
		}
		return nil, fmt.Errorf("open cache: %w", err)
	}

	throttle := progress.NewThrottle(m.opts.ProgressInterval, emit)
	items, err := decodeArray[T](bufio.NewReaderSize(f, 64<<10), func(n int) {
		throttle.Emit(Progress{
			URL:            res.URL,
			Phase:          PhaseProcessing,
			Percent:        UnknownPercent,
			ItemsProcessed: n,
		})
	})
	f.Close()

	if err != nil {
		log.Warn("corrupt catalog cache removed", "resource", res.Name, "path", res.CachePath, logging.KeyError, err)
		os.Remove(res.CachePath)
		return nil, &brewerr.ParseError{Path: res.CachePath, Err: err}
	}

	throttle.Flush(Progress{
		URL:            res.URL,
		Phase:          PhaseProcessing,
		Percent:        UnknownPercent,
		ItemsProcessed: len(items),
	})
	metrics.CatalogParseDuration.WithLabelValues(res.Name).Observe(time.Since(start).Seconds())
	return items, nil
}

func decodeArray[T any](r io.Reader, onItem func(n int)) ([]T, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read array start: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("expected JSON array, got %v", tok)
	}

	var items []T
	for dec.More() {
		var item T
		if err := dec.Decode(&item); err != nil {
			return nil, fmt.Errorf("decode element %d: %w", len(items), err)
		}
		items = append(items, item)
		onItem(len(items))
	}

	if tok, err = dec.Token(); err != nil {
		return nil, fmt.Errorf("read array end: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != ']' {
		return nil, fmt.Errorf("expected end of array, got %v", tok)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after array")
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}
