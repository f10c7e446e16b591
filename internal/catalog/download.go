package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/breeze-rmm/brewkit/internal/brewerr"
	"github.com/breeze-rmm/brewkit/internal/fsutil"
	"github.com/breeze-rmm/brewkit/internal/httputil"
	"github.com/breeze-rmm/brewkit/internal/logging"
	"github.com/breeze-rmm/brewkit/internal/metrics"
	"github.com/breeze-rmm/brewkit/internal/progress"
)

const copyBufferSize = 32 << 10

// byteReporter turns downloaded chunks into throttled Progress events.
// high is the largest byte count reported so far; after a retry restarts
// the body at zero, events stay suppressed until it is passed again.
type byteReporter struct {
	url      string
	throttle *progress.Throttle[Progress]
	total    int64
	done     int64
	high     int64
}

func (r *byteReporter) reset(total int64) {
	if total < 0 {
		total = 0
	}
	r.total = total
	r.done = 0
}

func (r *byteReporter) add(n int) {
	r.done += int64(n)
	if r.done <= r.high {
		return
	}
	r.high = r.done
	r.throttle.Emit(r.event())
}

// finish reports the last chunk regardless of throttling.
func (r *byteReporter) finish() {
	if r.done < r.high {
		return
	}
	r.high = r.done
	r.throttle.Flush(r.event())
}

func (r *byteReporter) event() Progress {
	return Progress{
		URL:             r.url,
		Phase:           PhaseDownloading,
		BytesDownloaded: r.done,
		TotalBytes:      r.total,
		Percent:         percentOf(r.done, r.total),
	}
}

// download replaces res.CachePath with a fresh copy of res.URL, retrying
// network failures. On failure no cache file is left behind.
func (m *Manager[T]) download(ctx context.Context, res Resource, emit progress.Sink[Progress]) error {
	reporter := &byteReporter{
		url:      res.URL,
		throttle: progress.NewThrottle(m.opts.ProgressInterval, emit),
	}

	_, err := httputil.Run(ctx, m.opts.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.downloadOnce(ctx, res, reporter)
	})
	if err != nil {
		if rmErr := fsutil.RemoveIfExists(res.CachePath); rmErr != nil {
			log.Warn("failed to remove cache after download error", "path", res.CachePath, logging.KeyError, rmErr)
		}
		return err
	}
	return nil
}

func (m *Manager[T]) downloadOnce(ctx context.Context, res Resource, reporter *byteReporter) (err error) {
	headers := http.Header{}
	// Ask for the raw body so Content-Length matches the bytes we count.
	headers.Set("Accept-Encoding", "identity")

	resp, err := httputil.Send(ctx, m.opts.Client, http.MethodGet, res.URL, nil, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(res.CachePath), "."+filepath.Base(res.CachePath)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	reporter.reset(resp.ContentLength)
	n, err := copyWithProgress(tmp, resp.Body, reporter)
	metrics.CatalogBytesDownloaded.WithLabelValues(res.Name).Add(float64(n))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return &brewerr.NetworkError{Op: "download", URL: res.URL, Err: io.ErrUnexpectedEOF}
	}
	reporter.finish()

	if err := fsutil.Commit(tmp, res.CachePath, 0o644); err != nil {
		return err
	}
	committed = true
	return nil
}

// copyWithProgress copies src to dst, reporting each chunk. Read failures
// are network errors; write failures are local.
func copyWithProgress(dst io.Writer, src io.Reader, reporter *byteReporter) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write cache: %w", werr)
			}
			reporter.add(nr)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, &brewerr.NetworkError{Op: "download", URL: reporter.url, Err: rerr}
		}
	}
}
