// Package freshness decides whether an on-disk cache must be rebuilt, either
// by probing the remote Last-Modified header or by comparing local signal
// file mtimes. Every probe failure answers "stale".
package freshness

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/breeze-rmm/brewkit/internal/logging"
)

var log = logging.L("freshness")

// Signal is a file or directory whose mtime changes when cached local state
// becomes outdated.
type Signal struct {
	Path string
	// Optional signals that do not exist count as age zero instead of
	// forcing a rebuild.
	Optional bool
}

// Oracle answers freshness questions. The zero value uses http.DefaultClient.
type Oracle struct {
	Client *http.Client
	// ProbeTimeout bounds the HEAD request; zero means 10s.
	ProbeTimeout time.Duration
}

func New(client *http.Client) *Oracle {
	return &Oracle{Client: client}
}

// RemoteStale reports whether the cache at cachePath must be re-downloaded
// from url. A missing or empty cache file is always stale.
func (o *Oracle) RemoteStale(ctx context.Context, cachePath, url string) bool {
	info, err := os.Stat(cachePath)
	if err != nil || info.Size() == 0 {
		return true
	}

	remote, err := o.lastModified(ctx, url)
	if err != nil {
		log.Debug("freshness probe failed, treating cache as stale",
			logging.KeyURL, url,
			logging.KeyError, err,
		)
		return true
	}
	return remote.After(info.ModTime())
}

func (o *Oracle) lastModified(ctx context.Context, url string) (time.Time, error) {
	timeout := o.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return time.Time{}, err
	}
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return time.Time{}, errors.New("HEAD " + url + ": " + resp.Status)
	}
	header := resp.Header.Get("Last-Modified")
	if header == "" {
		return time.Time{}, errors.New("HEAD " + url + ": no Last-Modified header")
	}
	return http.ParseTime(header)
}

// LocalStale reports whether any signal changed after the cache file was
// written. A missing cache, a missing required signal, or any stat failure
// other than a missing optional signal is stale.
func (o *Oracle) LocalStale(cachePath string, signals []Signal) bool {
	info, err := os.Stat(cachePath)
	if err != nil {
		return true
	}
	cached := info.ModTime()

	for _, sig := range signals {
		sigInfo, err := os.Stat(sig.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && sig.Optional {
				continue
			}
			log.Debug("signal stat failed, treating cache as stale", "path", sig.Path, logging.KeyError, err)
			return true
		}
		if sigInfo.ModTime().After(cached) {
			return true
		}
	}
	return false
}

// HomebrewSignals lists the paths under prefix that change whenever
// packages are installed, upgraded, removed or pinned.
func HomebrewSignals(prefix string) []Signal {
	return []Signal{
		{Path: filepath.Join(prefix, "var", "homebrew", "locks"), Optional: true},
		{Path: filepath.Join(prefix, "Cellar"), Optional: true},
		{Path: filepath.Join(prefix, "Caskroom"), Optional: true},
		{Path: filepath.Join(prefix, "var", "homebrew", "pinned"), Optional: true},
	}
}
