package patching

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/breeze-rmm/brewkit/internal/brew"
	"github.com/breeze-rmm/brewkit/internal/freshness"
	"github.com/breeze-rmm/brewkit/internal/fsutil"
	"github.com/breeze-rmm/brewkit/internal/logging"
)

// installedSource produces the installed package records.
type installedSource interface {
	InstalledInfo(ctx context.Context) ([]brew.Package, error)
}

// InstalledCache keeps `brew info --json=v2 --installed` on disk and serves
// it until a Homebrew install signal changes after the file was written.
type InstalledCache struct {
	src     installedSource
	path    string
	signals []freshness.Signal
	oracle  *freshness.Oracle

	mu sync.Mutex
}

// NewInstalledCache caches src at path, watching the install signals under
// prefix.
func NewInstalledCache(src installedSource, path, prefix string, oracle *freshness.Oracle) *InstalledCache {
	if oracle == nil {
		oracle = freshness.New(nil)
	}
	return &InstalledCache{
		src:     src,
		path:    path,
		signals: freshness.HomebrewSignals(prefix),
		oracle:  oracle,
	}
}

// Get returns the installed packages, from disk when still fresh.
func (c *InstalledCache) Get(ctx context.Context) ([]brew.Package, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.oracle.LocalStale(c.path, c.signals) {
		pkgs, err := c.read()
		if err == nil {
			return pkgs, nil
		}
		log.Warn("installed cache unreadable, refreshing", "path", c.path, logging.KeyError, err)
	}

	pkgs, err := c.src.InstalledInfo(ctx)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(c.path); err != nil {
		log.Warn("failed to create installed cache dir", logging.KeyError, err)
		return pkgs, nil
	}
	if err := fsutil.AtomicWriteJSON(c.path, pkgs); err != nil {
		log.Warn("failed to write installed cache", "path", c.path, logging.KeyError, err)
	}
	return pkgs, nil
}

// Invalidate drops the on-disk copy so the next Get asks brew again.
func (c *InstalledCache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fsutil.RemoveIfExists(c.path)
}

func (c *InstalledCache) read() ([]brew.Package, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}
	var pkgs []brew.Package
	if err := json.Unmarshal(data, &pkgs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.path, err)
	}
	return pkgs, nil
}
