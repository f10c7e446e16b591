package patching

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/breeze-rmm/brewkit/internal/brew"
)

type countingSource struct {
	calls int
	pkgs  []brew.Package
	err   error
}

func (s *countingSource) InstalledInfo(ctx context.Context) ([]brew.Package, error) {
	s.calls++
	return s.pkgs, s.err
}

func TestInstalledCacheReusesFreshFile(t *testing.T) {
	prefix := t.TempDir()
	path := filepath.Join(t.TempDir(), "cache", "installed.json")
	src := &countingSource{pkgs: []brew.Package{
		brew.NewFormula(brew.Formula{Name: "wget"}),
		brew.NewCask(brew.Cask{Token: "firefox"}),
	}}
	c := NewInstalledCache(src, path, prefix, nil)

	first, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("expected one brew call, got %d", src.calls)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("unexpected results: %d, %d", len(first), len(second))
	}
	if second[1].Kind != brew.KindCask || second[1].Name() != "firefox" {
		t.Fatalf("cask did not survive the disk round trip: %+v", second[1])
	}
}

func TestInstalledCacheRebuildsAfterCellarChange(t *testing.T) {
	prefix := t.TempDir()
	path := filepath.Join(t.TempDir(), "installed.json")
	src := &countingSource{pkgs: []brew.Package{brew.NewFormula(brew.Formula{Name: "wget"})}}
	c := NewInstalledCache(src, path, prefix, nil)

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}

	cellar := filepath.Join(prefix, "Cellar")
	if err := os.Mkdir(cellar, 0o755); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(cellar, future, future); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("expected a rebuild after the Cellar changed, got %d calls", src.calls)
	}
}

func TestInstalledCacheInvalidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "installed.json")
	src := &countingSource{}
	c := NewInstalledCache(src, path, t.TempDir(), nil)

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := c.Invalidate(); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("cache file should be gone, stat err = %v", err)
	}
	if err := c.Invalidate(); err != nil {
		t.Fatalf("second Invalidate: %v", err)
	}
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", src.calls)
	}
}

func TestInstalledCacheCorruptFileIsRebuilt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "installed.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := &countingSource{pkgs: []brew.Package{brew.NewFormula(brew.Formula{Name: "jq"})}}
	c := NewInstalledCache(src, path, t.TempDir(), nil)

	pkgs, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if src.calls != 1 || len(pkgs) != 1 {
		t.Fatalf("expected a rebuild, calls=%d pkgs=%d", src.calls, len(pkgs))
	}
}

func TestInstalledCacheSourceError(t *testing.T) {
	src := &countingSource{err: errors.New("brew exploded")}
	c := NewInstalledCache(src, filepath.Join(t.TempDir(), "installed.json"), t.TempDir(), nil)
	if _, err := c.Get(context.Background()); err == nil {
		t.Fatal("expected the source error")
	}
}
