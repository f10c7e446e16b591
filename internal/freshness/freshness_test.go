package freshness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, data string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func lastModifiedServer(t *testing.T, lastModified time.Time) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteStaleMissingFile(t *testing.T) {
	o := New(http.DefaultClient)
	if !o.RemoteStale(context.Background(), filepath.Join(t.TempDir(), "missing.json"), "http://127.0.0.1:1") {
		t.Fatal("missing cache should be stale")
	}
}

func TestRemoteStaleEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formula.json")
	writeFile(t, path, "", time.Now())

	srv := lastModifiedServer(t, time.Now().Add(-time.Hour))
	if !New(srv.Client()).RemoteStale(context.Background(), path, srv.URL) {
		t.Fatal("zero-length cache should be stale")
	}
}

func TestRemoteStaleComparesLastModified(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formula.json")
	now := time.Now().Truncate(time.Second)
	writeFile(t, path, "[]", now.Add(-time.Hour))

	newer := lastModifiedServer(t, now)
	if !New(newer.Client()).RemoteStale(context.Background(), path, newer.URL) {
		t.Fatal("remote newer than cache should be stale")
	}

	older := lastModifiedServer(t, now.Add(-2*time.Hour))
	if New(older.Client()).RemoteStale(context.Background(), path, older.URL) {
		t.Fatal("remote older than cache should be fresh")
	}
}

func TestRemoteStaleOnProbeFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formula.json")
	writeFile(t, path, "[]", time.Now())

	noHeader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer noHeader.Close()
	if !New(noHeader.Client()).RemoteStale(context.Background(), path, noHeader.URL) {
		t.Fatal("missing Last-Modified should be stale")
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	if !New(failing.Client()).RemoteStale(context.Background(), path, failing.URL) {
		t.Fatal("HEAD failure should be stale")
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", "yesterday-ish")
	}))
	defer bad.Close()
	if !New(bad.Client()).RemoteStale(context.Background(), path, bad.URL) {
		t.Fatal("unparseable Last-Modified should be stale")
	}
}

func TestLocalStale(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	cache := filepath.Join(dir, "installed.json")
	writeFile(t, cache, "{}", now.Add(-time.Minute))

	cellar := filepath.Join(dir, "Cellar")
	if err := os.MkdirAll(cellar, 0o755); err != nil {
		t.Fatal(err)
	}
	os.Chtimes(cellar, now.Add(-time.Hour), now.Add(-time.Hour))

	o := New(nil)
	signals := []Signal{
		{Path: cellar, Optional: true},
		{Path: filepath.Join(dir, "Caskroom"), Optional: true},
	}
	if o.LocalStale(cache, signals) {
		t.Fatal("signals older than cache (and missing optional ones) should be fresh")
	}

	os.Chtimes(cellar, now, now)
	if !o.LocalStale(cache, signals) {
		t.Fatal("signal newer than cache should be stale")
	}
}

func TestLocalStaleMissingCacheOrRequiredSignal(t *testing.T) {
	dir := t.TempDir()
	o := New(nil)
	if !o.LocalStale(filepath.Join(dir, "nope.json"), nil) {
		t.Fatal("missing cache should be stale")
	}

	cache := filepath.Join(dir, "installed.json")
	writeFile(t, cache, "{}", time.Now())
	if !o.LocalStale(cache, []Signal{{Path: filepath.Join(dir, "required")}}) {
		t.Fatal("missing required signal should be stale")
	}
}

func TestHomebrewSignals(t *testing.T) {
	sigs := HomebrewSignals("/opt/homebrew")
	if len(sigs) != 4 {
		t.Fatalf("len = %d, want 4", len(sigs))
	}
	want := map[string]bool{
		"/opt/homebrew/var/homebrew/locks":  true,
		"/opt/homebrew/Cellar":              true,
		"/opt/homebrew/Caskroom":            true,
		"/opt/homebrew/var/homebrew/pinned": true,
	}
	for _, s := range sigs {
		if !want[s.Path] || !s.Optional {
			t.Fatalf("unexpected signal %+v", s)
		}
	}
}
