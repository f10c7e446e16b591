package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("catalog")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("cache hit", "resource", "formula")

	out := buf.String()
	if !strings.Contains(out, `msg="cache hit"`) {
		t.Fatalf("expected plain message, got: %s", out)
	}
	if !strings.Contains(out, "component=catalog") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "resource=formula") {
		t.Fatalf("expected resource field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("brewproc")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	WithRun(L("patching"), "run-1", "update").Debug("step started")

	out := buf.String()
	if !strings.Contains(out, `"runId":"run-1"`) || !strings.Contains(out, `"stepId":"update"`) {
		t.Fatalf("expected run correlation fields, got: %s", out)
	}
}

type recordingForwarder struct {
	mu      sync.Mutex
	min     slog.Level
	entries []Entry
}

func (f *recordingForwarder) MinLevel() slog.Level { return f.min }

func (f *recordingForwarder) Forward(e Entry) {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
}

func TestForwardingHandlerIncludesLoggerAttrs(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "debug", &buf)

	fwd := &recordingForwarder{min: slog.LevelWarn}
	SetForwarder(fwd)
	t.Cleanup(func() { SetForwarder(nil) })

	logger := L("catalog").With(slog.String("resource", "cask"))
	logger.Info("not forwarded")
	logger.Warn("revalidation failed", slog.String(KeyURL, "https://example.test/cask.json"))

	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	if len(fwd.entries) != 1 {
		t.Fatalf("expected 1 forwarded entry, got %d", len(fwd.entries))
	}
	entry := fwd.entries[0]
	if entry.Component != "catalog" {
		t.Fatalf("expected component from logger attrs, got %q", entry.Component)
	}
	if got := entry.Fields["resource"]; got != "cask" {
		t.Fatalf("expected resource field, got %#v", got)
	}
	if got := entry.Fields[KeyURL]; got != "https://example.test/cask.json" {
		t.Fatalf("expected url field, got %#v", got)
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "brewkit.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 4; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(path + ".3"); err == nil {
		t.Fatal("expected at most 2 backups")
	}
}

func TestSetupWithFileWritesAndCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brewkit.log")
	closer, err := Setup("json", "info", path, 1, 1)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { Init("text", "info", os.Stderr) })

	L("cli").Info("catalog refreshed", KeyURL, "https://example.test/formula.json")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"catalog refreshed"`) {
		t.Fatalf("log file missing record: %s", data)
	}

	w := closer.(*RotatingWriter)
	if _, err := w.Write([]byte("late\n")); err == nil {
		t.Fatal("Write after Close should fail")
	}
}

func TestSetupWithoutFileReturnsCloser(t *testing.T) {
	closer, err := Setup("text", "debug", "", 0, 0)
	if err != nil || closer == nil {
		t.Fatalf("Setup() = %v, %v", closer, err)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
