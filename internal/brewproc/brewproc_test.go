//go:build !windows

package brewproc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/brewkit/internal/brewerr"
)

func TestClassifyProgressBar(t *testing.T) {
	ev, ok := Classify(DefaultRules, "######## 42.0%")
	if !ok {
		t.Fatal("expected progress bar line to classify")
	}
	if ev.Phase != PhaseDownloading {
		t.Fatalf("phase = %q, want downloading", ev.Phase)
	}
	if ev.Percentage == nil || *ev.Percentage != 42.0 {
		t.Fatalf("percentage = %v, want 42.0", ev.Percentage)
	}
}

func TestClassifyBanners(t *testing.T) {
	cases := []struct {
		line    string
		phase   Phase
		message string
	}{
		{"==> Installing foo", PhaseInstalling, "Installing foo"},
		{"==> Downloading https://ghcr.io/v2/homebrew/core/wget/manifests/1.24.5", PhaseDownloading, "Downloading https://ghcr.io/v2/homebrew/core/wget/manifests/1.24.5"},
		{"==> Fetching wget", PhaseDownloading, "Fetching wget"},
		{"==> Verifying checksum for 'wget.tar.gz'", PhaseVerifying, "Verifying checksum for 'wget.tar.gz'"},
		{"==> Pouring wget--1.24.5.arm64_sonoma.bottle.tar.gz", PhaseExtracting, "Pouring wget--1.24.5.arm64_sonoma.bottle.tar.gz"},
		{"==> Upgrading 1 outdated package:", PhaseInstalling, "Upgrading 1 outdated package:"},
		{"==> Linking Binary 'wget' to '/opt/homebrew/bin/wget'", PhaseLinking, "Linking Binary 'wget' to '/opt/homebrew/bin/wget'"},
		{"==> Cleaning up wget", PhaseCleaning, "Cleaning up wget"},
		{"🍺  /opt/homebrew/Cellar/wget/1.24.5: 91 files, 4.5MB", PhaseComplete, "🍺  /opt/homebrew/Cellar/wget/1.24.5: 91 files, 4.5MB"},
		{"Error: wget: no bottle available!", PhaseError, "Error: wget: no bottle available!"},
	}
	for _, tc := range cases {
		ev, ok := Classify(DefaultRules, tc.line)
		if !ok {
			t.Errorf("%q: not classified", tc.line)
			continue
		}
		if ev.Phase != tc.phase || ev.Message != tc.message {
			t.Errorf("%q: got (%q, %q), want (%q, %q)", tc.line, ev.Phase, ev.Message, tc.phase, tc.message)
		}
	}
}

func TestClassifyErrorBeatsLaterRules(t *testing.T) {
	ev, ok := Classify(DefaultRules, "Error: Downloading failed")
	if !ok || ev.Phase != PhaseError {
		t.Fatalf("got (%+v, %v), want error phase", ev, ok)
	}
}

func TestClassifyTransferSizes(t *testing.T) {
	ev, ok := Classify(DefaultRules, "Downloaded 5MB/10MB")
	if !ok {
		t.Fatal("expected transfer line to classify")
	}
	if ev.BytesDownloaded != 5_000_000 || ev.TotalBytes != 10_000_000 {
		t.Fatalf("bytes = %d/%d", ev.BytesDownloaded, ev.TotalBytes)
	}
	if ev.Percentage == nil || *ev.Percentage != 50 {
		t.Fatalf("percentage = %v, want 50", ev.Percentage)
	}
}

func TestClassifyUnknownBannerInheritsPhase(t *testing.T) {
	ev, ok := Classify(DefaultRules, "==> Caveats")
	if !ok {
		t.Fatal("expected banner to classify")
	}
	if ev.Phase != "" || ev.Message != "Caveats" {
		t.Fatalf("got %+v, want empty phase with message Caveats", ev)
	}
}

func TestClassifyIgnoresNoise(t *testing.T) {
	for _, line := range []string{"", "   ", "wget is a network utility"} {
		if ev, ok := Classify(DefaultRules, line); ok {
			t.Errorf("%q classified as %+v", line, ev)
		}
	}
}

func TestLineSplitterHandlesCarriageReturns(t *testing.T) {
	var s lineSplitter
	lines := s.feed([]byte("### 10.0%\r### 20"))
	lines = append(lines, s.feed([]byte(".0%\r==> Pouring x\npartial"))...)
	want := []string{"### 10.0%", "### 20.0%", "==> Pouring x"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	if got := s.flush(); got != "partial" {
		t.Fatalf("flush = %q", got)
	}
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	b := &tailBuffer{limit: 4}
	b.Write([]byte("abc"))
	b.Write([]byte("defg"))
	if got := b.String(); got != "defg" {
		t.Fatalf("tail = %q, want defg", got)
	}
}

// recorder collects events delivered to OnProgress.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Phase, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Phase)
	}
	return out
}

func shell(script string, rec *recorder) Command {
	c := Command{Path: "/bin/sh", Args: []string{"-c", script}}
	if rec != nil {
		c.OnProgress = rec.add
	}
	return c
}

func TestRunSuccessEmitsPhases(t *testing.T) {
	rec := &recorder{}
	r := &Runner{}
	res, err := r.Run(context.Background(), shell(`echo "==> Downloading wget"; echo "==> Pouring wget"; echo "🍺  done"`, rec))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if res.LastPhase != PhaseComplete {
		t.Fatalf("last phase = %q, want complete", res.LastPhase)
	}
	want := []Phase{PhaseStarting, PhaseDownloading, PhaseExtracting, PhaseComplete}
	got := rec.phases()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phases = %v, want %v", got, want)
		}
	}
	if !strings.Contains(res.Stdout, "Pouring wget") {
		t.Fatalf("stdout not captured: %q", res.Stdout)
	}
}

func TestRunNonZeroExitIsCommandError(t *testing.T) {
	r := &Runner{}
	res, err := r.Run(context.Background(), shell(`echo "Error: wget: no bottle available!" >&2; exit 3`, nil))
	var cmdErr *brewerr.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want CommandError", err)
	}
	if cmdErr.ExitCode != 3 || res.ExitCode != 3 {
		t.Fatalf("exit code = %d/%d, want 3", cmdErr.ExitCode, res.ExitCode)
	}
	if !strings.Contains(cmdErr.Stderr, "no bottle available") {
		t.Fatalf("stderr = %q", cmdErr.Stderr)
	}
}

func TestRunLockOutputKillsProcess(t *testing.T) {
	r := &Runner{}
	start := time.Now()
	_, err := r.Run(context.Background(), shell(`echo "Error: Another active Homebrew update process is already in progress." >&2; sleep 30`, nil))
	var lockErr *brewerr.LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("err = %v, want LockError", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("process was not killed promptly")
	}
}

func TestRunStaleProcessIsKilled(t *testing.T) {
	r := &Runner{StaleTimeout: 200 * time.Millisecond, CheckInterval: 20 * time.Millisecond}
	start := time.Now()
	res, err := r.Run(context.Background(), shell(`echo "==> Installing wget"; sleep 30`, nil))
	var staleErr *brewerr.StaleProcessError
	if !errors.As(err, &staleErr) {
		t.Fatalf("err = %v, want StaleProcessError", err)
	}
	if staleErr.LastPhase != string(PhaseInstalling) || res.LastPhase != PhaseInstalling {
		t.Fatalf("last phase = %q, want installing", staleErr.LastPhase)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("stalled process was not killed promptly")
	}
}

func TestRunDownloadPhaseGetsLongerTimeout(t *testing.T) {
	r := &Runner{
		StaleTimeout:         150 * time.Millisecond,
		DownloadStaleTimeout: 5 * time.Second,
		CheckInterval:        20 * time.Millisecond,
	}
	_, err := r.Run(context.Background(), shell(`echo "==> Downloading wget"; sleep 0.6; echo "==> Pouring wget"`, nil))
	if err != nil {
		t.Fatalf("download phase should tolerate silence: %v", err)
	}
}

func TestRunPhaseTimeoutOverride(t *testing.T) {
	r := &Runner{
		StaleTimeout:  5 * time.Second,
		PhaseTimeouts: map[Phase]time.Duration{PhaseLinking: 150 * time.Millisecond},
		CheckInterval: 20 * time.Millisecond,
	}
	_, err := r.Run(context.Background(), shell(`echo "==> Linking wget"; sleep 30`, nil))
	var staleErr *brewerr.StaleProcessError
	if !errors.As(err, &staleErr) {
		t.Fatalf("err = %v, want StaleProcessError", err)
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	r := &Runner{}
	start := time.Now()
	_, err := r.Run(ctx, shell(`sleep 30`, nil))
	if !errors.Is(err, brewerr.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if !brewerr.IsCancelled(err) {
		t.Fatal("IsCancelled should report true")
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("cancelled process was not killed promptly")
	}
}

func TestRunAlreadyCancelledDoesNotStart(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "started")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Runner{}
	res, err := r.Run(ctx, shell(`touch "`+marker+`"`, nil))
	if !errors.Is(err, brewerr.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Fatal("command ran despite a cancelled context")
	}
}

func TestRunBackgroundChildDoesNotHoldExit(t *testing.T) {
	r := &Runner{
		StaleTimeout:  2 * time.Second,
		CheckInterval: 20 * time.Millisecond,
		ExitGrace:     100 * time.Millisecond,
	}
	start := time.Now()
	res, err := r.Run(context.Background(), shell(`echo "==> Pouring wget"; sleep 3 &`, nil))
	if err != nil {
		t.Fatalf("clean exit with a lingering child: %v", err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "Pouring wget") {
		t.Fatalf("unexpected result %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Run took %v, want it bounded by the exit grace", time.Since(start))
	}
}

func TestRunStdinIsClosed(t *testing.T) {
	r := &Runner{}
	res, err := r.Run(context.Background(), shell(`if read line; then echo "got input"; else echo "eof"; fi`, nil))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "eof" {
		t.Fatalf("stdout = %q, want eof", res.Stdout)
	}
}
