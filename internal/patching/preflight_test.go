package patching

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/breeze-rmm/brewkit/internal/brewerr"
	"github.com/breeze-rmm/brewkit/internal/config"
)

func stubProcesses(t *testing.T, procs map[int32][]string, err error) {
	t.Helper()
	orig := listCommandLines
	listCommandLines = func(context.Context) (map[int32][]string, error) { return procs, err }
	t.Cleanup(func() { listCommandLines = orig })
}

func TestIsBrewCommandLine(t *testing.T) {
	cases := []struct {
		argv []string
		want bool
	}{
		{[]string{"/bin/bash", "/opt/homebrew/bin/brew", "upgrade"}, true},
		{[]string{"/opt/homebrew/bin/brew", "update"}, true},
		{[]string{"/opt/homebrew/Library/Homebrew/vendor/portable-ruby/current/bin/ruby", "-W1", "--disable=gems", "/opt/homebrew/Library/Homebrew/brew.rb", "fetch"}, true},
		{[]string{"brewkit", "upgrade"}, false},
		{[]string{"/bin/zsh", "/usr/local/bin/brew", "cleanup"}, true},
		{[]string{"vim", "notes.txt", "brew"}, false},
		{[]string{"vim", "brew"}, false},
		{[]string{"less", "/opt/homebrew/bin/brew"}, false},
		{[]string{"vim", "/opt/homebrew/Library/Homebrew/brew.rb"}, false},
		{[]string{"/bin/bash", "brew-notes.sh"}, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := isBrewCommandLine(tc.argv); got != tc.want {
			t.Errorf("%v = %v, want %v", tc.argv, got, tc.want)
		}
	}
}

func TestPreflightRunningBrewIsLockError(t *testing.T) {
	stubProcesses(t, map[int32][]string{
		int32(os.Getpid()): {"/opt/homebrew/bin/brew"},
		4242:               {"/bin/bash", "/opt/homebrew/bin/brew", "upgrade"},
	}, nil)

	res := RunPreflight(context.Background(), PreflightOptions{CheckBrewRunning: true})
	if res.OK {
		t.Fatal("expected preflight to fail with brew running")
	}
	var lockErr *brewerr.LockError
	if !errors.As(res.FirstError(), &lockErr) {
		t.Fatalf("FirstError = %v, want LockError", res.FirstError())
	}
	if !brewerr.IsRecoverable(res.FirstError()) {
		t.Fatal("a running brew is recoverable")
	}
}

func TestPreflightIgnoresSelf(t *testing.T) {
	stubProcesses(t, map[int32][]string{int32(os.Getpid()): {"/opt/homebrew/bin/brew"}}, nil)
	res := RunPreflight(context.Background(), PreflightOptions{CheckBrewRunning: true})
	if !res.OK || res.FirstError() != nil {
		t.Fatalf("expected pass, got %+v", res)
	}
}

func TestPreflightIgnoresEditorOpeningBrew(t *testing.T) {
	stubProcesses(t, map[int32][]string{
		4242: {"vim", "brew"},
		4343: {"less", "/opt/homebrew/bin/brew"},
	}, nil)
	res := RunPreflight(context.Background(), PreflightOptions{CheckBrewRunning: true})
	if !res.OK {
		t.Fatalf("unrelated processes blocked preflight: %+v", res)
	}
}

func TestPreflightProcessListingFailurePasses(t *testing.T) {
	stubProcesses(t, nil, errors.New("permission denied"))
	res := RunPreflight(context.Background(), PreflightOptions{CheckBrewRunning: true})
	if !res.OK {
		t.Fatalf("listing failure should not block upgrades: %+v", res)
	}
}

func TestPreflightDiskSpace(t *testing.T) {
	dir := t.TempDir()

	res := RunPreflight(context.Background(), PreflightOptions{CheckDiskSpace: true, MinDiskSpaceGB: 1e9, Prefix: dir})
	if res.OK {
		t.Fatal("expected failure with an impossible free space minimum")
	}
	var pf *ErrPreflightFailed
	if !errors.As(res.FirstError(), &pf) || pf.Check != checkDiskSpace {
		t.Fatalf("FirstError = %v", res.FirstError())
	}

	res = RunPreflight(context.Background(), PreflightOptions{CheckDiskSpace: true, MinDiskSpaceGB: 0, Prefix: dir + "/not/yet/created"})
	if !res.OK {
		t.Fatalf("expected pass, got %+v", res.Checks)
	}
}

func TestPreflightOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.HomebrewPrefix = "/opt/homebrew"
	opts := PreflightOptionsFromConfig(cfg)
	if !opts.CheckBrewRunning || !opts.CheckDiskSpace || opts.MinDiskSpaceGB != 2 || opts.Prefix != "/opt/homebrew" {
		t.Fatalf("unexpected options: %+v", opts)
	}

	cfg.MinDiskSpaceGB = 0
	if PreflightOptionsFromConfig(cfg).CheckDiskSpace {
		t.Fatal("a zero minimum disables the disk check")
	}
}
