package brewerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"testing"
)

func TestRecoverability(t *testing.T) {
	cases := map[Kind]bool{
		KindNetwork:             true,
		KindParse:               false,
		KindLock:                true,
		KindStaleProcess:        true,
		KindPackageDisabled:     false,
		KindPackageConflict:     false,
		KindUnsupportedPlatform: false,
		KindCommand:             false,
		KindCancelled:           false,
	}
	for kind, want := range cases {
		if got := kind.Recoverable(); got != want {
			t.Errorf("%s.Recoverable() = %v, want %v", kind, got, want)
		}
	}
}

func TestKindOfTypedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{&NetworkError{Op: "GET", Err: io.EOF}, KindNetwork},
		{&ParseError{Path: "/tmp/x", Err: io.ErrUnexpectedEOF}, KindParse},
		{&LockError{}, KindLock},
		{&StaleProcessError{LastPhase: "downloading"}, KindStaleProcess},
		{&PackageDisabledError{Package: "foo"}, KindPackageDisabled},
		{&PackageConflictError{Package: "foo"}, KindPackageConflict},
		{&UnsupportedPlatformError{Package: "foo"}, KindUnsupportedPlatform},
		{&CommandError{Command: "brew upgrade", ExitCode: 1}, KindCommand},
		{&HTTPStatusError{StatusCode: 503}, KindNetwork},
		{&HTTPStatusError{StatusCode: 429}, KindNetwork},
		{&HTTPStatusError{StatusCode: 404}, KindUnknown},
		{fmt.Errorf("upgrade wget: %w", ErrCancelled), KindCancelled},
		{context.Canceled, KindCancelled},
		{errors.New("boom"), KindUnknown},
		{nil, KindUnknown},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestKindOfTransportErrors(t *testing.T) {
	transport := []error{
		&url.Error{Op: "Get", URL: "https://example.test", Err: syscall.ECONNRESET},
		&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
		&net.DNSError{Err: "no such host", Name: "formulae.brew.sh"},
		fmt.Errorf("read body: %w", io.ErrUnexpectedEOF),
	}
	for _, err := range transport {
		if !Retryable(err) {
			t.Errorf("expected %v to be retryable", err)
		}
	}

	cancelled := &url.Error{Op: "Get", URL: "https://example.test", Err: context.Canceled}
	if Retryable(cancelled) {
		t.Fatal("cancelled request should not be retryable")
	}
}

func TestLockAndStallAreNotAutoRetried(t *testing.T) {
	if Retryable(&LockError{}) {
		t.Fatal("lock errors are recoverable but must not be retried by the fetch executor")
	}
	if !IsRecoverable(&LockError{}) {
		t.Fatal("lock errors should be recoverable")
	}
	if Retryable(&StaleProcessError{}) {
		t.Fatal("stale process errors must not be retried by the fetch executor")
	}
}

func TestIsLockOutput(t *testing.T) {
	locked := []string{
		"Error: Another active Homebrew update process is already in progress.\nPlease wait for it to finish or terminate it to continue.",
		"Error: Another active Homebrew process is already using /opt/homebrew/var/homebrew/locks/wget.formula.lock",
		"Error: A `brew update` process is currently running.",
		"Error: /opt/homebrew/var/homebrew/locks/update has already locked",
		"Error: Operation already in progress for wget",
	}
	for _, text := range locked {
		if !IsLockOutput(text) {
			t.Errorf("expected lock detection for %q", text)
		}
	}
	if IsLockOutput("Error: No available formula with the name \"nope\".") {
		t.Fatal("unexpected lock detection")
	}
}

func TestFromCommandOutputDisabled(t *testing.T) {
	stderr := "Error: youtube-dl has been disabled because it is deprecated upstream! It was disabled on 2024-10-05."
	err := FromCommandOutput("youtube-dl", &CommandError{Command: "brew upgrade", ExitCode: 1}, stderr)

	var disabled *PackageDisabledError
	if !errors.As(err, &disabled) {
		t.Fatalf("expected PackageDisabledError, got %T: %v", err, err)
	}
	if disabled.Package != "youtube-dl" {
		t.Fatalf("Package = %q", disabled.Package)
	}
	if disabled.Reason != "it is deprecated upstream" {
		t.Fatalf("Reason = %q", disabled.Reason)
	}
	if IsRecoverable(err) {
		t.Fatal("disabled packages are not recoverable")
	}
}

func TestFromCommandOutputCaskDisabled(t *testing.T) {
	stderr := "Error: Cask 'flash-player' has been disabled because it is discontinued upstream!"
	err := FromCommandOutput("cask:flash-player", &CommandError{ExitCode: 1, Stderr: stderr}, "")

	var disabled *PackageDisabledError
	if !errors.As(err, &disabled) || disabled.Package != "flash-player" {
		t.Fatalf("expected disabled cask flash-player, got %v", err)
	}
}

func TestFromCommandOutputFormulaConflict(t *testing.T) {
	stderr := "Error: Cannot install gnupg because conflicting formulae are installed.\n" +
		"  gpg2: because both install `gpg` binaries\n" +
		"  gnupg2: because both install `gpg` binaries\n\n" +
		"Please `brew unlink gpg2 gnupg2` before continuing."
	err := FromCommandOutput("gnupg", &CommandError{ExitCode: 1}, stderr)

	var conflict *PackageConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected PackageConflictError, got %T", err)
	}
	if conflict.Package != "gnupg" {
		t.Fatalf("Package = %q", conflict.Package)
	}
	if len(conflict.Conflicts) != 2 || conflict.Conflicts[0] != "gpg2" || conflict.Conflicts[1] != "gnupg2" {
		t.Fatalf("Conflicts = %v", conflict.Conflicts)
	}
}

func TestFromCommandOutputAppConflict(t *testing.T) {
	stderr := "Error: It seems there is already an App at '/Applications/Firefox.app'."
	err := FromCommandOutput("cask:firefox", &CommandError{ExitCode: 1}, stderr)

	var conflict *PackageConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected PackageConflictError, got %T", err)
	}
	if conflict.Package != "cask:firefox" || conflict.Conflicts[0] != "/Applications/Firefox.app" {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
}

func TestFromCommandOutputPlatform(t *testing.T) {
	stderr := "Error: xcodes: This software does not run on macOS versions older than Ventura."
	err := FromCommandOutput("other", &CommandError{ExitCode: 1}, stderr)

	var platform *UnsupportedPlatformError
	if !errors.As(err, &platform) {
		t.Fatalf("expected UnsupportedPlatformError, got %T", err)
	}
	if platform.Package != "xcodes" || platform.Requirement != "Ventura" {
		t.Fatalf("unexpected platform error %+v", platform)
	}

	err = FromCommandOutput("cask:docker", &CommandError{ExitCode: 1}, "Error: Cask 'docker' requires macOS >= 13.")
	if !errors.As(err, &platform) || platform.Package != "docker" {
		t.Fatalf("expected docker platform error, got %v", err)
	}
}

func TestFromCommandOutputUnmatchedKeepsCommandError(t *testing.T) {
	orig := &CommandError{Command: "brew upgrade", ExitCode: 1, Stderr: "Error: something new"}
	err := FromCommandOutput("wget", orig, "")
	if err != orig {
		t.Fatalf("expected original error, got %v", err)
	}
	if got := err.Error(); got != "brew upgrade exited with code 1: something new" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestFromCommandOutputIgnoresNonCommandErrors(t *testing.T) {
	stale := &StaleProcessError{LastPhase: "installing"}
	if got := FromCommandOutput("wget", stale, "Error: wget has been disabled because x!"); got != stale {
		t.Fatalf("expected stale error unchanged, got %v", got)
	}
}

func TestUserMessage(t *testing.T) {
	if got := UserMessage(&StaleProcessError{LastPhase: "downloading"}); got != "Homebrew stopped responding while downloading" {
		t.Fatalf("UserMessage = %q", got)
	}
	if got := UserMessage(fmt.Errorf("x: %w", ErrCancelled)); got != "Cancelled by user" {
		t.Fatalf("UserMessage = %q", got)
	}
}
