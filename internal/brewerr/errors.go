// Package brewerr classifies failures from catalog fetches and brew
// subprocesses into a fixed set of kinds with a recoverability flag.
package brewerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind names a failure category.
type Kind string

const (
	KindUnknown             Kind = "unknown"
	KindNetwork             Kind = "network"
	KindParse               Kind = "parse"
	KindLock                Kind = "lock"
	KindStaleProcess        Kind = "stale_process"
	KindPackageDisabled     Kind = "package_disabled"
	KindPackageConflict     Kind = "package_conflict"
	KindUnsupportedPlatform Kind = "unsupported_platform"
	KindCommand             Kind = "command"
	KindCancelled           Kind = "cancelled"
)

// Recoverable reports whether retrying later may succeed without user action.
func (k Kind) Recoverable() bool {
	switch k {
	case KindNetwork, KindLock, KindStaleProcess:
		return true
	default:
		return false
	}
}

// ErrCancelled marks an operation stopped on request. It is distinct from
// every failure kind so callers can report it as a skip rather than an error.
var ErrCancelled = errors.New("operation cancelled")

// NetworkError wraps a transport failure (DNS, connect, reset, truncated body).
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network error during %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError is a non-success HTTP response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether the status is worth retrying.
func (e *HTTPStatusError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// ParseError means a cached or downloaded document could not be decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LockError means another Homebrew process holds a lock we need.
type LockError struct {
	Message string
}

func (e *LockError) Error() string {
	if e.Message == "" {
		return "homebrew is locked by another process"
	}
	return "homebrew is locked by another process: " + e.Message
}

// StaleProcessError means a brew subprocess stopped producing output for
// longer than its phase allows and was killed.
type StaleProcessError struct {
	LastPhase string
	Idle      time.Duration
}

func (e *StaleProcessError) Error() string {
	return fmt.Sprintf("brew made no progress for %s (last phase: %s)", e.Idle.Round(time.Second), e.LastPhase)
}

type PackageDisabledError struct {
	Package string
	Reason  string
}

func (e *PackageDisabledError) Error() string {
	return fmt.Sprintf("%s has been disabled: %s", e.Package, e.Reason)
}

type PackageConflictError struct {
	Package   string
	Conflicts []string
}

func (e *PackageConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return fmt.Sprintf("%s conflicts with an installed package", e.Package)
	}
	return fmt.Sprintf("%s conflicts with %s", e.Package, strings.Join(e.Conflicts, ", "))
}

type UnsupportedPlatformError struct {
	Package     string
	Requirement string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("%s is not supported on this system: %s", e.Package, e.Requirement)
}

// CommandError is a brew invocation that exited non-zero without matching a
// more specific kind.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if line := lastErrorLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

// lastErrorLine picks the most useful single line of stderr: the first
// "Error:" line, else the last non-empty one.
func lastErrorLine(stderr string) string {
	var last string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "Error:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Error:"))
		}
		last = line
	}
	return last
}
