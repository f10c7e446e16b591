package brewerr

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
)

// KindOf returns the kind of the first classifiable error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var (
		lockErr     *LockError
		staleErr    *StaleProcessError
		parseErr    *ParseError
		disabledErr *PackageDisabledError
		conflictErr *PackageConflictError
		platformErr *UnsupportedPlatformError
		statusErr   *HTTPStatusError
		netErr      *NetworkError
		cmdErr      *CommandError
	)
	switch {
	case errors.As(err, &lockErr):
		return KindLock
	case errors.As(err, &staleErr):
		return KindStaleProcess
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &disabledErr):
		return KindPackageDisabled
	case errors.As(err, &conflictErr):
		return KindPackageConflict
	case errors.As(err, &platformErr):
		return KindUnsupportedPlatform
	case errors.As(err, &statusErr):
		if statusErr.Temporary() {
			return KindNetwork
		}
		return KindUnknown
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &cmdErr):
		return KindCommand
	}

	if isTransportError(err) {
		return KindNetwork
	}
	return KindUnknown
}

// IsRecoverable reports whether err belongs to a recoverable kind.
func IsRecoverable(err error) bool {
	return KindOf(err).Recoverable()
}

// Retryable reports whether a fetch should be retried automatically. Only
// network failures qualify; lock and stall recovery is left to the caller.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// IsCancelled reports whether err is a requested cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

func isTransportError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// UserMessage is a one-line description suitable for a step subtitle.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindNetwork:
		return "Network error, check your connection and try again"
	case KindLock:
		return "Homebrew is busy with another process, try again when it finishes"
	case KindStaleProcess:
		var stale *StaleProcessError
		if errors.As(err, &stale) && stale.LastPhase != "" {
			return "Homebrew stopped responding while " + stale.LastPhase
		}
		return "Homebrew stopped responding"
	case KindCancelled:
		return "Cancelled by user"
	case KindParse:
		return "Received malformed data, the cache was cleared"
	default:
		return err.Error()
	}
}
