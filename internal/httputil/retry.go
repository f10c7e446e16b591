package httputil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/breeze-rmm/brewkit/internal/brewerr"
	"github.com/breeze-rmm/brewkit/internal/logging"
	"github.com/breeze-rmm/brewkit/internal/metrics"
)

var log = logging.L("httputil")

// RetryConfig controls retry behavior for catalog requests. The wait before
// retry n (1-based) is BaseDelay*n.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryConfig returns two retries with a one second base delay.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  1 * time.Second,
	}
}

// Run calls op until it succeeds, fails with an error that is not
// network-class, or MaxRetries retries have been spent. The last error is
// returned unchanged so callers can classify it.
func Run[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay * time.Duration(attempt)
			log.Debug("retrying after network error",
				"attempt", attempt,
				"delay", delay,
				logging.KeyError, lastErr,
			)
			metrics.RetryAttempts.Inc()
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || !brewerr.Retryable(err) {
			return zero, err
		}
	}

	log.Warn("all retries exhausted",
		"attempts", cfg.MaxRetries+1,
		logging.KeyError, lastErr,
	)
	return zero, lastErr
}

// Do executes an HTTP request with retry logic. The request body must be
// provided separately as a byte slice so it can be replayed on retries.
// Transport failures become *brewerr.NetworkError and non-2xx responses
// *brewerr.HTTPStatusError; only the network-class ones are retried.
// The caller closes the returned body.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	return Run(ctx, cfg, func(ctx context.Context) (*http.Response, error) {
		return Send(ctx, client, method, url, body, headers)
	})
}

// Send performs a single attempt of the request described by Do.
func Send(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &brewerr.NetworkError{Op: method, URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &brewerr.HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
