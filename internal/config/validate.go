package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var knownPhases = map[string]bool{
	"starting":    true,
	"downloading": true,
	"verifying":   true,
	"extracting":  true,
	"installing":  true,
	"linking":     true,
	"cleaning":    true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop startup from values that
// were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered classifies problems as fatal (unusable URLs or listen
// address) or warnings (clamped numbers, unknown names).
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	for key, raw := range map[string]string{"formula_url": c.FormulaURL, "cask_url": c.CaskURL} {
		u, err := url.Parse(raw)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s %q is not a valid URL: %w", key, raw, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s scheme must be http or https, got %q", key, u.Scheme))
		}
	}

	if c.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("listen_addr %q is not host:port: %w", c.ListenAddr, err))
		}
	}

	if strings.TrimSpace(c.CacheDir) == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("cache_dir is empty, using default"))
		c.CacheDir = defaultCacheDir()
	}

	clamp(&r, "max_retries", &c.MaxRetries, 0, 10)
	clamp(&r, "retry_base_delay_ms", &c.RetryBaseDelayMs, 10, 60000)
	clamp(&r, "stale_timeout_seconds", &c.StaleTimeoutSeconds, 30, 7200)
	clamp(&r, "download_stale_timeout_seconds", &c.DownloadStaleTimeoutSeconds, 30, 7200)
	clamp(&r, "watchdog_interval_seconds", &c.WatchdogIntervalSeconds, 1, 600)
	clamp(&r, "progress_interval_ms", &c.ProgressIntervalMs, 10, 5000)
	clamp(&r, "min_disk_space_gb", &c.MinDiskSpaceGB, 0, 1024)
	clamp(&r, "max_concurrent_commands", &c.MaxConcurrentCommands, 1, 100)
	clamp(&r, "command_queue_size", &c.CommandQueueSize, 1, 10000)
	clamp(&r, "revalidate_workers", &c.RevalidateWorkers, 1, 16)

	for phase, secs := range c.PhaseTimeouts {
		if !knownPhases[phase] {
			r.Warnings = append(r.Warnings, fmt.Errorf("phase_timeouts: unknown phase %q ignored", phase))
			delete(c.PhaseTimeouts, phase)
			continue
		}
		if secs < 30 {
			r.Warnings = append(r.Warnings, fmt.Errorf("phase_timeouts.%s %d is below minimum 30, clamping", phase, secs))
			c.PhaseTimeouts[phase] = 30
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return r
}

func clamp(r *ValidationResult, key string, v *int, lo, hi int) {
	switch {
	case *v < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, *v, lo))
		*v = lo
	case *v > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, *v, hi))
		*v = hi
	}
}
