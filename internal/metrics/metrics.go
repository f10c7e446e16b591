// Package metrics provides Prometheus metrics for catalog fetches, brew
// subprocesses and batch upgrades.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Catalog cache metrics
	CatalogFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brewkit_catalog_fetches_total",
			Help: "Catalog fetch outcomes by resource (memory, disk, download, error)",
		},
		[]string{"resource", "source"},
	)

	CatalogBytesDownloaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brewkit_catalog_bytes_downloaded_total",
			Help: "Bytes of catalog JSON downloaded",
		},
		[]string{"resource"},
	)

	CatalogItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brewkit_catalog_items",
			Help: "Number of records in the memoized catalog",
		},
		[]string{"resource"},
	)

	CatalogParseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brewkit_catalog_parse_duration_seconds",
			Help:    "Time to stream-parse a cached catalog file",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	DeduplicatedFetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brewkit_fetches_deduplicated_total",
			Help: "Fetch calls that joined an in-flight fetch",
		},
	)

	RetryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brewkit_retry_attempts_total",
			Help: "Network retries performed",
		},
	)

	// brew subprocess metrics
	BrewCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brewkit_brew_command_duration_seconds",
			Help:    "brew subprocess wall time by subcommand and result",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"subcommand", "result"},
	)

	StaleProcesses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brewkit_stale_processes_total",
			Help: "brew subprocesses killed by the stall watchdog, by last phase",
		},
		[]string{"phase"},
	)

	// Batch upgrade metrics
	UpgradeSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brewkit_upgrade_steps_total",
			Help: "Batch upgrade steps by terminal status",
		},
		[]string{"status"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "brewkit_ws_connections_active",
			Help: "Connected progress clients",
		},
	)
)

// ObserveBrewCommand records a finished brew invocation.
func ObserveBrewCommand(subcommand, result string, d time.Duration) {
	BrewCommandDuration.WithLabelValues(subcommand, result).Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
