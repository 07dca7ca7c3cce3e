// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlOutcomesTotal         *prometheus.CounterVec
	crawlFailuresTotal         *prometheus.CounterVec
	classificationsTotal       *prometheus.CounterVec
	linksDiscoveredTotal       prometheus.Counter
	batchCyclesTotal           *prometheus.CounterVec
	batchSize                  prometheus.Histogram
	activeCrawls               prometheus.Gauge
	fetchDurationSeconds       prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spidermini_crawl_outcomes_total",
				Help: "Total number of crawl attempts, labeled by terminal status.",
			},
			[]string{"status"},
		)

		crawlFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spidermini_crawl_failures_total",
				Help: "Total number of failed crawl attempts, labeled by failure kind.",
			},
			[]string{"kind"},
		)

		classificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spidermini_classifications_total",
				Help: "Total number of classifier verdicts, labeled by label and gate decision.",
			},
			[]string{"label", "decision"},
		)

		linksDiscoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spidermini_links_discovered_total",
				Help: "Total number of links handed to the frontier by successful crawls.",
			},
		)

		batchCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spidermini_batch_cycles_total",
				Help: "Total number of batch cycles, labeled by result.",
			},
			[]string{"result"},
		)

		batchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spidermini_batch_size",
				Help:    "Number of pending URLs selected per batch cycle.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		)

		activeCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spidermini_active_crawls",
				Help: "Number of URLs currently being processed.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spidermini_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// SanitizeLabel bounds free-form classifier labels so they cannot explode cardinality.
func SanitizeLabel(label string) string {
	label = strings.ToUpper(strings.TrimSpace(label))
	if label == "" {
		return "unknown"
	}
	if len(label) > 32 {
		return "other"
	}
	return label
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOutcome records the terminal status of one crawl attempt.
func ObserveOutcome(status string) {
	crawlOutcomesTotal.WithLabelValues(status).Inc()
}

// ObserveFailure records a failed attempt by kind.
func ObserveFailure(kind string) {
	crawlFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveClassification records a classifier verdict and whether the gate allowed the crawl.
func ObserveClassification(label string, allowed bool) {
	decision := "skip"
	if allowed {
		decision = "crawl"
	}
	classificationsTotal.WithLabelValues(SanitizeLabel(label), decision).Inc()
}

// ObserveLinks adds n discovered links.
func ObserveLinks(n int) {
	if n > 0 {
		linksDiscoveredTotal.Add(float64(n))
	}
}

// ObserveBatch records one batch cycle.
func ObserveBatch(result string, size int) {
	batchCyclesTotal.WithLabelValues(result).Inc()
	batchSize.Observe(float64(size))
}

// ObserveFetch records the duration of a page fetch.
func ObserveFetch(duration time.Duration) {
	fetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveCrawls increments the active crawls gauge.
func IncActiveCrawls() {
	activeCrawls.Inc()
}

// DecActiveCrawls decrements the active crawls gauge.
func DecActiveCrawls() {
	activeCrawls.Dec()
}
