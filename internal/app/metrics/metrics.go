package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jobsift/credpool/internal/app/domain/credential"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "credpool",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credpool",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credpool",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	poolAcquires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credpool",
			Subsystem: "pool",
			Name:      "acquires_total",
			Help:      "Total credential acquisition attempts.",
		},
		[]string{"platform", "outcome"},
	)

	poolReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credpool",
			Subsystem: "pool",
			Name:      "reports_total",
			Help:      "Total usage reports from scraper sessions.",
		},
		[]string{"platform", "outcome"},
	)

	poolReclaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credpool",
			Subsystem: "pool",
			Name:      "stale_reclaims_total",
			Help:      "Assignments reclaimed after their session never reported back.",
		},
	)

	poolCooldownReleases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credpool",
			Subsystem: "pool",
			Name:      "cooldown_releases_total",
			Help:      "Credentials returned to the pool after an elapsed cooldown.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		poolAcquires,
		poolReports,
		poolReclaims,
		poolCooldownReleases,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordAcquire counts one acquisition attempt. Outcome is "acquired" or
// "exhausted".
func RecordAcquire(platform, outcome string) {
	poolAcquires.WithLabelValues(platform, outcome).Inc()
}

// RecordReport counts one usage report. Outcome is "success", "failure" or
// "cooldown".
func RecordReport(platform, outcome string) {
	poolReports.WithLabelValues(platform, outcome).Inc()
}

// RecordStaleReclaim counts one reaper reclaim.
func RecordStaleReclaim() {
	poolReclaims.Inc()
}

// RecordCooldownRelease counts one cooldown expiry sweep.
func RecordCooldownRelease() {
	poolCooldownReleases.Inc()
}

var (
	poolCredentialsDesc = prometheus.NewDesc(
		prometheus.BuildFQName("credpool", "pool", "credentials"),
		"Credentials per platform and status.",
		[]string{"platform", "status"}, nil,
	)
	poolSuccessesDesc = prometheus.NewDesc(
		prometheus.BuildFQName("credpool", "pool", "credential_successes_total"),
		"Cumulative successful uses recorded on credentials, per platform.",
		[]string{"platform"}, nil,
	)
	poolFailuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName("credpool", "pool", "credential_failures_total"),
		"Cumulative failures recorded on credentials, per platform.",
		[]string{"platform"}, nil,
	)
)

// statsCollector exports per-platform pool state straight from the stats
// aggregation at scrape time.
type statsCollector struct {
	stats func(context.Context) ([]credential.PlatformStats, error)
}

// RegisterPoolStats exposes the pool's per-platform statistics as gauges.
func RegisterPoolStats(stats func(context.Context) ([]credential.PlatformStats, error)) {
	// Registering twice (repeated wiring in one process) keeps the first.
	_ = Registry.Register(&statsCollector{stats: stats})
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolCredentialsDesc
	ch <- poolSuccessesDesc
	ch <- poolFailuresDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := c.stats(ctx)
	if err != nil {
		return
	}
	for _, ps := range stats {
		for status, count := range ps.Counts {
			ch <- prometheus.MustNewConstMetric(
				poolCredentialsDesc, prometheus.GaugeValue,
				float64(count), string(ps.Platform), string(status),
			)
		}
		ch <- prometheus.MustNewConstMetric(
			poolSuccessesDesc, prometheus.CounterValue,
			float64(ps.SuccessTotal), string(ps.Platform),
		)
		ch <- prometheus.MustNewConstMetric(
			poolFailuresDesc, prometheus.CounterValue,
			float64(ps.FailureTotal), string(ps.Platform),
		)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "credentials" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/credentials"
	}
	if len(parts) == 2 {
		return "/credentials/:id"
	}
	return "/credentials/:id/" + parts[2]
}
