// Package metrics exposes dispatcher, pool and signature cache counters in
// Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
)

const namespace = "agd"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	rateLimits      *prometheus.CounterVec
	switches        *prometheus.CounterVec
	exhausted       *prometheus.CounterVec
	removed         prometheus.Counter
	accounts        prometheus.Gauge
	cooling         *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them on a private registry
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_attempts_total",
				Help:      "Upstream attempts by model family, header style and outcome",
			},
			[]string{"family", "style", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_attempt_duration_seconds",
				Help:      "Time to upstream response headers",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"family", "outcome"},
		),
		rateLimits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limits_total",
				Help:      "429 responses by model family and header style",
			},
			[]string{"family", "style", "capacity"},
		),
		switches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "account_switches_total",
				Help:      "Active account changes per model family",
			},
			[]string{"family"},
		),
		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_exhausted_total",
				Help:      "Times every account was cooling down for a family",
			},
			[]string{"family", "fatal"},
		),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounts_removed_total",
			Help:      "Accounts dropped after a revoked refresh token",
		}),
		accounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accounts",
			Help:      "Accounts in the pool",
		}),
		cooling: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "accounts_cooling",
				Help:      "Accounts with an active cooldown per quota key",
			},
			[]string{"key"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"route", "method"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts,
		m.attemptDuration,
		m.rateLimits,
		m.switches,
		m.exhausted,
		m.removed,
		m.accounts,
		m.cooling,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// RegisterCacheStats exports signature cache counters read from stats on
// every scrape.
func (m *Metrics) RegisterCacheStats(stats func() models.CacheStats) {
	counter := func(name, help string, get func(models.CacheStats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signature_cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(get(stats())) })
	}
	m.registry.MustRegister(
		counter("memory_hits_total", "Lookups served from memory", func(s models.CacheStats) int64 { return s.MemoryHits }),
		counter("disk_hits_total", "Lookups served from entries restored from disk", func(s models.CacheStats) int64 { return s.DiskHits }),
		counter("misses_total", "Lookups without a live entry", func(s models.CacheStats) int64 { return s.Misses }),
		counter("writes_total", "Stored signatures", func(s models.CacheStats) int64 { return s.Writes }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signature_cache",
			Name:      "entries",
			Help:      "Entries held in memory",
		}, func() float64 { return float64(stats().MemoryKeys) }),
	)
}

// ObserveAttempt records one upstream attempt.
func (m *Metrics) ObserveAttempt(call models.APICall) {
	m.attempts.WithLabelValues(call.Family, call.HeaderStyle, call.Outcome).Inc()
	m.attemptDuration.WithLabelValues(call.Family, call.Outcome).
		Observe((time.Duration(call.DurationMs) * time.Millisecond).Seconds())
}

// ObserveRateLimit records a 429.
func (m *Metrics) ObserveRateLimit(family models.ModelFamily, style models.HeaderStyle, capacity bool) {
	m.rateLimits.WithLabelValues(string(family), string(style), strconv.FormatBool(capacity)).Inc()
}

// ObserveSwitch records an account switch.
func (m *Metrics) ObserveSwitch(family models.ModelFamily) {
	m.switches.WithLabelValues(string(family)).Inc()
}

// ObserveExhausted records an all-accounts-limited wait or failure.
func (m *Metrics) ObserveExhausted(family models.ModelFamily, fatal bool) {
	m.exhausted.WithLabelValues(string(family), strconv.FormatBool(fatal)).Inc()
}

// ObserveRemoved records a removed account.
func (m *Metrics) ObserveRemoved() {
	m.removed.Inc()
}

// SetPool updates the pool gauges from a snapshot.
func (m *Metrics) SetPool(accounts []models.AccountStatus) {
	m.accounts.Set(float64(len(accounts)))

	counts := make(map[string]int)
	for _, acc := range accounts {
		for key := range acc.Cooldowns {
			counts[key]++
		}
	}
	m.cooling.Reset()
	for key, n := range counts {
		m.cooling.WithLabelValues(key).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and durations per chi route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
