// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal                 *prometheus.CounterVec
	queriesTotal               *prometheus.CounterVec
	queryDurationSeconds       *prometheus.HistogramVec
	challengesTotal            *prometheus.CounterVec
	proxyPoolSize              prometheus.Gauge
	proxyCoolingDown           prometheus.Gauge
	proxyFailuresTotal         prometheus.Counter
	sessionsCleanedTotal       prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answer_crawler_tasks_total",
				Help: "Crawl task state transitions, labeled by resulting status.",
			},
			[]string{"status"},
		)

		queriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answer_crawler_queries_total",
				Help: "Queries crawled, labeled by engine and outcome.",
			},
			[]string{"engine", "outcome"},
		)

		queryDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "answer_crawler_query_duration_seconds",
				Help:    "Histogram of end-to-end query latency per engine.",
				Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 120, 240},
			},
			[]string{"engine"},
		)

		challengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answer_crawler_challenges_total",
				Help: "Bot challenges detected, labeled by engine, type and resolution.",
			},
			[]string{"engine", "type", "resolved"},
		)

		proxyPoolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "answer_crawler_proxy_pool_size",
				Help: "Number of proxies loaded into the pool.",
			},
		)

		proxyCoolingDown = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "answer_crawler_proxy_cooling_down",
				Help: "Number of proxies currently inside their failure cooldown.",
			},
		)

		proxyFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "answer_crawler_proxy_failures_total",
				Help: "Total proxy failures reported to the pool.",
			},
		)

		sessionsCleanedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "answer_crawler_sessions_cleaned_total",
				Help: "Expired sessions removed by cleanup sweeps.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "answer_crawler_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "answer_crawler_rate_limit_delays_seconds",
				Help:    "Histogram of per-engine rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"engine"},
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

// SanitizeLabel lowercases a label value and maps empty input to "unknown".
func SanitizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveTask increments the task counter for the given status.
func ObserveTask(status string) {
	Init()
	tasksTotal.WithLabelValues(SanitizeLabel(status)).Inc()
}

// ObserveQuery records one query outcome and its latency.
func ObserveQuery(engine, outcome string, duration time.Duration) {
	Init()
	engine = SanitizeLabel(engine)
	queriesTotal.WithLabelValues(engine, SanitizeLabel(outcome)).Inc()
	if duration > 0 {
		queryDurationSeconds.WithLabelValues(engine).Observe(duration.Seconds())
	}
}

// ObserveChallenge records a detected challenge and whether it cleared.
func ObserveChallenge(engine, kind string, resolved bool) {
	Init()
	challengesTotal.WithLabelValues(SanitizeLabel(engine), SanitizeLabel(kind), strconv.FormatBool(resolved)).Inc()
}

// SetProxyPool publishes the pool size and cooldown count.
func SetProxyPool(size, coolingDown int) {
	Init()
	proxyPoolSize.Set(float64(size))
	proxyCoolingDown.Set(float64(coolingDown))
}

// ObserveProxyFailure increments the proxy failure counter.
func ObserveProxyFailure() {
	Init()
	proxyFailuresTotal.Inc()
}

// ObserveSessionsCleaned adds n removed sessions.
func ObserveSessionsCleaned(n int) {
	Init()
	if n > 0 {
		sessionsCleanedTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(engine string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(SanitizeLabel(engine)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
