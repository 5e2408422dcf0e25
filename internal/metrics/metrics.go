// Package metrics exposes Prometheus collectors for the extraction service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	lockAcquireTotal *prometheus.CounterVec
	lockReleaseTotal *prometheus.CounterVec
	lockWaitSeconds  *prometheus.HistogramVec

	verificationTotal *prometheus.CounterVec

	captchaTasksTotal *prometheus.CounterVec
	captchaPending    prometheus.Gauge

	jobsTotal             *prometheus.CounterVec
	jobsActive            prometheus.Gauge
	jobStartDelaySeconds  prometheus.Histogram
	webhookDeliveryTotal  *prometheus.CounterVec
	browserSessionsActive prometheus.Gauge
	browserWaiters        prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
		lockAcquireTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_lock_acquire_total",
				Help: "Lock acquisition attempts, labeled by resource and outcome.",
			},
			[]string{"resource", "outcome"},
		)
		lockReleaseTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_lock_release_total",
				Help: "Lock releases, labeled by resource and outcome.",
			},
			[]string{"resource", "outcome"},
		)
		lockWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extractor_lock_wait_seconds",
				Help:    "Time spent waiting for a blocking lock acquisition.",
				Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"resource"},
		)
		verificationTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_verification_total",
				Help: "Verification code requests, labeled by channel and outcome.",
			},
			[]string{"method", "outcome"},
		)
		captchaTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_captcha_tasks_total",
				Help: "Captcha task transitions, labeled by event.",
			},
			[]string{"event"},
		)
		captchaPending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "extractor_captcha_pending",
				Help: "Captcha tasks currently waiting for a human.",
			},
		)
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_jobs_total",
				Help: "Jobs reaching a lifecycle state, labeled by status.",
			},
			[]string{"status"},
		)
		jobsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "extractor_jobs_active",
				Help: "Jobs currently being processed by a worker.",
			},
		)
		jobStartDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "extractor_job_start_delay_seconds",
				Help:    "Time a dequeued job waited on the start-rate limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)
		webhookDeliveryTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_webhook_deliveries_total",
				Help: "Webhook delivery attempts, labeled by target host and outcome.",
			},
			[]string{"host", "outcome"},
		)
		browserSessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "extractor_browser_sessions_active",
				Help: "Browser sessions currently checked out of the pool.",
			},
		)
		browserWaiters = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "extractor_browser_waiters",
				Help: "Callers queued for a browser session.",
			},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveLockAcquire records the outcome of an acquisition attempt.
func ObserveLockAcquire(resource, outcome string) {
	Init()
	lockAcquireTotal.WithLabelValues(resource, outcome).Inc()
}

// ObserveLockRelease records the outcome of a release.
func ObserveLockRelease(resource, outcome string) {
	Init()
	lockReleaseTotal.WithLabelValues(resource, outcome).Inc()
}

// ObserveLockWait records how long a blocking acquisition waited.
func ObserveLockWait(resource string, d time.Duration) {
	Init()
	lockWaitSeconds.WithLabelValues(resource).Observe(d.Seconds())
}

// ObserveVerification records a coordinator outcome for one channel.
func ObserveVerification(method, outcome string) {
	Init()
	verificationTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveCaptcha records a captcha lifecycle event and adjusts the pending gauge.
func ObserveCaptcha(event string) {
	Init()
	captchaTasksTotal.WithLabelValues(event).Inc()
	switch event {
	case "created":
		captchaPending.Inc()
	case "solved", "timeout":
		captchaPending.Dec()
	}
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	jobsActive.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	jobsActive.Dec()
}

// ObserveJobStartDelay records the duration of a start-rate limiter wait.
func ObserveJobStartDelay(d time.Duration) {
	Init()
	jobStartDelaySeconds.Observe(d.Seconds())
}

// ObserveWebhookDelivery records one delivery attempt outcome.
func ObserveWebhookDelivery(targetURL, outcome string) {
	Init()
	webhookDeliveryTotal.WithLabelValues(SanitizeHost(targetURL), outcome).Inc()
}

// SetBrowserPool publishes pool occupancy.
func SetBrowserPool(active, waiting int) {
	Init()
	browserSessionsActive.Set(float64(active))
	browserWaiters.Set(float64(waiting))
}
