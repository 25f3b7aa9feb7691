package enzyme

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector exposes Prometheus metrics for the request pipeline. A nil
// collector records nothing, so components call it unconditionally.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec

	rateLimitQueueDepth *prometheus.GaugeVec
	rateLimitRejections *prometheus.CounterVec
	throttleTokens      prometheus.Gauge

	deduplicationHits *prometheus.CounterVec
	tokenRefreshes    *prometheus.CounterVec

	retryBudgetExceeded *prometheus.CounterVec

	registry prometheus.Registerer
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using registry.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enzyme_requests_total",
				Help: "Total number of logical requests completed",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enzyme_request_duration_seconds",
				Help:    "Duration of logical requests in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "enzyme_requests_in_flight",
				Help: "Number of logical requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enzyme_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "reason"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enzyme_errors_total",
				Help: "Total number of failed requests by category",
			},
			[]string{"category", "method", "endpoint"},
		),
		rateLimitQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "enzyme_rate_limit_queue_depth",
				Help: "Requests waiting in a rate limit queue",
			},
			[]string{"key"},
		),
		rateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enzyme_rate_limit_rejections_total",
				Help: "Requests refused by the rate limiter",
			},
			[]string{"key", "reason"},
		),
		throttleTokens: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "enzyme_throttle_tokens",
				Help: "Tokens left in the client-wide throttle bucket",
			},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enzyme_deduplication_hits_total",
				Help: "Requests served by joining an identical in-flight request",
			},
			[]string{"method", "endpoint"},
		),
		tokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enzyme_token_refreshes_total",
				Help: "Access token refresh calls by result",
			},
			[]string{"result"},
		),
		retryBudgetExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enzyme_retry_budget_exceeded_total",
				Help: "Retries skipped because the retry budget was spent",
			},
			[]string{"endpoint"},
		),
		registry: registry,
	}
}

// RecordRequest records a completed request. statusCode is 0 when no
// response was received.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	code := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, code, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, code, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry counts a scheduled retry.
func (mc *MetricsCollector) RecordRetry(method, endpoint, reason string) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, endpoint, reason).Inc()
}

// RecordError counts a failed request by category.
func (mc *MetricsCollector) RecordError(category Category, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(string(category), method, endpoint).Inc()
}

// SetRateLimitQueueDepth sets the queue depth gauge of key.
func (mc *MetricsCollector) SetRateLimitQueueDepth(key string, depth int) {
	if mc == nil {
		return
	}
	mc.rateLimitQueueDepth.WithLabelValues(key).Set(float64(depth))
}

// RecordRateLimitRejection counts a refused admission.
func (mc *MetricsCollector) RecordRateLimitRejection(key, reason string) {
	if mc == nil {
		return
	}
	mc.rateLimitRejections.WithLabelValues(key, reason).Inc()
}

// RecordThrottleTokens sets the throttle bucket gauge.
func (mc *MetricsCollector) RecordThrottleTokens(tokens float64) {
	if mc == nil {
		return
	}
	mc.throttleTokens.Set(tokens)
}

// RecordDeduplicationHit counts a caller that joined an in-flight request.
func (mc *MetricsCollector) RecordDeduplicationHit(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.deduplicationHits.WithLabelValues(method, endpoint).Inc()
}

// RecordTokenRefresh counts a refresh call; result is "success" or "failure".
func (mc *MetricsCollector) RecordTokenRefresh(result string) {
	if mc == nil {
		return
	}
	mc.tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordRetryBudgetExceeded counts a retry refused by the budget.
func (mc *MetricsCollector) RecordRetryBudgetExceeded(endpoint string) {
	if mc == nil {
		return
	}
	mc.retryBudgetExceeded.WithLabelValues(endpoint).Inc()
}

// Registerer returns the registerer the collector was created with.
func (mc *MetricsCollector) Registerer() prometheus.Registerer {
	if mc == nil {
		return nil
	}
	return mc.registry
}
