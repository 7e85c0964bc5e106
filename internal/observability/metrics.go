package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream forecast API calls by provider and status class.
	ForecastAPICallsTotal *prometheus.CounterVec

	// Upstream latency. Watch for: p95 > 2s (provider degradation).
	ForecastAPIDuration *prometheus.HistogramVec

	// Retry attempts against the provider. High values = unstable upstream.
	ForecastAPIRetriesTotal *prometheus.CounterVec

	// Upstream failures by error category (see client.CategorizeError).
	ForecastAPIErrorsTotal *prometheus.CounterVec

	// Cache hits by kind (fresh, stale).
	CacheHitsTotal *prometheus.CounterVec

	CacheMissesTotal prometheus.Counter

	// Cache backend errors by operation (get, set).
	CacheErrorsTotal *prometheus.CounterVec

	// Forecast lookups. rate() for QPS.
	ForecastQueriesTotal prometheus.Counter

	// Per-location lookups (allow-list; others go to "other").
	ForecastQueriesByLocationTotal *prometheus.CounterVec

	// Days returned per lookup.
	ForecastDaysServed prometheus.Histogram

	// Lookups where today had only stale entries and the last ones were shown instead.
	ForecastFallbackTotal prometheus.Counter

	// Lookups where no day at or after today was available.
	ForecastEmptyTotal prometheus.Counter

	// Callers that shared another caller's in-flight upstream fetch.
	RequestCoalescedTotal prometheus.Counter

	// Rate limit denials (429).
	RateLimitDeniedTotal prometheus.Counter

	// 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}

	windowGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ForecastAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastApiCallsTotal",
			Help: "Total number of upstream forecast API calls",
		},
		[]string{"provider", "status"},
	)
	ForecastAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forecastApiDurationSeconds",
			Help:    "Upstream forecast API latency in seconds (per attempt)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "status"},
	)
	ForecastAPIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastApiRetriesTotal",
			Help: "Total number of retry attempts for forecast API calls",
		},
		[]string{"provider"},
	)
	ForecastAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastApiErrorsTotal",
			Help: "Failed forecast fetches by error category",
		},
		[]string{"provider", "category"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits by kind (fresh, stale)",
		},
		[]string{"kind"},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of fresh cache misses",
		},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation",
		},
		[]string{"operation"},
	)
	ForecastQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forecastQueriesTotal",
			Help: "Total number of forecast lookups",
		},
	)
	ForecastQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastQueriesByLocationTotal",
			Help: "Forecast lookups by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	ForecastDaysServed = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forecastDaysServed",
			Help:    "Number of days returned per forecast lookup",
			Buckets: []float64{0, 1, 2, 3, 5, 7, 10, 14},
		},
	)
	ForecastFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forecastFallbackTotal",
			Help: "Lookups that showed today's last entries because none were recent",
		},
	)
	ForecastEmptyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forecastEmptyTotal",
			Help: "Lookups with no forecast day at or after today",
		},
	)
	RequestCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestCoalescedTotal",
			Help: "Lookups that shared an in-flight upstream fetch",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed location",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ForecastAPICallsTotal, ForecastAPIDuration, ForecastAPIRetriesTotal, ForecastAPIErrorsTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal,
		ForecastQueriesTotal, ForecastQueriesByLocationTotal,
		ForecastDaysServed, ForecastFallbackTotal, ForecastEmptyTotal,
		RequestCoalescedTotal, RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
	)
}

// RegisterWindowGauges registers gauges for the sliding traffic window. Safe to call more than once;
// only the first call registers.
func RegisterWindowGauges(requests, denials func() float64) {
	windowGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window",
				},
				requests,
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				denials,
			),
		)
	})
}

// RecordCircuitBreakerTransition updates breaker metrics. Matches circuitbreaker.Config.OnStateChange
// once states are converted to labels.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// RecordForecastQuery records a forecast lookup for the given location.
func RecordForecastQuery(location string) {
	ForecastQueriesTotal.Inc()
	ForecastQueriesByLocationTotal.WithLabelValues(MetricLocationLabel(location)).Inc()
}

// MetricLocationLabel returns the normalized location if tracked, otherwise "other".
func MetricLocationLabel(location string) string {
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc]
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
