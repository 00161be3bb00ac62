// Package observability provides OpenTelemetry instrumentation for
// apibuddy, exported over Prometheus.
package observability

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/grokify/apibuddy"

// Metrics holds all apibuddy OpenTelemetry instruments. It is a thin
// bridge between the in-process metrics.Sink (which the admin API reads
// synchronously) and the otel/Prometheus exporter (which external
// scrapers read).
type Metrics struct {
	// Request metrics
	RequestsTotal   metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ActiveRequests  metric.Int64UpDownCounter

	// Response metrics
	ResponseSize metric.Int64Histogram

	// Cache metrics
	CacheHits      metric.Int64Counter
	CacheMisses    metric.Int64Counter
	CacheEvictions metric.Int64Counter
	CacheEntries   metric.Int64ObservableGauge

	// Throttle metrics
	ThrottledRequests metric.Int64Counter
	ThrottleViolations metric.Int64Counter

	// Upstream metrics
	UpstreamErrors  metric.Int64Counter
	UpstreamLatency metric.Float64Histogram

	cacheEntriesFunc func() int64
}

// NewMetrics creates a new Metrics instance with all instruments registered.
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	meter := meterProvider.Meter(instrumentationName)
	m := &Metrics{}

	var err error

	m.RequestsTotal, err = meter.Int64Counter(
		"apibuddy.requests.total",
		metric.WithDescription("Total number of requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"apibuddy.request.duration",
		metric.WithDescription("Request duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRequests, err = meter.Int64UpDownCounter(
		"apibuddy.requests.active",
		metric.WithDescription("Number of requests currently being processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.ResponseSize, err = meter.Int64Histogram(
		"apibuddy.response.size",
		metric.WithDescription("Response body size in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 1000, 10000, 100000, 1000000, 10000000),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter(
		"apibuddy.cache.hits",
		metric.WithDescription("Total number of cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter(
		"apibuddy.cache.misses",
		metric.WithDescription("Total number of cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheEvictions, err = meter.Int64Counter(
		"apibuddy.cache.evictions",
		metric.WithDescription("Total number of LRU-evicted cache rows"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	m.ThrottledRequests, err = meter.Int64Counter(
		"apibuddy.throttle.refused",
		metric.WithDescription("Total number of requests refused by the throttle manager"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.ThrottleViolations, err = meter.Int64Counter(
		"apibuddy.throttle.violations",
		metric.WithDescription("Total number of recorded throttle violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, err
	}

	m.UpstreamErrors, err = meter.Int64Counter(
		"apibuddy.upstream.errors",
		metric.WithDescription("Total number of failed upstream fetches"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.UpstreamLatency, err = meter.Float64Histogram(
		"apibuddy.upstream.latency",
		metric.WithDescription("Upstream fetch latency in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterCacheEntriesCallback registers a callback to observe the
// current cache row count as an asynchronous gauge.
func (m *Metrics) RegisterCacheEntriesCallback(meterProvider metric.MeterProvider, fn func() int64) error {
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	meter := meterProvider.Meter(instrumentationName)
	m.cacheEntriesFunc = fn

	var err error
	m.CacheEntries, err = meter.Int64ObservableGauge(
		"apibuddy.cache.entries",
		metric.WithDescription("Current number of cached rows"),
		metric.WithUnit("{entry}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			if m.cacheEntriesFunc != nil {
				o.Observe(m.cacheEntriesFunc())
			}
			return nil
		}),
	)
	return err
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(ctx context.Context, method, domain string, statusCode int, duration time.Duration, responseSize int64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("domain", domain),
		attribute.Int("status_code", statusCode),
		attribute.String("status_class", statusClass(statusCode)),
	}

	m.RequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.RequestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if responseSize > 0 {
		m.ResponseSize.Record(ctx, responseSize, metric.WithAttributes(
			attribute.String("domain", domain),
		))
	}
}

// RequestStart should be called when a request starts.
func (m *Metrics) RequestStart(ctx context.Context) {
	m.ActiveRequests.Add(ctx, 1)
}

// RequestEnd should be called when a request ends.
func (m *Metrics) RequestEnd(ctx context.Context) {
	m.ActiveRequests.Add(ctx, -1)
}

// RecordCacheHit records a cache hit for domain.
func (m *Metrics) RecordCacheHit(ctx context.Context, domain string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", domain)))
}

// RecordCacheMiss records a cache miss for domain.
func (m *Metrics) RecordCacheMiss(ctx context.Context, domain string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", domain)))
}

// RecordCacheEviction records an LRU-evicted row.
func (m *Metrics) RecordCacheEviction(ctx context.Context, count int64) {
	m.CacheEvictions.Add(ctx, count)
}

// RecordThrottled records a request refused by the throttle manager.
func (m *Metrics) RecordThrottled(ctx context.Context, domain string) {
	m.ThrottledRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", domain)))
}

// RecordThrottleViolation records a throttle violation for domain.
func (m *Metrics) RecordThrottleViolation(ctx context.Context, domain string) {
	m.ThrottleViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", domain)))
}

// RecordUpstreamError records a failed upstream fetch.
func (m *Metrics) RecordUpstreamError(ctx context.Context, domain string) {
	m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", domain)))
}

// RecordUpstreamLatency records an upstream fetch's duration.
func (m *Metrics) RecordUpstreamLatency(ctx context.Context, domain string, duration time.Duration) {
	m.UpstreamLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attribute.String("domain", domain)))
}

// statusClass returns the status class (1xx, 2xx, etc.)
func statusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

// MetricsMiddleware wraps an http.Handler with request-level metrics
// collection (latency, status, size).
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()

		m.RequestStart(ctx)
		defer m.RequestEnd(ctx)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		m.RecordRequest(ctx, r.Method, r.Host, wrapped.statusCode, duration, wrapped.bytesWritten)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}
