package observability

import (
	"context"
	"net/http"

	prometheusclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/grokify/apibuddy/pkg/metrics"
)

// Provider holds the OpenTelemetry providers and exporters.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Metrics       *Metrics
	promExporter  *prometheus.Exporter
	registerer    prometheusclient.Gatherer
}

// Config configures the observability provider.
type Config struct {
	// ServiceName is the name of the service for telemetry.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus metrics exporter.
	EnablePrometheus bool

	// Registry is the Prometheus registry instruments are registered
	// against. Defaults to a fresh, private registry per Provider rather
	// than the global DefaultRegisterer, so multiple Providers (e.g. one
	// per test) never collide over duplicate collector registration.
	Registry *prometheusclient.Registry
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:      "apibuddy",
		ServiceVersion:   "dev",
		EnablePrometheus: true,
	}
}

// NewProvider creates a new observability provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Provider{}

	// Create Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		registry := cfg.Registry
		if registry == nil {
			registry = prometheusclient.NewRegistry()
		}
		p.registerer = registry

		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		p.promExporter = exporter

		// Create meter provider with Prometheus exporter
		p.MeterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
		)
	} else {
		// Create meter provider without exporter (noop)
		p.MeterProvider = sdkmetric.NewMeterProvider()
	}

	// Create metrics
	metrics, err := NewMetrics(p.MeterProvider)
	if err != nil {
		return nil, err
	}
	p.Metrics = metrics

	return p, nil
}

// PrometheusHandler returns an http.Handler for the /metrics endpoint.
// Returns a handler over the Provider's own registry rather than the
// global default, consistent with the private-registry-per-Provider
// strategy above.
func (p *Provider) PrometheusHandler() http.Handler {
	if registry, ok := p.registerer.(*prometheusclient.Registry); ok {
		return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Shutdown gracefully shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.MeterProvider != nil {
		return p.MeterProvider.Shutdown(ctx)
	}
	return nil
}

// SinkBridge forwards metrics.Sink events onto the OpenTelemetry
// instruments, so a single in-process Event feeds both the admin API's
// synchronous snapshot and the Prometheus scrape endpoint.
type SinkBridge struct {
	m   *Metrics
	ctx context.Context
}

// NewSinkBridge creates a metrics.Sink handler bridging to m.
func NewSinkBridge(m *Metrics) *SinkBridge {
	return &SinkBridge{m: m, ctx: context.Background()}
}

// Handle implements metrics.Handler, translating a Sink Event into the
// matching OpenTelemetry instrument update.
func (b *SinkBridge) Handle(e metrics.Event) {
	switch e.Outcome {
	case metrics.OutcomeHit:
		b.m.RecordCacheHit(b.ctx, e.Domain)
	case metrics.OutcomeMiss:
		b.m.RecordCacheMiss(b.ctx, e.Domain)
	case metrics.OutcomeThrottled:
		b.m.RecordThrottled(b.ctx, e.Domain)
	case metrics.OutcomeUpstreamError:
		b.m.RecordUpstreamError(b.ctx, e.Domain)
	case metrics.OutcomeUpstreamOK:
		b.m.RecordUpstreamLatency(b.ctx, e.Domain, e.Duration)
	}
}
