// Package telemetry initialises the OpenTelemetry meter provider used by the engine.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	serviceName    = "strategos"
	serviceVersion = "1.0.0"
)

var environment atomic.Value

// Environment returns the deployment environment label set by NewProvider.
func Environment() string {
	if v, ok := environment.Load().(string); ok && v != "" {
		return v
	}
	return "development"
}

// Config defines OpenTelemetry configuration parameters.
type Config struct {
	Enabled          bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	MetricInterval   time.Duration
	ServiceName      string
	ServiceNamespace string
	Environment      string
}

func (c Config) normalise() Config {
	if strings.TrimSpace(c.OTLPEndpoint) == "" {
		c.OTLPEndpoint = "localhost:4318"
	}
	if c.MetricInterval <= 0 {
		c.MetricInterval = 30 * time.Second
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = serviceName
	}
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	if c.Environment == "" {
		c.Environment = "development"
	}
	return c
}

// Provider owns the meter provider. A disabled provider hands out the global meter.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	config        Config
}

// NewProvider initialises metrics export. The provider is installed globally when enabled.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	cfg = cfg.normalise()
	environment.Store(cfg.Environment)
	if !cfg.Enabled {
		return &Provider{config: cfg}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	mp, err := newMeterProvider(ctx, res, cfg)
	if err != nil {
		return nil, fmt.Errorf("create meter provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	return &Provider{meterProvider: mp, config: cfg}, nil
}

// Enabled reports whether metrics are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.meterProvider != nil
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}
	return nil
}

// Meter returns a meter with the given name.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if !p.Enabled() {
		return otel.Meter(name, opts...)
	}
	return p.meterProvider.Meter(name, opts...)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			AttrEnvironment.String(cfg.Environment),
		),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	}
	if cfg.ServiceNamespace != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceNamespaceKey.String(cfg.ServiceNamespace)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}
	return res, nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.MetricInterval))),
		sdkmetric.WithView(histogramViews()...),
	), nil
}

// histogramViews sets bucket boundaries for execution wall time.
func histogramViews() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "strategos.execution.duration", Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}},
		),
	}
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	for _, prefix := range []string{"http://", "https://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return strings.TrimPrefix(endpoint, prefix)
		}
	}
	return endpoint
}

// Attribute keys shared by engine metrics.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrStatus      = attribute.Key("status")
	AttrResult      = attribute.Key("result")
	AttrOrderSide   = attribute.Key("order.side")
	AttrPoolName    = attribute.Key("db_pool")
)
