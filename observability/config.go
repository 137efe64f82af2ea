package observability

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Provider bundles the tracer and metrics handed to each component.
type Provider struct {
	tracer  *Tracer
	metrics *Metrics
	enabled bool
}

type Option func(*providerConfig)

type providerConfig struct {
	tp trace.TracerProvider
	mp metric.MeterProvider
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *providerConfig) {
		c.tp = tp
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *providerConfig) {
		c.mp = mp
	}
}

// New builds a Provider, using no-op instruments for missing providers.
func New(opts ...Option) *Provider {
	cfg := &providerConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	p := &Provider{enabled: cfg.tp != nil || cfg.mp != nil}
	if cfg.tp != nil {
		p.tracer = NewTracer(cfg.tp)
	} else {
		p.tracer = NewNoopTracer()
	}
	if cfg.mp != nil {
		p.metrics = NewMetrics(cfg.mp)
	} else {
		p.metrics = NewNoopMetrics()
	}
	return p
}

// Tracer returns the configured tracer. Safe on a nil Provider.
func (p *Provider) Tracer() *Tracer {
	if p == nil || p.tracer == nil {
		return NewNoopTracer()
	}
	return p.tracer
}

// Metrics returns the configured metrics. Safe on a nil Provider.
func (p *Provider) Metrics() *Metrics {
	if p == nil || p.metrics == nil {
		return NewNoopMetrics()
	}
	return p.metrics
}

func (p *Provider) Enabled() bool {
	return p != nil && p.enabled
}
