package observability

import (
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func NewNoopTracer() *Tracer {
	return NewTracer(tracenoop.NewTracerProvider())
}

func NewNoopMetrics() *Metrics {
	return NewMetrics(noop.NewMeterProvider())
}
