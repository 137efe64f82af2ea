package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer with coordinator span helpers.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (t *Tracer) StartExecution(ctx context.Context, workflow, executionID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "datacopy.execution", trace.WithAttributes(
		WorkflowAttr(workflow),
		ExecutionIDAttr(executionID),
	))
}

func (t *Tracer) StartResume(ctx context.Context, jobID, path string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "datacopy.resume", trace.WithAttributes(
		JobIDAttr(jobID),
		PathAttr(path),
	))
}

func (t *Tracer) StartTick(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "datacopy.poller.tick")
}

func (t *Tracer) StartRoute(ctx context.Context, busName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "datacopy.route", trace.WithAttributes(BusAttr(busName)))
}

// RecordError marks the span failed. Nil errors are ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
