package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the coordinator metric instruments.
type Metrics struct {
	executions   metric.Int64Counter
	launches     metric.Int64Counter
	resumes      metric.Int64Counter
	polls        metric.Int64Counter
	pollDuration metric.Float64Histogram
	routed       metric.Int64Counter
	stagedBytes  metric.Int64Counter
	sweptRecords metric.Int64Counter
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	// instrument creation only fails on invalid names; fall back to the bare name
	var err error
	m.executions, err = meter.Int64Counter(
		"datacopy.execution.count",
		metric.WithDescription("Workflow executions that reached a terminal state"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		m.executions, _ = meter.Int64Counter("datacopy.execution.count")
	}

	m.launches, err = meter.Int64Counter(
		"datacopy.launch.count",
		metric.WithDescription("External copy job launch attempts"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.launches, _ = meter.Int64Counter("datacopy.launch.count")
	}

	m.resumes, err = meter.Int64Counter(
		"datacopy.resume.count",
		metric.WithDescription("Task token resume attempts by path and outcome"),
		metric.WithUnit("{resume}"),
	)
	if err != nil {
		m.resumes, _ = meter.Int64Counter("datacopy.resume.count")
	}

	m.polls, err = meter.Int64Counter(
		"datacopy.poll.count",
		metric.WithDescription("Per job status polls"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		m.polls, _ = meter.Int64Counter("datacopy.poll.count")
	}

	m.pollDuration, err = meter.Float64Histogram(
		"datacopy.poll.duration",
		metric.WithDescription("Duration of a poller tick in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.pollDuration, _ = meter.Float64Histogram("datacopy.poll.duration")
	}

	m.routed, err = meter.Int64Counter(
		"datacopy.event.routed",
		metric.WithDescription("Inbound events by recognised kind"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		m.routed, _ = meter.Int64Counter("datacopy.event.routed")
	}

	m.stagedBytes, err = meter.Int64Counter(
		"datacopy.staging.bytes",
		metric.WithDescription("Bytes copied through the staging pool"),
		metric.WithUnit("By"),
	)
	if err != nil {
		m.stagedBytes, _ = meter.Int64Counter("datacopy.staging.bytes")
	}

	m.sweptRecords, err = meter.Int64Counter(
		"datacopy.sweep.records",
		metric.WithDescription("Expired job store records removed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		m.sweptRecords, _ = meter.Int64Counter("datacopy.sweep.records")
	}

	return m
}

func (m *Metrics) RecordExecution(ctx context.Context, workflow, status string) {
	m.executions.Add(ctx, 1, metric.WithAttributes(WorkflowAttr(workflow), OutcomeAttr(status)))
}

func (m *Metrics) RecordLaunch(ctx context.Context, outcome string) {
	m.launches.Add(ctx, 1, metric.WithAttributes(OutcomeAttr(outcome)))
}

// RecordResume counts a resume attempt made through path.
func (m *Metrics) RecordResume(ctx context.Context, path, outcome string) {
	m.resumes.Add(ctx, 1, metric.WithAttributes(PathAttr(path), OutcomeAttr(outcome)))
}

func (m *Metrics) RecordPoll(ctx context.Context, outcome string) {
	m.polls.Add(ctx, 1, metric.WithAttributes(OutcomeAttr(outcome)))
}

func (m *Metrics) RecordTick(ctx context.Context, duration time.Duration) {
	m.pollDuration.Record(ctx, float64(duration.Milliseconds()))
}

func (m *Metrics) RecordRouted(ctx context.Context, busName, kind string) {
	m.routed.Add(ctx, 1, metric.WithAttributes(BusAttr(busName), EventKindAttr(kind)))
}

func (m *Metrics) RecordStaged(ctx context.Context, bytes int64) {
	m.stagedBytes.Add(ctx, bytes)
}

func (m *Metrics) RecordSwept(ctx context.Context, records int) {
	m.sweptRecords.Add(ctx, int64(records))
}
