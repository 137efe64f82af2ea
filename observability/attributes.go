// Package observability holds the OpenTelemetry instruments and the
// structured logger adapter shared by the coordinator components.
//
// Everything is opt-in: without providers the no-op implementations are used.
package observability

import "go.opentelemetry.io/otel/attribute"

const (
	TracerName = "github.com/goliatone/go-datacopy"
	MeterName  = "github.com/goliatone/go-datacopy"
)

const (
	AttrJobID       = "datacopy.job_id"
	AttrExecutionID = "datacopy.execution_id"
	AttrWorkflow    = "datacopy.workflow"
	AttrOutcome     = "datacopy.outcome"
	AttrPath        = "datacopy.resume_path"
	AttrEventKind   = "datacopy.event_kind"
	AttrBus         = "datacopy.bus"
)

// Resume paths.
const (
	PathEvent   = "event"
	PathPoll    = "poll"
	PathExpiry  = "expiry"
	PathTimeout = "heartbeat_timeout"
)

func JobIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrJobID, id)
}

func ExecutionIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrExecutionID, id)
}

func WorkflowAttr(name string) attribute.KeyValue {
	return attribute.String(AttrWorkflow, name)
}

func OutcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(AttrOutcome, outcome)
}

func PathAttr(path string) attribute.KeyValue {
	return attribute.String(AttrPath, path)
}

func EventKindAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrEventKind, kind)
}

func BusAttr(name string) attribute.KeyValue {
	return attribute.String(AttrBus, name)
}
