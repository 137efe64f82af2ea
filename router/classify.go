package router

import (
	"bytes"
	"encoding/json"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/bus"
	"github.com/goliatone/go-datacopy/workflow"
)

const (
	// DefaultProviderEventCode marks provider job state change events.
	DefaultProviderEventCode = "ICA_JOB_001"
	// SchedulerSource is the source of scheduled heartbeat events.
	SchedulerSource = "scheduler"
	// HeartbeatDetailType is the detail type of scheduled heartbeat events.
	HeartbeatDetailType = "Scheduled Event"

	providerEnvelopeKey = "ica-event"
)

type detailFields map[string]json.RawMessage

func (d detailFields) has(keys ...string) bool {
	for _, k := range keys {
		raw, ok := d[k]
		if !ok || isNull(raw) {
			return false
		}
	}
	return true
}

func (d detailFields) hasAny(keys ...string) bool {
	for _, k := range keys {
		if d.has(k) {
			return true
		}
	}
	return false
}

func (d detailFields) object(key string) detailFields {
	raw, ok := d[key]
	if !ok || isNull(raw) {
		return nil
	}
	var out detailFields
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

type providerEnvelope struct {
	EventCode string `json:"eventCode"`
	Payload   struct {
		ID     string `json:"id"`
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	} `json:"payload"`
}

type renameEnvelope struct {
	Payload workflow.RenameRequest `json:"payload"`
}

// Classify parses the detail of evt into the first matching variant.
// Shapes are tried in a fixed order: rename request, normalized copy
// request, legacy copy request, provider job event, task token registration, job completion and
// finally the scheduler heartbeat. Anything else is UNRECOGNIZED_EVENT.
func Classify(evt bus.Event, eventCode string) (datacopy.Message, error) {
	if eventCode == "" {
		eventCode = DefaultProviderEventCode
	}

	var fields detailFields
	if !isEmptyDetail(evt.Detail) {
		if err := json.Unmarshal(evt.Detail, &fields); err != nil {
			return nil, unrecognized(evt, "event detail is not a json object", err)
		}
	}

	payload := fields.object("payload")
	if payload.has("destinationUri", "inputFileUri", "outputFileName") {
		var env renameEnvelope
		if err := json.Unmarshal(evt.Detail, &env); err != nil {
			return nil, unrecognized(evt, "rename request payload does not decode", err)
		}
		return RenameRequested{Request: env.Payload}, nil
	}

	if payload.has("destinationUri") && payload.hasAny("sourceUriList", "externalSourceUriList") {
		var env workflow.CopyEnvelope
		if err := json.Unmarshal(evt.Detail, &env); err != nil {
			return nil, unrecognized(evt, "copy request payload does not decode", err)
		}
		return CopyRequested{Request: env.Payload}, nil
	}

	if fields.has("destinationUri") && fields.hasAny("sourceUriList", "externalSourceUriList") {
		var req workflow.CopyRequest
		if err := json.Unmarshal(evt.Detail, &req); err != nil {
			return nil, unrecognized(evt, "legacy copy request does not decode", err)
		}
		return CopyRequested{Request: req, Legacy: true}, nil
	}

	if fields.has(providerEnvelopeKey) {
		var env providerEnvelope
		if err := json.Unmarshal(fields[providerEnvelopeKey], &env); err == nil && env.EventCode == eventCode {
			jobID := env.Payload.ID
			if jobID == "" {
				jobID = env.Payload.JobID
			}
			return ProviderJobEvent{JobID: jobID, RawStatus: env.Payload.Status}, nil
		}
	}

	if fields.has("jobId", "taskToken") {
		var reg workflow.Registration
		if err := json.Unmarshal(evt.Detail, &reg); err != nil {
			return nil, unrecognized(evt, "registration does not decode", err)
		}
		return TokenRegistration{Registration: reg}, nil
	}

	if fields.has("jobId", "outcome") {
		var done JobCompletion
		if err := json.Unmarshal(evt.Detail, &done); err != nil {
			return nil, unrecognized(evt, "completion does not decode", err)
		}
		return done, nil
	}

	if evt.Source == SchedulerSource && len(fields) == 0 {
		return HeartbeatTick{At: evt.Time}, nil
	}

	return nil, unrecognized(evt, "event shape matches no route", nil)
}

func unrecognized(evt bus.Event, msg string, source error) error {
	return datacopy.NewError(datacopy.ErrUnrecognizedEvent, msg, source, map[string]any{
		"event_id":    evt.ID,
		"bus":         evt.Bus,
		"source":      evt.Source,
		"detail_type": evt.DetailType,
	})
}

func isEmptyDetail(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || isNull(trimmed) || bytes.Equal(trimmed, []byte("{}"))
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
