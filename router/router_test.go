package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/bus"
	"github.com/goliatone/go-datacopy/runner"
	"github.com/goliatone/go-datacopy/workflow"
)

const (
	testSource     = workflow.DefaultEventSource
	testDetailType = workflow.DefaultEventDetailType
)

func event(t *testing.T, busName, source, detailType, detail string) bus.Event {
	t.Helper()
	var raw json.RawMessage
	if detail != "" {
		raw = json.RawMessage(detail)
	}
	return bus.Event{
		ID:         "evt-1",
		Bus:        busName,
		Source:     source,
		DetailType: detailType,
		Detail:     raw,
		Time:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestClassifyVariants(t *testing.T) {
	cases := []struct {
		name   string
		source string
		detail string
		want   datacopy.Message
	}{
		{
			name:   "normalized copy request",
			detail: `{"payload":{"sourceUriList":["s3://a/f1"],"destinationUri":"s3://b/"}}`,
			want: CopyRequested{Request: workflow.CopyRequest{
				SourceURIs: []string{"s3://a/f1"}, DestinationURI: "s3://b/",
			}},
		},
		{
			name:   "legacy copy request",
			detail: `{"sourceUriList":["s3://a/f1"],"destinationUri":"s3://b/","taskToken":"caller"}`,
			want: CopyRequested{Legacy: true, Request: workflow.CopyRequest{
				SourceURIs: []string{"s3://a/f1"}, DestinationURI: "s3://b/",
			}},
		},
		{
			name:   "external only copy request",
			detail: `{"payload":{"externalSourceUriList":["fm://files/42"],"destinationUri":"s3://b/"}}`,
			want: CopyRequested{Request: workflow.CopyRequest{
				ExternalSourceURIs: []string{"fm://files/42"}, DestinationURI: "s3://b/",
			}},
		},
		{
			name:   "rename request wins over copy shape",
			detail: `{"payload":{"sourceUriList":["s3://a/f1"],"destinationUri":"s3://b/","inputFileUri":"s3://a/f1","outputFileName":"f2"}}`,
			want: RenameRequested{Request: workflow.RenameRequest{
				SourceURIs:     []string{"s3://a/f1"},
				DestinationURI: "s3://b/",
				InputFileURI:   "s3://a/f1",
				OutputFileName: "f2",
			}},
		},
		{
			name:   "provider event keyed by id",
			detail: `{"ica-event":{"eventCode":"ICA_JOB_001","payload":{"id":"J7","status":"SUCCEEDED"}}}`,
			want:   ProviderJobEvent{JobID: "J7", RawStatus: "SUCCEEDED"},
		},
		{
			name:   "provider event keyed by jobId",
			detail: `{"ica-event":{"eventCode":"ICA_JOB_001","payload":{"jobId":"J8","status":"RUNNING"}}}`,
			want:   ProviderJobEvent{JobID: "J8", RawStatus: "RUNNING"},
		},
		{
			name:   "task token registration",
			detail: `{"jobId":"J1","taskToken":"tok"}`,
			want:   TokenRegistration{Registration: workflow.Registration{JobID: "J1", TaskToken: "tok"}},
		},
		{
			name:   "job completion",
			detail: `{"jobId":"J1","outcome":"failed","cause":"quota"}`,
			want:   JobCompletion{JobID: "J1", Outcome: "failed", Cause: "quota"},
		},
		{
			name:   "scheduler heartbeat",
			source: SchedulerSource,
			detail: `{}`,
			want:   HeartbeatTick{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		},
		{
			name:   "scheduler heartbeat without detail",
			source: SchedulerSource,
			want:   HeartbeatTick{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		},
		{
			name:   "copy shape wins over registration fields",
			detail: `{"payload":{"sourceUriList":["s3://a/f1"],"destinationUri":"s3://b/"},"jobId":"J1","taskToken":"tok"}`,
			want: CopyRequested{Request: workflow.CopyRequest{
				SourceURIs: []string{"s3://a/f1"}, DestinationURI: "s3://b/",
			}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			source := tc.source
			if source == "" {
				source = testSource
			}
			got, err := Classify(event(t, bus.Internal, source, testDetailType, tc.detail), "")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClassifyUnrecognized(t *testing.T) {
	cases := []struct {
		name   string
		source string
		detail string
	}{
		{"empty detail from a producer", testSource, ""},
		{"array detail", testSource, `["s3://a/f1"]`},
		{"unrelated fields", testSource, `{"hello":"world"}`},
		{"payload missing destination", testSource, `{"payload":{"sourceUriList":["s3://a/f1"]}}`},
		{"null uri fields", testSource, `{"sourceUriList":null,"destinationUri":null}`},
		{"other provider event code", testSource, `{"ica-event":{"eventCode":"ICA_EXEC_002","payload":{"id":"J1"}}}`},
		{"job id alone", testSource, `{"jobId":"J1"}`},
		{"scheduler with payload", SchedulerSource, `{"jobId":"J1"}`},
		{"copy fields of the wrong type", testSource, `{"sourceUriList":"s3://a/f1","destinationUri":"s3://b/"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Classify(event(t, bus.Internal, tc.source, testDetailType, tc.detail), DefaultProviderEventCode)
			require.Error(t, err)
			assert.True(t, datacopy.HasCode(err, datacopy.ErrCodeUnrecognizedEvent), "got %v", err)
		})
	}
}

func TestRouterAppliesRuleTable(t *testing.T) {
	r := New()

	copyDetail := `{"payload":{"sourceUriList":["s3://a/f1"],"destinationUri":"s3://b/"}}`
	legacyDetail := `{"sourceUriList":["s3://a/f1"],"destinationUri":"s3://b/"}`
	providerDetail := `{"ica-event":{"eventCode":"ICA_JOB_001","payload":{"id":"J1","status":"RUNNING"}}}`
	registrationDetail := `{"jobId":"J1","taskToken":"tok"}`

	cases := []struct {
		name     string
		evt      bus.Event
		wantRule string
	}{
		{"internal copy", event(t, bus.Internal, testSource, testDetailType, copyDetail), "listenInternalCopyJobRule"},
		{"external copy from any source", event(t, bus.External, "portal", testDetailType, copyDetail), "listenExternalCopyJobRule"},
		{"external legacy copy", event(t, bus.External, "portal", testDetailType, legacyDetail), "listenExternalCopyJobLegacyRule"},
		{"internal registration", event(t, bus.Internal, testSource, testDetailType, registrationDetail), "listenInternalTaskTokenRule"},
		{"provider event from any source", event(t, bus.Internal, "ica", "Event from ica", providerDetail), "listenProviderCopyJobEventRule"},
		{"heartbeat on either bus", event(t, bus.External, SchedulerSource, HeartbeatDetailType, ""), "internalHeartBeatScheduleRule"},
		{"internal copy from a foreign source", event(t, bus.Internal, "portal", testDetailType, copyDetail), ""},
		{"external copy with another detail type", event(t, bus.External, "portal", "Other", copyDetail), ""},
		{"legacy copy on the internal bus", event(t, bus.Internal, testSource, testDetailType, legacyDetail), ""},
		{"provider event on the external bus", event(t, bus.External, "ica", "Event from ica", providerDetail), ""},
		{"registration from outside", event(t, bus.External, "portal", testDetailType, registrationDetail), ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, rule, err := r.Classify(tc.evt)
			if tc.wantRule == "" {
				require.Error(t, err)
				assert.True(t, datacopy.HasCode(err, datacopy.ErrCodeUnrecognizedEvent))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantRule, rule.Name)
		})
	}
}

func TestRouteDispatchesToMatchingHandlers(t *testing.T) {
	r := New()

	var mu sync.Mutex
	var seen []string
	record := func(name string) Handler {
		return func(_ context.Context, msg datacopy.Message, _ bus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, name+":"+msg.Type())
			return nil
		}
	}
	r.Handle("copy.*", record("copy"))
	sub := r.Handle(KindCopyLegacy, record("legacy"))

	ctx := context.Background()
	kind, err := r.Route(ctx, event(t, bus.External, "portal", testDetailType,
		`{"sourceUriList":["s3://a/f1"],"destinationUri":"s3://b/"}`))
	require.NoError(t, err)
	assert.Equal(t, KindCopyLegacy, kind)
	assert.Equal(t, []string{"copy:copy.legacy", "legacy:copy.legacy"}, seen)

	sub.Unsubscribe()
	seen = nil
	_, err = r.Route(ctx, event(t, bus.External, "portal", testDetailType,
		`{"sourceUriList":["s3://a/f1"],"destinationUri":"s3://b/"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"copy:copy.legacy"}, seen)
}

func TestRouteReportsUnrecognizedAndInvalidEvents(t *testing.T) {
	r := New()
	called := false
	r.Handle("#", func(context.Context, datacopy.Message, bus.Event) error {
		called = true
		return nil
	})
	ctx := context.Background()

	kind, err := r.Route(ctx, event(t, bus.Internal, testSource, testDetailType, `{"hello":"world"}`))
	assert.Empty(t, kind)
	assert.True(t, datacopy.HasCode(err, datacopy.ErrCodeUnrecognizedEvent))

	kind, err = r.Route(ctx, event(t, bus.Internal, testSource, testDetailType, `{"jobId":"J1","taskToken":" "}`))
	assert.Equal(t, KindTokenRegistration, kind)
	assert.True(t, datacopy.HasCode(err, datacopy.ErrCodeValidation))

	kind, err = r.Route(ctx, event(t, bus.External, "portal", testDetailType, `{"jobId":"J1","outcome":"RUNNING"}`))
	assert.Equal(t, KindJobCompletion, kind)
	assert.True(t, datacopy.HasCode(err, datacopy.ErrCodeValidation))

	assert.False(t, called)
}

func TestRouteIsolatesHandlerFailures(t *testing.T) {
	r := New(WithLogger(datacopy.NewFmtLogger(nil)))
	boom := errors.New("boom")

	var reached bool
	r.Handle(KindHeartbeat, func(context.Context, datacopy.Message, bus.Event) error {
		panic("handler bug")
	})
	r.Handle(KindHeartbeat, func(context.Context, datacopy.Message, bus.Event) error {
		return boom
	})
	r.Handle(KindHeartbeat, func(context.Context, datacopy.Message, bus.Event) error {
		reached = true
		return nil
	})

	_, err := r.Route(context.Background(), event(t, bus.Internal, SchedulerSource, HeartbeatDetailType, ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var msgErr *datacopy.MessageError
	assert.ErrorAs(t, err, &msgErr)
	assert.Equal(t, "HandlerPanic", msgErr.Type)
	assert.True(t, reached, "later handlers still run")
}

func TestOnRejectsMismatchedMessages(t *testing.T) {
	r := New()
	var got []string
	On(r, "#", datacopy.CommandFunc[TokenRegistration](func(_ context.Context, msg TokenRegistration) error {
		got = append(got, msg.JobID)
		return nil
	}))

	ctx := context.Background()
	_, err := r.Route(ctx, event(t, bus.Internal, testSource, testDetailType, `{"jobId":"J1","taskToken":"tok"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"J1"}, got)

	_, err = r.Route(ctx, event(t, bus.Internal, SchedulerSource, HeartbeatDetailType, ""))
	assert.True(t, datacopy.HasCode(err, datacopy.ErrCodeValidation))
}

func TestOnRunsThroughRunnerOptions(t *testing.T) {
	r := New()
	attempts := 0
	On(r, KindTokenRegistration, datacopy.CommandFunc[TokenRegistration](func(_ context.Context, msg TokenRegistration) error {
		attempts++
		if attempts < 3 {
			return datacopy.NewError(datacopy.ErrStoreThrottled, "slow down", nil, nil)
		}
		return nil
	}), runner.WithMaxRetries(2), runner.WithRetryIf(datacopy.IsTransient))

	_, err := r.Route(context.Background(), event(t, bus.Internal, testSource, testDetailType, `{"jobId":"J1","taskToken":"tok"}`))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	slow := New()
	On(slow, KindHeartbeat, datacopy.CommandFunc[HeartbeatTick](func(ctx context.Context, _ HeartbeatTick) error {
		<-ctx.Done()
		return ctx.Err()
	}), runner.WithTimeout(10*time.Millisecond))

	_, err = slow.Route(context.Background(), event(t, bus.Internal, SchedulerSource, HeartbeatDetailType, ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAttachSkipsOutcomesAndConsumesUnrecognized(t *testing.T) {
	b := bus.New(bus.WithSynchronousDelivery())
	defer b.Close()

	r := New()
	var kinds []string
	r.Handle("#", func(_ context.Context, msg datacopy.Message, _ bus.Event) error {
		kinds = append(kinds, msg.Type())
		return nil
	})
	subs := r.Attach(b)
	require.Len(t, subs, 2)

	ctx := context.Background()
	outcome := event(t, bus.External, "datacopy.engine", workflow.OutcomeDetailType, `{"jobId":"J1","outcome":"SUCCEEDED"}`)
	require.NoError(t, b.Publish(ctx, outcome))
	assert.Empty(t, kinds, "outcome events must not loop back into the router")

	require.NoError(t, b.Publish(ctx, event(t, bus.Internal, testSource, testDetailType, `{"nothing":"here"}`)))

	require.NoError(t, b.Publish(ctx, event(t, bus.External, SchedulerSource, HeartbeatDetailType, "")))
	assert.Equal(t, []string{KindHeartbeat}, kinds)

	for _, s := range subs {
		s.Unsubscribe()
	}
	require.NoError(t, b.Publish(ctx, event(t, bus.External, SchedulerSource, HeartbeatDetailType, "")))
	assert.Len(t, kinds, 1)
}

func TestCustomRulesAndEventCode(t *testing.T) {
	r := New(
		WithProviderEventCode("JOB_STATE"),
		WithRules(Rule{Name: "all-provider", Kinds: []string{KindProviderJobEvent}}),
	)

	_, rule, err := r.Classify(event(t, bus.External, "x", "y",
		`{"ica-event":{"eventCode":"JOB_STATE","payload":{"id":"J1","status":"FAILED"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "all-provider", rule.Name)

	_, _, err = r.Classify(event(t, bus.Internal, testSource, testDetailType, `{"jobId":"J1","taskToken":"tok"}`))
	assert.True(t, datacopy.HasCode(err, datacopy.ErrCodeUnrecognizedEvent))
	assert.Len(t, r.Rules(), 1)
}
