// Package router classifies inbound events by the shape of their detail and
// dispatches each one to the handlers registered for its kind.
package router

import (
	"context"
	"errors"
	"fmt"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/bus"
	"github.com/goliatone/go-datacopy/observability"
	"github.com/goliatone/go-datacopy/runner"
	"github.com/goliatone/go-datacopy/workflow"
)

// Handler consumes a classified event.
type Handler func(ctx context.Context, msg datacopy.Message, evt bus.Event) error

// Subscriber is the part of the event bus the router attaches to.
type Subscriber interface {
	Subscribe(busName string, handler bus.Handler, filter bus.Filter) bus.Subscription
}

type Router struct {
	mux        *Mux
	muxOpts    []MuxOption
	rules      []Rule
	source     string
	detailType string
	eventCode  string
	logger     datacopy.Logger
	obs        *observability.Provider
	onPanic    datacopy.PanicHandler
}

func New(opts ...Option) *Router {
	r := &Router{
		source:     workflow.DefaultEventSource,
		detailType: workflow.DefaultEventDetailType,
		eventCode:  DefaultProviderEventCode,
		logger:     datacopy.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.rules == nil {
		r.rules = DefaultRules(r.source, r.detailType)
	}
	r.mux = NewMux(r.muxOpts...)
	r.onPanic = datacopy.LoggerPanicHandler(r.logger)
	return r
}

// Handle registers h for every kind matching pattern.
func (r *Router) Handle(pattern string, h Handler) Subscription {
	return r.mux.Add(pattern, h)
}

// On registers a typed command for kinds matching pattern. Messages of any
// other type are rejected with a validation error. With runnerOpts the
// command runs through a runner.Handler, gaining its timeout and retries.
func On[T datacopy.Message](r *Router, pattern string, cmd datacopy.Commander[T], runnerOpts ...runner.Option) Subscription {
	var h *runner.Handler
	if len(runnerOpts) > 0 {
		h = runner.NewHandler(runnerOpts...)
	}
	return r.Handle(pattern, func(ctx context.Context, msg datacopy.Message, _ bus.Event) error {
		typed, ok := msg.(T)
		if !ok {
			return datacopy.NewError(datacopy.ErrValidation, fmt.Sprintf("handler for %q cannot take %T", pattern, msg), nil, nil)
		}
		if h == nil {
			return cmd.Execute(ctx, typed)
		}
		return runner.RunCommand(ctx, h, cmd, typed)
	})
}

// Rules returns a copy of the rule table.
func (r *Router) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// Classify parses evt and checks it against the rule table, returning the
// variant and the rule that admitted it.
func (r *Router) Classify(evt bus.Event) (datacopy.Message, Rule, error) {
	msg, err := Classify(evt, r.eventCode)
	if err != nil {
		return nil, Rule{}, err
	}
	kind := msg.Type()
	for _, rule := range r.rules {
		if rule.Admits(evt, kind) {
			return msg, rule, nil
		}
	}
	return nil, Rule{}, datacopy.NewError(datacopy.ErrUnrecognizedEvent, "no rule admits event", nil, map[string]any{
		"event_id":    evt.ID,
		"kind":        kind,
		"bus":         evt.Bus,
		"source":      evt.Source,
		"detail_type": evt.DetailType,
	})
}

// Route classifies evt and runs the handlers registered for its kind. It
// returns the kind the event was routed as. Unrecognized events are logged
// and returned as UNRECOGNIZED_EVENT; they are never retried.
func (r *Router) Route(ctx context.Context, evt bus.Event) (kind string, err error) {
	ctx, span := r.obs.Tracer().StartRoute(ctx, evt.Bus)
	defer func() {
		if err != nil && !datacopy.HasCode(err, datacopy.ErrCodeUnrecognizedEvent) {
			r.obs.Tracer().RecordError(span, err)
		}
		span.End()
	}()

	logger := datacopy.WithLoggerFields(r.logger, map[string]any{
		"event_id": evt.ID,
		"bus":      evt.Bus,
	})

	msg, rule, err := r.Classify(evt)
	if err != nil {
		logger.Warn("dropping event from %q (%s): %v", evt.Source, evt.DetailType, err)
		r.obs.Metrics().RecordRouted(ctx, evt.Bus, "unrecognized")
		return "", err
	}
	kind = msg.Type()
	span.SetAttributes(observability.EventKindAttr(kind))
	r.obs.Metrics().RecordRouted(ctx, evt.Bus, kind)

	if err := datacopy.ValidateMessage(msg); err != nil {
		logger.Warn("rejecting %s event: %v", kind, err)
		return kind, err
	}

	entries := r.mux.Get(kind)
	if len(entries) == 0 {
		logger.Warn("no handler for %s event admitted by %s", kind, rule.Name)
		return kind, nil
	}

	logger.Debug("routing %s event via %s to %d handler(s)", kind, rule.Name, len(entries))
	var errs []error
	for _, e := range entries {
		if err := r.invoke(ctx, e, msg, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return kind, errors.Join(errs...)
}

func (r *Router) invoke(ctx context.Context, e Entry, msg datacopy.Message, evt bus.Event) (err error) {
	completed := false
	defer func() {
		if !completed && err == nil {
			err = datacopy.WrapError("HandlerPanic", fmt.Sprintf("handler for %s panicked", msg.Type()), nil)
		}
	}()
	defer r.onPanic("router.invoke", map[string]any{"event_id": evt.ID, "pattern": e.pattern})

	err = e.Handler(ctx, msg, evt)
	completed = true
	return err
}

// Attach subscribes the router to each named bus. Outcome events published
// by the workflow engine are skipped. Unrecognized events are consumed so
// the bus does not report them as delivery failures.
func (r *Router) Attach(sub Subscriber, busNames ...string) []bus.Subscription {
	if len(busNames) == 0 {
		busNames = []string{bus.Internal, bus.External}
	}
	handler := func(ctx context.Context, evt bus.Event) error {
		_, err := r.Route(ctx, evt)
		if datacopy.HasCode(err, datacopy.ErrCodeUnrecognizedEvent) {
			return nil
		}
		return err
	}
	subs := make([]bus.Subscription, 0, len(busNames))
	for _, name := range busNames {
		subs = append(subs, sub.Subscribe(name, handler, SkipOutcomes))
	}
	return subs
}

// SkipOutcomes filters out execution outcome events.
func SkipOutcomes(evt bus.Event) bool {
	return evt.DetailType != workflow.OutcomeDetailType
}
