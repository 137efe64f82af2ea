package router

import (
	"strings"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/observability"
)

type MuxOption func(m *Mux)

// WithKindMatcher replaces the kind pattern matcher.
func WithKindMatcher(matcher KindMatcher) MuxOption {
	return func(m *Mux) {
		if matcher != nil {
			m.matchKind = matcher
		}
	}
}

type Option func(r *Router)

// WithRules replaces the rule table.
func WithRules(rules ...Rule) Option {
	return func(r *Router) {
		r.rules = append([]Rule(nil), rules...)
	}
}

// WithEventIdentity sets the source and detail type the default rules
// expect from internal producers.
func WithEventIdentity(source, detailType string) Option {
	return func(r *Router) {
		if s := strings.TrimSpace(source); s != "" {
			r.source = s
		}
		if d := strings.TrimSpace(detailType); d != "" {
			r.detailType = d
		}
	}
}

// WithProviderEventCode sets the event code of provider job state changes.
func WithProviderEventCode(code string) Option {
	return func(r *Router) {
		if c := strings.TrimSpace(code); c != "" {
			r.eventCode = c
		}
	}
}

func WithMuxOptions(opts ...MuxOption) Option {
	return func(r *Router) {
		r.muxOpts = append(r.muxOpts, opts...)
	}
}

func WithLogger(logger datacopy.Logger) Option {
	return func(r *Router) {
		r.logger = datacopy.NormalizeLogger(logger)
	}
}

func WithObservability(obs *observability.Provider) Option {
	return func(r *Router) {
		r.obs = obs
	}
}
