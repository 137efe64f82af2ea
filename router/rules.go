package router

import (
	"slices"

	"github.com/goliatone/go-datacopy/bus"
)

// Rule admits events of the listed kinds when the envelope matches. Empty
// Bus, Source or DetailType match any value.
type Rule struct {
	Name       string
	Bus        string
	Source     string
	DetailType string
	Kinds      []string
}

// Admits reports whether evt, classified as kind, passes the rule.
func (r Rule) Admits(evt bus.Event, kind string) bool {
	if r.Bus != "" && r.Bus != evt.Bus {
		return false
	}
	if r.Source != "" && r.Source != evt.Source {
		return false
	}
	if r.DetailType != "" && r.DetailType != evt.DetailType {
		return false
	}
	return slices.Contains(r.Kinds, kind)
}

// DefaultRules is the rule table of the service. Internal producers must
// use the service's source and detail type; external callers only the
// detail type. Provider events arrive on the internal bus from any source.
func DefaultRules(source, detailType string) []Rule {
	return []Rule{
		{
			Name:       "listenInternalCopyJobRule",
			Bus:        bus.Internal,
			Source:     source,
			DetailType: detailType,
			Kinds:      []string{KindCopyRequest, KindRenameRequest},
		},
		{
			Name:       "listenInternalTaskTokenRule",
			Bus:        bus.Internal,
			Source:     source,
			DetailType: detailType,
			Kinds:      []string{KindTokenRegistration, KindJobCompletion},
		},
		{
			Name:       "listenExternalCopyJobRule",
			Bus:        bus.External,
			DetailType: detailType,
			Kinds:      []string{KindCopyRequest, KindRenameRequest},
		},
		{
			Name:       "listenExternalCopyJobLegacyRule",
			Bus:        bus.External,
			DetailType: detailType,
			Kinds:      []string{KindCopyLegacy},
		},
		{
			Name:       "listenExternalJobCompletionRule",
			Bus:        bus.External,
			DetailType: detailType,
			Kinds:      []string{KindJobCompletion},
		},
		{
			Name:  "listenProviderCopyJobEventRule",
			Bus:   bus.Internal,
			Kinds: []string{KindProviderJobEvent},
		},
		{
			Name:   "internalHeartBeatScheduleRule",
			Source: SchedulerSource,
			Kinds:  []string{KindHeartbeat},
		},
	}
}
