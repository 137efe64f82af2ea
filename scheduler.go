package datacopy

import (
	"context"
	"time"
)

// DefaultHeartbeatRule is the name of the schedule rule driving the status poller.
const DefaultHeartbeatRule = "heartBeatScheduleRule"

// HandlerConfig describes how a scheduled task runs. Expression uses the
// robfig/cron grammar, e.g. "@every 3m".
type HandlerConfig struct {
	// Rule names a schedule that can be toggled at runtime. Tasks without
	// one are scheduled as anonymous, always-on entries.
	Rule       string        `json:"rule,omitempty" yaml:"rule"`
	Expression string        `json:"expression" yaml:"expression"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries"`
	MaxRuns    int           `json:"max_runs,omitempty" yaml:"max_runs"`
	RunOnce    bool          `json:"run_once,omitempty" yaml:"run_once"`
}

// Named reports whether the task runs under a toggleable rule.
func (c HandlerConfig) Named() bool {
	return c.Rule != ""
}

// SchedulerControl toggles named schedule rules. The status poller disables
// its own rule when no jobs are outstanding and the registrar enables it again
// on the next registration.
type SchedulerControl interface {
	Enable(ctx context.Context, rule string) error
	Disable(ctx context.Context, rule string) error
	IsEnabled(ctx context.Context, rule string) (bool, error)
}
