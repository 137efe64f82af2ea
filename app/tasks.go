package app

import (
	"context"
	"fmt"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/bus"
	"github.com/goliatone/go-datacopy/router"
)

// Tasks returns the maintenance tasks of a. Each is scheduled on the cron
// scheduler and exposed as a CLI subcommand. A nil a yields tasks usable
// only for CLI discovery.
func Tasks(a *App) []any {
	return []any{
		&HeartbeatTask{app: a},
		&ExpireTask{app: a},
		&SweepTask{app: a},
	}
}

// HeartbeatTask publishes the scheduler event that drives the status poller.
// It runs under the toggleable heartbeat rule.
type HeartbeatTask struct {
	app *App
}

func (t *HeartbeatTask) CronOptions() datacopy.HandlerConfig {
	if t.app == nil {
		return datacopy.HandlerConfig{Rule: datacopy.DefaultHeartbeatRule}
	}
	cfg := t.app.Config.Heartbeat
	return datacopy.HandlerConfig{
		Rule:       cfg.RuleName,
		Expression: fmt.Sprintf("@every %s", cfg.Interval),
		Timeout:    cfg.Timeout,
	}
}

func (t *HeartbeatTask) CronHandler() func() error {
	return func() error {
		return t.app.PublishHeartbeat(context.Background())
	}
}

func (t *HeartbeatTask) CLIHandler() any {
	return &TickCommand{}
}

func (t *HeartbeatTask) CLIOptions() datacopy.CLIConfig {
	return datacopy.CLIConfig{
		Name:        "tick",
		Description: "Poll the provider once for every outstanding copy job.",
		Group:       "maintenance",
		Aliases:     []string{"heartbeat"},
	}
}

// ExpireTask fails executions whose job stopped sending heartbeats. It runs
// every heartbeat interval, so a silent execution fails at most one interval
// after its timeout.
type ExpireTask struct {
	app *App
}

func (t *ExpireTask) CronOptions() datacopy.HandlerConfig {
	if t.app == nil {
		return datacopy.HandlerConfig{}
	}
	cfg := t.app.Config.Heartbeat
	return datacopy.HandlerConfig{
		Expression: fmt.Sprintf("@every %s", cfg.Interval),
		Timeout:    cfg.Interval,
	}
}

func (t *ExpireTask) CronHandler() func() error {
	return func() error {
		_, err := t.app.ExpireHeartbeats(context.Background())
		return err
	}
}

func (t *ExpireTask) CLIHandler() any {
	return &ExpireCommand{}
}

func (t *ExpireTask) CLIOptions() datacopy.CLIConfig {
	return datacopy.CLIConfig{
		Name:        "expire",
		Description: "Fail executions whose copy job stopped sending heartbeats.",
		Group:       "maintenance",
	}
}

// SweepTask removes job rows past their TTL.
type SweepTask struct {
	app *App
}

func (t *SweepTask) CronOptions() datacopy.HandlerConfig {
	if t.app == nil {
		return datacopy.HandlerConfig{}
	}
	return datacopy.HandlerConfig{
		Expression: fmt.Sprintf("@every %s", t.app.Config.Store.SweepInterval),
		Timeout:    sweepTimeout,
	}
}

func (t *SweepTask) CronHandler() func() error {
	return func() error {
		_, err := t.app.Sweep(context.Background())
		return err
	}
}

func (t *SweepTask) CLIHandler() any {
	return &SweepCommand{}
}

func (t *SweepTask) CLIOptions() datacopy.CLIConfig {
	return datacopy.CLIConfig{
		Name:        "sweep",
		Description: "Remove job rows past their TTL.",
		Group:       "maintenance",
	}
}

// TickCommand runs one heartbeat poll in the foreground.
type TickCommand struct{}

func (c *TickCommand) Run(ctx context.Context, a *App) error {
	report, err := a.Poller.Tick(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info("tick scanned=%d resumed=%d running=%d failures=%d",
		report.Scanned, report.Resumed, report.Running, report.Failures)
	return nil
}

// SweepCommand runs one maintenance pass in the foreground.
type SweepCommand struct{}

func (c *SweepCommand) Run(ctx context.Context, a *App) error {
	report, err := a.Sweep(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info("sweep scanned=%d tokens_expired=%d deleted=%d failures=%d",
		report.Scanned, report.TokensExpired, report.RecordsDeleted, report.Failures)
	return nil
}

// ExpireCommand fails silent executions in the foreground.
type ExpireCommand struct{}

func (c *ExpireCommand) Run(ctx context.Context, a *App) error {
	n, err := a.ExpireHeartbeats(ctx)
	a.Logger.Info("expire timed_out=%d", n)
	return err
}

// MaintenanceReport summarizes one sweep pass.
type MaintenanceReport struct {
	Scanned        int
	TokensExpired  int
	RecordsDeleted int
	Failures       int
}

// PublishHeartbeat publishes a scheduler event on the internal bus.
func (a *App) PublishHeartbeat(ctx context.Context) error {
	evt, err := bus.NewEvent(bus.Internal, router.SchedulerSource, router.HeartbeatDetailType, nil)
	if err != nil {
		return err
	}
	return a.Bus.Publish(ctx, evt)
}

// Sweep removes job rows past their TTL. Expired task tokens fail their
// executions with JOB_EXPIRED first.
func (a *App) Sweep(ctx context.Context) (MaintenanceReport, error) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	swept, err := a.Sweeper.Sweep(ctx)
	a.Obs.Metrics().RecordSwept(ctx, swept.RecordsDeleted)
	return MaintenanceReport(swept), err
}

// ExpireHeartbeats fails awaiting executions past the heartbeat timeout
// through the registrar, which also settles their job rows.
func (a *App) ExpireHeartbeats(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Config.Heartbeat.Interval)
	defer cancel()
	return a.Registrar.ExpireHeartbeats(ctx)
}
