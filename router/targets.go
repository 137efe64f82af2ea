package router

import (
	"context"
	"time"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/observability"
	"github.com/goliatone/go-datacopy/poller"
	"github.com/goliatone/go-datacopy/provider"
	"github.com/goliatone/go-datacopy/registrar"
	"github.com/goliatone/go-datacopy/runner"
	"github.com/goliatone/go-datacopy/workflow"
)

// Starter starts workflow executions.
type Starter interface {
	StartExecution(ctx context.Context, name string, input any) (workflow.Execution, error)
}

// Registrar is the part of the task token registrar events drive.
type Registrar interface {
	Register(ctx context.Context, jobID, token string) error
	Resume(ctx context.Context, jobID string, outcome registrar.Outcome) error
	Heartbeat(ctx context.Context, jobID string) error
}

// Ticker runs one heartbeat poll.
type Ticker interface {
	Tick(ctx context.Context) (poller.Report, error)
}

// Targets are the components events are dispatched to.
type Targets struct {
	Engine    Starter
	Registrar Registrar
	Poller    Ticker
	Logger    datacopy.Logger

	// TickTimeout bounds one heartbeat poll; zero leaves it unbounded.
	TickTimeout time.Duration
}

// Bind registers the service handlers on r: copy requests start a copy-job
// execution, rename requests a rename-file execution, registrations store task tokens, provider events and
// completions resume waiting executions, and heartbeats tick the poller.
func Bind(r *Router, t Targets) []Subscription {
	logger := datacopy.NormalizeLogger(t.Logger)
	var subs []Subscription

	if t.Engine != nil {
		subs = append(subs, On(r, "copy.*", datacopy.CommandFunc[CopyRequested](func(ctx context.Context, msg CopyRequested) error {
			exec, err := t.Engine.StartExecution(ctx, workflow.CopyJobWorkflowName, msg.Request)
			if err != nil && exec.Status == workflow.ExecutionFailed {
				// reported to the requester through the outcome event
				logger.Warn("copy request failed in execution %s: %v", exec.ID, err)
				return nil
			}
			if err != nil {
				return err
			}
			logger.Info("copy request started execution %s (%s)", exec.ID, exec.Status)
			return nil
		})))
		subs = append(subs, On(r, KindRenameRequest, datacopy.CommandFunc[RenameRequested](func(ctx context.Context, msg RenameRequested) error {
			exec, err := t.Engine.StartExecution(ctx, workflow.RenameWorkflowName, msg.Request)
			if err != nil && exec.Status == workflow.ExecutionFailed {
				logger.Warn("rename request failed in execution %s: %v", exec.ID, err)
				return nil
			}
			if err != nil {
				return err
			}
			logger.Info("rename request finished execution %s (%s)", exec.ID, exec.Status)
			return nil
		})))
	}

	if t.Registrar != nil {
		subs = append(subs,
			On(r, KindTokenRegistration, datacopy.CommandFunc[TokenRegistration](func(ctx context.Context, msg TokenRegistration) error {
				return t.Registrar.Register(ctx, msg.JobID, msg.TaskToken)
			})),
			On(r, KindProviderJobEvent, datacopy.CommandFunc[ProviderJobEvent](func(ctx context.Context, msg ProviderJobEvent) error {
				status := provider.SummarizeStatus(msg.RawStatus)
				if !status.Terminal() {
					return benign(logger, msg.JobID, t.Registrar.Heartbeat(ctx, msg.JobID))
				}
				return benign(logger, msg.JobID, t.Registrar.Resume(ctx, msg.JobID, registrar.Outcome{
					Status:    status,
					RawStatus: msg.RawStatus,
					Path:      observability.PathEvent,
				}))
			})),
			On(r, KindJobCompletion, datacopy.CommandFunc[JobCompletion](func(ctx context.Context, msg JobCompletion) error {
				status, err := msg.Status()
				if err != nil {
					return err
				}
				return benign(logger, msg.JobID, t.Registrar.Resume(ctx, msg.JobID, registrar.Outcome{
					Status: status,
					Cause:  msg.Cause,
					Path:   observability.PathEvent,
				}))
			})),
		)
	}

	if t.Poller != nil {
		var tickOpts []runner.Option
		if t.TickTimeout > 0 {
			tickOpts = append(tickOpts, runner.WithTimeout(t.TickTimeout))
		}
		subs = append(subs, On(r, KindHeartbeat, datacopy.CommandFunc[HeartbeatTick](func(ctx context.Context, _ HeartbeatTick) error {
			report, err := t.Poller.Tick(ctx)
			if err != nil {
				return err
			}
			logger.Debug("heartbeat tick scanned=%d resumed=%d running=%d failures=%d",
				report.Scanned, report.Resumed, report.Running, report.Failures)
			return nil
		}), tickOpts...))
	}

	return subs
}

// benign swallows race outcomes such as a resume for an already resumed job.
func benign(logger datacopy.Logger, jobID string, err error) error {
	if datacopy.IsBenign(err) {
		logger.Info("job %s: %v", jobID, err)
		return nil
	}
	return err
}
