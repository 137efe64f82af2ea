// Package poller checks the provider for the status of every outstanding
// copy job on each heartbeat tick.
package poller

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/jobstore"
	"github.com/goliatone/go-datacopy/observability"
	"github.com/goliatone/go-datacopy/provider"
	"github.com/goliatone/go-datacopy/registrar"
)

// DefaultConcurrency bounds the provider status calls made per tick.
const DefaultConcurrency = 5

// StatusSource reports the raw provider status of a copy job.
type StatusSource interface {
	GetJobStatus(ctx context.Context, jobID string) (string, error)
}

// Resumer is the part of the registrar the poller drives.
type Resumer interface {
	Resume(ctx context.Context, jobID string, outcome registrar.Outcome) error
	Heartbeat(ctx context.Context, jobID string) error
}

// Report summarizes one tick.
type Report struct {
	Scanned  int  `json:"scanned"`
	Resumed  int  `json:"resumed"`
	Running  int  `json:"running"`
	Skipped  int  `json:"skipped"`
	Failures int  `json:"failures"`
	Disabled bool `json:"disabled"`
}

type Poller struct {
	store       jobstore.Store
	status      StatusSource
	resumer     Resumer
	scheduler   datacopy.SchedulerControl
	rule        string
	concurrency int
	logger      datacopy.Logger
	obs         *observability.Provider
	now         func() time.Time
}

type Option func(*Poller)

func WithRule(name string) Option {
	return func(p *Poller) {
		if strings.TrimSpace(name) != "" {
			p.rule = strings.TrimSpace(name)
		}
	}
}

func WithConcurrency(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithLogger(logger datacopy.Logger) Option {
	return func(p *Poller) {
		p.logger = datacopy.NormalizeLogger(logger)
	}
}

func WithObservability(obs *observability.Provider) Option {
	return func(p *Poller) {
		p.obs = obs
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

func New(store jobstore.Store, status StatusSource, resumer Resumer, scheduler datacopy.SchedulerControl, opts ...Option) (*Poller, error) {
	if store == nil || status == nil || resumer == nil || scheduler == nil {
		return nil, datacopy.NewError(datacopy.ErrValidation, "job store, status source, resumer and scheduler required", nil, nil)
	}
	p := &Poller{
		store:       store,
		status:      status,
		resumer:     resumer,
		scheduler:   scheduler,
		rule:        datacopy.DefaultHeartbeatRule,
		concurrency: DefaultConcurrency,
		logger:      datacopy.NewFmtLogger(nil),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Tick polls every outstanding JOB row once. With nothing outstanding the
// heartbeat rule is disabled. A failure on one job is counted and logged
// and left for the next tick; only scan and rule errors are returned.
func (p *Poller) Tick(ctx context.Context) (report Report, err error) {
	started := p.now()
	ctx, span := p.obs.Tracer().StartTick(ctx)
	defer func() {
		p.obs.Tracer().RecordError(span, err)
		p.obs.Metrics().RecordTick(ctx, p.now().Sub(started))
		span.End()
	}()

	var mu sync.Mutex
	count := func(fn func(*Report)) {
		mu.Lock()
		fn(&report)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)

	var scanErr error
	for rec, err := range p.store.ScanPending(ctx, jobstore.RecordTypeJob) {
		if err != nil {
			scanErr = err
			break
		}
		count(func(r *Report) { r.Scanned++ })
		g.Go(func() error {
			p.pollOne(ctx, rec, count)
			return nil
		})
	}
	_ = g.Wait()
	if scanErr != nil {
		return report, scanErr
	}

	if report.Scanned == 0 {
		disabled, err := p.disableIdle(ctx)
		report.Disabled = disabled
		return report, err
	}
	p.logger.Info("poll tick: scanned=%d resumed=%d running=%d failures=%d",
		report.Scanned, report.Resumed, report.Running, report.Failures)
	return report, nil
}

// disableIdle turns the heartbeat rule off. A job registered between the
// scan and the disable would otherwise go unpolled, so the scan is repeated
// and the rule re-enabled when it finds work.
func (p *Poller) disableIdle(ctx context.Context) (bool, error) {
	if err := p.scheduler.Disable(ctx, p.rule); err != nil {
		return false, err
	}
	for _, err := range p.store.ScanPending(ctx, jobstore.RecordTypeJob) {
		if err != nil {
			return true, err
		}
		p.logger.Info("job registered while disabling %s, keeping it enabled", p.rule)
		return false, p.scheduler.Enable(ctx, p.rule)
	}
	p.logger.Info("no outstanding jobs, disabled %s", p.rule)
	return true, nil
}

func (p *Poller) pollOne(ctx context.Context, rec jobstore.JobRecord, count func(func(*Report))) {
	logger := datacopy.WithLoggerFields(p.logger, map[string]any{"job_id": rec.ID})

	completed := false
	defer func() {
		if !completed {
			count(func(r *Report) { r.Failures++ })
			p.obs.Metrics().RecordPoll(ctx, "panic")
		}
	}()
	defer datacopy.LoggerPanicHandler(logger)("poller.poll", map[string]any{"job_id": rec.ID})

	outcome := p.check(ctx, logger, rec)
	completed = true
	p.obs.Metrics().RecordPoll(ctx, outcome)
	count(func(r *Report) {
		switch outcome {
		case "resumed":
			r.Resumed++
		case "running":
			r.Running++
		case "skipped":
			r.Skipped++
		default:
			r.Failures++
		}
	})
}

func (p *Poller) check(ctx context.Context, logger datacopy.Logger, rec jobstore.JobRecord) string {
	raw, err := p.status.GetJobStatus(ctx, rec.ID)
	if err != nil {
		logger.Warn("poll job status: %v", err)
		return "failed"
	}
	status := provider.SummarizeStatus(raw)

	if status.Terminal() {
		err := p.resumer.Resume(ctx, rec.ID, registrar.Outcome{
			Status:    status,
			RawStatus: raw,
			Path:      observability.PathPoll,
		})
		switch {
		case err == nil:
			return "resumed"
		case datacopy.IsBenign(err):
			// the event path got there first, or the token is gone
			logger.Debug("job %s already resumed", rec.ID)
			if err := p.settle(ctx, rec.ID, status, raw); err != nil {
				logger.Warn("settle job %s: %v", rec.ID, err)
				return "failed"
			}
			return "skipped"
		default:
			logger.Warn("resume job %s: %v", rec.ID, err)
			return "failed"
		}
	}

	if rec.Status != jobstore.StatusInProgress {
		rec.Status = jobstore.StatusInProgress
		rec.UpdatedAt = p.now().UTC()
		if err := p.store.Put(ctx, rec); err != nil {
			logger.Warn("mark job in progress: %v", err)
			return "failed"
		}
	}
	if err := p.resumer.Heartbeat(ctx, rec.ID); err != nil && !datacopy.IsBenign(err) {
		logger.Warn("heartbeat job %s: %v", rec.ID, err)
		return "failed"
	}
	return "running"
}

// settle marks a still outstanding JOB row with the provider's terminal
// status when no execution is left to resume.
func (p *Poller) settle(ctx context.Context, jobID string, status jobstore.Status, raw string) error {
	rec, err := p.store.Get(ctx, jobID, jobstore.RecordTypeJob)
	if err != nil {
		if datacopy.IsBenign(err) {
			return nil
		}
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = status
	if rec.Error == "" && status == jobstore.StatusFailed {
		rec.Error = "provider reported " + raw
	}
	rec.UpdatedAt = p.now().UTC()
	return p.store.Put(ctx, rec)
}
