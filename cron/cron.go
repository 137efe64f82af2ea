package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/runner"

	rcron "github.com/robfig/cron/v3"
)

// Logger is the subset of datacopy.Logger the scheduler writes to.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Scheduler wraps robfig/cron with cancelable handles and named rules that
// can be switched on and off at runtime.
type Scheduler struct {
	cron         *rcron.Cron
	parser       Parser
	logger       Logger
	errorHandler func(error)

	mu      sync.Mutex
	lastID  int64
	handles map[int64]*handle
	rules   map[string]*rule
}

var _ datacopy.SchedulerControl = (*Scheduler)(nil)

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		parser:  DefaultParser,
		handles: make(map[int64]*handle),
		rules:   make(map[string]*rule),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			if s.logger != nil {
				s.logger.Error("scheduled task failed: %v", err)
			}
		}
	}

	chain := []rcron.JobWrapper{rcron.Recover(panicSink(s.errorHandler))}
	cronOpts := []rcron.Option{rcron.WithParser(s.parser.build())}
	if s.logger != nil {
		cronOpts = append(cronOpts, rcron.WithLogger(cronLog{logger: s.logger}))
		// overlapping heartbeat ticks would poll the same rows twice
		chain = append(chain, rcron.SkipIfStillRunning(cronLog{logger: s.logger}))
	} else {
		chain = append(chain, rcron.SkipIfStillRunning(rcron.DiscardLogger))
	}
	s.cron = rcron.New(append(cronOpts, rcron.WithChain(chain...))...)
	return s
}

// ScheduleCron schedules a recurring handler by cron expression.
func (s *Scheduler) ScheduleCron(opts datacopy.HandlerConfig, fn any) (Handle, error) {
	if opts.Expression == "" {
		return nil, datacopy.NewError(datacopy.ErrValidation, "cron expression cannot be empty", nil, nil)
	}
	run, err := s.buildRunnable(opts, fn)
	if err != nil {
		return nil, err
	}

	h := s.track(ScheduleStatusScheduled)
	entryID, err := s.cron.AddJob(opts.Expression, s.recurringJob(h, run))
	if err != nil {
		s.untrack(h.id)
		return nil, datacopy.NewError(datacopy.ErrValidation, "invalid cron expression", err, map[string]any{
			"expression": opts.Expression,
		})
	}
	s.mu.Lock()
	h.entryID = entryID
	s.mu.Unlock()
	return h, nil
}

// ScheduleAfter schedules one execution after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, opts datacopy.HandlerConfig, fn any) (Handle, error) {
	return s.ScheduleAt(time.Now().Add(max(delay, 0)), opts, fn)
}

// ScheduleAt schedules one execution at a specific time.
func (s *Scheduler) ScheduleAt(at time.Time, opts datacopy.HandlerConfig, fn any) (Handle, error) {
	run, err := s.buildRunnable(opts, fn)
	if err != nil {
		return nil, err
	}

	h := s.track(ScheduleStatusScheduled)
	go func() {
		defer s.untrack(h.id)
		s.runAt(h, at, run)
	}()
	return h, nil
}

func (s *Scheduler) runAt(h *handle, at time.Time, run func() error) {
	timer := time.NewTimer(max(time.Until(at), 0))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-h.Done():
		return
	}

	if !h.update(ScheduleStatusRunning, nil) {
		return
	}
	if err := run(); err != nil {
		h.finish(ScheduleStatusFailed, err)
		s.errorHandler(err)
		return
	}
	h.finish(ScheduleStatusCompleted, nil)
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts the cron loop, waits for running jobs up to ctx, and marks
// active handles as stopped. Rules keep their entries so a later Start
// resumes them.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	drained := s.cron.Stop()

	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[int64]*handle)
	entries := make([]rcron.EntryID, 0, len(handles))
	for _, h := range handles {
		if h.entryID != 0 {
			entries = append(entries, h.entryID)
		}
	}
	s.mu.Unlock()

	for _, id := range entries {
		s.cron.Remove(id)
	}
	for _, h := range handles {
		h.finish(ScheduleStatusStopped, nil)
	}

	select {
	case <-drained.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recurringJob keeps firing after failures; only Cancel or Stop end it.
func (s *Scheduler) recurringJob(h *handle, run func() error) rcron.Job {
	return rcron.FuncJob(func() {
		if !h.update(ScheduleStatusRunning, nil) {
			return
		}
		if err := run(); err != nil {
			h.update(ScheduleStatusFailed, err)
			s.errorHandler(err)
			return
		}
		h.update(ScheduleStatusIdle, nil)
	})
}

func (s *Scheduler) track(status ScheduleStatus) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	h := newHandle(s, s.lastID, status)
	s.handles[h.id] = h
	return h
}

// untrack forgets the handle and returns its cron entry, if any.
func (s *Scheduler) untrack(id int64) rcron.EntryID {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return 0
	}
	delete(s.handles, id)
	return h.entryID
}

func (s *Scheduler) removeHandle(id int64) {
	if entry := s.untrack(id); entry != 0 {
		s.cron.Remove(entry)
	}
}

// buildRunnable adapts the supported handler shapes to a func() error that
// runs through a runner.Handler configured from opts.
func (s *Scheduler) buildRunnable(opts datacopy.HandlerConfig, fn any) (func() error, error) {
	var call func(context.Context) error
	switch f := fn.(type) {
	case func():
		call = func(context.Context) error { f(); return nil }
	case func() error:
		call = func(context.Context) error { return f() }
	case func(context.Context) error:
		call = f
	default:
		return nil, datacopy.NewError(datacopy.ErrValidation, fmt.Sprintf("unsupported handler type: %T", fn), nil, nil)
	}

	h := runner.NewHandler(s.runnerOptions(opts)...)
	return func() error {
		return h.Run(context.Background(), call)
	}, nil
}

func (s *Scheduler) runnerOptions(opts datacopy.HandlerConfig) []runner.Option {
	out := []runner.Option{
		runner.WithMaxRetries(opts.MaxRetries),
		runner.WithMaxRuns(opts.MaxRuns),
		runner.WithRunOnce(opts.RunOnce),
		runner.WithTimeout(opts.Timeout),
	}
	if s.logger != nil {
		out = append(out, runner.WithLogger(s.logger))
	}
	return out
}
