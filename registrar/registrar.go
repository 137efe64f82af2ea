// Package registrar binds provider jobs to the task tokens their executions
// wait on, and resumes those executions exactly once.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/jobstore"
	"github.com/goliatone/go-datacopy/observability"
	"github.com/goliatone/go-datacopy/workflow"
)

// ErrCodeJobFailed is the failure code handed to executions whose provider
// job ended unsuccessfully.
const ErrCodeJobFailed = "COPY_JOB_FAILED"

// Engine is the part of the workflow engine the registrar drives.
type Engine interface {
	SendTaskSuccess(ctx context.Context, token string, output any) (workflow.Execution, error)
	SendTaskFailure(ctx context.Context, token, code, cause string) (workflow.Execution, error)
	SendTaskHeartbeat(ctx context.Context, token string) error
	TimedOut(ctx context.Context) ([]workflow.Execution, error)
}

// Outcome is the terminal result of a provider job.
type Outcome struct {
	Status    jobstore.Status
	RawStatus string
	// Code overrides the failure code for failed outcomes.
	Code  string
	Cause string
	// Path names the resume path for metrics and logs.
	Path string
}

// ResumeOutput is the task output handed to a successfully resumed execution.
type ResumeOutput struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	RawStatus string `json:"rawStatus,omitempty"`
}

type Registrar struct {
	store     jobstore.Store
	engine    Engine
	scheduler datacopy.SchedulerControl
	rule      string
	ttl       time.Duration
	logger    datacopy.Logger
	obs       *observability.Provider
	now       func() time.Time
}

var _ jobstore.TokenExpirer = (*Registrar)(nil)

type Option func(*Registrar)

// WithRule sets the schedule rule re-enabled on every registration.
func WithRule(name string) Option {
	return func(r *Registrar) {
		if strings.TrimSpace(name) != "" {
			r.rule = strings.TrimSpace(name)
		}
	}
}

// WithTokenTTL bounds how long an unused task token row is kept.
func WithTokenTTL(ttl time.Duration) Option {
	return func(r *Registrar) {
		r.ttl = ttl
	}
}

func WithLogger(logger datacopy.Logger) Option {
	return func(r *Registrar) {
		r.logger = datacopy.NormalizeLogger(logger)
	}
}

func WithObservability(obs *observability.Provider) Option {
	return func(r *Registrar) {
		r.obs = obs
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registrar) {
		if now != nil {
			r.now = now
		}
	}
}

func New(store jobstore.Store, engine Engine, scheduler datacopy.SchedulerControl, opts ...Option) (*Registrar, error) {
	if store == nil || engine == nil || scheduler == nil {
		return nil, datacopy.NewError(datacopy.ErrValidation, "job store, engine and scheduler required", nil, nil)
	}
	r := &Registrar{
		store:     store,
		engine:    engine,
		scheduler: scheduler,
		rule:      datacopy.DefaultHeartbeatRule,
		ttl:       workflow.DefaultJobTTL,
		logger:    datacopy.NewFmtLogger(nil),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Register stores the task token for jobID unless one already exists, then
// enables the heartbeat rule. Repeated registrations are successful no-ops.
func (r *Registrar) Register(ctx context.Context, jobID, token string) error {
	jobID = strings.TrimSpace(jobID)
	token = strings.TrimSpace(token)
	if jobID == "" || token == "" {
		return datacopy.NewError(datacopy.ErrValidation, "job id and task token required", nil, map[string]any{
			"job_id": jobID,
		})
	}
	logger := datacopy.WithLoggerFields(r.logger, map[string]any{"job_id": jobID})

	now := r.now().UTC()
	err := r.store.PutIfAbsent(ctx, jobstore.JobRecord{
		ID:          jobID,
		RecordType:  jobstore.RecordTypeTaskToken,
		Status:      jobstore.StatusPending,
		ResumeToken: token,
		ExpireAt:    jobstore.ExpiryFrom(now, r.ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	switch {
	case err == nil:
		logger.Info("task token registered")
	case datacopy.HasCode(err, datacopy.ErrCodeRecordExists):
		logger.Debug("task token already registered")
	default:
		return err
	}

	if err := r.scheduler.Enable(ctx, r.rule); err != nil {
		return err
	}
	return nil
}

// Resume hands outcome to the execution waiting on jobID's token. The token
// row is removed with a compare-and-delete before the engine is called, so
// of two racing resumes only one reaches the engine. The loser, and any
// resume for an unknown job, gets a RECORD_NOT_FOUND error.
func (r *Registrar) Resume(ctx context.Context, jobID string, outcome Outcome) (err error) {
	jobID = strings.TrimSpace(jobID)
	if !outcome.Status.Terminal() {
		return datacopy.NewError(datacopy.ErrValidation, "resume requires a terminal status", nil, map[string]any{
			"job_id": jobID,
			"status": string(outcome.Status),
		})
	}
	path := outcome.Path
	if path == "" {
		path = observability.PathEvent
	}
	logger := datacopy.WithLoggerFields(r.logger, map[string]any{"job_id": jobID, "path": path})

	ctx, span := r.obs.Tracer().StartResume(ctx, jobID, path)
	defer func() {
		result := "ok"
		switch {
		case datacopy.IsBenign(err):
			result = "not_found"
		case err != nil:
			result = "error"
			r.obs.Tracer().RecordError(span, err)
		}
		r.obs.Metrics().RecordResume(ctx, path, result)
		span.End()
	}()

	row, err := r.store.Get(ctx, jobID, jobstore.RecordTypeTaskToken)
	if err != nil {
		if datacopy.IsBenign(err) {
			logger.Info("no task token to resume, already resumed or never registered")
		}
		return err
	}
	claimed, err := r.store.DeleteIfToken(ctx, jobID, row.ResumeToken)
	if err != nil {
		if datacopy.IsBenign(err) {
			logger.Info("task token claimed by a concurrent resume")
		}
		return err
	}

	if err := r.resumeEngine(ctx, jobID, claimed.ResumeToken, outcome); err != nil {
		if datacopy.HasCode(err, datacopy.ErrCodeTokenConsumed) {
			logger.Info("execution already left its wait state")
			r.recordStatus(ctx, logger, jobID, outcome)
			return datacopy.NewError(datacopy.ErrRecordNotFound, "task token already consumed", err, map[string]any{
				"job_id": jobID,
			})
		}
		if datacopy.IsTransient(err) {
			if rerr := r.store.PutIfAbsent(ctx, claimed); rerr != nil && !datacopy.HasCode(rerr, datacopy.ErrCodeRecordExists) {
				logger.Error("restore task token after failed resume: %v", rerr)
			}
		}
		return err
	}

	r.recordStatus(ctx, logger, jobID, outcome)
	logger.Info("execution resumed with %s", outcome.Status)
	return nil
}

func (r *Registrar) resumeEngine(ctx context.Context, jobID, token string, outcome Outcome) error {
	if outcome.Status == jobstore.StatusSucceeded {
		_, err := r.engine.SendTaskSuccess(ctx, token, ResumeOutput{
			JobID:     jobID,
			Status:    string(outcome.Status),
			RawStatus: outcome.RawStatus,
		})
		return err
	}
	code := outcome.Code
	if code == "" {
		code = ErrCodeJobFailed
	}
	cause := outcome.Cause
	if cause == "" {
		cause = fmt.Sprintf("copy job %s ended with status %s", jobID, firstNonEmpty(outcome.RawStatus, string(outcome.Status)))
	}
	_, err := r.engine.SendTaskFailure(ctx, token, code, cause)
	return err
}

// recordStatus mirrors the outcome onto the JOB row. Failures are logged
// only; the execution has already been resumed.
func (r *Registrar) recordStatus(ctx context.Context, logger datacopy.Logger, jobID string, outcome Outcome) {
	rec, err := r.store.Get(ctx, jobID, jobstore.RecordTypeJob)
	if err != nil {
		if !datacopy.IsBenign(err) {
			logger.Warn("read job row after resume: %v", err)
		}
		return
	}
	rec.Status = outcome.Status
	rec.Error = outcome.Cause
	rec.UpdatedAt = r.now().UTC()
	if err := r.store.Put(ctx, rec); err != nil {
		logger.Warn("update job row after resume: %v", err)
	}
}

// Heartbeat tells the execution waiting on jobID that its job is alive.
func (r *Registrar) Heartbeat(ctx context.Context, jobID string) error {
	row, err := r.store.Get(ctx, strings.TrimSpace(jobID), jobstore.RecordTypeTaskToken)
	if err != nil {
		return err
	}
	if err := r.engine.SendTaskHeartbeat(ctx, row.ResumeToken); err != nil {
		if datacopy.HasCode(err, datacopy.ErrCodeTokenConsumed) {
			return datacopy.NewError(datacopy.ErrRecordNotFound, "task token already consumed", err, map[string]any{
				"job_id": jobID,
			})
		}
		return err
	}
	return nil
}

// ExpireToken fails the execution behind an expired token row so it is not
// left waiting forever.
func (r *Registrar) ExpireToken(ctx context.Context, rec jobstore.JobRecord) error {
	return r.Resume(ctx, rec.ID, Outcome{
		Status: jobstore.StatusFailed,
		Code:   datacopy.ErrCodeJobExpired,
		Cause:  fmt.Sprintf("task token for job %s expired before completion", rec.ID),
		Path:   observability.PathExpiry,
	})
}

// ExpireHeartbeats fails every execution whose job went silent for longer
// than the heartbeat timeout. Executions with a token row are resumed
// through Resume so the row is consumed and the JOB row marked FAILED.
func (r *Registrar) ExpireHeartbeats(ctx context.Context) (int, error) {
	stale, err := r.engine.TimedOut(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	var errs []error
	for _, exec := range stale {
		outcome := Outcome{
			Status: jobstore.StatusFailed,
			Code:   datacopy.ErrCodeHeartbeatTimeout,
			Cause:  fmt.Sprintf("no heartbeat for job %s since %s", exec.JobID, exec.LastHeartbeat.Format(time.RFC3339)),
			Path:   observability.PathTimeout,
		}
		err := r.Resume(ctx, exec.JobID, outcome)
		if datacopy.HasCode(err, datacopy.ErrCodeRecordNotFound) {
			// no token row: registration never landed or the row was swept
			err = r.failDirect(ctx, exec, outcome)
		}
		switch {
		case err == nil:
			expired++
			r.logger.Warn("execution %s timed out waiting for job %s", exec.ID, exec.JobID)
		case datacopy.IsBenign(err):
		default:
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

func (r *Registrar) failDirect(ctx context.Context, exec workflow.Execution, outcome Outcome) error {
	if _, err := r.engine.SendTaskFailure(ctx, exec.TaskToken, outcome.Code, outcome.Cause); err != nil {
		if datacopy.HasCode(err, datacopy.ErrCodeTokenConsumed) {
			return datacopy.NewError(datacopy.ErrRecordNotFound, "task token already consumed", err, map[string]any{
				"execution_id": exec.ID,
			})
		}
		return err
	}
	if exec.JobID != "" {
		logger := datacopy.WithLoggerFields(r.logger, map[string]any{"job_id": exec.JobID, "path": outcome.Path})
		r.recordStatus(ctx, logger, exec.JobID, outcome)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
