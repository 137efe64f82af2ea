package workflow

import (
	"context"
	"strings"

	"gorm.io/datatypes"

	datacopy "github.com/goliatone/go-datacopy"
)

// Run is the handle a workflow uses to move its execution. Every move is
// persisted before it returns.
type Run struct {
	engine  *Engine
	machine *Machine
	exec    Execution
	logger  datacopy.Logger
}

// Execution returns a copy of the current execution.
func (r *Run) Execution() Execution {
	return cloneExecution(r.exec)
}

func (r *Run) State() State {
	return r.exec.State
}

func (r *Run) Logger() datacopy.Logger {
	return r.logger
}

// Fire moves the execution along a non terminal transition.
func (r *Run) Fire(ctx context.Context, event string) error {
	next, err := r.machine.Next(r.exec.State, event)
	if err != nil {
		return err
	}
	if r.machine.IsTerminal(next) {
		return newError(ErrInvalidTransition, "terminal transitions go through Succeed or Fail", nil, map[string]any{
			"event": event,
			"to":    string(next),
		})
	}
	return r.move(ctx, event, next, nil)
}

// Suspend parks the execution in its wait state under a fresh task token
// bound to jobID, and returns the token.
func (r *Run) Suspend(ctx context.Context, jobID string) (string, error) {
	if !r.machine.IsWait(r.exec.State) {
		return "", newError(ErrInvalidTransition, "state does not wait for a task token", nil, map[string]any{
			"state": string(r.exec.State),
		})
	}
	token := r.engine.newID()
	err := r.move(ctx, "", r.exec.State, func(exec *Execution) {
		exec.TaskToken = token
		exec.JobID = strings.TrimSpace(jobID)
		exec.LastHeartbeat = r.engine.now().UTC()
	})
	if err != nil {
		return "", err
	}
	r.logger.Info("execution suspended on job %s", jobID)
	return token, nil
}

// Succeed finishes the execution with output.
func (r *Run) Succeed(ctx context.Context, output any) error {
	raw, err := encodeJSON(output)
	if err != nil {
		return newError(datacopy.ErrValidation, "execution output is not json", err, nil)
	}
	next, err := r.machine.Next(r.exec.State, EventSucceed)
	if err != nil {
		return err
	}
	if err := r.move(ctx, EventSucceed, next, func(exec *Execution) {
		exec.Status = ExecutionSucceeded
		exec.Output = datatypes.JSON(raw)
		exec.TaskToken = ""
		now := r.engine.now().UTC()
		exec.StoppedAt = &now
	}); err != nil {
		return err
	}
	r.engine.finished(ctx, r.exec)
	return nil
}

// Fail finishes the execution with the code and message of cause.
func (r *Run) Fail(ctx context.Context, cause error) error {
	code := datacopy.ErrorCode(cause)
	if code == "" {
		code = ErrCodeTaskFailed
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	from := r.exec.State
	next, err := r.machine.Next(from, EventFail)
	if err != nil {
		return err
	}
	if err := r.move(ctx, EventFail, next, func(exec *Execution) {
		exec.Status = ExecutionFailed
		exec.ErrorCode = code
		exec.Cause = msg
		exec.TaskToken = ""
		now := r.engine.now().UTC()
		exec.StoppedAt = &now
	}); err != nil {
		return err
	}
	r.logger.Warn("execution failed in %s: %s", from, msg)
	r.engine.finished(ctx, r.exec)
	return nil
}

func (r *Run) move(ctx context.Context, event string, to State, apply func(*Execution)) error {
	next := cloneExecution(r.exec)
	from := next.State
	next.State = to
	if apply != nil {
		apply(&next)
	}
	if event != "" {
		next.appendHistory(StateChange{From: from, Event: event, To: to, At: r.engine.now().UTC()})
	}
	updated, err := r.engine.store.Update(ctx, next, r.exec.Version)
	if err != nil {
		return err
	}
	r.exec = updated
	if event != "" {
		r.logger.Debug("execution %s: %s --%s--> %s", r.exec.ID, from, event, to)
	}
	return nil
}
