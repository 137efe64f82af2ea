package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/bus"
	"github.com/goliatone/go-datacopy/observability"
)

// OutcomeDetailType tags the event published when an execution finishes.
const OutcomeDetailType = "DataCopyExecutionOutcome"

// DefaultHeartbeatTimeout fails awaiting executions that stop receiving heartbeats.
const DefaultHeartbeatTimeout = 5 * time.Minute

// Workflow is a named state machine with the steps that drive it. Run
// returns once the execution is terminal or suspended on a task token.
type Workflow interface {
	Name() string
	Machine() *Machine
	Run(ctx context.Context, run *Run, input json.RawMessage) error
}

// Outcome is the detail of an outcome event.
type Outcome struct {
	ExecutionID string          `json:"executionId"`
	Workflow    string          `json:"workflow"`
	Status      ExecutionStatus `json:"status"`
	JobID       string          `json:"jobId,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Cause       string          `json:"cause,omitempty"`
}

// Engine starts executions, suspends them on task tokens and resumes them.
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]Workflow

	store            ExecutionStore
	publisher        bus.Publisher
	outcomeBus       string
	outcomeSource    string
	heartbeatTimeout time.Duration
	logger           datacopy.Logger
	obs              *observability.Provider
	now              func() time.Time
	newID            func() string
}

type EngineOption func(*Engine)

func WithExecutionStore(store ExecutionStore) EngineOption {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithOutcomePublisher publishes outcome events on busName with source.
func WithOutcomePublisher(pub bus.Publisher, busName, source string) EngineOption {
	return func(e *Engine) {
		e.publisher = pub
		if busName != "" {
			e.outcomeBus = busName
		}
		if source != "" {
			e.outcomeSource = source
		}
	}
}

// WithHeartbeatTimeout sets how long an awaiting execution may go without a
// heartbeat. Zero disables the check.
func WithHeartbeatTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.heartbeatTimeout = d
		}
	}
}

func WithEngineLogger(logger datacopy.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = datacopy.NormalizeLogger(logger)
	}
}

func WithEngineObservability(p *observability.Provider) EngineOption {
	return func(e *Engine) {
		e.obs = p
	}
}

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator replaces uuid generation for execution ids and task tokens.
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		workflows:        make(map[string]Workflow),
		store:            NewMemoryExecutionStore(),
		outcomeBus:       bus.External,
		outcomeSource:    "datacopy.engine",
		heartbeatTimeout: DefaultHeartbeatTimeout,
		logger:           datacopy.NewFmtLogger(nil),
		now:              time.Now,
		newID:            uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Register adds a workflow. Names are unique.
func (e *Engine) Register(wf Workflow) error {
	if wf == nil || wf.Machine() == nil {
		return newError(ErrInvalidDefinition, "workflow and machine required", nil, nil)
	}
	name := strings.TrimSpace(wf.Name())
	if name == "" {
		return newError(ErrInvalidDefinition, "workflow name required", nil, nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workflows[name]; ok {
		return newError(ErrInvalidDefinition, "workflow already registered", nil, map[string]any{"workflow": name})
	}
	e.workflows[name] = wf
	return nil
}

func (e *Engine) workflow(name string) (Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[strings.TrimSpace(name)]
	if !ok {
		return nil, newError(ErrUnknownWorkflow, "", nil, map[string]any{"workflow": name})
	}
	return wf, nil
}

// StartExecution runs the named workflow until it finishes or suspends.
// The returned execution reflects the persisted state; the error is the
// step failure that failed it, if any.
func (e *Engine) StartExecution(ctx context.Context, name string, input any) (Execution, error) {
	wf, err := e.workflow(name)
	if err != nil {
		return Execution{}, err
	}
	raw, err := encodeJSON(input)
	if err != nil {
		return Execution{}, newError(datacopy.ErrValidation, "execution input is not json", err, nil)
	}

	machine := wf.Machine()
	exec := Execution{
		ID:        e.newID(),
		Workflow:  wf.Name(),
		Status:    ExecutionRunning,
		State:     machine.Initial(),
		Input:     datatypes.JSON(raw),
		StartedAt: e.now().UTC(),
	}
	if err := e.store.Create(ctx, exec); err != nil {
		return Execution{}, err
	}

	ctx, span := e.obs.Tracer().StartExecution(ctx, exec.Workflow, exec.ID)
	defer span.End()

	run := &Run{
		engine:  e,
		machine: machine,
		exec:    exec,
		logger: datacopy.WithLoggerFields(e.logger, map[string]any{
			"execution_id": exec.ID,
			"workflow":     exec.Workflow,
		}),
	}

	runErr := e.runSafely(ctx, wf, run, raw)
	if runErr != nil {
		e.obs.Tracer().RecordError(span, runErr)
	}

	switch {
	case run.exec.Status != ExecutionRunning:
	case runErr != nil:
		if err := run.Fail(ctx, runErr); err != nil {
			return run.exec, errors.Join(runErr, err)
		}
	case !run.exec.Awaiting():
		runErr = newError(ErrInvalidTransition, "workflow returned without finishing or suspending", nil, map[string]any{
			"state": string(run.exec.State),
		})
		if err := run.Fail(ctx, runErr); err != nil {
			return run.exec, errors.Join(runErr, err)
		}
	}
	return run.exec, runErr
}

func (e *Engine) runSafely(ctx context.Context, wf Workflow, run *Run, input json.RawMessage) (err error) {
	completed := false
	defer func() {
		if !completed && err == nil {
			err = datacopy.WrapError("WorkflowPanic", "workflow step panicked", nil)
		}
	}()
	defer datacopy.LoggerPanicHandler(run.logger)("workflow.run", map[string]any{
		"execution_id": run.exec.ID,
		"state":        string(run.exec.State),
	})

	err = wf.Run(ctx, run, input)
	completed = true
	return err
}

func (e *Engine) DescribeExecution(ctx context.Context, id string) (Execution, error) {
	return e.store.Get(ctx, id)
}

// ListExecutions lists executions with status, or all when status is empty.
func (e *Engine) ListExecutions(ctx context.Context, status ExecutionStatus) ([]Execution, error) {
	return e.store.List(ctx, status)
}

// SendTaskSuccess resumes the execution waiting on token with output.
// Unknown or already used tokens fail with TOKEN_CONSUMED.
func (e *Engine) SendTaskSuccess(ctx context.Context, token string, output any) (Execution, error) {
	raw, err := encodeJSON(output)
	if err != nil {
		return Execution{}, newError(datacopy.ErrValidation, "task output is not json", err, nil)
	}
	return e.resume(ctx, token, EventSucceed, func(exec *Execution) {
		exec.Status = ExecutionSucceeded
		exec.Output = datatypes.JSON(raw)
	})
}

// SendTaskFailure resumes the execution waiting on token with a failure.
func (e *Engine) SendTaskFailure(ctx context.Context, token, code, cause string) (Execution, error) {
	if strings.TrimSpace(code) == "" {
		code = ErrCodeTaskFailed
	}
	return e.resume(ctx, token, EventFail, func(exec *Execution) {
		exec.Status = ExecutionFailed
		exec.ErrorCode = code
		exec.Cause = cause
	})
}

func (e *Engine) resume(ctx context.Context, token, event string, apply func(*Execution)) (Execution, error) {
	exec, err := e.store.GetByToken(ctx, token)
	if err != nil {
		if datacopy.HasCode(err, ErrCodeExecutionNotFound) {
			return Execution{}, tokenConsumed(token)
		}
		return Execution{}, err
	}
	if !exec.Awaiting() {
		return Execution{}, tokenConsumed(token)
	}
	wf, err := e.workflow(exec.Workflow)
	if err != nil {
		return Execution{}, err
	}
	next, err := wf.Machine().Next(exec.State, event)
	if err != nil {
		return Execution{}, err
	}

	now := e.now().UTC()
	version := exec.Version
	from := exec.State
	exec.State = next
	exec.TaskToken = ""
	exec.StoppedAt = &now
	apply(&exec)
	exec.appendHistory(StateChange{From: from, Event: event, To: next, At: now})

	updated, err := e.store.Update(ctx, exec, version)
	if err != nil {
		if datacopy.HasCode(err, ErrCodeVersionConflict) {
			return Execution{}, tokenConsumed(token)
		}
		return Execution{}, err
	}
	e.finished(ctx, updated)
	return updated, nil
}

// SendTaskHeartbeat records that the job behind token is still alive.
func (e *Engine) SendTaskHeartbeat(ctx context.Context, token string) error {
	const attempts = 3
	for range attempts {
		exec, err := e.store.GetByToken(ctx, token)
		if err != nil {
			if datacopy.HasCode(err, ErrCodeExecutionNotFound) {
				return tokenConsumed(token)
			}
			return err
		}
		if !exec.Awaiting() {
			return tokenConsumed(token)
		}
		exec.LastHeartbeat = e.now().UTC()
		if _, err := e.store.Update(ctx, exec, exec.Version); err != nil {
			if datacopy.HasCode(err, ErrCodeVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return tokenConsumed(token)
}

// TimedOut lists awaiting executions whose last heartbeat is older than
// the heartbeat timeout. The caller fails them, normally through the
// registrar so the job rows follow.
func (e *Engine) TimedOut(ctx context.Context) ([]Execution, error) {
	if e.heartbeatTimeout <= 0 {
		return nil, nil
	}
	running, err := e.store.List(ctx, ExecutionRunning)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	var out []Execution
	for _, exec := range running {
		if exec.Awaiting() && now.Sub(exec.LastHeartbeat) > e.heartbeatTimeout {
			out = append(out, exec)
		}
	}
	return out, nil
}

// HeartbeatTimeout returns the silence after which an awaiting execution is
// failed with HEARTBEAT_TIMEOUT.
func (e *Engine) HeartbeatTimeout() time.Duration {
	return e.heartbeatTimeout
}

func (e *Engine) finished(ctx context.Context, exec Execution) {
	e.obs.Metrics().RecordExecution(ctx, exec.Workflow, string(exec.Status))
	if e.publisher == nil {
		return
	}
	evt, err := bus.NewEvent(e.outcomeBus, e.outcomeSource, OutcomeDetailType, Outcome{
		ExecutionID: exec.ID,
		Workflow:    exec.Workflow,
		Status:      exec.Status,
		JobID:       exec.JobID,
		Output:      json.RawMessage(exec.Output),
		Error:       exec.ErrorCode,
		Cause:       exec.Cause,
	})
	if err == nil {
		err = e.publisher.Publish(ctx, evt)
	}
	if err != nil {
		e.logger.Error("publish outcome of execution %s: %v", exec.ID, err)
	}
}

func tokenConsumed(token string) error {
	return datacopy.NewError(datacopy.ErrTokenConsumed, "", nil, map[string]any{
		"task_token": shortToken(token),
	})
}

func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}

func encodeJSON(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(val) > 0 && !json.Valid(val) {
			return nil, fmt.Errorf("invalid json")
		}
		return val, nil
	case []byte:
		if len(val) > 0 && !json.Valid(val) {
			return nil, fmt.Errorf("invalid json")
		}
		return json.RawMessage(val), nil
	default:
		return json.Marshal(v)
	}
}
