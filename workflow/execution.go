package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
)

// ExecutionStatus is the coarse status of an execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// StateChange is one entry of an execution's history.
type StateChange struct {
	From  State     `json:"from"`
	Event string    `json:"event"`
	To    State     `json:"to"`
	At    time.Time `json:"at"`
}

// Execution is a persisted workflow instance. While it waits for a task
// token no goroutine is held; the row is the whole state.
type Execution struct {
	ID            string          `gorm:"primaryKey;column:id;size:64" json:"id"`
	Workflow      string          `gorm:"column:workflow;size:64;index" json:"workflow"`
	Status        ExecutionStatus `gorm:"column:status;size:16;index" json:"status"`
	State         State           `gorm:"column:state;size:64" json:"state"`
	Input         datatypes.JSON  `gorm:"column:input" json:"input,omitempty"`
	Output        datatypes.JSON  `gorm:"column:output" json:"output,omitempty"`
	History       datatypes.JSON  `gorm:"column:history" json:"history,omitempty"`
	ErrorCode     string          `gorm:"column:error_code;size:64" json:"error,omitempty"`
	Cause         string          `gorm:"column:cause" json:"cause,omitempty"`
	TaskToken     string          `gorm:"column:task_token;size:64;index" json:"-"`
	JobID         string          `gorm:"column:job_id;size:191;index" json:"job_id,omitempty"`
	Version       int             `gorm:"column:version" json:"version"`
	LastHeartbeat time.Time       `gorm:"column:last_heartbeat" json:"last_heartbeat,omitempty"`
	StartedAt     time.Time       `gorm:"column:started_at" json:"started_at"`
	StoppedAt     *time.Time      `gorm:"column:stopped_at" json:"stopped_at,omitempty"`
}

func (Execution) TableName() string {
	return "datacopy_executions"
}

// Awaiting reports whether the execution is suspended on a task token.
func (e Execution) Awaiting() bool {
	return e.Status == ExecutionRunning && e.TaskToken != ""
}

// Transitions decodes the execution history.
func (e Execution) Transitions() []StateChange {
	if len(e.History) == 0 {
		return nil
	}
	var out []StateChange
	if err := json.Unmarshal(e.History, &out); err != nil {
		return nil
	}
	return out
}

func (e *Execution) appendHistory(changes ...StateChange) {
	all := append(e.Transitions(), changes...)
	raw, err := json.Marshal(all)
	if err != nil {
		return
	}
	e.History = datatypes.JSON(raw)
}

func cloneExecution(e Execution) Execution {
	e.Input = append(datatypes.JSON(nil), e.Input...)
	e.Output = append(datatypes.JSON(nil), e.Output...)
	e.History = append(datatypes.JSON(nil), e.History...)
	if e.StoppedAt != nil {
		t := *e.StoppedAt
		e.StoppedAt = &t
	}
	return e
}

// ExecutionStore persists executions with optimistic locking on Version.
type ExecutionStore interface {
	Create(ctx context.Context, exec Execution) error
	// Get fails with EXECUTION_NOT_FOUND.
	Get(ctx context.Context, id string) (Execution, error)
	// GetByToken finds the execution currently waiting on token.
	GetByToken(ctx context.Context, token string) (Execution, error)
	// Update stores exec when the stored version equals expectedVersion and
	// bumps the version. Fails with EXECUTION_VERSION_CONFLICT otherwise.
	Update(ctx context.Context, exec Execution, expectedVersion int) (Execution, error)
	// List returns executions with status, or all when status is empty,
	// newest first.
	List(ctx context.Context, status ExecutionStatus) ([]Execution, error)
}

// MemoryExecutionStore is a thread-safe in-memory ExecutionStore.
type MemoryExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]Execution
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{execs: make(map[string]Execution)}
}

func (s *MemoryExecutionStore) Create(_ context.Context, exec Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[exec.ID]; ok {
		return newError(ErrVersionConflict, "execution already exists", nil, map[string]any{"execution_id": exec.ID})
	}
	s.execs[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *MemoryExecutionStore) Get(_ context.Context, id string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[strings.TrimSpace(id)]
	if !ok {
		return Execution{}, newError(ErrExecutionNotFound, "", nil, map[string]any{"execution_id": id})
	}
	return cloneExecution(exec), nil
}

func (s *MemoryExecutionStore) GetByToken(_ context.Context, token string) (Execution, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Execution{}, newError(ErrExecutionNotFound, "empty task token", nil, nil)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, exec := range s.execs {
		if exec.TaskToken == token {
			return cloneExecution(exec), nil
		}
	}
	return Execution{}, newError(ErrExecutionNotFound, "", nil, nil)
}

func (s *MemoryExecutionStore) Update(_ context.Context, exec Execution, expectedVersion int) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.execs[exec.ID]
	if !ok {
		return Execution{}, newError(ErrExecutionNotFound, "", nil, map[string]any{"execution_id": exec.ID})
	}
	if current.Version != expectedVersion {
		return Execution{}, newError(ErrVersionConflict, "", nil, map[string]any{
			"execution_id": exec.ID,
			"expected":     expectedVersion,
			"actual":       current.Version,
		})
	}
	exec.Version = expectedVersion + 1
	s.execs[exec.ID] = cloneExecution(exec)
	return cloneExecution(exec), nil
}

func (s *MemoryExecutionStore) List(_ context.Context, status ExecutionStatus) ([]Execution, error) {
	s.mu.RLock()
	out := make([]Execution, 0, len(s.execs))
	for _, exec := range s.execs {
		if status == "" || exec.Status == status {
			out = append(out, cloneExecution(exec))
		}
	}
	s.mu.RUnlock()
	sortExecutions(out)
	return out, nil
}

func sortExecutions(execs []Execution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].StartedAt.After(execs[j].StartedAt)
	})
}
