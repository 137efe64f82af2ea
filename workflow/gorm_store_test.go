package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	datacopy "github.com/goliatone/go-datacopy"
)

func newGormExecutionStore(t *testing.T) *GormExecutionStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := NewGormExecutionStore(db)
	if err != nil {
		t.Fatalf("new gorm execution store: %v", err)
	}
	return store
}

func executionStores(t *testing.T) map[string]ExecutionStore {
	return map[string]ExecutionStore{
		"memory": NewMemoryExecutionStore(),
		"sqlite": newGormExecutionStore(t),
	}
}

func TestExecutionStoreContract(t *testing.T) {
	for name, store := range executionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			exec := Execution{
				ID:        "exec-1",
				Workflow:  CopyJobWorkflowName,
				Status:    ExecutionRunning,
				State:     StateValidatingRequest,
				Input:     datatypes.JSON(`{"destinationUri":"s3://b/"}`),
				StartedAt: started,
			}
			if err := store.Create(ctx, exec); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := store.Create(ctx, exec); err == nil {
				t.Fatalf("expected duplicate create to fail")
			}

			exec.State = StateAwaitingCompletion
			exec.TaskToken = "tok-1"
			exec.JobID = "J1"
			exec.appendHistory(StateChange{From: StateValidatingRequest, Event: EventValidated, To: StateEnumeratingSources, At: started})
			updated, err := store.Update(ctx, exec, 0)
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if updated.Version != 1 {
				t.Fatalf("expected version 1, got %d", updated.Version)
			}
			if _, err := store.Update(ctx, exec, 0); !datacopy.HasCode(err, ErrCodeVersionConflict) {
				t.Fatalf("expected version conflict, got %v", err)
			}

			byToken, err := store.GetByToken(ctx, "tok-1")
			if err != nil {
				t.Fatalf("get by token: %v", err)
			}
			if byToken.ID != "exec-1" || byToken.JobID != "J1" || len(byToken.Transitions()) != 1 {
				t.Fatalf("unexpected execution by token %+v", byToken)
			}
			if string(byToken.Input) != `{"destinationUri":"s3://b/"}` {
				t.Fatalf("expected input preserved, got %s", byToken.Input)
			}

			byToken.TaskToken = ""
			byToken.Status = ExecutionSucceeded
			if _, err := store.Update(ctx, byToken, byToken.Version); err != nil {
				t.Fatalf("second update: %v", err)
			}
			if _, err := store.GetByToken(ctx, "tok-1"); !datacopy.HasCode(err, ErrCodeExecutionNotFound) {
				t.Fatalf("expected cleared token to be gone, got %v", err)
			}
			if _, err := store.Get(ctx, "missing"); !datacopy.HasCode(err, ErrCodeExecutionNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}

			succeeded, err := store.List(ctx, ExecutionSucceeded)
			if err != nil || len(succeeded) != 1 {
				t.Fatalf("expected one succeeded execution, got %d err=%v", len(succeeded), err)
			}
			running, _ := store.List(ctx, ExecutionRunning)
			if len(running) != 0 {
				t.Fatalf("expected no running executions, got %d", len(running))
			}
		})
	}
}

func TestEngineWithGormExecutionStore(t *testing.T) {
	h := newHarness(t)
	store := newGormExecutionStore(t)
	h.engine = NewEngine(WithExecutionStore(store), WithEngineClock(h.clock.Now))
	if err := h.engine.Register(h.workflow); err != nil {
		t.Fatalf("register: %v", err)
	}
	exec, token := startAwaiting(t, h)

	done, err := h.engine.SendTaskSuccess(context.Background(), token, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if done.ID != exec.ID || done.State != StateSucceeded {
		t.Fatalf("expected persisted execution to resume, got %s", done.State)
	}
}
