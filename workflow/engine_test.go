package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/bus"
	"github.com/goliatone/go-datacopy/provider"
)

func startAwaiting(t *testing.T, h *harness) (Execution, string) {
	t.Helper()
	h.client.AddObject(provider.Object{URI: "s3://a/f1", Size: 10})
	exec, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, CopyRequest{
		SourceURIs:     []string{"s3://a/f1"},
		DestinationURI: "s3://b/",
	})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	reg := decodeDetail[Registration](t, h.publisher.onBus(bus.Internal)[0])
	return exec, reg.TaskToken
}

func TestSendTaskSuccessResumesOnce(t *testing.T) {
	h := newHarness(t)
	exec, token := startAwaiting(t, h)
	ctx := context.Background()

	done, err := h.engine.SendTaskSuccess(ctx, token, map[string]string{"jobId": "J1", "status": "SUCCEEDED"})
	if err != nil {
		t.Fatalf("send task success: %v", err)
	}
	if done.ID != exec.ID || done.Status != ExecutionSucceeded || done.State != StateSucceeded {
		t.Fatalf("expected succeeded execution, got %s/%s", done.Status, done.State)
	}
	if done.StoppedAt == nil || done.TaskToken != "" {
		t.Fatalf("expected stopped execution with cleared token")
	}

	_, err = h.engine.SendTaskSuccess(ctx, token, nil)
	if !datacopy.HasCode(err, datacopy.ErrCodeTokenConsumed) {
		t.Fatalf("expected consumed token on second resume, got %v", err)
	}

	outcomes := h.publisher.onBus(bus.External)
	if len(outcomes) != 1 {
		t.Fatalf("expected one outcome event, got %d", len(outcomes))
	}
	outcome := decodeDetail[Outcome](t, outcomes[0])
	if outcome.Status != ExecutionSucceeded || outcome.JobID != "J1" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	var output map[string]string
	if err := json.Unmarshal(outcome.Output, &output); err != nil || output["status"] != "SUCCEEDED" {
		t.Fatalf("expected task output in outcome, got %s", outcome.Output)
	}
}

func TestSendTaskFailureCapturesCause(t *testing.T) {
	h := newHarness(t)
	_, token := startAwaiting(t, h)

	done, err := h.engine.SendTaskFailure(context.Background(), token, "COPY_FAILED", "provider reported FAILED")
	if err != nil {
		t.Fatalf("send task failure: %v", err)
	}
	if done.Status != ExecutionFailed || done.ErrorCode != "COPY_FAILED" || done.Cause != "provider reported FAILED" {
		t.Fatalf("unexpected failed execution %+v", done)
	}
	outcome := decodeDetail[Outcome](t, h.publisher.onBus(bus.External)[0])
	if outcome.Error != "COPY_FAILED" || outcome.Cause == "" {
		t.Fatalf("expected failure surfaced in outcome, got %+v", outcome)
	}
}

func TestConcurrentResumesHaveSingleWinner(t *testing.T) {
	h := newHarness(t)
	_, token := startAwaiting(t, h)

	const callers = 16
	var wins, consumed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var err error
			if i%2 == 0 {
				_, err = h.engine.SendTaskSuccess(context.Background(), token, nil)
			} else {
				_, err = h.engine.SendTaskFailure(context.Background(), token, "", "late")
			}
			switch {
			case err == nil:
				wins.Add(1)
			case datacopy.HasCode(err, datacopy.ErrCodeTokenConsumed):
				consumed.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one resume to win, got %d", wins.Load())
	}
	if consumed.Load() != callers-1 {
		t.Fatalf("expected %d consumed tokens, got %d", callers-1, consumed.Load())
	}
}

func TestUnknownTokenIsConsumed(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.SendTaskSuccess(context.Background(), "nope", nil); !datacopy.HasCode(err, datacopy.ErrCodeTokenConsumed) {
		t.Fatalf("expected consumed token, got %v", err)
	}
	if err := h.engine.SendTaskHeartbeat(context.Background(), "nope"); !datacopy.HasCode(err, datacopy.ErrCodeTokenConsumed) {
		t.Fatalf("expected consumed token on heartbeat, got %v", err)
	}
}

func TestTimedOutListsSilentExecutions(t *testing.T) {
	h := newHarness(t)
	exec, token := startAwaiting(t, h)
	ctx := context.Background()

	h.clock.Advance(4 * time.Minute)
	if err := h.engine.SendTaskHeartbeat(ctx, token); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	h.clock.Advance(4 * time.Minute)
	stale, err := h.engine.TimedOut(ctx)
	if err != nil || len(stale) != 0 {
		t.Fatalf("expected heartbeat to keep execution alive, got %d err=%v", len(stale), err)
	}

	h.clock.Advance(2 * time.Minute)
	stale, err = h.engine.TimedOut(ctx)
	if err != nil || len(stale) != 1 {
		t.Fatalf("expected one silent execution, got %d err=%v", len(stale), err)
	}
	if stale[0].ID != exec.ID || stale[0].TaskToken != token {
		t.Fatalf("unexpected execution %s with token %q", stale[0].ID, stale[0].TaskToken)
	}

	if _, err := h.engine.SendTaskFailure(ctx, token, datacopy.ErrCodeHeartbeatTimeout, "silent"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if stale, _ = h.engine.TimedOut(ctx); len(stale) != 0 {
		t.Fatalf("failed execution still listed as timed out")
	}
}

func TestListExecutionsFiltersByStatus(t *testing.T) {
	h := newHarness(t)
	startAwaiting(t, h)
	_, _ = h.engine.StartExecution(context.Background(), CopyJobWorkflowName, map[string]any{})

	running, err := h.engine.ListExecutions(context.Background(), ExecutionRunning)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	failed, _ := h.engine.ListExecutions(context.Background(), ExecutionFailed)
	all, _ := h.engine.ListExecutions(context.Background(), "")
	if len(running) != 1 || len(failed) != 1 || len(all) != 2 {
		t.Fatalf("unexpected listing running=%d failed=%d all=%d", len(running), len(failed), len(all))
	}
}

type scriptedWorkflow struct {
	machine *Machine
	run     func(ctx context.Context, run *Run) error
}

func (w scriptedWorkflow) Name() string      { return "scripted" }
func (w scriptedWorkflow) Machine() *Machine { return w.machine }
func (w scriptedWorkflow) Run(ctx context.Context, run *Run, _ json.RawMessage) error {
	return w.run(ctx, run)
}

func TestEngineGuardsMisbehavingWorkflows(t *testing.T) {
	machine := MustCompile(CopyJobMachine())
	cases := map[string]func(context.Context, *Run) error{
		"panics": func(context.Context, *Run) error { panic("boom") },
		"stalls": func(ctx context.Context, run *Run) error { return run.Fire(ctx, EventValidated) },
		"terminal fire": func(ctx context.Context, run *Run) error {
			return run.Fire(ctx, EventFail)
		},
		"suspend outside wait": func(ctx context.Context, run *Run) error {
			_, err := run.Suspend(ctx, "J9")
			return err
		},
	}
	for name, fn := range cases {
		engine := NewEngine()
		if err := engine.Register(scriptedWorkflow{machine: machine, run: fn}); err != nil {
			t.Fatalf("%s: register: %v", name, err)
		}
		exec, err := engine.StartExecution(context.Background(), "scripted", nil)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if exec.Status != ExecutionFailed {
			t.Fatalf("%s: expected failed execution, got %s", name, exec.Status)
		}
	}
}

func TestEngineRegistration(t *testing.T) {
	engine := NewEngine()
	wf := scriptedWorkflow{machine: MustCompile(CopyJobMachine())}
	if err := engine.Register(wf); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := engine.Register(wf); !datacopy.HasCode(err, ErrCodeInvalidDefinition) {
		t.Fatalf("expected duplicate registration to fail, got %v", err)
	}
	if _, err := engine.StartExecution(context.Background(), "missing", nil); !datacopy.HasCode(err, ErrCodeUnknownWorkflow) {
		t.Fatalf("expected unknown workflow, got %v", err)
	}
}
