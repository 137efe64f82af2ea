package workflow

import (
	"testing"

	datacopy "github.com/goliatone/go-datacopy"
)

func TestCopyJobMachineCompiles(t *testing.T) {
	m, err := Compile(CopyJobMachine())
	if err != nil {
		t.Fatalf("compile copy job machine: %v", err)
	}
	if m.Initial() != StateValidatingRequest {
		t.Fatalf("expected initial %s, got %s", StateValidatingRequest, m.Initial())
	}
	if !m.IsWait(StateAwaitingCompletion) {
		t.Fatalf("expected awaiting completion to be a wait state")
	}
	if !m.IsTerminal(StateSucceeded) || !m.IsTerminal(StateFailed) {
		t.Fatalf("expected succeeded and failed to be terminal")
	}
}

func TestCopyJobMachinePaths(t *testing.T) {
	m := MustCompile(CopyJobMachine())
	path := []struct {
		from  State
		event string
		to    State
	}{
		{StateValidatingRequest, EventValidated, StateEnumeratingSources},
		{StateEnumeratingSources, EventStage, StateStagedTransfer},
		{StateStagedTransfer, EventDirect, StateDirectTransfer},
		{StateDirectTransfer, EventLaunch, StateLaunchingExternalJob},
		{StateLaunchingExternalJob, EventLaunched, StateAwaitingCompletion},
		{StateAwaitingCompletion, EventSucceed, StateSucceeded},
		{StateAwaitingCompletion, EventFail, StateFailed},
		{StateEnumeratingSources, EventSucceed, StateSucceeded},
	}
	for _, step := range path {
		got, err := m.Next(step.from, step.event)
		if err != nil {
			t.Fatalf("%s --%s-->: %v", step.from, step.event, err)
		}
		if got != step.to {
			t.Fatalf("%s --%s--> expected %s, got %s", step.from, step.event, step.to, got)
		}
	}
}

func TestCopyJobMachineRejectsShortcuts(t *testing.T) {
	m := MustCompile(CopyJobMachine())
	cases := []struct {
		from  State
		event string
	}{
		{StateValidatingRequest, EventLaunch},
		{StateDirectTransfer, EventSucceed},
		{StateAwaitingCompletion, EventLaunched},
		{StateSucceeded, EventFail},
	}
	for _, tc := range cases {
		_, err := m.Next(tc.from, tc.event)
		if !datacopy.HasCode(err, ErrCodeInvalidTransition) {
			t.Fatalf("%s --%s-->: expected invalid transition, got %v", tc.from, tc.event, err)
		}
	}
}

func TestRenameMachineHasNoWaitState(t *testing.T) {
	m := MustCompile(RenameMachine())
	for _, st := range []State{StateValidatingRequest, StateResolvingTarget, StateRenaming} {
		if m.IsWait(st) || m.IsTerminal(st) {
			t.Fatalf("expected %s to be a plain step", st)
		}
	}
	if _, err := m.Next(StateValidatingRequest, EventResolved); !datacopy.HasCode(err, ErrCodeInvalidTransition) {
		t.Fatalf("expected rename to resolve before renaming, got %v", err)
	}
	got, err := m.Next(StateResolvingTarget, EventResolved)
	if err != nil || got != StateRenaming {
		t.Fatalf("expected resolving target to lead to renaming, got %s %v", got, err)
	}
}

func TestStateMachineConfigValidate(t *testing.T) {
	cases := map[string]StateMachineConfig{
		"no entity": {
			States: []StateConfig{{Name: "a", Initial: true}},
		},
		"no initial": {
			Entity: "x",
			States: []StateConfig{{Name: "a"}},
		},
		"two initial": {
			Entity: "x",
			States: []StateConfig{{Name: "a", Initial: true}, {Name: "b", Initial: true}},
		},
		"terminal wait": {
			Entity: "x",
			States: []StateConfig{{Name: "a", Initial: true}, {Name: "b", Terminal: true, Wait: true}},
		},
		"duplicate state": {
			Entity: "x",
			States: []StateConfig{{Name: "a", Initial: true}, {Name: "A"}},
		},
		"leaves terminal": {
			Entity:      "x",
			States:      []StateConfig{{Name: "a", Initial: true}, {Name: "done", Terminal: true}},
			Transitions: []TransitionConfig{{Name: "reopen", From: "done", To: "a"}},
		},
		"unknown target": {
			Entity:      "x",
			States:      []StateConfig{{Name: "a", Initial: true}},
			Transitions: []TransitionConfig{{Name: "go", From: "a", To: "nowhere"}},
		},
		"duplicate transition": {
			Entity: "x",
			States: []StateConfig{{Name: "a", Initial: true}, {Name: "b"}, {Name: "c"}},
			Transitions: []TransitionConfig{
				{Name: "go", From: "a", To: "b"},
				{Name: "go", From: "a", To: "c"},
			},
		},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if _, err := Compile(cfg); !datacopy.HasCode(err, ErrCodeInvalidDefinition) {
			t.Fatalf("%s: expected invalid definition, got %v", name, err)
		}
	}
}
