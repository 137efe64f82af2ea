package workflow

import (
	"fmt"
	"strings"
)

// State is a named step of a workflow.
type State string

// Copy-job states.
const (
	StateValidatingRequest    State = "ValidatingRequest"
	StateEnumeratingSources   State = "EnumeratingSources"
	StateStagedTransfer       State = "StagedTransfer"
	StateDirectTransfer       State = "DirectTransfer"
	StateLaunchingExternalJob State = "LaunchingExternalJob"
	StateAwaitingCompletion   State = "AwaitingCompletion"
	StateSucceeded            State = "Succeeded"
	StateFailed               State = "Failed"
)

// Rename states.
const (
	StateResolvingTarget State = "ResolvingTarget"
	StateRenaming        State = "Renaming"
)

// Transition events.
const (
	EventValidated = "validated"
	EventStage     = "stage"
	EventDirect    = "direct"
	EventLaunch    = "launch"
	EventLaunched  = "launched"
	EventResolved  = "resolved"
	EventSucceed   = "succeed"
	EventFail      = "fail"
)

type TransitionConfig struct {
	Name string `json:"name" yaml:"name"`
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

type StateConfig struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Terminal    bool   `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Initial     bool   `json:"initial,omitempty" yaml:"initial,omitempty"`
	// Wait marks a state where the execution suspends for a task token.
	Wait bool `json:"wait,omitempty" yaml:"wait,omitempty"`
}

type StateMachineConfig struct {
	Entity      string             `json:"entity" yaml:"entity"`
	States      []StateConfig      `json:"states" yaml:"states"`
	Transitions []TransitionConfig `json:"transitions" yaml:"transitions"`
}

// Validate ensures the state machine definition is well formed.
func (s StateMachineConfig) Validate() error {
	if s.Entity == "" {
		return fmt.Errorf("state machine entity required")
	}
	if len(s.States) == 0 {
		return fmt.Errorf("state machine %s requires at least one state", s.Entity)
	}
	stateSet := make(map[string]StateConfig, len(s.States))
	initialCount := 0
	for _, st := range s.States {
		name := strings.TrimSpace(st.Name)
		if name == "" {
			return fmt.Errorf("state machine %s has empty state name", s.Entity)
		}
		key := normalizeState(name)
		if _, exists := stateSet[key]; exists {
			return fmt.Errorf("state machine %s duplicate state %s", s.Entity, name)
		}
		if st.Terminal && st.Wait {
			return fmt.Errorf("state machine %s state %s cannot be terminal and waiting", s.Entity, name)
		}
		stateSet[key] = st
		if st.Initial {
			initialCount++
		}
	}
	if initialCount != 1 {
		return fmt.Errorf("state machine %s requires exactly one initial state", s.Entity)
	}
	transitionSet := make(map[string]struct{}, len(s.Transitions))
	for _, tr := range s.Transitions {
		event := normalizeEvent(tr.Name)
		if event == "" {
			return fmt.Errorf("state machine %s transition missing name", s.Entity)
		}
		from := normalizeState(tr.From)
		to := normalizeState(tr.To)
		if from == "" || to == "" {
			return fmt.Errorf("state machine %s transition %s missing from/to", s.Entity, tr.Name)
		}
		key := transitionKey(from, event)
		if _, exists := transitionSet[key]; exists {
			return fmt.Errorf("state machine %s duplicate transition for from=%s event=%s", s.Entity, tr.From, tr.Name)
		}
		transitionSet[key] = struct{}{}
		fromState, ok := stateSet[from]
		if !ok {
			return fmt.Errorf("state machine %s transition %s references unknown from state %s", s.Entity, tr.Name, tr.From)
		}
		if fromState.Terminal {
			return fmt.Errorf("state machine %s transition %s leaves terminal state %s", s.Entity, tr.Name, tr.From)
		}
		if _, ok := stateSet[to]; !ok {
			return fmt.Errorf("state machine %s transition %s references unknown to state %s", s.Entity, tr.Name, tr.To)
		}
	}
	return nil
}

// Machine is a compiled, validated StateMachineConfig.
type Machine struct {
	entity      string
	initial     State
	states      map[string]StateConfig
	transitions map[string]State
}

// Compile validates cfg and indexes its transitions.
func Compile(cfg StateMachineConfig) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, newError(ErrInvalidDefinition, err.Error(), err, map[string]any{"entity": cfg.Entity})
	}
	m := &Machine{
		entity:      cfg.Entity,
		states:      make(map[string]StateConfig, len(cfg.States)),
		transitions: make(map[string]State, len(cfg.Transitions)),
	}
	for _, st := range cfg.States {
		m.states[normalizeState(st.Name)] = st
		if st.Initial {
			m.initial = State(strings.TrimSpace(st.Name))
		}
	}
	for _, tr := range cfg.Transitions {
		to := m.states[normalizeState(tr.To)]
		m.transitions[transitionKey(normalizeState(tr.From), normalizeEvent(tr.Name))] = State(strings.TrimSpace(to.Name))
	}
	return m, nil
}

// MustCompile panics when cfg is invalid. Used for built-in machines.
func MustCompile(cfg StateMachineConfig) *Machine {
	m, err := Compile(cfg)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Machine) Entity() string { return m.entity }
func (m *Machine) Initial() State { return m.initial }

// Next resolves the target of event fired from state.
func (m *Machine) Next(from State, event string) (State, error) {
	to, ok := m.transitions[transitionKey(normalizeState(string(from)), normalizeEvent(event))]
	if !ok {
		return "", newError(ErrInvalidTransition, "", nil, map[string]any{
			"entity": m.entity,
			"from":   string(from),
			"event":  event,
		})
	}
	return to, nil
}

func (m *Machine) IsTerminal(s State) bool {
	return m.states[normalizeState(string(s))].Terminal
}

func (m *Machine) IsWait(s State) bool {
	return m.states[normalizeState(string(s))].Wait
}

// CopyJobMachine describes the copy-job lifecycle.
func CopyJobMachine() StateMachineConfig {
	return StateMachineConfig{
		Entity: "copy_job",
		States: []StateConfig{
			{Name: string(StateValidatingRequest), Initial: true},
			{Name: string(StateEnumeratingSources)},
			{Name: string(StateStagedTransfer), Description: "large single-part objects and external files moved through the staging pool"},
			{Name: string(StateDirectTransfer), Description: "objects handed to the provider batch copy"},
			{Name: string(StateLaunchingExternalJob)},
			{Name: string(StateAwaitingCompletion), Wait: true},
			{Name: string(StateSucceeded), Terminal: true},
			{Name: string(StateFailed), Terminal: true},
		},
		Transitions: []TransitionConfig{
			{Name: EventValidated, From: string(StateValidatingRequest), To: string(StateEnumeratingSources)},
			{Name: EventFail, From: string(StateValidatingRequest), To: string(StateFailed)},

			{Name: EventStage, From: string(StateEnumeratingSources), To: string(StateStagedTransfer)},
			{Name: EventDirect, From: string(StateEnumeratingSources), To: string(StateDirectTransfer)},
			{Name: EventSucceed, From: string(StateEnumeratingSources), To: string(StateSucceeded)},
			{Name: EventFail, From: string(StateEnumeratingSources), To: string(StateFailed)},

			{Name: EventDirect, From: string(StateStagedTransfer), To: string(StateDirectTransfer)},
			{Name: EventSucceed, From: string(StateStagedTransfer), To: string(StateSucceeded)},
			{Name: EventFail, From: string(StateStagedTransfer), To: string(StateFailed)},

			{Name: EventLaunch, From: string(StateDirectTransfer), To: string(StateLaunchingExternalJob)},
			{Name: EventFail, From: string(StateDirectTransfer), To: string(StateFailed)},

			{Name: EventLaunched, From: string(StateLaunchingExternalJob), To: string(StateAwaitingCompletion)},
			{Name: EventFail, From: string(StateLaunchingExternalJob), To: string(StateFailed)},

			{Name: EventSucceed, From: string(StateAwaitingCompletion), To: string(StateSucceeded)},
			{Name: EventFail, From: string(StateAwaitingCompletion), To: string(StateFailed)},
		},
	}
}

// RenameMachine describes renaming a copied object once its copy finished.
func RenameMachine() StateMachineConfig {
	return StateMachineConfig{
		Entity: "rename_file",
		States: []StateConfig{
			{Name: string(StateValidatingRequest), Initial: true},
			{Name: string(StateResolvingTarget), Description: "maps the input file to its copied object and new name"},
			{Name: string(StateRenaming)},
			{Name: string(StateSucceeded), Terminal: true},
			{Name: string(StateFailed), Terminal: true},
		},
		Transitions: []TransitionConfig{
			{Name: EventValidated, From: string(StateValidatingRequest), To: string(StateResolvingTarget)},
			{Name: EventFail, From: string(StateValidatingRequest), To: string(StateFailed)},

			{Name: EventResolved, From: string(StateResolvingTarget), To: string(StateRenaming)},
			{Name: EventSucceed, From: string(StateResolvingTarget), To: string(StateSucceeded)},
			{Name: EventFail, From: string(StateResolvingTarget), To: string(StateFailed)},

			{Name: EventSucceed, From: string(StateRenaming), To: string(StateSucceeded)},
			{Name: EventFail, From: string(StateRenaming), To: string(StateFailed)},
		},
	}
}

func transitionKey(state, event string) string {
	return state + "::" + event
}

func normalizeState(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeEvent(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
