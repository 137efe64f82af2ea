package cron

import (
	"context"
	"sort"
	"strings"
	"time"

	datacopy "github.com/goliatone/go-datacopy"

	rcron "github.com/robfig/cron/v3"
)

type rule struct {
	name       string
	expression string
	job        rcron.Job
	status     *handle
	enabled    bool
	entryID    rcron.EntryID
}

// RuleStatus is a snapshot of a named rule.
type RuleStatus struct {
	Name       string         `json:"name"`
	Expression string         `json:"expression"`
	Enabled    bool           `json:"enabled"`
	Status     ScheduleStatus `json:"status"`
	LastError  string         `json:"last_error,omitempty"`
	Next       time.Time      `json:"next,omitempty"`
}

// ScheduleRule registers a named recurring rule. Rules start disabled; the
// expression is validated on registration.
func (s *Scheduler) ScheduleRule(name string, opts datacopy.HandlerConfig, fn any) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return datacopy.NewError(datacopy.ErrValidation, "rule name required", nil, nil)
	}
	if opts.Expression == "" {
		return datacopy.NewError(datacopy.ErrValidation, "cron expression cannot be empty", nil, map[string]any{
			"rule": name,
		})
	}
	if _, err := s.parseExpression(opts.Expression); err != nil {
		return datacopy.NewError(datacopy.ErrValidation, "invalid cron expression", err, map[string]any{
			"rule":       name,
			"expression": opts.Expression,
		})
	}
	run, err := s.buildRunnable(opts, fn)
	if err != nil {
		return err
	}

	status := newHandle(nil, 0, ScheduleStatusIdle)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[name]; exists {
		return datacopy.NewError(datacopy.ErrRecordExists, "rule already registered", nil, map[string]any{
			"rule": name,
		})
	}
	s.rules[name] = &rule{
		name:       name,
		expression: opts.Expression,
		job:        s.recurringJob(status, run),
		status:     status,
	}
	return nil
}

// Enable adds the rule's cron entry. Enabling an enabled rule is a no-op.
func (s *Scheduler) Enable(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookupRule(name)
	if err != nil {
		return err
	}
	if r.enabled {
		return nil
	}
	entryID, err := s.cron.AddJob(r.expression, r.job)
	if err != nil {
		return datacopy.NewError(datacopy.ErrValidation, "invalid cron expression", err, map[string]any{
			"rule": name,
		})
	}
	r.entryID = entryID
	r.enabled = true
	return nil
}

// Disable removes the rule's cron entry. A tick already running finishes.
func (s *Scheduler) Disable(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookupRule(name)
	if err != nil {
		return err
	}
	if !r.enabled {
		return nil
	}
	if r.entryID != 0 {
		s.cron.Remove(r.entryID)
	}
	r.entryID = 0
	r.enabled = false
	return nil
}

func (s *Scheduler) IsEnabled(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookupRule(name)
	if err != nil {
		return false, err
	}
	return r.enabled, nil
}

// Rules returns a snapshot of every registered rule ordered by name.
func (s *Scheduler) Rules() []RuleStatus {
	s.mu.Lock()
	rules := make([]RuleStatus, 0, len(s.rules))
	entries := make(map[string]rcron.EntryID, len(s.rules))
	for _, r := range s.rules {
		st := RuleStatus{
			Name:       r.name,
			Expression: r.expression,
			Enabled:    r.enabled,
			Status:     r.status.Status(),
		}
		if err := r.status.Err(); err != nil {
			st.LastError = err.Error()
		}
		rules = append(rules, st)
		entries[r.name] = r.entryID
	}
	s.mu.Unlock()

	for i := range rules {
		if id := entries[rules[i].Name]; id != 0 {
			rules[i].Next = s.cron.Entry(id).Next
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

func (s *Scheduler) lookupRule(name string) (*rule, error) {
	r, ok := s.rules[strings.TrimSpace(name)]
	if !ok {
		return nil, datacopy.NewError(datacopy.ErrRuleNotFound, "", nil, map[string]any{
			"rule": name,
		})
	}
	return r, nil
}

func (s *Scheduler) parseExpression(expr string) (rcron.Schedule, error) {
	return s.parser.build().Parse(expr)
}
