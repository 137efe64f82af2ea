package cron

import (
	"sync"

	rcron "github.com/robfig/cron/v3"
)

// ScheduleStatus is the lifecycle state of a scheduled entry.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// halted statuses were ended from outside; no further run may start.
func (s ScheduleStatus) halted() bool {
	return s == ScheduleStatusCanceled || s == ScheduleStatusStopped
}

func (s ScheduleStatus) terminal() bool {
	return s.halted() || s == ScheduleStatusCompleted || s == ScheduleStatusFailed
}

// Handle controls one entry created by ScheduleCron, ScheduleAfter or
// ScheduleAt.
type Handle interface {
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
	ID() int64
}

// handle also backs named rules, where it only records the latest tick and
// never finishes.
type handle struct {
	owner   *Scheduler
	id      int64
	entryID rcron.EntryID

	mu     sync.RWMutex
	status ScheduleStatus
	err    error

	done     chan struct{}
	doneOnce sync.Once
}

func newHandle(owner *Scheduler, id int64, status ScheduleStatus) *handle {
	return &handle{owner: owner, id: id, status: status, done: make(chan struct{})}
}

func (h *handle) Cancel() {
	if h == nil || !h.finish(ScheduleStatusCanceled, nil) {
		return
	}
	if h.owner != nil {
		h.owner.removeHandle(h.id)
	}
}

func (h *handle) Status() ScheduleStatus {
	if h == nil {
		return ScheduleStatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Err is the error of the most recent failed run.
func (h *handle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *handle) Done() <-chan struct{} {
	if h == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.done
}

func (h *handle) ID() int64 {
	if h == nil {
		return 0
	}
	return h.id
}

// update records a run transition unless the handle was halted, and
// reports whether it did.
func (h *handle) update(status ScheduleStatus, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.halted() {
		return false
	}
	h.status, h.err = status, err
	return true
}

// finish moves the handle to a terminal status and releases Done waiters.
// It is a no-op once the handle is terminal.
func (h *handle) finish(status ScheduleStatus, err error) bool {
	h.mu.Lock()
	if h.status.terminal() {
		h.mu.Unlock()
		return false
	}
	h.status, h.err = status, err
	h.mu.Unlock()

	h.doneOnce.Do(func() { close(h.done) })
	return true
}
