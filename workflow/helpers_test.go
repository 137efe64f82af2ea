package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-datacopy/bus"
	"github.com/goliatone/go-datacopy/jobstore"
	"github.com/goliatone/go-datacopy/provider"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt bus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) onBus(name string) []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Event
	for _, evt := range p.events {
		if evt.Bus == name {
			out = append(out, evt)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type harness struct {
	engine    *Engine
	workflow  *CopyJobWorkflow
	client    *provider.Fake
	jobs      *jobstore.MemoryStore
	publisher *recordingPublisher
	clock     *testClock
}

func newHarness(t *testing.T, opts ...CopyJobOption) *harness {
	t.Helper()
	h := &harness{
		client:    provider.NewFake(),
		jobs:      jobstore.NewMemoryStore(),
		publisher: &recordingPublisher{},
		clock:     newTestClock(),
	}
	opts = append([]CopyJobOption{WithCopyJobClock(h.clock.Now)}, opts...)
	wf, err := NewCopyJobWorkflow(h.client, h.jobs, h.publisher, opts...)
	if err != nil {
		t.Fatalf("new copy job workflow: %v", err)
	}
	h.workflow = wf
	h.engine = NewEngine(
		WithEngineClock(h.clock.Now),
		WithIDGenerator(sequentialIDs("id")),
		WithOutcomePublisher(h.publisher, bus.External, "test"),
	)
	if err := h.engine.Register(wf); err != nil {
		t.Fatalf("register workflow: %v", err)
	}
	return h
}

func decodeDetail[T any](t *testing.T, evt bus.Event) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(evt.Detail, &out); err != nil {
		t.Fatalf("decode event detail: %v", err)
	}
	return out
}
