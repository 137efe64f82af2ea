// Package bus is an in-process event bus with named channels. Each bus
// delivers events to its subscribers through a bounded worker pool.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	datacopy "github.com/goliatone/go-datacopy"
)

const (
	// Internal carries events produced by the service itself.
	Internal = "internal"
	// External carries events from callers and the storage provider.
	External = "external"
)

// Event is the envelope routed between components.
type Event struct {
	ID         string          `json:"id"`
	Bus        string          `json:"bus"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
	Time       time.Time       `json:"time"`
}

// NewEvent builds an event with a fresh id, marshalling detail.
func NewEvent(busName, source, detailType string, detail any) (Event, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return Event{}, datacopy.NewError(datacopy.ErrValidation, "event detail is not json", err, map[string]any{
			"detail_type": detailType,
		})
	}
	return Event{
		ID:         uuid.NewString(),
		Bus:        busName,
		Source:     source,
		DetailType: detailType,
		Detail:     raw,
		Time:       time.Now().UTC(),
	}, nil
}

// Publisher is satisfied by anything that accepts events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Handler consumes a delivered event.
type Handler func(ctx context.Context, evt Event) error

// Filter selects which events a subscriber receives.
type Filter func(evt Event) bool

type subscription struct {
	id      int64
	handler Handler
	filter  Filter
}

// Subscription removes a subscriber when canceled.
type Subscription interface {
	Unsubscribe()
}

type subscriptionHandle struct {
	once   sync.Once
	cancel func()
}

func (s *subscriptionHandle) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Bus holds named channels. Publishing to a bus with no subscribers drops
// the event.
//
// Asynchronous delivery goes through a bounded queue. Publishers wait for
// room in it, except handlers running on a delivery worker: their events go
// to an unbounded overflow list that a pump goroutine feeds into the queue,
// so a worker never blocks on its own queue.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]subscription
	nextID  int64
	logger  datacopy.Logger
	onPanic datacopy.PanicHandler
	closed  bool
	sync    bool

	workers  int
	depth    int
	queue    chan delivery
	done     chan struct{}
	inflight sync.WaitGroup
	wg       sync.WaitGroup

	omu      sync.Mutex
	overflow []delivery
	kick     chan struct{}
	pumped   chan struct{}

	closeOnce sync.Once
}

type delivery struct {
	ctx     context.Context
	evt     Event
	handler Handler
}

// workerKey marks contexts handed to handlers by a delivery worker.
type workerKey struct{}

type Option func(*Bus)

// WithWorkers sets the number of delivery workers and the queue depth.
func WithWorkers(workers, depth int) Option {
	return func(b *Bus) {
		if workers > 0 {
			b.workers = workers
			b.depth = max(depth, workers)
		}
	}
}

// WithSynchronousDelivery delivers events on the publishing goroutine.
// Handler errors are returned from Publish.
func WithSynchronousDelivery() Option {
	return func(b *Bus) {
		b.sync = true
	}
}

func WithLogger(l datacopy.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string][]subscription),
		logger:  datacopy.NormalizeLogger(nil),
		workers: 4,
		depth:   64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.onPanic = datacopy.LoggerPanicHandler(b.logger)
	if !b.sync {
		b.start()
	}
	return b
}

// Subscribe registers handler on busName. A nil filter receives everything.
func (b *Bus) Subscribe(busName string, handler Handler, filter Filter) Subscription {
	busName = strings.TrimSpace(busName)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[busName] = append(b.subs[busName], subscription{id: id, handler: handler, filter: filter})
	b.mu.Unlock()

	return &subscriptionHandle{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[busName]
		for i, s := range subs {
			if s.id == id {
				b.subs[busName] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}}
}

// Publish fans evt out to the subscribers of evt.Bus.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if strings.TrimSpace(evt.Bus) == "" {
		return datacopy.NewError(datacopy.ErrValidation, "event bus required", nil, nil)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBusClosed()
	}
	var targets []Handler
	for _, s := range b.subs[evt.Bus] {
		if s.filter == nil || s.filter(evt) {
			targets = append(targets, s.handler)
		}
	}

	if b.sync {
		b.mu.RUnlock()
		var errs []error
		for _, h := range targets {
			if err := b.invoke(ctx, evt, h); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	// detach from the publisher's cancellation; delivery outlives the request
	dctx := context.WithoutCancel(ctx)
	if owner, _ := ctx.Value(workerKey{}).(*Bus); owner == b {
		b.enqueueOverflow(dctx, evt, targets)
		b.mu.RUnlock()
		return nil
	}
	b.inflight.Add(1)
	b.mu.RUnlock()
	defer b.inflight.Done()

	for _, h := range targets {
		select {
		case b.queue <- delivery{ctx: dctx, evt: evt, handler: h}:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return errBusClosed()
		}
	}
	return nil
}

// enqueueOverflow must run under b.mu so Close observes every append.
func (b *Bus) enqueueOverflow(ctx context.Context, evt Event, targets []Handler) {
	if len(targets) == 0 {
		return
	}
	b.omu.Lock()
	for _, h := range targets {
		b.overflow = append(b.overflow, delivery{ctx: ctx, evt: evt, handler: h})
	}
	b.omu.Unlock()
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *Bus) takeOverflow() []delivery {
	b.omu.Lock()
	defer b.omu.Unlock()
	batch := b.overflow
	b.overflow = nil
	return batch
}

// Close stops accepting events and waits for queued deliveries, including
// events handlers published before the bus closed.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		if b.sync {
			return
		}
		close(b.done)
		b.inflight.Wait()
		<-b.pumped
		close(b.queue)
		b.wg.Wait()
	})
}

func errBusClosed() error {
	return datacopy.NewError(datacopy.ErrValidation, "event bus closed", nil, nil)
}

func (b *Bus) start() {
	b.queue = make(chan delivery, b.depth)
	b.done = make(chan struct{})
	b.kick = make(chan struct{}, 1)
	b.pumped = make(chan struct{})

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for d := range b.queue {
				ctx := context.WithValue(d.ctx, workerKey{}, b)
				if err := b.invoke(ctx, d.evt, d.handler); err != nil {
					b.logger.Warn("event %s on bus %s: %v", d.evt.ID, d.evt.Bus, err)
				}
			}
		}()
	}
	go b.pump()
}

// pump feeds overflow into the queue. After Close it drains what is left;
// nothing is appended once the bus is closed.
func (b *Bus) pump() {
	defer close(b.pumped)
	for {
		batch := b.takeOverflow()
		for _, d := range batch {
			b.queue <- d
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-b.kick:
		case <-b.done:
			for batch = b.takeOverflow(); len(batch) > 0; batch = b.takeOverflow() {
				for _, d := range batch {
					b.queue <- d
				}
			}
			return
		}
	}
}

func (b *Bus) invoke(ctx context.Context, evt Event, h Handler) (err error) {
	completed := false
	defer func() {
		if !completed && err == nil {
			err = datacopy.WrapError("HandlerPanic", "event handler panicked", nil)
		}
	}()
	defer b.onPanic("bus.deliver", map[string]any{"event_id": evt.ID, "bus": evt.Bus})

	err = h(ctx, evt)
	completed = true
	return err
}
