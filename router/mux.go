package router

import (
	"maps"
	"slices"
	"sync"
)

type Subscription interface {
	Unsubscribe()
}

// Mux maps kind patterns to handlers. A kind is a dotted name such as
// "copy.request"; patterns may use the wildcards understood by
// NewKindMatcher.
type Mux struct {
	mu        sync.RWMutex
	sorted    []string
	handlers  map[string][]Entry
	nextID    int64
	matchKind KindMatcher
}

type Entry struct {
	mux     *Mux
	id      int64
	pattern string
	Handler Handler
}

func (e *Entry) Pattern() string {
	return e.pattern
}

func (e *Entry) Unsubscribe() {
	m := e.mux
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.handlers[e.pattern]
	kept := make([]Entry, 0, len(old))
	for _, x := range old {
		if x.id != e.id {
			kept = append(kept, x)
		}
	}
	if len(kept) == 0 {
		delete(m.handlers, e.pattern)
		m.resort()
		return
	}
	m.handlers[e.pattern] = kept
}

func NewMux(opts ...MuxOption) *Mux {
	m := &Mux{
		handlers:  make(map[string][]Entry),
		matchKind: NewKindMatcher(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Mux) Add(pattern string, handler Handler) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handlers == nil {
		m.handlers = make(map[string][]Entry)
	}

	m.nextID++
	e := Entry{
		mux:     m,
		id:      m.nextID,
		pattern: pattern,
		Handler: handler,
	}

	_, known := m.handlers[pattern]
	m.handlers[pattern] = append(m.handlers[pattern], e)
	if !known {
		m.resort()
	}

	return &e
}

// Get returns the handlers of every pattern matching kind. Patterns are
// visited in lexical order and handlers in registration order.
func (m *Mux) Get(kind string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.match(kind)
}

// Len reports the number of registered handlers.
func (m *Mux) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, entries := range m.handlers {
		n += len(entries)
	}
	return n
}

func (m *Mux) match(kind string) []Entry {
	var out []Entry
	for _, p := range m.sorted {
		if p == kind || m.matchKind(p, kind) {
			out = append(out, m.handlers[p]...)
		}
	}
	return out
}

func (m *Mux) resort() {
	m.sorted = slices.Sorted(maps.Keys(m.handlers))
}
