package jobsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/you/jobsync/feed"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("multiplexer closed")

// UpdateFunc receives job updates during dispatch.
type UpdateFunc func(feed.Update)

// Unsubscribe removes a single callback. Calling it more than once is safe.
type Unsubscribe func()

// Multiplexer collapses per-job subscriptions onto one underlying feed
// listener each, fanning updates out to every registered callback.
//
// One instance per process, shared by all callers; the point of the
// multiplexer is lost if each caller builds its own.
type Multiplexer struct {
	source  feed.Source
	logger  Logger
	metrics Metrics

	mu      sync.Mutex
	subs    map[string]*jobSubscription
	created uint64
	closed  bool
}

type jobSubscription struct {
	jobID     string
	detach    feed.Detach
	nextID    uint64
	callbacks []registeredCallback
}

type registeredCallback struct {
	id uint64
	fn UpdateFunc
}

// Stats is a read-only snapshot of multiplexer state.
type Stats struct {
	TotalSubscriptions  uint64
	ActiveSubscriptions int
	TotalCallbacks      int
	CallbacksByJob      map[string]int
}

// NewMultiplexer constructs a Multiplexer over the given source.
func NewMultiplexer(source feed.Source, logger Logger, metrics Metrics) (*Multiplexer, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Multiplexer{
		source:  source,
		logger:  logger,
		metrics: metrics,
		subs:    map[string]*jobSubscription{},
	}, nil
}

// Subscribe registers fn for updates of jobID. The first subscriber for a
// job attaches one underlying listener; later subscribers reuse it. The
// returned Unsubscribe removes only fn; the underlying listener is detached
// exactly when the last callback for the job is removed.
func (m *Multiplexer) Subscribe(ctx context.Context, jobID string, fn UpdateFunc) (Unsubscribe, error) {
	if jobID == "" {
		return nil, fmt.Errorf("subscribe: jobID cannot be empty")
	}
	if fn == nil {
		return nil, fmt.Errorf("subscribe: callback cannot be nil")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	sub, ok := m.subs[jobID]
	if !ok {
		detach, err := m.source.Attach(ctx, jobID, func(u feed.Update) {
			m.dispatch(jobID, u)
		})
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("attach listener for job %s: %w", jobID, err)
		}
		sub = &jobSubscription{jobID: jobID, detach: detach}
		m.subs[jobID] = sub
		m.created++
		m.metrics.IncCounter("multiplexer_listeners_attached", 1)
	}
	sub.nextID++
	id := sub.nextID
	sub.callbacks = append(sub.callbacks, registeredCallback{id: id, fn: fn})
	m.metrics.SetGauge("multiplexer_active_jobs", float64(len(m.subs)))
	m.mu.Unlock()

	return func() { m.remove(jobID, id) }, nil
}

// Stats returns a snapshot of current subscription state. No side effects.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		TotalSubscriptions:  m.created,
		ActiveSubscriptions: len(m.subs),
		CallbacksByJob:      make(map[string]int, len(m.subs)),
	}
	for id, sub := range m.subs {
		s.CallbacksByJob[id] = len(sub.callbacks)
		s.TotalCallbacks += len(sub.callbacks)
	}
	return s
}

// Close detaches every underlying listener and clears all records. Further
// Subscribe calls fail with ErrClosed. Intended for shutdown and test
// teardown.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	detaches := make([]feed.Detach, 0, len(m.subs))
	for _, sub := range m.subs {
		detaches = append(detaches, sub.detach)
	}
	m.subs = map[string]*jobSubscription{}
	m.mu.Unlock()

	for _, detach := range detaches {
		detach()
	}
}

// dispatch fans one update out to every callback registered for the job,
// in registration order. A panicking callback is isolated so siblings in
// the same dispatch still run.
func (m *Multiplexer) dispatch(jobID string, u feed.Update) {
	m.mu.Lock()
	sub, ok := m.subs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	callbacks := make([]registeredCallback, len(sub.callbacks))
	copy(callbacks, sub.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		m.invoke(jobID, cb, u)
	}
	m.metrics.IncCounter("multiplexer_dispatches", 1, Label{Name: "job", Value: jobID})
}

func (m *Multiplexer) invoke(jobID string, cb registeredCallback, u feed.Update) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.IncCounter("multiplexer_callback_panics", 1)
			m.logger.Error("job callback panicked",
				Field{Key: "job", Value: jobID},
				Field{Key: "callback", Value: cb.id},
				Field{Key: "panic", Value: r})
		}
	}()
	cb.fn(u)
}

func (m *Multiplexer) remove(jobID string, id uint64) {
	m.mu.Lock()
	sub, ok := m.subs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	kept := sub.callbacks[:0]
	for _, cb := range sub.callbacks {
		if cb.id != id {
			kept = append(kept, cb)
		}
	}
	sub.callbacks = kept
	if len(sub.callbacks) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.subs, jobID)
	detach := sub.detach
	m.metrics.SetGauge("multiplexer_active_jobs", float64(len(m.subs)))
	m.mu.Unlock()

	detach()
	m.metrics.IncCounter("multiplexer_listeners_detached", 1)
}
