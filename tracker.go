package spanz

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// UnitID identifies one asynchronous unit of work known to the host scheduler.
// Host ids are positive; simulated units use negative ids.
type UnitID int64

// Propagator receives the scheduling hooks of the host runtime. OnCreate is
// called while the scheduling unit is still current, before the new unit runs.
// OnEnter/OnExit bracket each execution of a unit and must be paired.
type Propagator interface {
	OnCreate(id UnitID)
	OnEnter(id UnitID)
	OnExit()
	OnDestroy(id UnitID)
}

// Handle is the tracing metadata attached to one in-flight unit.
type Handle struct {
	SpanID           string
	ParentSpanID     string
	TraceID          string
	ID               UnitID
	ParentID         UnitID
	SuppressTracing  bool
	ContainsExitSpan bool
}

// Tracker associates a Handle with every live unit and knows which unit is
// currently executing. Metadata is copied from the current unit when a unit
// is created and never afterwards.
//
// Hooks are expected from a single cooperative scheduler; the mutex only
// protects against the simulated-unit reaper, which runs on its own goroutine.
type Tracker struct {
	handles          map[UnitID]*Handle
	listeners        []Propagator
	current          []UnitID
	clock            clockz.Clock
	logger           *zap.Logger
	metrics          *metrics
	stop             chan struct{}
	reaperStops      map[UnitID]chan struct{}
	reapers          sync.WaitGroup
	simulatedTimeout time.Duration
	nextSimulated    atomic.Int64
	mu               sync.Mutex
	closed           bool
}

// NewTracker creates a tracker. Simulated units are destroyed after cfg.SimulatedUnitTimeout.
func NewTracker(cfg TrackerConfig, opts ...Option) *Tracker {
	return newTracker(cfg, newOptions(opts))
}

func newTracker(cfg TrackerConfig, o *options) *Tracker {
	timeout := cfg.SimulatedUnitTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().Tracker.SimulatedUnitTimeout
	}
	return &Tracker{
		handles:          make(map[UnitID]*Handle),
		clock:            o.clock,
		logger:           o.logger.Named("tracker"),
		metrics:          o.metrics,
		stop:             make(chan struct{}),
		reaperStops:      make(map[UnitID]chan struct{}),
		simulatedTimeout: timeout,
	}
}

// AddListener forwards every hook received by the tracker to l, after the
// tracker has updated its own state.
func (t *Tracker) AddListener(l Propagator) {
	if l == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// OnCreate registers a new unit, inheriting metadata from the current unit.
func (t *Tracker) OnCreate(id UnitID) {
	t.mu.Lock()
	h := &Handle{ID: id}
	if parentID, ok := t.currentLocked(); ok {
		h.ParentID = parentID
		if parent, found := t.handles[parentID]; found {
			h.TraceID = parent.TraceID
			h.ParentSpanID = parent.SpanID
			if h.ParentSpanID == "" {
				h.ParentSpanID = parent.ParentSpanID
			}
			h.SuppressTracing = parent.SuppressTracing
			h.ContainsExitSpan = parent.ContainsExitSpan
		}
	}
	t.handles[id] = h
	t.metrics.units.Set(float64(len(t.handles)))
	listeners := t.listeners
	t.mu.Unlock()

	for _, l := range listeners {
		l.OnCreate(id)
	}
}

// OnEnter marks id as the currently executing unit.
func (t *Tracker) OnEnter(id UnitID) {
	t.mu.Lock()
	t.current = append(t.current, id)
	listeners := t.listeners
	t.mu.Unlock()

	for _, l := range listeners {
		l.OnEnter(id)
	}
}

// OnExit restores the unit that was current before the matching OnEnter.
func (t *Tracker) OnExit() {
	t.mu.Lock()
	if len(t.current) == 0 {
		t.mu.Unlock()
		t.logger.Debug("exit without matching enter")
		return
	}
	t.current = t.current[:len(t.current)-1]
	listeners := t.listeners
	t.mu.Unlock()

	for _, l := range listeners {
		l.OnExit()
	}
}

// OnDestroy removes the unit's handle and stops its reaper, if any.
// Safe to call more than once.
func (t *Tracker) OnDestroy(id UnitID) {
	t.mu.Lock()
	delete(t.handles, id)
	if stop, ok := t.reaperStops[id]; ok {
		close(stop)
		delete(t.reaperStops, id)
	}
	t.metrics.units.Set(float64(len(t.handles)))
	listeners := t.listeners
	t.mu.Unlock()

	for _, l := range listeners {
		l.OnDestroy(id)
	}
}

// CreateSimulatedUnit creates and enters a unit for work that the host
// scheduler does not track. The caller should OnExit and OnDestroy it when
// done; otherwise it is destroyed after the simulated unit timeout.
func (t *Tracker) CreateSimulatedUnit() UnitID {
	id := UnitID(-t.nextSimulated.Add(1))
	t.OnCreate(id)
	t.OnEnter(id)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		cancel := make(chan struct{})
		t.reaperStops[id] = cancel
		t.reapers.Add(1)
		go t.reap(id, t.clock.After(t.simulatedTimeout), cancel)
	}
	return id
}

func (t *Tracker) reap(id UnitID, timeout <-chan time.Time, cancel <-chan struct{}) {
	defer t.reapers.Done()
	select {
	case <-timeout:
		t.OnDestroy(id)
	case <-cancel:
	case <-t.stop:
	}
}

// Reapers returns the number of simulated units still waiting for their timeout.
func (t *Tracker) Reapers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reaperStops)
}

// Close stops pending simulated-unit timers. Handles are left in place.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.stop)
	t.mu.Unlock()

	t.reapers.Wait()
}

func (t *Tracker) currentLocked() (UnitID, bool) {
	if len(t.current) == 0 {
		return 0, false
	}
	return t.current[len(t.current)-1], true
}

// CurrentUnitID returns the currently executing unit, if any.
func (t *Tracker) CurrentUnitID() (UnitID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentLocked()
}

// CurrentHandle returns a copy of the current unit's handle.
func (t *Tracker) CurrentHandle() (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.currentLocked()
	if !ok {
		return Handle{}, false
	}
	h, ok := t.handles[id]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Lookup returns a copy of the handle for id.
func (t *Tracker) Lookup(id UnitID) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Count returns the number of live handles.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// withHandle is a no-op for unknown ids: handles may be destroyed while
// callers still hold their id.
func (t *Tracker) withHandle(id UnitID, fn func(h *Handle)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handles[id]; ok {
		fn(h)
	}
}

// SpanID returns the span id recorded for id.
func (t *Tracker) SpanID(id UnitID) (v string) {
	t.withHandle(id, func(h *Handle) { v = h.SpanID })
	return v
}

// SetSpanID records the span started in unit id.
func (t *Tracker) SetSpanID(id UnitID, spanID string) {
	t.withHandle(id, func(h *Handle) { h.SpanID = spanID })
}

// ParentSpanID returns the parent span id recorded for id.
func (t *Tracker) ParentSpanID(id UnitID) (v string) {
	t.withHandle(id, func(h *Handle) { v = h.ParentSpanID })
	return v
}

// SetParentSpanID overrides the parent span id of unit id.
func (t *Tracker) SetParentSpanID(id UnitID, parentSpanID string) {
	t.withHandle(id, func(h *Handle) { h.ParentSpanID = parentSpanID })
}

// TraceID returns the trace id recorded for id.
func (t *Tracker) TraceID(id UnitID) (v string) {
	t.withHandle(id, func(h *Handle) { v = h.TraceID })
	return v
}

// SetTraceID records the trace id of unit id.
func (t *Tracker) SetTraceID(id UnitID, traceID string) {
	t.withHandle(id, func(h *Handle) { h.TraceID = traceID })
}

// SuppressTracing reports whether tracing is suppressed for id.
func (t *Tracker) SuppressTracing(id UnitID) (v bool) {
	t.withHandle(id, func(h *Handle) { v = h.SuppressTracing })
	return v
}

// SetSuppressTracing sets or clears suppression for id and units created from it afterwards.
func (t *Tracker) SetSuppressTracing(id UnitID, suppress bool) {
	t.withHandle(id, func(h *Handle) { h.SuppressTracing = suppress })
}

// ContainsExitSpan reports whether id or an ancestor produced an exit span.
func (t *Tracker) ContainsExitSpan(id UnitID) (v bool) {
	t.withHandle(id, func(h *Handle) { v = h.ContainsExitSpan })
	return v
}

// SetContainsExitSpan marks id as having produced an exit span.
func (t *Tracker) SetContainsExitSpan(id UnitID, contains bool) {
	t.withHandle(id, func(h *Handle) { h.ContainsExitSpan = contains })
}
