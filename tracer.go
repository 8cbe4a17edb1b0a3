package spanz

import (
	"context"
	"runtime"
	"sync"

	"github.com/zoobzio/clockz"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Namespace keys owned by the tracer.
const (
	currentSpanKey     = "spanz.currentSpan"
	currentRootSpanKey = "spanz.currentRootSpan"
	tracingLevelKey    = "spanz.tracingLevel"
)

// SuppressedLevel is the tracing level that turns span recording off.
const SuppressedLevel = "0"

// Tracer ties the tracker, the namespace and the transmission buffer together
// and exposes the span API used by instrumentation. Each tracer is fully
// isolated; there is no package-level state.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	config      Config
	tracker     *Tracker
	namespace   *Namespace
	buffer      *Buffer
	plugins     *pluginRegistry
	traceIDPool *IDPool
	spanIDPool  *IDPool
	clock       clockz.Clock
	logger      *zap.Logger
	metrics     *metrics
	idPoolOnce  sync.Once
	mu          sync.Mutex
	closed      bool
}

// NewTracer creates an inactive tracer. Invalid configuration values are
// replaced by their defaults with a warning; NewTracer never fails.
// Plugins passed with WithPlugins that fail to initialize are logged and skipped.
func NewTracer(cfg Config, opts ...Option) *Tracer {
	o := newOptions(opts)

	if err := cfg.Validate(); err != nil {
		o.logger.Warn("invalid tracer configuration, using defaults where needed", zap.Error(err))
	}
	cfg = cfg.normalized()

	t := &Tracer{
		config:  cfg,
		clock:   o.clock,
		logger:  o.logger,
		metrics: o.metrics,
	}
	t.tracker = newTracker(cfg.Tracker, o)
	t.namespace = newNamespace(o)
	t.tracker.AddListener(t.namespace)
	t.buffer = newBuffer(cfg.Buffer, o.sink, o)
	t.plugins = newPluginRegistry(o.logger)

	for _, p := range o.plugins {
		if err := t.Register(p); err != nil {
			t.logger.Warn("plugin not registered", zap.Error(err))
		}
	}
	return t
}

// Hooks returns the Propagator the host scheduler must drive.
func (t *Tracer) Hooks() Propagator {
	return t.tracker
}

// Tracker returns the async execution tracker.
func (t *Tracer) Tracker() *Tracker {
	return t.tracker
}

// Namespace returns the context namespace.
func (t *Tracer) Namespace() *Namespace {
	return t.namespace
}

// Buffer returns the transmission buffer.
func (t *Tracer) Buffer() *Buffer {
	return t.buffer
}

// Config returns the effective configuration.
func (t *Tracer) Config() Config {
	return t.config
}

// Register initializes p and adds it to the tracer.
func (t *Tracer) Register(p Plugin) error {
	return t.plugins.register(t, p)
}

// Plugins returns the names of registered plugins in registration order.
func (t *Tracer) Plugins() []string {
	return t.plugins.list()
}

// Activate starts the flush loop and activates plugins. Plugin failures are
// returned but do not stop the tracer from running.
func (t *Tracer) Activate() error {
	t.buffer.Activate()
	return t.plugins.activate()
}

// Deactivate deactivates plugins and stops the flush loop, dropping
// everything still buffered.
func (t *Tracer) Deactivate() error {
	err := t.plugins.deactivate()
	t.buffer.Deactivate()
	return err
}

// ForceFlush sends everything buffered now, for hosts that may be frozen
// right after a request completes.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	return t.buffer.Flush(ctx)
}

// Shutdown flushes pending spans, deactivates the tracer and releases its
// timers. The tracer must not be used afterwards. Calling Shutdown twice does nothing.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.buffer.Flush(ctx)
	err = multierr.Append(err, t.Deactivate())
	t.tracker.Close()
	// Pools are never created after this point.
	t.idPoolOnce.Do(func() {})
	if t.traceIDPool != nil {
		t.traceIDPool.Close()
	}
	if t.spanIDPool != nil {
		t.spanIDPool.Close()
	}
	return err
}

// ensureIDPools initializes ID pools if not already created.
func (t *Tracer) ensureIDPools() {
	t.idPoolOnce.Do(func() {
		poolSize := runtime.NumCPU() * 100
		t.traceIDPool = NewIDPool(poolSize, NewTraceID)
		t.spanIDPool = NewIDPool(poolSize, NewSpanID)
	})
}

func (t *Tracer) newTraceID() string {
	t.ensureIDPools()
	if t.traceIDPool == nil {
		return NewTraceID()
	}
	return t.traceIDPool.Get()
}

func (t *Tracer) newSpanID() string {
	t.ensureIDPools()
	if t.spanIDPool == nil {
		return NewSpanID()
	}
	return t.spanIDPool.Get()
}

// SpanOption customizes StartSpan.
type SpanOption func(*spanOptions)

type spanOptions struct {
	reference    any
	traceID      string
	parentSpanID string
	keepActive   bool
}

// WithTraceContext continues a trace received from the wire. It only takes
// effect when both ids are non-empty; short ids are left-padded with zeros.
func WithTraceContext(traceID, parentSpanID string) SpanOption {
	return func(o *spanOptions) {
		o.traceID = traceID
		o.parentSpanID = parentSpanID
	}
}

// WithoutActiveUpdate starts a span without making it the current span.
func WithoutActiveUpdate() SpanOption {
	return func(o *spanOptions) {
		o.keepActive = true
	}
}

// WithStackReference captures stack frames above ref instead of above
// StartSpan. Instrumentation wrappers pass their own entry point here.
func WithStackReference(ref any) SpanOption {
	return func(o *spanOptions) {
		o.reference = ref
	}
}

// StartSpan starts a span named name. The span continues the trace of the
// current span unless WithTraceContext seeds it, and otherwise starts a new
// trace. Unless WithoutActiveUpdate is given it becomes the current span
// until it is finalized. An invalid kind is recorded as KindExit.
func (t *Tracer) StartSpan(name string, kind Kind, opts ...SpanOption) *ActiveSpan {
	var so spanOptions
	for _, opt := range opts {
		opt(&so)
	}

	if !kind.Valid() {
		t.logger.Warn("invalid span kind, using exit",
			zap.String("span", name),
			zap.Int("kind", int(kind)),
		)
		kind = KindExit
	}

	span := &Span{
		SpanID:    t.newSpanID(),
		Name:      name,
		Kind:      kind,
		Timestamp: t.clock.Now(),
	}

	switch parent := t.CurrentSpan(); {
	case so.traceID != "" && so.parentSpanID != "":
		span.TraceID = PadID(so.traceID, TraceIDLength)
		span.ParentID = PadID(so.parentSpanID, SpanIDLength)
	case parent != nil:
		span.TraceID = parent.TraceID()
		span.ParentID = parent.SpanID()
	default:
		span.TraceID = t.newTraceID()
	}

	if kind != KindEntry {
		ref := so.reference
		if ref == nil {
			ref = (*Tracer).StartSpan
		}
		span.StackFrames = CaptureStackTrace(t.config.Span.StackTraceLength, ref)
	}

	active := &ActiveSpan{span: span, tracer: t}

	if !so.keepActive {
		if kind == KindEntry && span.ParentID == "" {
			active.AddCleanup(t.namespace.Set(currentRootSpanKey, active))
		}
		active.AddCleanup(t.namespace.Set(currentSpanKey, active))
	}

	if unit, ok := t.tracker.CurrentUnitID(); ok {
		t.tracker.SetSpanID(unit, span.SpanID)
		t.tracker.SetTraceID(unit, span.TraceID)
		t.tracker.SetParentSpanID(unit, span.ParentID)
		if kind == KindExit {
			t.tracker.SetContainsExitSpan(unit, true)
		}
	}

	t.metrics.spansStarted.WithLabelValues(kind.String()).Inc()
	return active
}

// CurrentSpan returns the current span of the active context, or nil.
func (t *Tracer) CurrentSpan() *ActiveSpan {
	span, _ := t.namespace.Get(currentSpanKey).(*ActiveSpan)
	return span
}

// CurrentRootSpan returns the entry span that started the active trace, or nil.
func (t *Tracer) CurrentRootSpan() *ActiveSpan {
	span, _ := t.namespace.Get(currentRootSpanKey).(*ActiveSpan)
	return span
}

// IsTracing reports whether a current span exists.
func (t *Tracer) IsTracing() bool {
	return t.CurrentSpan() != nil
}

// IsEntrySpan reports whether span is an entry span.
func IsEntrySpan(span *ActiveSpan) bool { return span.Kind() == KindEntry }

// IsExitSpan reports whether span is an exit span.
func IsExitSpan(span *ActiveSpan) bool { return span.Kind() == KindExit }

// IsIntermediateSpan reports whether span is an intermediate span.
func IsIntermediateSpan(span *ActiveSpan) bool { return span.Kind() == KindIntermediate }

// SetTracingLevel sets the tracing level of the active context, typically
// from an inbound X-Level header. Level SuppressedLevel also marks the current
// unit as suppressed so units created from it inherit the flag. The returned
// disposer restores the previous level and the unit's previous flag.
func (t *Tracer) SetTracingLevel(level string) func() {
	dispose := t.namespace.Set(tracingLevelKey, level)
	unit, ok := t.tracker.CurrentUnitID()
	if !ok {
		return dispose
	}
	prev := t.tracker.SuppressTracing(unit)
	t.tracker.SetSuppressTracing(unit, level == SuppressedLevel)
	return func() {
		dispose()
		t.tracker.SetSuppressTracing(unit, prev)
	}
}

// TracingLevel returns the tracing level of the active context, or "".
func (t *Tracer) TracingLevel() string {
	level, _ := t.namespace.Get(tracingLevelKey).(string)
	return level
}

// IsSuppressed reports whether spans must not be recorded in the active
// context or the current unit.
func (t *Tracer) IsSuppressed() bool {
	if t.TracingLevel() == SuppressedLevel {
		return true
	}
	h, ok := t.tracker.CurrentHandle()
	return ok && h.SuppressTracing
}

// SkipExitTracing reports whether instrumentation of an outbound call should
// skip creating an exit span: nothing is traced, tracing is suppressed, or
// an exit span is already in progress.
func (t *Tracer) SkipExitTracing() bool {
	if t.IsSuppressed() {
		return true
	}
	current := t.CurrentSpan()
	if current == nil || IsExitSpan(current) {
		return true
	}
	h, ok := t.tracker.CurrentHandle()
	return ok && h.ContainsExitSpan
}

// RunIsolated runs fn in a fresh child context. See Namespace.RunIsolated.
func (t *Tracer) RunIsolated(fn func()) {
	t.namespace.RunIsolated(fn)
}

// Bind binds fn to the active context. See Namespace.Bind.
func (t *Tracer) Bind(fn func()) func() {
	return t.namespace.Bind(fn)
}

// Get reads key from the active context.
func (t *Tracer) Get(key string) any {
	return t.namespace.Get(key)
}

// Set writes key into the active context and returns its disposer.
func (t *Tracer) Set(key string, value any) func() {
	return t.namespace.Set(key, value)
}

func (t *Tracer) transmit(span *Span) {
	t.buffer.Enqueue(span)
}

// runCleanups runs each action in order. A panicking action is logged and
// the remaining actions still run.
func (t *Tracer) runCleanups(cleanups []func()) {
	for _, fn := range cleanups {
		t.safeCall(fn)
	}
}

func (t *Tracer) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("span cleanup panicked", zap.String("panic", ErrorDetails(r)))
		}
	}()
	fn()
}
