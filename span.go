package spanz

import (
	"fmt"
	"maps"
	"sync"
	"time"
)

// Kind classifies a span by where its operation sits relative to the process.
type Kind int

const (
	// KindEntry is an inbound operation, e.g. an incoming request.
	KindEntry Kind = iota + 1
	// KindExit is an outbound call, e.g. a database query.
	KindExit
	// KindIntermediate is local work inside the process.
	KindIntermediate
)

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= KindEntry && k <= KindIntermediate
}

func (k Kind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindExit:
		return "exit"
	case KindIntermediate:
		return "intermediate"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Span is the record of one logical operation. Records handed to a Sink are
// copies and must not be modified.
//
//nolint:govet // Field order follows the wire layout, not alignment.
type Span struct {
	Payload     map[string]any `json:"data,omitempty"`
	StackFrames []StackFrame   `json:"stack,omitempty"`
	Timestamp   time.Time      `json:"ts"`
	Duration    time.Duration  `json:"duration"`
	TraceID     string         `json:"trace_id"`
	SpanID      string         `json:"span_id"`
	ParentID    string         `json:"parent_id,omitempty"`
	Name        string         `json:"name"`
	Kind        Kind           `json:"kind"`
	ErrorCount  int            `json:"error_count,omitempty"`
	Erroneous   bool           `json:"error,omitempty"`
}

// DurationMillis returns the duration in whole milliseconds.
func (s *Span) DurationMillis() int64 {
	return s.Duration.Milliseconds()
}

func (s *Span) clone() Span {
	out := *s
	if s.Payload != nil {
		out.Payload = maps.Clone(s.Payload)
	}
	if s.StackFrames != nil {
		out.StackFrames = append([]StackFrame(nil), s.StackFrames...)
	}
	return out
}

type spanState uint8

const (
	stateOpen spanState = iota
	stateTransmitted
	stateCancelled
)

// ActiveSpan owns a Span until it is transmitted or cancelled. Both are
// terminal: the first call wins, later calls do nothing. Safe for concurrent use.
type ActiveSpan struct {
	span     *Span
	tracer   *Tracer
	cleanups []func()
	mu       sync.Mutex
	state    spanState
}

// TraceID returns the trace ID of this span.
func (a *ActiveSpan) TraceID() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.TraceID
}

// SpanID returns the span ID of this span.
func (a *ActiveSpan) SpanID() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.SpanID
}

// ParentID returns the parent span ID, or "" for a trace root.
func (a *ActiveSpan) ParentID() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.ParentID
}

// Kind returns the span kind.
func (a *ActiveSpan) Kind() Kind {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.Kind
}

// Name returns the operation name.
func (a *ActiveSpan) Name() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.Name
}

// Snapshot returns a copy of the current record.
func (a *ActiveSpan) Snapshot() Span {
	if a == nil {
		return Span{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.clone()
}

// SetPayload sets an attribute. Strings longer than MaxPayloadTextLength are truncated.
// No-op once the span is finalized.
func (a *ActiveSpan) SetPayload(key string, value any) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != stateOpen {
		return
	}
	if s, ok := value.(string); ok {
		value = Truncate(s, MaxPayloadTextLength)
	}
	if a.span.Payload == nil {
		a.span.Payload = make(map[string]any)
	}
	a.span.Payload[key] = value
}

// Payload returns an attribute value.
func (a *ActiveSpan) Payload(key string) (any, bool) {
	if a == nil {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.span.Payload[key]
	return v, ok
}

// MarkError flags the span as erroneous, counts the error and records its
// details under the "error" payload key. A nil err only flags the span.
func (a *ActiveSpan) MarkError(err any) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != stateOpen {
		return
	}
	a.span.Erroneous = true
	a.span.ErrorCount++
	if details := ErrorDetails(err); details != "" {
		if a.span.Payload == nil {
			a.span.Payload = make(map[string]any)
		}
		a.span.Payload["error"] = details
	}
}

// SetDuration overrides the duration computed at finalization.
func (a *ActiveSpan) SetDuration(d time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == stateOpen {
		a.span.Duration = d
	}
}

// AddCleanup registers fn to run exactly once when the span is transmitted or
// cancelled, after previously registered actions. On a finalized span fn runs
// immediately.
func (a *ActiveSpan) AddCleanup(fn func()) {
	if a == nil || fn == nil {
		return
	}
	a.mu.Lock()
	if a.state == stateOpen {
		a.cleanups = append(a.cleanups, fn)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.tracer.runCleanups([]func(){fn})
}

// Transmit hands the span to the transmission buffer and runs its cleanup
// actions. Safe to call multiple times; only the first finalization counts.
func (a *ActiveSpan) Transmit() {
	if a == nil {
		return
	}
	record, cleanups, ok := a.finalize(stateTransmitted)
	if !ok {
		return
	}
	a.tracer.transmit(&record)
	a.tracer.runCleanups(cleanups)
}

// Cancel finalizes the span without transmitting it, e.g. when a speculative
// span turns out not to correspond to real work.
func (a *ActiveSpan) Cancel() {
	if a == nil {
		return
	}
	_, cleanups, ok := a.finalize(stateCancelled)
	if !ok {
		return
	}
	a.tracer.runCleanups(cleanups)
}

// Transmitted reports whether the span was transmitted.
func (a *ActiveSpan) Transmitted() bool {
	return a.is(stateTransmitted)
}

// Cancelled reports whether the span was cancelled.
func (a *ActiveSpan) Cancelled() bool {
	return a.is(stateCancelled)
}

func (a *ActiveSpan) is(state spanState) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == state
}

func (a *ActiveSpan) finalize(to spanState) (Span, []func(), bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != stateOpen {
		return Span{}, nil, false
	}
	a.state = to
	if a.span.Duration == 0 {
		a.span.Duration = a.tracer.clock.Since(a.span.Timestamp)
	}
	cleanups := a.cleanups
	a.cleanups = nil
	return a.span.clone(), cleanups, true
}
