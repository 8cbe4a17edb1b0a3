package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoobzio/spanz"
	"github.com/zoobzio/spanz/eventloop"
)

// MockSink records every delivered batch and can be switched into failure mode.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockSink struct {
	delivered []spanz.Span
	err       error
	attempts  int
	mu        sync.Mutex
}

// Send implements spanz.Sink.
func (m *MockSink) Send(_ context.Context, batch []spanz.Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.err != nil {
		return m.err
	}
	m.delivered = append(m.delivered, batch...)
	return nil
}

// Fail makes subsequent sends return err; nil restores delivery.
func (m *MockSink) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Spans returns a copy of everything delivered so far.
func (m *MockSink) Spans() []spanz.Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]spanz.Span(nil), m.delivered...)
}

// Attempts returns the number of Send calls.
func (m *MockSink) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// WaitForSpans waits until at least expected spans were delivered.
func (m *MockSink) WaitForSpans(t *testing.T, expected int, timeout time.Duration) []spanz.Span {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.Spans()) >= expected }, timeout, 5*time.Millisecond,
		"expected %d delivered spans", expected)
	return m.Spans()
}

// Harness is a tracer driven by an event loop, the way a host runtime drives it.
type Harness struct {
	Tracer *spanz.Tracer
	Loop   *eventloop.Loop
	Sink   *MockSink
}

// NewHarness creates a tracer and loop. Schedule work with Go, then call Run.
func NewHarness(t *testing.T, cfg spanz.Config, opts ...spanz.Option) *Harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sink := &MockSink{}
	tracer := spanz.NewTracer(cfg, append([]spanz.Option{spanz.WithSink(sink), spanz.WithLogger(logger)}, opts...)...)
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })

	return &Harness{
		Tracer: tracer,
		Loop:   eventloop.New(tracer.Hooks(), eventloop.WithLogger(logger)),
		Sink:   sink,
	}
}

// Run executes scheduled tasks until none are left and flushes the buffer.
func (h *Harness) Run(t *testing.T) []spanz.Span {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.Loop.Run(context.Background()) }()
	h.Loop.Wait()
	h.Loop.Stop()
	require.NoError(t, <-done)

	require.NoError(t, h.Tracer.ForceFlush(context.Background()))
	return h.Sink.Spans()
}

// Request schedules an isolated entry span named name whose body runs in fn.
// The entry span is transmitted when done is called.
func (h *Harness) Request(name string, fn func(entry *spanz.ActiveSpan, done func())) {
	h.Loop.Go(func() {
		h.Tracer.RunIsolated(func() {
			entry := h.Tracer.StartSpan(name, spanz.KindEntry)
			fn(entry, entry.Transmit)
		})
	})
}

// Call schedules an exit span named name that is transmitted after the given number of
// loop ticks, then runs then. Nothing is recorded when exit tracing is skipped.
func (h *Harness) Call(name string, ticks int, then func()) {
	if then == nil {
		then = func() {}
	}
	if h.Tracer.SkipExitTracing() {
		h.later(ticks, then)
		return
	}
	exit := h.Tracer.StartSpan(name, spanz.KindExit)
	h.later(ticks, func() {
		exit.Transmit()
		then()
	})
}

func (h *Harness) later(ticks int, fn func()) {
	if ticks <= 0 {
		h.Loop.Go(fn)
		return
	}
	h.Loop.Go(func() { h.later(ticks-1, fn) })
}

// SpanTree represents a hierarchical view of spans.
type SpanTree struct {
	Span     spanz.Span
	Children []*SpanTree
}

// BuildSpanTree constructs a tree from flat span list.
func BuildSpanTree(spans []spanz.Span) []*SpanTree {
	nodeMap := make(map[string]*SpanTree, len(spans))
	roots := make([]*SpanTree, 0)

	for i := range spans {
		nodeMap[spans[i].SpanID] = &SpanTree{Span: spans[i]}
	}
	for i := range spans {
		node := nodeMap[spans[i].SpanID]
		if parent, ok := nodeMap[spans[i].ParentID]; ok && spans[i].ParentID != "" {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}

// PrintSpanTree formats span tree for debugging.
func PrintSpanTree(trees []*SpanTree) string {
	var sb strings.Builder
	for _, tree := range trees {
		printTreeNode(&sb, tree, 0)
	}
	return sb.String()
}

func printTreeNode(sb *strings.Builder, node *SpanTree, depth int) {
	fmt.Fprintf(sb, "%s%s [%s]\n", strings.Repeat("  ", depth), node.Span.Name, node.Span.Kind)
	for _, child := range node.Children {
		printTreeNode(sb, child, depth+1)
	}
}

// TraceAnalyzer provides trace-level assertions.
type TraceAnalyzer struct {
	spans  []spanz.Span
	byName map[string][]spanz.Span
	trees  []*SpanTree
}

// NewTraceAnalyzer creates an analyzer for a set of spans.
func NewTraceAnalyzer(spans []spanz.Span) *TraceAnalyzer {
	a := &TraceAnalyzer{
		spans:  spans,
		byName: make(map[string][]spanz.Span),
	}
	for i := range spans {
		a.byName[spans[i].Name] = append(a.byName[spans[i].Name], spans[i])
	}
	a.trees = BuildSpanTree(spans)
	return a
}

// Named returns the only span called name, failing the test otherwise.
func (a *TraceAnalyzer) Named(t *testing.T, name string) spanz.Span {
	t.Helper()
	spans := a.byName[name]
	require.Len(t, spans, 1, "spans named %q\n%s", name, PrintSpanTree(a.trees))
	return spans[0]
}

// CountTrees returns number of root spans.
func (a *TraceAnalyzer) CountTrees() int {
	return len(a.trees)
}

// AssertChain verifies that each named span is the child of the previous one
// and that all of them share a trace.
func (a *TraceAnalyzer) AssertChain(t *testing.T, names ...string) {
	t.Helper()
	for i := 1; i < len(names); i++ {
		parent := a.Named(t, names[i-1])
		child := a.Named(t, names[i])
		assert.Equal(t, parent.SpanID, child.ParentID, "%s is not a child of %s\n%s", names[i], names[i-1], PrintSpanTree(a.trees))
		assert.Equal(t, parent.TraceID, child.TraceID, "%s left the trace of %s", names[i], names[i-1])
	}
}
