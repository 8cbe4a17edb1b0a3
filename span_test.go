package spanz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestKind(t *testing.T) {
	assert.Equal(t, "entry", KindEntry.String())
	assert.Equal(t, "exit", KindExit.String())
	assert.Equal(t, "intermediate", KindIntermediate.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())

	assert.True(t, KindIntermediate.Valid())
	assert.False(t, Kind(0).Valid())
	assert.False(t, Kind(4).Valid())
}

func TestActiveSpanTransmitOnce(t *testing.T) {
	tracer, sink := newTestTracer(t)

	var cleanups int
	span := tracer.StartSpan("op", KindIntermediate)
	span.AddCleanup(func() { cleanups++ })

	span.Transmit()
	span.Transmit()
	span.Cancel()

	assert.True(t, span.Transmitted())
	assert.False(t, span.Cancelled())
	assert.Equal(t, 1, cleanups)

	require.NoError(t, tracer.ForceFlush(context.Background()))
	assert.Len(t, sink.spans(), 1)
}

func TestActiveSpanCancel(t *testing.T) {
	tracer, sink := newTestTracer(t)

	var cleanups int
	span := tracer.StartSpan("poll", KindEntry)
	span.AddCleanup(func() { cleanups++ })

	span.Cancel()
	span.Transmit()
	span.Cancel()

	assert.True(t, span.Cancelled())
	assert.False(t, span.Transmitted())
	assert.Equal(t, 1, cleanups)
	assert.Zero(t, tracer.Buffer().Count())
	assert.Empty(t, sink.spans())
}

func TestActiveSpanCleanupOrder(t *testing.T) {
	tracer, _ := newTestTracer(t)

	var order []int
	span := tracer.StartSpan("op", KindIntermediate)
	span.AddCleanup(func() { order = append(order, 1) })
	span.AddCleanup(func() { order = append(order, 2) })
	span.AddCleanup(nil)
	span.AddCleanup(func() { order = append(order, 3) })
	span.Transmit()

	assert.Equal(t, []int{1, 2, 3}, order)

	span.AddCleanup(func() { order = append(order, 4) })
	assert.Equal(t, []int{1, 2, 3, 4}, order, "late cleanups run immediately")
}

func TestActiveSpanCleanupPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	tracer, _ := newTestTracer(t, WithLogger(zap.New(core)))

	ran := false
	span := tracer.StartSpan("op", KindIntermediate)
	span.AddCleanup(func() { panic("cleanup failed") })
	span.AddCleanup(func() { ran = true })

	assert.NotPanics(t, span.Transmit)
	assert.True(t, ran)

	entries := logs.FilterMessage("span cleanup panicked").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "cleanup failed", entries[0].ContextMap()["panic"])
}

func TestActiveSpanPayload(t *testing.T) {
	tracer, _ := newTestTracer(t)

	span := tracer.StartSpan("query", KindExit)
	span.SetPayload("db.statement", strings.Repeat("a", MaxPayloadTextLength+10))
	span.SetPayload("db.rows", 3)

	stmt, ok := span.Payload("db.statement")
	require.True(t, ok)
	assert.Len(t, stmt, MaxPayloadTextLength)
	rows, _ := span.Payload("db.rows")
	assert.Equal(t, 3, rows)

	_, ok = span.Payload("missing")
	assert.False(t, ok)

	span.Transmit()
	span.SetPayload("late", true)
	_, ok = span.Payload("late")
	assert.False(t, ok, "finalized spans are immutable")
}

func TestActiveSpanMarkError(t *testing.T) {
	tracer, sink := newTestTracer(t)

	span := tracer.StartSpan("call", KindExit)
	span.MarkError(errors.New("connection refused"))
	span.MarkError(nil)
	span.Transmit()

	require.NoError(t, tracer.ForceFlush(context.Background()))
	spans := sink.spans()
	require.Len(t, spans, 1)
	assert.True(t, spans[0].Erroneous)
	assert.Equal(t, 2, spans[0].ErrorCount)
	assert.Equal(t, "connection refused", spans[0].Payload["error"])
}

func TestActiveSpanMarkTypedNilError(t *testing.T) {
	tracer, sink := newTestTracer(t)

	var qe *queryError
	var err error = qe

	span := tracer.StartSpan("call", KindExit)
	require.NotPanics(t, func() { span.MarkError(err) })
	span.Transmit()

	require.NoError(t, tracer.ForceFlush(context.Background()))
	spans := sink.spans()
	require.Len(t, spans, 1)
	assert.True(t, spans[0].Erroneous)
	assert.Equal(t, 1, spans[0].ErrorCount)
	assert.NotContains(t, spans[0].Payload, "error")
}

func TestActiveSpanDuration(t *testing.T) {
	clock := clockz.NewFakeClock()
	tracer, _ := newTestTracer(t, WithClock(clock))

	span := tracer.StartSpan("op", KindIntermediate)
	assert.Equal(t, clock.Now(), span.Snapshot().Timestamp)

	clock.Advance(50 * time.Millisecond)
	span.Transmit()

	record := span.Snapshot()
	assert.Equal(t, 50*time.Millisecond, record.Duration)
	assert.Equal(t, int64(50), record.DurationMillis())
}

func TestActiveSpanSetDuration(t *testing.T) {
	clock := clockz.NewFakeClock()
	tracer, _ := newTestTracer(t, WithClock(clock))

	span := tracer.StartSpan("op", KindIntermediate)
	span.SetDuration(3 * time.Second)
	clock.Advance(time.Second)
	span.Transmit()

	assert.Equal(t, 3*time.Second, span.Snapshot().Duration)
}

func TestActiveSpanNil(t *testing.T) {
	var span *ActiveSpan

	assert.NotPanics(t, func() {
		span.SetPayload("k", "v")
		span.MarkError(errors.New("x"))
		span.SetDuration(time.Second)
		span.AddCleanup(func() {})
		span.Transmit()
		span.Cancel()
	})
	assert.Empty(t, span.TraceID())
	assert.Empty(t, span.SpanID())
	assert.Empty(t, span.ParentID())
	assert.Empty(t, span.Name())
	assert.Zero(t, span.Kind())
	assert.False(t, span.Transmitted())
	assert.Equal(t, Span{}, span.Snapshot())
}

func TestActiveSpanConcurrentFinalize(t *testing.T) {
	tracer, _ := newTestTracer(t)

	var mu sync.Mutex
	cleanups := 0
	span := tracer.StartSpan("op", KindIntermediate)
	span.AddCleanup(func() {
		mu.Lock()
		cleanups++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			span.SetPayload("i", i)
			if i%2 == 0 {
				span.Transmit()
			} else {
				span.Cancel()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, cleanups)
	assert.True(t, span.Transmitted() != span.Cancelled())
	assert.LessOrEqual(t, tracer.Buffer().Count(), 1)
}

func TestSpanCloneIsDeep(t *testing.T) {
	span := &Span{
		Payload:     map[string]any{"k": "v"},
		StackFrames: []StackFrame{{Method: "m"}},
	}
	c := span.clone()
	c.Payload["k"] = "changed"
	c.StackFrames[0].Method = "changed"

	assert.Equal(t, "v", span.Payload["k"])
	assert.Equal(t, "m", span.StackFrames[0].Method)
}
