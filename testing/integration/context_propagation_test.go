package integration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/spanz"
)

// TestInterleavedRequests runs several requests whose callbacks interleave on
// one loop. Every exit span must land in the trace of the request that issued it.
func TestInterleavedRequests(t *testing.T) {
	h := NewHarness(t, *spanz.DefaultConfig())

	const requests = 5
	for i := 0; i < requests; i++ {
		h.Request(fmt.Sprintf("request-%d", i), func(_ *spanz.ActiveSpan, done func()) {
			// Later requests finish first.
			h.Call(fmt.Sprintf("db-%d", i), requests-i, done)
		})
	}

	spans := h.Run(t)
	require.Len(t, spans, 2*requests)

	a := NewTraceAnalyzer(spans)
	assert.Equal(t, requests, a.CountTrees())
	for i := 0; i < requests; i++ {
		a.AssertChain(t, fmt.Sprintf("request-%d", i), fmt.Sprintf("db-%d", i))
	}
}

// TestValuesFollowCallbacks checks that namespace values set while handling a
// request are visible in its callbacks but not in other requests.
func TestValuesFollowCallbacks(t *testing.T) {
	h := NewHarness(t, *spanz.DefaultConfig())

	seen := make(map[string]any)
	for _, user := range []string{"alice", "bob"} {
		h.Request("request-"+user, func(_ *spanz.ActiveSpan, done func()) {
			h.Tracer.Set("user", user)
			h.Loop.Go(func() {
				h.Loop.Go(func() {
					seen[user] = h.Tracer.Get("user")
					done()
				})
			})
		})
	}
	h.Loop.Go(func() { seen["outside"] = h.Tracer.Get("user") })

	h.Run(t)
	assert.Equal(t, "alice", seen["alice"])
	assert.Equal(t, "bob", seen["bob"])
	assert.Nil(t, seen["outside"])
}

// TestBoundCallbackKeepsContext schedules a bound callback from outside the
// request; it still runs in the request's context.
func TestBoundCallbackKeepsContext(t *testing.T) {
	h := NewHarness(t, *spanz.DefaultConfig())

	var callback func()
	h.Request("request", func(entry *spanz.ActiveSpan, done func()) {
		callback = h.Tracer.Bind(func() {
			assert.Same(t, entry, h.Tracer.CurrentSpan())
			h.Tracer.StartSpan("bound-work", spanz.KindIntermediate).Transmit()
			done()
		})
	})
	h.Loop.Go(func() {
		assert.Nil(t, h.Tracer.CurrentSpan())
		callback()
	})

	a := NewTraceAnalyzer(h.Run(t))
	a.AssertChain(t, "request", "bound-work")
}

// TestSimulatedUnitInheritsTrace covers work started outside the scheduler,
// e.g. a framework callback, under a simulated unit.
func TestSimulatedUnitInheritsTrace(t *testing.T) {
	h := NewHarness(t, *spanz.DefaultConfig())
	tracker := h.Tracer.Tracker()

	h.Request("request", func(entry *spanz.ActiveSpan, done func()) {
		id := tracker.CreateSimulatedUnit()
		assert.Equal(t, entry.TraceID(), tracker.TraceID(id))
		assert.Equal(t, entry.SpanID(), tracker.ParentSpanID(id))
		tracker.OnExit()
		tracker.OnDestroy(id)
		done()
	})

	h.Run(t)
	assert.Zero(t, tracker.Count())
}

func TestSuppressedRequestRecordsNoExits(t *testing.T) {
	h := NewHarness(t, *spanz.DefaultConfig())

	h.Request("suppressed", func(entry *spanz.ActiveSpan, _ func()) {
		h.Tracer.SetTracingLevel(spanz.SuppressedLevel)
		entry.Cancel()
		h.Call("db", 2, nil)
	})
	h.Request("traced", func(_ *spanz.ActiveSpan, done func()) {
		h.Call("cache", 1, done)
	})

	a := NewTraceAnalyzer(h.Run(t))
	a.AssertChain(t, "traced", "cache")
	assert.Empty(t, a.byName["db"])
	assert.Empty(t, a.byName["suppressed"])
}
