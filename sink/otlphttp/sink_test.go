package otlphttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/zap/zaptest"

	"github.com/zoobzio/spanz"
)

type collector struct {
	*httptest.Server

	mu       sync.Mutex
	received ptrace.Traces
	encoding string
}

func newCollector(t *testing.T) *collector {
	t.Helper()
	c := &collector{received: ptrace.NewTraces()}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/traces", func(w http.ResponseWriter, r *http.Request) {
		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			defer zr.Close()
			body = zr
		}
		data, err := io.ReadAll(body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var unmarshaler ptrace.ProtoUnmarshaler
		traces, err := unmarshaler.UnmarshalTraces(data)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		c.mu.Lock()
		c.encoding = r.Header.Get("Content-Encoding")
		traces.ResourceSpans().MoveAndAppendTo(c.received.ResourceSpans())
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	c.Server = httptest.NewServer(mux)
	t.Cleanup(c.Close)
	return c
}

func (c *collector) spans() []ptrace.Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ptrace.Span
	rss := c.received.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		sss := rss.At(i).ScopeSpans()
		for j := 0; j < sss.Len(); j++ {
			spans := sss.At(j).Spans()
			for k := 0; k < spans.Len(); k++ {
				out = append(out, spans.At(k))
			}
		}
	}
	return out
}

func testSpans() []spanz.Span {
	start := time.Unix(1700000000, 0)
	return []spanz.Span{
		{
			TraceID:   "4bf92f3577b34da6a3ce929d0e0e4736",
			SpanID:    "00f067aa0ba902b7",
			Name:      "GET /users",
			Kind:      spanz.KindEntry,
			Timestamp: start,
			Duration:  20 * time.Millisecond,
			Payload:   map[string]any{"http.status": 200},
		},
		{
			TraceID:    "4bf92f3577b34da6a3ce929d0e0e4736",
			SpanID:     "b7ad6b7169203331",
			ParentID:   "00f067aa0ba902b7",
			Name:       "postgres",
			Kind:       spanz.KindExit,
			Timestamp:  start.Add(time.Millisecond),
			Duration:   5 * time.Millisecond,
			Erroneous:  true,
			ErrorCount: 1,
			Payload:    map[string]any{"db.statement": "SELECT 1", "error": "connection reset"},
			StackFrames: []spanz.StackFrame{
				{Method: "Query", Type: "*Repo", File: "repo.go", Line: 42},
			},
		},
	}
}

func newTestSink(t *testing.T, endpoint string, compression bool) *Sink {
	t.Helper()
	return New(spanz.SinkConfig{
		Endpoint:    endpoint,
		ServiceName: "users",
		Timeout:     time.Second,
		RetryMax:    0,
		Compression: compression,
	}, zaptest.NewLogger(t))
}

func TestSinkSend(t *testing.T) {
	for _, compression := range []bool{true, false} {
		c := newCollector(t)
		sink := newTestSink(t, c.URL+"/v1/traces", compression)

		require.NoError(t, sink.Send(context.Background(), testSpans()))

		spans := c.spans()
		require.Len(t, spans, 2)
		assert.Equal(t, "GET /users", spans[0].Name())
		assert.Equal(t, ptrace.SpanKindServer, spans[0].Kind())
		assert.True(t, spans[0].ParentSpanID().IsEmpty())
		assert.Equal(t, "postgres", spans[1].Name())
		assert.Equal(t, ptrace.SpanKindClient, spans[1].Kind())
		assert.Equal(t, spans[0].SpanID(), spans[1].ParentSpanID())
		assert.Equal(t, ptrace.StatusCodeError, spans[1].Status().Code())

		if compression {
			assert.Equal(t, "gzip", c.encoding)
		} else {
			assert.Empty(t, c.encoding)
		}
	}
}

func TestSinkSendEmptyBatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := newTestSink(t, srv.URL, true)
	require.NoError(t, sink.Send(context.Background(), nil))
	assert.Zero(t, calls.Load())
}

func TestSinkSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := newTestSink(t, srv.URL, false)
	err := sink.Send(context.Background(), testSpans())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestSinkSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := New(spanz.SinkConfig{
		Endpoint: srv.URL,
		Timeout:  time.Second,
		RetryMax: 1,
	}, nil)

	require.NoError(t, sink.Send(context.Background(), testSpans()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSinkSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sink := newTestSink(t, url, true)
	assert.Error(t, sink.Send(context.Background(), testSpans()))
}

func TestSinkWithBuffer(t *testing.T) {
	c := newCollector(t)
	sink := newTestSink(t, c.URL+"/v1/traces", true)

	buffer := spanz.NewBuffer(spanz.DefaultConfig().Buffer, sink)
	for _, span := range testSpans() {
		buffer.Enqueue(&span)
	}
	require.NoError(t, buffer.Flush(context.Background()))
	assert.Len(t, c.spans(), 2)
	assert.Zero(t, buffer.Count())
}
