package spanz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSinkFunc(t *testing.T) {
	var got []Span
	sink := SinkFunc(func(_ context.Context, batch []Span) error {
		got = batch
		return nil
	})

	require.NoError(t, sink.Send(context.Background(), []Span{*testSpan(1)}))
	assert.Len(t, got, 1)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := LogSink(zap.New(core))

	batch := []Span{
		{TraceID: "t", SpanID: "a", Name: "entry", Kind: KindEntry, Duration: time.Millisecond},
		{TraceID: "t", SpanID: "b", ParentID: "a", Name: "exit", Kind: KindExit, Erroneous: true, ErrorCount: 1},
	}
	require.NoError(t, sink.Send(context.Background(), batch))

	entries := logs.FilterMessage("span").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "entry", entries[0].ContextMap()["kind"])
	assert.NotContains(t, entries[0].ContextMap(), "parent_id")
	assert.Equal(t, "a", entries[1].ContextMap()["parent_id"])
	assert.Equal(t, int64(1), entries[1].ContextMap()["error_count"])

	assert.NoError(t, LogSink(nil).Send(context.Background(), batch))
}
