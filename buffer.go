package spanz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// deactivateTimeout bounds how long Deactivate waits for the flush loop.
const deactivateTimeout = 100 * time.Millisecond

// Buffer accumulates finished spans and flushes them to a Sink every flush
// interval, or immediately once the force-flush threshold is reached. A
// failed batch is put back in front of newer spans; the buffer never holds
// more than its ceiling and drops the oldest spans first.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for readability over memory
type Buffer struct {
	spans        []Span
	sink         Sink
	clock        clockz.Clock
	logger       *zap.Logger
	metrics      *metrics
	forceCh      chan struct{}
	cancel       context.CancelFunc
	done         chan struct{}
	warnCapacity *rate.Sometimes
	warnNoTrace  *rate.Sometimes
	interval     time.Duration
	maxBuffered  int
	forceFlushAt int
	epoch        uint64
	droppedCount atomic.Int64
	mu           sync.Mutex
	flushMu      sync.Mutex
	active       bool
}

// NewBuffer creates an inactive buffer flushing to sink.
func NewBuffer(cfg BufferConfig, sink Sink, opts ...Option) *Buffer {
	o := newOptions(opts)
	if sink == nil {
		sink = o.sink
	}
	return newBuffer(cfg, sink, o)
}

func newBuffer(cfg BufferConfig, sink Sink, o *options) *Buffer {
	def := DefaultConfig().Buffer
	b := &Buffer{
		spans:        make([]Span, 0, 8),
		sink:         sink,
		clock:        o.clock,
		logger:       o.logger.Named("buffer"),
		metrics:      o.metrics,
		forceCh:      make(chan struct{}, 1),
		warnCapacity: &rate.Sometimes{First: 1, Interval: 10 * time.Second},
		warnNoTrace:  &rate.Sometimes{First: 1, Interval: 10 * time.Second},
		interval:     cfg.FlushInterval,
		maxBuffered:  def.MaxBufferedSpans,
		forceFlushAt: def.ForceFlushThreshold,
	}
	if b.interval <= 0 {
		b.interval = def.FlushInterval
	}
	b.Configure(cfg.MaxBufferedSpans, cfg.ForceFlushThreshold)
	return b
}

// Configure sets the capacity ceiling and the force-flush threshold.
// Non-positive values keep the current setting.
func (b *Buffer) Configure(maxBuffered, forceFlushThreshold int) {
	b.mu.Lock()
	if maxBuffered > 0 {
		b.maxBuffered = maxBuffered
	}
	if forceFlushThreshold > 0 {
		b.forceFlushAt = forceFlushThreshold
	}
	dropped := b.trimLocked()
	b.mu.Unlock()

	b.reportTrim(dropped)
}

// SetSink replaces the sink used by subsequent flushes.
func (b *Buffer) SetSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Activate starts the periodic flush loop. Calling it on an active buffer does nothing.
func (b *Buffer) Activate() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.active = true
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx, b.done)
}

// Deactivate stops the flush loop and drops everything buffered. It does not
// wait for an in-flight send beyond a short grace period.
func (b *Buffer) Deactivate() {
	b.mu.Lock()
	if !b.active {
		b.dropAllLocked()
		b.mu.Unlock()
		return
	}
	b.active = false
	b.cancel()
	done := b.done
	b.mu.Unlock()

	select {
	case <-done:
	case <-b.clock.After(deactivateTimeout):
		b.logger.Warn("flush loop did not stop in time")
	}

	b.mu.Lock()
	b.dropAllLocked()
	b.mu.Unlock()
}

func (b *Buffer) dropAllLocked() {
	if n := len(b.spans); n > 0 {
		b.droppedCount.Add(int64(n))
		b.metrics.spansDropped.WithLabelValues(dropDeactivated).Add(float64(n))
	}
	b.spans = make([]Span, 0, 8)
	b.epoch++
	b.metrics.buffered.Set(0)
}

// IsActive reports whether the flush loop is running.
func (b *Buffer) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *Buffer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(b.interval):
		case <-b.forceCh:
		}

		// Failures are logged and requeued by Flush; the next round retries.
		_ = b.Flush(ctx)
	}
}

// Enqueue appends a copy of span. Spans without a trace ID are dropped.
// Reaching the force-flush threshold triggers a flush without waiting for the timer.
func (b *Buffer) Enqueue(span *Span) {
	if span == nil {
		b.droppedCount.Add(1)
		return
	}
	if span.TraceID == "" {
		b.droppedCount.Add(1)
		b.metrics.spansDropped.WithLabelValues(dropUntraceable).Inc()
		b.warnNoTrace.Do(func() {
			b.logger.Warn("dropping span without trace id",
				zap.String("span_id", span.SpanID),
				zap.String("name", span.Name),
			)
		})
		return
	}

	spanCopy := span.clone()

	b.mu.Lock()
	b.spans = append(b.spans, spanCopy)
	dropped := b.trimLocked()
	count := len(b.spans)
	forceFlush := count >= b.forceFlushAt
	b.mu.Unlock()

	b.metrics.spansEnqueued.Inc()
	b.reportTrim(dropped)

	if forceFlush {
		select {
		case b.forceCh <- struct{}{}:
		default:
			// A forced flush is already pending.
		}
	}
}

// trimLocked drops the oldest spans above the ceiling and returns how many.
func (b *Buffer) trimLocked() int {
	excess := len(b.spans) - b.maxBuffered
	if excess <= 0 {
		b.metrics.buffered.Set(float64(len(b.spans)))
		return 0
	}
	n := copy(b.spans, b.spans[excess:])
	clear(b.spans[n:])
	b.spans = b.spans[:n]
	b.metrics.buffered.Set(float64(n))
	return excess
}

func (b *Buffer) reportTrim(dropped int) {
	if dropped == 0 {
		return
	}
	b.droppedCount.Add(int64(dropped))
	b.metrics.spansDropped.WithLabelValues(dropCapacity).Add(float64(dropped))
	b.warnCapacity.Do(func() {
		b.logger.Warn("span buffer over capacity, dropped oldest spans",
			zap.Int("dropped", dropped),
		)
	})
}

// Flush swaps out the buffered spans and sends them to the sink. On failure
// the batch is put back in front of spans enqueued meanwhile and the combined
// buffer is trimmed to the ceiling. Concurrent calls run one after another.
// An empty buffer is a no-op.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.spans) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.spans
	b.spans = make([]Span, 0, shrinkCapacity(cap(batch), len(batch)))
	sink := b.sink
	epoch := b.epoch
	b.metrics.buffered.Set(0)
	b.mu.Unlock()

	var err error
	if sink == nil {
		err = ErrNoSink
	} else {
		err = b.send(ctx, sink, batch)
	}

	if err != nil {
		b.metrics.flushes.WithLabelValues("failure").Inc()
		b.requeue(batch, epoch)
		b.logger.Debug("span batch not delivered, requeued",
			zap.Int("spans", len(batch)),
			zap.Error(err),
		)
		return errors.Wrap(err, "flush spans")
	}

	b.metrics.flushes.WithLabelValues("success").Inc()
	return nil
}

// send calls the sink, turning a panic into an error.
func (b *Buffer) send(ctx context.Context, sink Sink, batch []Span) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %s", ErrorDetails(r))
		}
	}()
	return sink.Send(ctx, batch)
}

func (b *Buffer) requeue(batch []Span, epoch uint64) {
	b.mu.Lock()
	if epoch != b.epoch {
		// Deactivated while the batch was out.
		b.mu.Unlock()
		b.droppedCount.Add(int64(len(batch)))
		b.metrics.spansDropped.WithLabelValues(dropDeactivated).Add(float64(len(batch)))
		return
	}
	combined := make([]Span, 0, len(batch)+len(b.spans))
	combined = append(combined, batch...)
	combined = append(combined, b.spans...)
	b.spans = combined
	dropped := b.trimLocked()
	b.mu.Unlock()

	b.reportTrim(dropped)
}

// shrinkCapacity picks the capacity of the next buffer after a swap.
// Very oversized buffers shrink to avoid holding memory after a burst.
func shrinkCapacity(capacity, used int) int {
	if capacity > 256 && used < capacity/8 {
		capacity /= 4
	}
	if capacity < 32 {
		capacity = 32
	}
	return capacity
}

// DrainAndReset returns everything buffered and empties the buffer, for
// exporting out of band before the process is suspended.
func (b *Buffer) DrainAndReset() []Span {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.spans) == 0 {
		return nil
	}
	out := b.spans
	b.spans = make([]Span, 0, 8)
	b.metrics.buffered.Set(0)
	return out
}

// Count returns the current number of buffered spans.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.spans)
}

// DroppedCount returns the total number of spans dropped for any reason.
func (b *Buffer) DroppedCount() int64 {
	return b.droppedCount.Load()
}
