package spanz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Option configures a Tracer or one of its components.
type Option func(*options)

type options struct {
	clock      clockz.Clock
	logger     *zap.Logger
	registerer prometheus.Registerer
	sink       Sink
	plugins    []Plugin
	metrics    *metrics
}

// WithClock sets the clock used for timestamps and timers.
// If clock is nil, this option does nothing.
func WithClock(clock clockz.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger. If logger is nil, this option does nothing.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegisterer registers the tracer's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithSink sets the sink finished spans are flushed to.
func WithSink(sink Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithPlugins registers plugins when the tracer is created.
func WithPlugins(plugins ...Plugin) Option {
	return func(o *options) {
		o.plugins = append(o.plugins, plugins...)
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		clock:  clockz.RealClock,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics = newMetrics(o.registerer)
	return o
}
