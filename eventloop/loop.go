// Package eventloop is a minimal cooperative scheduler. Tasks run one at a
// time on the goroutine calling Run, and every task is reported to a
// spanz.Propagator the way a host runtime reports its async units.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/zoobzio/spanz"
)

type task struct {
	fn func()
	id spanz.UnitID
}

// Loop runs scheduled tasks in order. Go and After must be called before
// Run or from inside a running task: a task's unit is created under whatever
// unit is current at that moment.
type Loop struct {
	hooks   spanz.Propagator
	clock   clockz.Clock
	logger  *zap.Logger
	queue   []task
	wake    chan struct{}
	stop    chan struct{}
	pending sync.WaitGroup
	nextID  atomic.Int64
	mu      sync.Mutex
	once    sync.Once
	closed  bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock used by After.
func WithClock(clock clockz.Clock) Option {
	return func(l *Loop) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a loop reporting to hooks.
func New(hooks spanz.Propagator, opts ...Option) *Loop {
	l := &Loop{
		hooks:  hooks,
		clock:  clockz.RealClock,
		logger: zap.NewNop(),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("eventloop")
	return l
}

func (l *Loop) create() spanz.UnitID {
	id := spanz.UnitID(l.nextID.Add(1))
	l.pending.Add(1)
	l.hooks.OnCreate(id)
	return id
}

// Go schedules fn to run after the tasks already queued.
func (l *Loop) Go(fn func()) spanz.UnitID {
	id := l.create()
	l.enqueue(task{id: id, fn: fn})
	return id
}

// After schedules fn to run once d has elapsed on the loop's clock.
func (l *Loop) After(d time.Duration, fn func()) spanz.UnitID {
	id := l.create()
	timer := l.clock.After(d)
	go func() {
		select {
		case <-timer:
			l.enqueue(task{id: id, fn: fn})
		case <-l.stop:
			l.discard(id)
		}
	}()
	return id
}

func (l *Loop) enqueue(t task) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.discard(t.id)
		return
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) next() (task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return task{}, false
	}
	t := l.queue[0]
	l.queue[0] = task{}
	l.queue = l.queue[1:]
	return t, true
}

// Run executes tasks until ctx is done or Stop is called. Tasks still queued
// at that point are destroyed without running.
func (l *Loop) Run(ctx context.Context) error {
	defer l.drain()
	for {
		select {
		case <-l.stop:
			return nil
		default:
		}

		if t, ok := l.next(); ok {
			l.execute(t)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-l.wake:
		}
	}
}

func (l *Loop) execute(t task) {
	defer l.discard(t.id)

	l.hooks.OnEnter(t.id)
	defer l.hooks.OnExit()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked",
				zap.Int64("unit", int64(t.id)),
				zap.String("panic", spanz.ErrorDetails(r)),
			)
		}
	}()
	t.fn()
}

func (l *Loop) discard(id spanz.UnitID) {
	l.hooks.OnDestroy(id)
	l.pending.Done()
}

func (l *Loop) drain() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	for {
		t, ok := l.next()
		if !ok {
			return
		}
		l.discard(t.id)
	}
}

// Wait blocks until every scheduled task has run or been discarded.
func (l *Loop) Wait() {
	l.pending.Wait()
}

// Stop makes Run return and cancels pending After timers. Safe to call more than once.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stop) })
}
