package spanz

import (
	"sync"

	"go.uber.org/zap"
)

// Context is one node in a chain of keyed values. Lookups fall through to the
// parent, so a context created inside another sees its values but writes stay local.
type Context struct {
	parent *Context
	values map[string]*slot
}

type slot struct {
	value any
}

func newContext(parent *Context) *Context {
	return &Context{parent: parent, values: make(map[string]*slot)}
}

func (c *Context) lookup(key string) (any, bool) {
	for ctx := c; ctx != nil; ctx = ctx.parent {
		if s, ok := ctx.values[key]; ok {
			return s.value, true
		}
	}
	return nil, false
}

// Namespace tracks the active Context across asynchronous units. It listens
// to Propagator hooks: a unit created while a context is active re-enters
// that context whenever it executes.
type Namespace struct {
	active   *Context
	logger   *zap.Logger
	contexts map[UnitID]*Context
	stack    []*Context
	frames   []*Context
	mu       sync.Mutex
}

// NewNamespace creates an empty namespace.
func NewNamespace(opts ...Option) *Namespace {
	return newNamespace(newOptions(opts))
}

func newNamespace(o *options) *Namespace {
	return &Namespace{
		logger:   o.logger.Named("namespace"),
		contexts: make(map[UnitID]*Context),
	}
}

// Active returns the active context or nil.
func (n *Namespace) Active() *Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

func (n *Namespace) createContext() *Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	return newContext(n.active)
}

func (n *Namespace) enter(ctx *Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enterLocked(ctx)
}

func (n *Namespace) enterLocked(ctx *Context) {
	n.stack = append(n.stack, n.active)
	n.active = ctx
}

func (n *Namespace) exit(ctx *Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exitLocked(ctx)
}

// exitLocked leaves ctx. Exits normally happen in reverse order of entries;
// an out-of-order exit removes ctx from the saved stack instead.
func (n *Namespace) exitLocked(ctx *Context) {
	if n.active == ctx {
		if len(n.stack) == 0 {
			n.active = nil
			return
		}
		n.active = n.stack[len(n.stack)-1]
		n.stack = n.stack[:len(n.stack)-1]
		return
	}

	for i := len(n.stack) - 1; i >= 0; i-- {
		if n.stack[i] == ctx {
			n.stack = append(n.stack[:i], n.stack[i+1:]...)
			return
		}
	}
	n.logger.Debug("exit of a context that is not entered")
}

// RunIsolated runs fn inside a fresh context whose parent is the active one.
// Values set by fn are only visible within that context's subtree. The
// context is left even when fn panics.
func (n *Namespace) RunIsolated(fn func()) {
	ctx := n.createContext()
	n.enter(ctx)
	defer n.exit(ctx)
	fn()
}

// Get returns the value of key in the active context chain, or nil.
func (n *Namespace) Get(key string) any {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active == nil {
		return nil
	}
	v, _ := n.active.lookup(key)
	return v
}

// Set writes key in the active context and returns a disposer that restores
// the previous value. The disposer does nothing if key has been set again
// since. Without an active context Set logs a warning and does nothing.
func (n *Namespace) Set(key string, value any) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	ctx := n.active
	if ctx == nil {
		n.logger.Warn("no active context, value not set", zap.String("key", key))
		return func() {}
	}

	prev, hadPrev := ctx.values[key]
	s := &slot{value: value}
	ctx.values[key] = s

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if ctx.values[key] != s {
			return
		}
		if hadPrev {
			ctx.values[key] = prev
		} else {
			delete(ctx.values, key)
		}
	}
}

// Bind returns a function that runs fn inside the context active now (or a
// fresh one if none is), wherever it is later invoked from.
func (n *Namespace) Bind(fn func()) func() {
	ctx := n.bindTarget()
	return func() {
		n.enter(ctx)
		defer n.exit(ctx)
		fn()
	}
}

// BindArg is Bind for callbacks taking one argument.
func BindArg[T any](n *Namespace, fn func(T)) func(T) {
	ctx := n.bindTarget()
	return func(arg T) {
		n.enter(ctx)
		defer n.exit(ctx)
		fn(arg)
	}
}

func (n *Namespace) bindTarget() *Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active != nil {
		return n.active
	}
	return newContext(nil)
}

// OnCreate remembers the active context for unit id.
func (n *Namespace) OnCreate(id UnitID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active != nil {
		n.contexts[id] = n.active
	}
}

// OnEnter re-enters the context unit id was created in. A unit created
// outside any context runs with no active context.
func (n *Namespace) OnEnter(id UnitID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ctx := n.contexts[id]
	n.frames = append(n.frames, ctx)
	n.enterLocked(ctx)
}

// OnExit leaves whatever the matching OnEnter entered.
func (n *Namespace) OnExit() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.frames) == 0 {
		return
	}
	ctx := n.frames[len(n.frames)-1]
	n.frames = n.frames[:len(n.frames)-1]
	n.exitLocked(ctx)
}

// OnDestroy forgets unit id.
func (n *Namespace) OnDestroy(id UnitID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.contexts, id)
}

// Size returns the number of units with a remembered context.
func (n *Namespace) Size() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.contexts)
}
