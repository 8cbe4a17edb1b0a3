package spanz

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Plugin is an instrumentation adapter. Init is called once at registration;
// Activate and Deactivate follow the tracer's own lifecycle.
type Plugin interface {
	Name() string
	Init(t *Tracer) error
	Activate() error
	Deactivate() error
}

type pluginRegistry struct {
	plugins []Plugin
	names   map[string]struct{}
	logger  *zap.Logger
	mu      sync.Mutex
}

func newPluginRegistry(logger *zap.Logger) *pluginRegistry {
	return &pluginRegistry{
		names:  make(map[string]struct{}),
		logger: logger.Named("plugins"),
	}
}

func (r *pluginRegistry) register(t *Tracer, p Plugin) (err error) {
	if p == nil {
		return errors.New("spanz: nil plugin")
	}
	name := p.Name()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.names[name]; ok {
		return errors.Wrap(ErrPluginExists, name)
	}
	if err := guard(func() error { return p.Init(t) }); err != nil {
		return errors.Wrapf(err, "init plugin %s", name)
	}
	r.names[name] = struct{}{}
	r.plugins = append(r.plugins, p)
	return nil
}

// activate activates plugins in registration order and reports every failure.
func (r *pluginRegistry) activate() error {
	r.mu.Lock()
	plugins := append([]Plugin(nil), r.plugins...)
	r.mu.Unlock()

	var err error
	for _, p := range plugins {
		if perr := guard(p.Activate); perr != nil {
			r.logger.Warn("plugin activation failed", zap.String("plugin", p.Name()), zap.Error(perr))
			err = multierr.Append(err, errors.Wrapf(perr, "activate plugin %s", p.Name()))
		}
	}
	return err
}

// deactivate deactivates plugins in reverse registration order.
func (r *pluginRegistry) deactivate() error {
	r.mu.Lock()
	plugins := append([]Plugin(nil), r.plugins...)
	r.mu.Unlock()

	var err error
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if perr := guard(p.Deactivate); perr != nil {
			r.logger.Warn("plugin deactivation failed", zap.String("plugin", p.Name()), zap.Error(perr))
			err = multierr.Append(err, errors.Wrapf(perr, "deactivate plugin %s", p.Name()))
		}
	}
	return err
}

func (r *pluginRegistry) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name())
	}
	return names
}

// guard turns a panic in plugin code into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %s", ErrorDetails(r))
		}
	}()
	return fn()
}
