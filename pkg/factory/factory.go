// Package factory turns a registry plus per-name configuration into live
// component instances.
package factory

import (
	"fmt"

	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/registry"
	"github.com/andrej220/opsflow/pkg/runctx"
)

// Factory builds components of type T from the entries of one registry.
type Factory[T any] struct {
	reg     *registry.Registry
	configs map[string]registry.Config
	logger  lg.Logger
	rc      *runctx.Context
}

// New returns a Factory. rc may be nil, in which case context-aware
// constructors are never called: entries with a plain constructor use it
// and entries without one fail with a "requires a run context" error.
func New[T any](reg *registry.Registry, configs map[string]registry.Config, logger lg.Logger, rc *runctx.Context) *Factory[T] {
	if logger == nil {
		logger = lg.Discard
	}
	return &Factory[T]{reg: reg, configs: configs, logger: logger, rc: rc}
}

// CreateAll returns a fresh iterator over the enabled components in
// registry insertion order. Entries without a configuration, or whose
// configuration is disabled, are skipped.
func (f *Factory[T]) CreateAll() *Iterator[T] {
	return &Iterator[T]{f: f, entries: f.reg.Entries()}
}

// Iterator yields components one at a time. It cannot be restarted.
type Iterator[T any] struct {
	f       *Factory[T]
	entries []*registry.Entry
	pos     int
	name    string
	cur     T
	err     error
}

// Next builds the next enabled component. It returns false when the
// entries are exhausted or construction failed; check Err afterwards.
func (it *Iterator[T]) Next() bool {
	if it.err != nil {
		return false
	}
	for it.pos < len(it.entries) {
		e := it.entries[it.pos]
		it.pos++

		cfg, ok := it.f.configs[e.Name()]
		if !ok || cfg == nil {
			it.f.logger.Debug("Component not configured, skipping", lg.String("component", e.Name()))
			continue
		}
		if !cfg.IsEnabled() {
			it.f.logger.Debug("Component disabled, skipping", lg.String("component", e.Name()))
			continue
		}

		c, err := it.f.build(e, cfg)
		if err != nil {
			it.err = err
			it.pos = len(it.entries)
			var zero T
			it.cur, it.name = zero, ""
			return false
		}
		it.cur, it.name = c, e.Name()
		return true
	}
	var zero T
	it.cur, it.name = zero, ""
	return false
}

// Component returns the component built by the last successful Next.
func (it *Iterator[T]) Component() T { return it.cur }

// Name returns the registry name of the current component.
func (it *Iterator[T]) Name() string { return it.name }

// Err returns the construction error that stopped the iteration, if any.
func (it *Iterator[T]) Err() error { return it.err }

// Collect drains it into a slice.
func Collect[T any](it *Iterator[T]) ([]T, error) {
	var out []T
	for it.Next() {
		out = append(out, it.Component())
	}
	return out, it.Err()
}

func (f *Factory[T]) build(e *registry.Entry, cfg registry.Config) (T, error) {
	var zero T
	logger := f.logger.Named(e.Name())

	var (
		v   any
		err error
	)
	switch {
	case f.rc != nil && e.ContextConstructor() != nil:
		v, err = e.ContextConstructor()(cfg, logger, f.rc)
	case e.Constructor() != nil:
		v, err = e.Constructor()(cfg, logger)
	default:
		return zero, fmt.Errorf("%s %q requires a run context", f.reg.Kind(), e.Name())
	}
	if err != nil {
		return zero, fmt.Errorf("create %s %q: %w", f.reg.Kind(), e.Name(), err)
	}

	c, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("create %s %q: constructor returned %T", f.reg.Kind(), e.Name(), v)
	}
	f.logger.Debug("Component created", lg.String("component", e.Name()), lg.String("type", fmt.Sprintf("%T", c)))
	return c, nil
}
