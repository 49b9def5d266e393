// Package registry implements the name to component catalog from which
// factories build plugins and notifiers.
//
// A Registry is bound to one capability (an interface type) and one default
// configuration constructor. Components are registered explicitly at
// startup, usually from a package-level var:
//
//	var _ = plugins.MustRegister(registry.Definition{
//		Name:           "cleanup",
//		Prototype:      (*Cleanup)(nil),
//		Config:         func() registry.Config { return &CleanupConfig{} },
//		NewWithContext: newCleanup,
//	})
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/runctx"
)

// Unnamed is the placeholder name that is never accepted.
const Unnamed = "unnamed"

var (
	ErrInvalidComponent = errors.New("invalid component")
	ErrMissingName      = errors.New("missing component name")
	ErrDuplicateName    = errors.New("duplicate component name")
)

// Config is implemented by every component configuration.
type Config interface {
	IsEnabled() bool
}

// Constructor builds a component that does not need the run context.
type Constructor func(cfg Config, logger lg.Logger) (any, error)

// ContextConstructor builds a component bound to the run context.
type ContextConstructor func(cfg Config, logger lg.Logger, rc *runctx.Context) (any, error)

// Definition describes a component to register.
type Definition struct {
	Name        string
	Description string
	// Origin identifies where the component is defined. Registering the same
	// name twice from the same origin is a no-op. Defaults to the package
	// path of Prototype's type.
	Origin string
	// Prototype is any value of the component type, typically a typed nil
	// pointer. Its type must implement the registry capability.
	Prototype any
	// Config returns a fresh configuration value with defaults applied. It
	// must return a pointer. Defaults to the registry's config constructor.
	Config         func() Config
	New            Constructor
	NewWithContext ContextConstructor
}

// Entry is an immutable registered component.
type Entry struct {
	name        string
	description string
	origin      string
	typ         reflect.Type
	config      func() Config
	newFn       Constructor
	newCtxFn    ContextConstructor
}

func (e *Entry) Name() string        { return e.name }
func (e *Entry) Description() string { return e.description }
func (e *Entry) Origin() string      { return e.origin }
func (e *Entry) Type() reflect.Type  { return e.typ }

// NewConfig returns a fresh default configuration for the component.
func (e *Entry) NewConfig() Config { return e.config() }

// Constructor returns the context-free constructor, nil when absent.
func (e *Entry) Constructor() Constructor { return e.newFn }

// ContextConstructor returns the context-aware constructor, nil when absent.
func (e *Entry) ContextConstructor() ContextConstructor { return e.newCtxFn }

// Registry is an ordered, concurrency-safe catalog of components.
type Registry struct {
	mu            sync.RWMutex
	kind          string
	capability    reflect.Type
	defaultConfig func() Config
	entries       map[string]*Entry
	order         []string
}

// Capability returns the interface type T for use with New.
func Capability[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// New returns an empty registry for components of the given kind. Every
// registered type must implement capability.
func New(kind string, capability reflect.Type, defaultConfig func() Config) *Registry {
	if capability == nil || capability.Kind() != reflect.Interface {
		panic(fmt.Sprintf("registry %s: capability must be an interface type", kind))
	}
	if defaultConfig == nil {
		panic(fmt.Sprintf("registry %s: default config constructor is required", kind))
	}
	return &Registry{
		kind:          kind,
		capability:    capability,
		defaultConfig: defaultConfig,
		entries:       make(map[string]*Entry),
	}
}

// Kind is the label this registry uses in errors and logs.
func (r *Registry) Kind() string { return r.kind }

// Register validates def and adds it to the registry.
func (r *Registry) Register(def Definition) error {
	if def.Prototype == nil {
		return fmt.Errorf("%w: %s %q has no prototype", ErrInvalidComponent, r.kind, def.Name)
	}
	typ := reflect.TypeOf(def.Prototype)
	if !typ.Implements(r.capability) {
		return fmt.Errorf("%w: %s does not implement %s", ErrInvalidComponent, typ, r.capability)
	}
	if def.New == nil && def.NewWithContext == nil {
		return fmt.Errorf("%w: %s has no constructor", ErrInvalidComponent, typ)
	}
	if def.Name == "" || def.Name == Unnamed {
		return fmt.Errorf("%w: %s must declare a name", ErrMissingName, typ)
	}

	config := def.Config
	if config == nil {
		config = r.defaultConfig
	}
	if sample := config(); sample == nil || reflect.TypeOf(sample).Kind() != reflect.Pointer {
		return fmt.Errorf("%w: config of %s must be a non-nil pointer", ErrInvalidComponent, typ)
	}

	origin := def.Origin
	if origin == "" {
		origin = originOf(typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[def.Name]; ok {
		if existing.origin == origin {
			return nil
		}
		return fmt.Errorf("%w: %s %q is defined in %s and in %s",
			ErrDuplicateName, r.kind, def.Name, existing.origin, origin)
	}

	r.entries[def.Name] = &Entry{
		name:        def.Name,
		description: def.Description,
		origin:      origin,
		typ:         typ,
		config:      config,
		newFn:       def.New,
		newCtxFn:    def.NewWithContext,
	}
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister is Register that panics on error. It returns def unchanged so
// registration can sit next to the type it registers.
func (r *Registry) MustRegister(def Definition) Definition {
	if err := r.Register(def); err != nil {
		panic(err)
	}
	return def
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Entries returns all entries in insertion order.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// Len reports the number of registered components.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Reset removes every entry. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry)
	r.order = nil
}

// originOf returns the package that defines typ. Two distinct types from the
// same package therefore share an origin.
func originOf(typ reflect.Type) string {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if pkg := typ.PkgPath(); pkg != "" {
		return pkg
	}
	return typ.String()
}
