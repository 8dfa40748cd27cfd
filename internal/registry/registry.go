package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xtxerr/metricd/internal/errors"
)

// Component is anything that can take a slot in the system graph.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Factory builds a component from its configuration fragment.
type Factory func(Fragment) (Component, error)

// Module is implemented by every package that contributes factories.
type Module interface {
	Register(r *Registry) error
}

// ModuleFunc adapts a package-level Register function to Module.
type ModuleFunc func(r *Registry) error

// Register calls f(r).
func (f ModuleFunc) Register(r *Registry) error {
	return f(r)
}

// Registry maps qualified names ("namespace/symbol") to factories.
// It is populated once at process initialization and read afterwards.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Factory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		namespaces: make(map[string]map[string]Factory),
	}
}

// SplitName splits a qualified name on its last "/".
func SplitName(name string) (namespace, symbol string) {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// Register adds a factory under a qualified name.
func (r *Registry) Register(name string, f Factory) error {
	ns, sym := SplitName(name)
	if ns == "" || sym == "" {
		return errors.NewInvalidValue("factory name", name, "expected namespace/symbol")
	}
	if f == nil {
		return errors.NewInvalidValue("factory", name, "nil factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	symbols, ok := r.namespaces[ns]
	if !ok {
		symbols = make(map[string]Factory)
		r.namespaces[ns] = symbols
	}
	if _, exists := symbols[sym]; exists {
		return fmt.Errorf("%s: %w", name, errors.ErrAlreadyRegistered)
	}
	symbols[sym] = f
	return nil
}

// Use registers every module in order and stops at the first failure.
func (r *Registry) Use(modules ...Module) error {
	for _, m := range modules {
		if err := m.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister is Register that panics on error. Meant for Module.Register
// implementations whose names are compile-time constants.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Lookup finds the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, error) {
	ns, sym := SplitName(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	symbols, ok := r.namespaces[ns]
	if !ok {
		return nil, fmt.Errorf("namespace %q: %w", ns, errors.ErrUnresolvedNamespace)
	}
	f, ok := symbols[sym]
	if !ok {
		return nil, fmt.Errorf("symbol %q in namespace %q: %w", sym, ns, errors.ErrUnresolvedSymbol)
	}
	return f, nil
}

// Resolve looks up frag.Name and invokes its factory exactly once.
// Nothing is cached: resolving the same name twice builds two instances.
func (r *Registry) Resolve(frag Fragment) (Component, error) {
	f, err := r.Lookup(frag.Name)
	if err != nil {
		return nil, &ResolveError{Slot: frag.Slot, Name: frag.Name, Err: err}
	}

	if frag.Options == nil {
		frag.Options = Options{}
	}

	c, err := f(frag)
	if err != nil {
		return nil, &ResolveError{Slot: frag.Slot, Name: frag.Name, Err: err}
	}
	if c == nil {
		return nil, &ResolveError{Slot: frag.Slot, Name: frag.Name, Err: errors.ErrInvalidComponent}
	}
	return c, nil
}

// ResolveRef resolves a component reference for a slot.
func (r *Registry) ResolveRef(slot string, ref Ref, deps Dependencies) (Component, error) {
	return r.Resolve(Fragment{
		Slot:    slot,
		Name:    ref.Use,
		Options: ref.Options,
		Deps:    deps,
	})
}

// Names returns all registered qualified names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for ns, symbols := range r.namespaces {
		for sym := range symbols {
			names = append(names, ns+"/"+sym)
		}
	}
	sort.Strings(names)
	return names
}

// ResolveError names the slot and qualified name that failed to resolve.
type ResolveError struct {
	Slot string
	Name string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve slot %q (use %q): %v", e.Slot, e.Name, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}
