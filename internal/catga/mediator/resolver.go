package mediator

import (
	"reflect"
	"sync"

	"go.catga.dev/internal/catga/registry"
)

// handlerFactory builds a handler instance, optionally keying off the
// caller-provided dispatch Scope (used by Scoped lifetimes).
type handlerFactory func(scope any) any

// simpleResolver is the mediator's built-in registry.Resolver. It is
// deliberately minimal: full dependency-injection container integration
// is explicitly out of scope (spec §1's Non-goals list "DI integration"
// as an external collaborator). simpleResolver supports the three
// lifetimes spec §6 names — Singleton, Scoped, Transient — using an
// in-memory cache keyed by the resolved Scope's identity for Scoped, which
// is sufficient for the builder and demo in this repository; a host that
// needs a real DI container provides its own registry.Resolver instead of
// this one.
type simpleResolver struct {
	mu        sync.Mutex
	factories map[registry.Key]handlerFactory
	lifetimes map[registry.Key]registry.Lifetime
	singletons map[registry.Key]any

	behaviors map[registry.Key][]any

	eventHandlers map[reflect.Type][]any

	scopedMu    sync.Mutex
	scopedCache map[any]map[registry.Key]any
}

func newSimpleResolver() *simpleResolver {
	return &simpleResolver{
		factories:     make(map[registry.Key]handlerFactory),
		lifetimes:     make(map[registry.Key]registry.Lifetime),
		singletons:    make(map[registry.Key]any),
		behaviors:     make(map[registry.Key][]any),
		eventHandlers: make(map[reflect.Type][]any),
		scopedCache:   make(map[any]map[registry.Key]any),
	}
}

func (r *simpleResolver) registerHandler(key registry.Key, lifetime registry.Lifetime, f handlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
	r.lifetimes[key] = lifetime
	delete(r.singletons, key)
}

func (r *simpleResolver) registerBehaviors(key registry.Key, behaviors []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[key] = behaviors
}

func (r *simpleResolver) registerEventHandler(eventType reflect.Type, handler any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventHandlers[eventType] = append(r.eventHandlers[eventType], handler)
}

// ResolveHandler implements registry.Resolver.
func (r *simpleResolver) ResolveHandler(key registry.Key, scope any) (any, error) {
	r.mu.Lock()
	lifetime := r.lifetimes[key]
	factory := r.factories[key]
	r.mu.Unlock()

	switch lifetime {
	case registry.Singleton:
		r.mu.Lock()
		if inst, ok := r.singletons[key]; ok {
			r.mu.Unlock()
			return inst, nil
		}
		inst := factory(scope)
		r.singletons[key] = inst
		r.mu.Unlock()
		return inst, nil

	case registry.Scoped:
		if scope == nil || !isComparable(scope) {
			return factory(scope), nil
		}
		r.scopedMu.Lock()
		defer r.scopedMu.Unlock()
		perScope, ok := r.scopedCache[scope]
		if !ok {
			perScope = make(map[registry.Key]any)
			r.scopedCache[scope] = perScope
		}
		if inst, ok := perScope[key]; ok {
			return inst, nil
		}
		inst := factory(scope)
		perScope[key] = inst
		return inst, nil

	default: // Transient
		return factory(scope), nil
	}
}

// ResolveBehaviors implements registry.Resolver. Behaviors are registered
// as ready-to-use instances rather than factories: pipeline behaviors in
// this repository are stateless middleware closures, so per-call or
// per-scope construction has no observable benefit and would only add
// allocations on the hot path.
func (r *simpleResolver) ResolveBehaviors(key registry.Key, scope any) ([]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.behaviors[key], nil
}

// ResolveEventHandlers implements registry.Resolver.
func (r *simpleResolver) ResolveEventHandlers(eventType reflect.Type, scope any) ([]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eventHandlers[eventType], nil
}

func isComparable(v any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	m := map[any]struct{}{v: {}}
	_ = m
	return true
}
