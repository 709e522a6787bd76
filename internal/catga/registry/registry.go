// Package registry implements the HandlerRegistry: a type-indexed lookup
// of request/event handlers and the pipeline behaviors applicable to each,
// backed by a scoped resolver so DI lifetimes (singleton/scoped/transient)
// are preserved. The registry itself never caches handler instances — only
// the "shape" of a handler key (whether a fast singleton path applies, and
// how many behaviors apply) is memoized, in a concurrent map keyed by the
// type pair, following the same sync.Map-keyed caching shape the teacher
// uses for its per-group processor lookup.
package registry

import (
	"fmt"
	"reflect"
	"sync"
)

// Lifetime describes how a resolver should produce a handler instance.
type Lifetime int

const (
	// Singleton handlers are resolved once and reused for every dispatch.
	Singleton Lifetime = iota
	// Scoped handlers are resolved once per request-dispatch scope.
	Scoped
	// Transient handlers are resolved fresh on every call.
	Transient
)

// Key identifies a registration: the concrete request type and, for
// requests, its result type. Event registrations leave ResultType nil.
type Key struct {
	RequestType reflect.Type
	ResultType  reflect.Type
}

func keyFor(reqType, resType reflect.Type) Key {
	return Key{RequestType: reqType, ResultType: resType}
}

// shape is the memoized, instance-free description of a handler key:
// whether a singleton fast path is available and how many behaviors apply.
// The registry recomputes this at most once per key; handler instances
// themselves are never part of it.
type shape struct {
	singletonFastPath bool
	behaviorCount     int
}

// Resolver produces handler and behavior instances according to their
// registered Lifetime. Hosts typically back this with a DI container; the
// registry only calls it, it never constructs instances itself.
type Resolver interface {
	// ResolveHandler returns the handler instance for key, using scope for
	// Scoped lifetimes. Singleton/Transient instances ignore scope.
	ResolveHandler(key Key, scope any) (any, error)
	// ResolveBehaviors returns the ordered behavior instances applicable
	// to key, using scope for Scoped lifetimes.
	ResolveBehaviors(key Key, scope any) ([]any, error)
	// ResolveEventHandlers returns the (possibly empty) list of handlers
	// registered for an event type.
	ResolveEventHandlers(eventType reflect.Type, scope any) ([]any, error)
}

// Registration records a handler or behavior and its lifetime against a
// Key, independent of any particular Resolver implementation. A host's
// Resolver is expected to consult the same registrations this type holds;
// Registry only needs Resolver for instance construction, but keeps its
// own registration table so it can answer HandlerNotFound without a round
// trip through the resolver, and so shape memoization has something
// deterministic to hash.
type Registration struct {
	Lifetime      Lifetime
	BehaviorCount int
}

// Registry is the HandlerRegistry. The zero value is not usable; construct
// with New.
type Registry struct {
	resolver Resolver

	mu            sync.RWMutex
	requestByKey  map[Key]Registration
	eventsByType  map[reflect.Type]int // count of registered event handlers
	shapeCache    sync.Map             // Key -> shape
}

// New constructs a Registry backed by the given Resolver.
func New(resolver Resolver) *Registry {
	return &Registry{
		resolver:     resolver,
		requestByKey: make(map[Key]Registration),
		eventsByType: make(map[reflect.Type]int),
	}
}

// RegisterRequestHandler records that a handler exists for (reqType,
// resType) with the given lifetime and behavior count. At most one request
// handler may be registered per Key; a second call for the same Key
// replaces the first, matching a builder's "last registration wins" DI
// convention.
func (r *Registry) RegisterRequestHandler(reqType, resType reflect.Type, lifetime Lifetime, behaviorCount int) {
	k := keyFor(reqType, resType)
	r.mu.Lock()
	r.requestByKey[k] = Registration{Lifetime: lifetime, BehaviorCount: behaviorCount}
	r.mu.Unlock()
	r.shapeCache.Delete(k)
}

// RegisterEventHandler increments the registered handler count for an
// event type. Zero or more handlers may exist per event type.
func (r *Registry) RegisterEventHandler(eventType reflect.Type) {
	r.mu.Lock()
	r.eventsByType[eventType]++
	r.mu.Unlock()
}

// ErrHandlerNotFound is returned by Resolve when no handler is registered
// for the requested Key. The mediator converts this into a HandlerNotFound
// Failure result rather than propagating it as a panic.
type ErrHandlerNotFound struct {
	Key Key
}

func (e ErrHandlerNotFound) Error() string {
	return fmt.Sprintf("registry: no handler registered for %v -> %v", e.Key.RequestType, e.Key.ResultType)
}

// Resolved is the outcome of resolving a request key: the handler
// instance, the ordered behaviors applicable to it, and the shape that was
// used (useful for the mediator's observability path to report behavior
// counts without a second lookup).
type Resolved struct {
	Handler   any
	Behaviors []any
	Shape     shape
}

// Resolve looks up the handler and behaviors for (reqType, resType),
// consulting and populating the shape cache, then delegating instance
// construction to the Resolver. Returns ErrHandlerNotFound if reqType has
// no registration.
func (r *Registry) Resolve(reqType, resType reflect.Type, scope any) (Resolved, error) {
	k := keyFor(reqType, resType)

	r.mu.RLock()
	reg, ok := r.requestByKey[k]
	r.mu.RUnlock()
	if !ok {
		return Resolved{}, ErrHandlerNotFound{Key: k}
	}

	s := r.shapeOf(k, reg)

	handler, err := r.resolver.ResolveHandler(k, scope)
	if err != nil {
		return Resolved{}, err
	}
	var behaviors []any
	if s.behaviorCount > 0 {
		behaviors, err = r.resolver.ResolveBehaviors(k, scope)
		if err != nil {
			return Resolved{}, err
		}
	}
	return Resolved{Handler: handler, Behaviors: behaviors, Shape: s}, nil
}

// shapeOf returns the memoized shape for k, computing and caching it on
// first access. It never stores a handler or behavior instance — only the
// type-derived facts a dispatch needs before deciding how to resolve.
func (r *Registry) shapeOf(k Key, reg Registration) shape {
	if cached, ok := r.shapeCache.Load(k); ok {
		return cached.(shape)
	}
	s := shape{
		singletonFastPath: reg.Lifetime == Singleton,
		behaviorCount:     reg.BehaviorCount,
	}
	actual, _ := r.shapeCache.LoadOrStore(k, s)
	return actual.(shape)
}

// ResolveEventHandlers returns the handler instances registered for
// eventType, or an empty slice if none are registered. An empty result is
// not an error — Publish on a type with no subscribers is a no-op.
func (r *Registry) ResolveEventHandlers(eventType reflect.Type, scope any) ([]any, error) {
	r.mu.RLock()
	count := r.eventsByType[eventType]
	r.mu.RUnlock()
	if count == 0 {
		return nil, nil
	}
	return r.resolver.ResolveEventHandlers(eventType, scope)
}

// HasRequestHandler reports whether a handler is registered for (reqType,
// resType), without resolving an instance.
func (r *Registry) HasRequestHandler(reqType, resType reflect.Type) bool {
	k := keyFor(reqType, resType)
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.requestByKey[k]
	return ok
}

// BehaviorCount returns the registered behavior count for (reqType,
// resType), or 0 if no handler is registered.
func (r *Registry) BehaviorCount(reqType, resType reflect.Type) int {
	k := keyFor(reqType, resType)
	r.mu.RLock()
	reg, ok := r.requestByKey[k]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return reg.BehaviorCount
}
