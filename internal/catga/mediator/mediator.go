// Package mediator implements the public dispatch entry point: Send,
// Publish, SendBatch, PublishBatch, and SendStream, plus the registration
// helpers a host uses to wire handlers, behaviors, and batch handlers.
//
// Grounded on internal/router/pool/pool.go's fan-out/fork-join pattern for
// concurrent event dispatch, and on internal/router/mediator/http.go's
// fast-path/instrumented-path split (a plain call path versus one that
// records circuit-breaker state and duration) for Send's
// fast-path/observability-path distinction. Go generics can't add type
// parameters to a method, so Send/Publish/etc. are free functions taking
// *Mediator as their first argument rather than methods on a generic
// Mediator[TReq, TRes] type — this keeps one Mediator instance usable
// across arbitrarily many distinct request/event types, matching the
// registry's own type-indexed design.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"go.catga.dev/internal/catga/batcher"
	"go.catga.dev/internal/catga/message"
	"go.catga.dev/internal/catga/pipeline"
	"go.catga.dev/internal/catga/registry"
	"go.catga.dev/internal/catga/result"
	"go.catga.dev/internal/catga/subscribers"
)

// RequestHandler is the user-side contract for a request handler.
type RequestHandler[TReq any, TRes any] interface {
	Handle(ctx context.Context, req TReq) result.Result[TRes]
}

// EventHandler is the user-side contract for an event handler.
type EventHandler[TEvt any] interface {
	Handle(ctx context.Context, evt TEvt)
}

// BatchHandler is the user-side contract for an AutoBatcher-backed request
// type: it must return a Result slice of the same length as reqs.
type BatchHandler[TReq any, TRes any] interface {
	HandleBatch(ctx context.Context, reqs []TReq) []result.Result[TRes]
}

// Scope is a dependency-injection scope created per request dispatch and
// released on every exit path, including panics.
type Scope interface {
	Close()
}

// ScopeFactory constructs a new Scope for one dispatch.
type ScopeFactory func() Scope

type noopScope struct{}

func (noopScope) Close() {}

// Metrics receives dispatch observability events. catgametrics.Metrics
// implements this with Prometheus counters and histograms; it is defined
// here as an interface rather than imported directly so this package has
// no forced dependency on the metrics backend a host chooses not to wire.
type Metrics interface {
	RecordDispatch(requestType string, duration time.Duration, success bool)
	RecordEventPublish(eventType string, handlerCount int)
	RecordPipelineBehaviors(requestType string, count int)
}

// Mediator is the public dispatch entry point. The zero value is not
// usable; construct with New.
type Mediator struct {
	reg      *registry.Registry
	resolver *simpleResolver

	enableLogging bool
	enableTracing bool
	logger        *slog.Logger
	scopeFactory  ScopeFactory
	metrics       Metrics

	batchers  sync.Map // reflect.Type -> any (*batcher.AutoBatcher[TReq,TRes])
	eventSubs sync.Map // reflect.Type -> any (*subscribers.Subscribers[TEvt])
}

// Option configures a Mediator at construction.
type Option func(*Mediator)

// WithLogging enables or disables the observability path's structured log
// emission. Both EnableLogging and EnableTracing default to false, which
// is what puts Send on its fast, allocation-light path.
func WithLogging(enabled bool) Option { return func(m *Mediator) { m.enableLogging = enabled } }

// WithTracing enables or disables the observability path's span-equivalent
// logging. No distributed tracing exporter is wired in this repository —
// enabling tracing puts Send on the observability path (even with logging
// disabled) and its structured log line carries a tracingEnabled field; it
// does not create OpenTelemetry spans.
func WithTracing(enabled bool) Option { return func(m *Mediator) { m.enableTracing = enabled } }

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option { return func(m *Mediator) { m.logger = logger } }

// WithScopeFactory overrides the default no-op scope with one that
// constructs a real DI scope per dispatch.
func WithScopeFactory(f ScopeFactory) Option { return func(m *Mediator) { m.scopeFactory = f } }

// WithMetrics attaches a Metrics sink, typically catgametrics.Metrics.
func WithMetrics(metrics Metrics) Option { return func(m *Mediator) { m.metrics = metrics } }

// New constructs a Mediator.
func New(opts ...Option) *Mediator {
	m := &Mediator{resolver: newSimpleResolver()}
	m.reg = registry.New(m.resolver)
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.scopeFactory == nil {
		m.scopeFactory = func() Scope { return noopScope{} }
	}
	return m
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// RegisterRequestHandler registers a singleton request handler instance
// for (TReq, TRes), along with the ordered behaviors that should wrap it.
func RegisterRequestHandler[TReq any, TRes any](m *Mediator, handler RequestHandler[TReq, TRes], behaviors ...pipeline.Behavior[TRes]) {
	key := registry.Key{RequestType: typeOf[TReq](), ResultType: typeOf[TRes]()}
	m.resolver.registerHandler(key, registry.Singleton, func(scope any) any { return handler })
	m.resolver.registerBehaviors(key, behaviorsToAny(behaviors))
	m.reg.RegisterRequestHandler(key.RequestType, key.ResultType, registry.Singleton, len(behaviors))
}

// RegisterRequestHandlerFactory registers a request handler built fresh
// according to lifetime: Transient constructs one per call, Scoped
// constructs (and caches) one per dispatch Scope, Singleton constructs
// once and reuses it forever.
func RegisterRequestHandlerFactory[TReq any, TRes any](m *Mediator, lifetime registry.Lifetime, factory func() RequestHandler[TReq, TRes], behaviors ...pipeline.Behavior[TRes]) {
	key := registry.Key{RequestType: typeOf[TReq](), ResultType: typeOf[TRes]()}
	m.resolver.registerHandler(key, lifetime, func(scope any) any { return factory() })
	m.resolver.registerBehaviors(key, behaviorsToAny(behaviors))
	m.reg.RegisterRequestHandler(key.RequestType, key.ResultType, lifetime, len(behaviors))
}

func behaviorsToAny[TRes any](behaviors []pipeline.Behavior[TRes]) []any {
	out := make([]any, len(behaviors))
	for i, b := range behaviors {
		out[i] = b
	}
	return out
}

// RegisterEventHandler registers handler to be invoked whenever Publish is
// called with a TEvt value.
func RegisterEventHandler[TEvt any](m *Mediator, handler EventHandler[TEvt]) {
	evtType := typeOf[TEvt]()
	m.resolver.registerEventHandler(evtType, handler)
	m.reg.RegisterEventHandler(evtType)
}

// Subscribe adds an ad-hoc handler function to the in-process Subscribers
// transport for TEvt (spec §4.6), independent of the DI-backed
// RegisterEventHandler path. Both sets of handlers are invoked on Publish.
func Subscribe[TEvt any](m *Mediator, handler subscribers.Handler[TEvt]) {
	evtType := typeOf[TEvt]()
	v, _ := m.eventSubs.LoadOrStore(evtType, &subscribers.Subscribers[TEvt]{})
	v.(*subscribers.Subscribers[TEvt]).Add(handler)
}

// RegisterBatchHandler opts TReq into auto-batching: any TReq value
// implementing message.BatchOptionsProvider will be routed through an
// AutoBatcher built from opts instead of dispatched through the pipeline
// directly.
func RegisterBatchHandler[TReq any, TRes any](m *Mediator, opts batcher.Options, handler BatchHandler[TReq, TRes]) {
	reqType := typeOf[TReq]()
	b := batcher.New(opts, func(ctx context.Context, reqs []TReq) []result.Result[TRes] {
		return handler.HandleBatch(ctx, reqs)
	})
	m.batchers.Store(reqType, b)
}

type eventAdapter[TEvt any] struct{ fn subscribers.Handler[TEvt] }

func (a eventAdapter[TEvt]) Handle(ctx context.Context, evt TEvt) { a.fn(ctx, evt) }

func isNilRequest(req any) bool {
	v := reflect.ValueOf(req)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return v.IsNil()
	default:
		return false
	}
}

// Send dispatches a single request through the registered handler and its
// behavior chain, or through the AutoBatcher if the request opted into
// auto-batching. Per spec §4.4 step 1, a nil request never reaches a
// handler — it is converted to an InvalidArgument Failure at the
// boundary.
func Send[TReq any, TRes any](m *Mediator, ctx context.Context, req TReq) result.Result[TRes] {
	if isNilRequest(req) {
		return result.Failure[TRes](result.New(result.ErrCodeInvalidArgument, "request is nil"))
	}

	reqType := reflect.TypeOf(req)
	if reqType == nil {
		reqType = typeOf[TReq]()
	}

	if _, ok := any(req).(message.BatchOptionsProvider); ok {
		return sendViaBatcher[TReq, TRes](m, ctx, reqType, req)
	}

	if !m.enableLogging && !m.enableTracing {
		r, _ := dispatchTyped[TReq, TRes](m, ctx, reqType, req)
		return r
	}

	start := time.Now()
	r, behaviorCount := dispatchTyped[TReq, TRes](m, ctx, reqType, req)
	duration := time.Since(start)

	m.logger.Info("mediator: dispatched request",
		"requestType", reqType.String(),
		"success", r.IsSuccess(),
		"durationMs", duration.Milliseconds(),
		"behaviorCount", behaviorCount,
		"tracingEnabled", m.enableTracing,
	)
	if m.metrics != nil {
		m.metrics.RecordDispatch(reqType.String(), duration, r.IsSuccess())
		m.metrics.RecordPipelineBehaviors(reqType.String(), behaviorCount)
	}
	return r
}

func sendViaBatcher[TReq any, TRes any](m *Mediator, ctx context.Context, reqType reflect.Type, req TReq) result.Result[TRes] {
	v, ok := m.batchers.Load(reqType)
	if !ok {
		return result.Failure[TRes](result.New(result.ErrCodeInternal, fmt.Sprintf("request type %s declares batch options but has no registered batch handler", reqType)))
	}
	b := v.(*batcher.AutoBatcher[TReq, TRes])

	key := ""
	if kp, ok := any(req).(message.BatchKeyProvider); ok {
		key = kp.BatchKey()
	}
	return b.SubmitAndAwait(ctx, key, req)
}

// dispatchTyped runs handler resolution and the pipeline chain, converting
// registry errors and recovered panics into classified Failures. It
// returns the resolved behavior count alongside the Result so the
// observability path in Send can log/record it without a second lookup.
// Like Send, it is a free function rather than a method because Go
// generics cannot add type parameters to a method on a non-generic
// receiver.
func dispatchTyped[TReq any, TRes any](m *Mediator, ctx context.Context, reqType reflect.Type, req TReq) (result.Result[TRes], int) {
	resType := typeOf[TRes]()

	scope := m.scopeFactory()
	defer scope.Close()

	resolved, err := m.reg.Resolve(reqType, resType, scope)
	if err != nil {
		var notFound registry.ErrHandlerNotFound
		if errors.As(err, &notFound) {
			return result.Failure[TRes](result.New(result.ErrCodeHandlerNotFound, notFound.Error())), 0
		}
		return result.Failure[TRes](result.Wrap(result.ErrCodeInternal, "handler resolution failed", err)), 0
	}

	handler, ok := resolved.Handler.(RequestHandler[TReq, TRes])
	if !ok {
		return result.Failure[TRes](result.New(result.ErrCodeInternal, "resolved handler does not satisfy RequestHandler[TReq,TRes]")), 0
	}

	behaviors := make([]pipeline.Behavior[TRes], len(resolved.Behaviors))
	for i, b := range resolved.Behaviors {
		behaviors[i] = b.(pipeline.Behavior[TRes])
	}

	res := func() (r result.Result[TRes]) {
		defer func() {
			if p := recover(); p != nil {
				m.logger.Error("mediator: recovered panic during dispatch", "requestType", reqType.String(), "panic", p)
				r = result.Failure[TRes](result.New(result.ErrCodeInternal, fmt.Sprintf("panic during dispatch: %v", p)))
			}
		}()
		return pipeline.Execute(ctx, behaviors, func(ctx context.Context) result.Result[TRes] {
			if ctx.Err() != nil {
				return result.Failure[TRes](result.New(result.ErrCodeCancelled, "context cancelled before handler invocation"))
			}
			return handler.Handle(ctx, req)
		})
	}()

	return res, len(behaviors)
}

func invokeEventHandlerSafely[TEvt any](m *Mediator, ctx context.Context, evtType reflect.Type, h EventHandler[TEvt], evt TEvt) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("mediator: event handler panicked, recorded and ignored",
				"eventType", evtType.String(), "panic", p)
		}
	}()
	h.Handle(ctx, evt)
}

// Publish dispatches evt to every registered and subscribed handler. Zero
// handlers is a silent no-op; one handler is invoked directly to avoid a
// fan-out allocation; more than one are invoked concurrently and waited
// on. A panicking handler is caught and logged — Publish never fails the
// caller, matching spec §4.4's event flow and §7's "Publish silently logs
// per-handler failures" disposition.
func Publish[TEvt any](m *Mediator, ctx context.Context, evt TEvt) {
	evtType := typeOf[TEvt]()

	var handlers []EventHandler[TEvt]

	scope := m.scopeFactory()
	defer scope.Close()

	if handlersAny, err := m.reg.ResolveEventHandlers(evtType, scope); err == nil {
		for _, h := range handlersAny {
			if eh, ok := h.(EventHandler[TEvt]); ok {
				handlers = append(handlers, eh)
			}
		}
	}
	if v, ok := m.eventSubs.Load(evtType); ok {
		for _, h := range v.(*subscribers.Subscribers[TEvt]).Snapshot() {
			handlers = append(handlers, eventAdapter[TEvt]{fn: h})
		}
	}

	switch len(handlers) {
	case 0:
		return
	case 1:
		invokeEventHandlerSafely(m, ctx, evtType, handlers[0], evt)
	default:
		var wg sync.WaitGroup
		wg.Add(len(handlers))
		for _, h := range handlers {
			go func(h EventHandler[TEvt]) {
				defer wg.Done()
				invokeEventHandlerSafely(m, ctx, evtType, h, evt)
			}(h)
		}
		wg.Wait()
	}

	if m.metrics != nil {
		m.metrics.RecordEventPublish(evtType.String(), len(handlers))
	}
}

// SendBatch dispatches each request concurrently through Send and returns
// the results in input order. This is distinct from AutoBatcher — it is a
// convenience fan-out over independent dispatches, not a single batch
// handler invocation.
func SendBatch[TReq any, TRes any](m *Mediator, ctx context.Context, reqs []TReq) []result.Result[TRes] {
	results := make([]result.Result[TRes], len(reqs))
	var wg sync.WaitGroup
	wg.Add(len(reqs))
	for i, req := range reqs {
		go func(i int, req TReq) {
			defer wg.Done()
			results[i] = Send[TReq, TRes](m, ctx, req)
		}(i, req)
	}
	wg.Wait()
	return results
}

// PublishBatch publishes each event in sequence. Each Publish call already
// fans out across that event's own handlers, so no further concurrency is
// introduced here.
func PublishBatch[TEvt any](m *Mediator, ctx context.Context, evts []TEvt) {
	for _, evt := range evts {
		Publish(m, ctx, evt)
	}
}

// SendStream dispatches each request read from reqs and emits its Result
// on the returned channel, preserving order. The returned channel is
// closed when reqs is closed or ctx is cancelled.
func SendStream[TReq any, TRes any](m *Mediator, ctx context.Context, reqs <-chan TReq) <-chan result.Result[TRes] {
	out := make(chan result.Result[TRes])
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-reqs:
				if !ok {
					return
				}
				res := Send[TReq, TRes](m, ctx, req)
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
