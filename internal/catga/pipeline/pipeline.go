// Package pipeline implements the PipelineExecutor: a bounded chain of
// Behaviors wrapped around a terminal handler invocation, generalized from
// the teacher's fixed transport -> circuit-breaker -> retry wrapping in
// internal/router/mediator/http.go into an arbitrary N-behavior chain with
// a depth bound.
//
// Ordering convention: when both an idempotency behavior and an
// outbox-writing behavior are present in the same chain, register
// idempotency outermost (index 0) so a replay short-circuits before any
// outbox record is written. See DESIGN.md's Open Question decisions.
package pipeline

import (
	"context"

	"go.catga.dev/internal/catga/result"
)

// MaxPipelineDepth is the hard ceiling on behavior count per chain.
const MaxPipelineDepth = 100

// Handler is the terminal operation a pipeline wraps. TResult is the
// request's declared result type.
type Handler[TResult any] func(ctx context.Context) result.Result[TResult]

// Next is the continuation a Behavior invokes to proceed to the next
// behavior in the chain, or to the terminal handler if it is last.
type Next[TResult any] func(ctx context.Context) result.Result[TResult]

// Behavior wraps a handler invocation. It receives the next continuation
// and is responsible for calling it (possibly zero or more than once,
// though the common case is exactly once) to proceed down the chain. A
// behavior may also short-circuit by returning a Result without invoking
// next at all.
type Behavior[TResult any] func(ctx context.Context, next Next[TResult]) result.Result[TResult]

// Build composes behaviors around handler into a single callable. Behavior
// 0 runs first and receives a Next bound to behavior 1, and so on; the
// last behavior's Next invokes handler directly. When len(behaviors) == 0
// the returned callable invokes handler with no intermediate closures,
// satisfying the fast-path requirement.
//
// If len(behaviors) exceeds MaxPipelineDepth, Build returns a callable
// that always yields a PipelineDepthExceeded Failure without invoking any
// behavior or the handler — matching the "no behavior is invoked" Failure
// semantics required by the depth bound.
func Build[TResult any](behaviors []Behavior[TResult], handler Handler[TResult]) Next[TResult] {
	if len(behaviors) > MaxPipelineDepth {
		return func(ctx context.Context) result.Result[TResult] {
			return result.Failure[TResult](result.New(
				result.ErrCodePipelineDepthExceeded,
				"behavior chain exceeds MaxPipelineDepth",
			))
		}
	}
	if len(behaviors) == 0 {
		return Next[TResult](handler)
	}
	return chainAt(behaviors, 0, handler)
}

// chainAt returns the continuation starting at behaviors[i], recursing
// toward the terminal handler. The spec permits either a recursive or
// iterative implementation as long as the depth bound and ordering
// guarantee hold; recursion here mirrors how the chain is described
// (behavior[i] wraps chainAt(i+1)) and MaxPipelineDepth already bounds the
// recursion depth to 100 frames.
func chainAt[TResult any](behaviors []Behavior[TResult], i int, handler Handler[TResult]) Next[TResult] {
	if i == len(behaviors) {
		return Next[TResult](handler)
	}
	behavior := behaviors[i]
	rest := chainAt(behaviors, i+1, handler)
	return func(ctx context.Context) result.Result[TResult] {
		return behavior(ctx, rest)
	}
}

// Execute is a convenience wrapper equivalent to Build(behaviors,
// handler)(ctx); most callers building a chain once and invoking it
// immediately will prefer this.
func Execute[TResult any](ctx context.Context, behaviors []Behavior[TResult], handler Handler[TResult]) result.Result[TResult] {
	return Build(behaviors, handler)(ctx)
}
