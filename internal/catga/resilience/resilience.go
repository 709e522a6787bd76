// Package resilience provides optional pipeline.Behavior implementations
// for circuit breaking and rate limiting (§12). Neither is part of the
// mandatory core; a pipeline with no resilience provider behaves as if
// these behaviors were absent (pure pass-through).
//
// CircuitBreakerBehavior is grounded directly on the teacher's
// internal/router/mediator/http.go, which wraps outbound HTTP calls in a
// gobreaker.CircuitBreaker with a request-volume threshold and failure
// ratio trip condition; here the same breaker wraps a pipeline's terminal
// handler invocation instead of an HTTP round trip.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"go.catga.dev/internal/catga/pipeline"
	"go.catga.dev/internal/catga/result"
)

// CircuitBreakerConfig mirrors the fields the teacher's HTTPMediatorConfig
// exposes for its breaker, minus the HTTP-specific knobs.
type CircuitBreakerConfig struct {
	Name          string
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	MinRequests   uint32
	FailRatio     float64
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultCircuitBreakerConfig mirrors the teacher's
// DefaultHTTPMediatorConfig breaker defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:        name,
		MaxRequests: 10,
		Interval:    60 * time.Second,
		Timeout:     5 * time.Second,
		MinRequests: 10,
		FailRatio:   0.5,
	}
}

// CircuitBreakerBehavior builds a pipeline.Behavior[T] backed by a
// gobreaker.CircuitBreaker. A tripped breaker short-circuits with a
// Transient failure without invoking next, matching the "absence of a
// resilience provider is a pass-through, presence can short-circuit"
// contract in §12.
func CircuitBreakerBehavior[T any](cfg CircuitBreakerConfig) pipeline.Behavior[T] {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailRatio
		},
		OnStateChange: cfg.OnStateChange,
	})

	return func(ctx context.Context, next pipeline.Next[T]) result.Result[T] {
		out, err := breaker.Execute(func() (interface{}, error) {
			r := next(ctx)
			if r.IsFailure() {
				return r, r.Error()
			}
			return r, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return result.Failure[T](result.Wrap(result.ErrCodeTransient, "circuit breaker open", err))
			}
			// next() itself returned a failure Result; out still carries it.
			if r, ok := out.(result.Result[T]); ok {
				return r
			}
			return result.Failure[T](result.Wrap(result.ErrCodeInternal, "circuit breaker execution failed", err))
		}
		return out.(result.Result[T])
	}
}

// RateLimitBehavior builds a pipeline.Behavior[T] that rejects requests
// once the token bucket is exhausted rather than blocking, so a saturated
// shard degrades via QueueOverflow-style backpressure instead of latency.
// limiter is shared across every Send routed through this behavior;
// callers wanting per-shard limits build one behavior per shard, the same
// way batcher.go applies an optional rate.Limiter per shard.
func RateLimitBehavior[T any](limiter *rate.Limiter) pipeline.Behavior[T] {
	return func(ctx context.Context, next pipeline.Next[T]) result.Result[T] {
		if !limiter.Allow() {
			return result.Failure[T](result.New(result.ErrCodeQueueOverflow, "rate limit exceeded"))
		}
		return next(ctx)
	}
}
