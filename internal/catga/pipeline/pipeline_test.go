package pipeline

import (
	"context"
	"testing"

	"go.catga.dev/internal/catga/result"
)

func okHandler(ctx context.Context) result.Result[int] {
	return result.Success(42)
}

func recordingBehavior(trace *[]string, name string) Behavior[int] {
	return func(ctx context.Context, next Next[int]) result.Result[int] {
		*trace = append(*trace, name+":before")
		r := next(ctx)
		*trace = append(*trace, name+":after")
		return r
	}
}

func TestFastPathNoBehaviors(t *testing.T) {
	r := Execute[int](context.Background(), nil, okHandler)
	if r.IsFailure() || r.Value() != 42 {
		t.Fatalf("Execute() = %+v, want Success(42)", r)
	}
}

func TestBehaviorOrdering(t *testing.T) {
	var trace []string
	behaviors := []Behavior[int]{
		recordingBehavior(&trace, "a"),
		recordingBehavior(&trace, "b"),
		recordingBehavior(&trace, "c"),
	}
	r := Execute(context.Background(), behaviors, okHandler)
	if r.IsFailure() {
		t.Fatalf("Execute() failed: %v", r.Error())
	}

	want := []string{"a:before", "b:before", "c:before", "c:after", "b:after", "a:after"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d] = %q, want %q (full trace %v)", i, trace[i], want[i], trace)
		}
	}
}

func TestBehaviorShortCircuit(t *testing.T) {
	called := false
	shortCircuit := func(ctx context.Context, next Next[int]) result.Result[int] {
		return result.Failure[int](result.New(result.ErrCodeValidationFailed, "nope"))
	}
	neverCalled := func(ctx context.Context, next Next[int]) result.Result[int] {
		called = true
		return next(ctx)
	}

	r := Execute(context.Background(), []Behavior[int]{shortCircuit, neverCalled}, okHandler)
	if r.IsSuccess() {
		t.Fatalf("Execute() succeeded, want short-circuited failure")
	}
	if r.Error().Code != result.ErrCodeValidationFailed {
		t.Fatalf("Error().Code = %v, want ValidationFailed", r.Error().Code)
	}
	if called {
		t.Fatalf("behavior after the short-circuiting one was invoked")
	}
}

func TestDepthExceeded(t *testing.T) {
	behaviors := make([]Behavior[int], MaxPipelineDepth+1)
	invoked := false
	noop := func(ctx context.Context, next Next[int]) result.Result[int] {
		invoked = true
		return next(ctx)
	}
	for i := range behaviors {
		behaviors[i] = noop
	}

	r := Execute(context.Background(), behaviors, okHandler)
	if r.IsSuccess() {
		t.Fatalf("Execute() succeeded, want PipelineDepthExceeded")
	}
	if r.Error().Code != result.ErrCodePipelineDepthExceeded {
		t.Fatalf("Error().Code = %v, want PipelineDepthExceeded", r.Error().Code)
	}
	if invoked {
		t.Fatalf("a behavior was invoked despite exceeding MaxPipelineDepth")
	}
}

func TestExactlyMaxDepthSucceeds(t *testing.T) {
	behaviors := make([]Behavior[int], MaxPipelineDepth)
	count := 0
	for i := range behaviors {
		behaviors[i] = func(ctx context.Context, next Next[int]) result.Result[int] {
			count++
			return next(ctx)
		}
	}

	r := Execute(context.Background(), behaviors, okHandler)
	if r.IsFailure() {
		t.Fatalf("Execute() failed at exactly MaxPipelineDepth: %v", r.Error())
	}
	if count != MaxPipelineDepth {
		t.Fatalf("invoked %d behaviors, want %d", count, MaxPipelineDepth)
	}
}
