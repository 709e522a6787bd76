package mediator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"go.catga.dev/internal/catga/batcher"
	"go.catga.dev/internal/catga/message"
	"go.catga.dev/internal/catga/pipeline"
	"go.catga.dev/internal/catga/result"
)

type incrRequest struct {
	message.Request
	delta int
}

type incrHandler struct {
	total atomic.Int64
}

func (h *incrHandler) Handle(ctx context.Context, req incrRequest) result.Result[int] {
	h.total.Add(int64(req.delta))
	return result.Success(req.delta)
}

func TestSendConcurrentScenario(t *testing.T) {
	m := New()
	h := &incrHandler{}
	RegisterRequestHandler[incrRequest, int](m, h)

	const goroutines = 8
	const perGoroutine = 1250

	var wg sync.WaitGroup
	var successes atomic.Int64
	var sum atomic.Int64

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				r := Send[incrRequest, int](m, context.Background(), incrRequest{delta: 5})
				if r.IsFailure() {
					t.Errorf("Send() failed: %v", r.Error())
					return
				}
				successes.Add(1)
				sum.Add(int64(r.Value()))
			}
		}()
	}
	wg.Wait()

	if successes.Load() != goroutines*perGoroutine {
		t.Fatalf("successes = %d, want %d", successes.Load(), goroutines*perGoroutine)
	}
	if sum.Load() != 50000 {
		t.Fatalf("sum = %d, want 50000", sum.Load())
	}
}

func TestSendHandlerNotFound(t *testing.T) {
	m := New()
	r := Send[incrRequest, int](m, context.Background(), incrRequest{delta: 1})
	if r.IsSuccess() {
		t.Fatalf("Send() succeeded, want HandlerNotFound")
	}
	if r.Error().Code != result.ErrCodeHandlerNotFound {
		t.Fatalf("Error().Code = %v, want HandlerNotFound", r.Error().Code)
	}
}

func TestSendBehaviorShortCircuit(t *testing.T) {
	m := New()
	h := &incrHandler{}
	reject := func(ctx context.Context, next pipeline.Next[int]) result.Result[int] {
		return result.Failure[int](result.New(result.ErrCodeValidationFailed, "rejected"))
	}
	RegisterRequestHandler[incrRequest, int](m, h, reject)

	r := Send[incrRequest, int](m, context.Background(), incrRequest{delta: 5})
	if r.IsSuccess() {
		t.Fatalf("Send() succeeded, want ValidationFailed")
	}
	if h.total.Load() != 0 {
		t.Fatalf("handler was invoked despite the rejecting behavior")
	}
}

type pingEvent struct {
	message.Event
	n int
}

func TestPublishFanOutToMultipleHandlers(t *testing.T) {
	m := New()
	var calls atomic.Int32

	RegisterEventHandler[pingEvent](m, eventFunc[pingEvent](func(ctx context.Context, evt pingEvent) {
		calls.Add(int32(evt.n))
	}))
	Subscribe[pingEvent](m, func(ctx context.Context, evt pingEvent) {
		calls.Add(int32(evt.n) * 10)
	})

	Publish(m, context.Background(), pingEvent{n: 1})

	if calls.Load() != 11 {
		t.Fatalf("calls = %d, want 11", calls.Load())
	}
}

func TestPublishWithNoHandlersIsNoop(t *testing.T) {
	m := New()
	Publish(m, context.Background(), pingEvent{n: 1}) // must not panic or block
}

func TestPublishRecoversPanickingHandler(t *testing.T) {
	m := New()
	var secondCalled atomic.Bool
	RegisterEventHandler[pingEvent](m, eventFunc[pingEvent](func(ctx context.Context, evt pingEvent) {
		panic("boom")
	}))
	RegisterEventHandler[pingEvent](m, eventFunc[pingEvent](func(ctx context.Context, evt pingEvent) {
		secondCalled.Store(true)
	}))

	Publish(m, context.Background(), pingEvent{n: 1})

	if !secondCalled.Load() {
		t.Fatalf("second handler was not invoked after the first panicked")
	}
}

type batchedRequest struct {
	message.Request
	key string
	n   int
}

func (r batchedRequest) BatchKey() string { return r.key }
func (r batchedRequest) BatchOptions() message.BatchOptions {
	return message.BatchOptions{MaxBatchSize: 16, TimeoutMillis: 10000, MaxQueueLength: 10000}
}

type doubleBatchHandler struct{}

func (doubleBatchHandler) HandleBatch(ctx context.Context, reqs []batchedRequest) []result.Result[int] {
	out := make([]result.Result[int], len(reqs))
	for i, r := range reqs {
		out[i] = result.Success(r.n * 2)
	}
	return out
}

func TestSendRoutesBatchOptsRequestThroughAutoBatcher(t *testing.T) {
	m := New()
	RegisterBatchHandler[batchedRequest, int](m, batcher.Options{MaxBatchSize: 16, BatchTimeoutMs: 10000, MaxQueueLength: 10000}, doubleBatchHandler{})

	var wg sync.WaitGroup
	results := make([]result.Result[int], 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Send[batchedRequest, int](m, context.Background(), batchedRequest{key: "k", n: i})
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r.IsFailure() {
			t.Fatalf("entry %d failed: %v", i, r.Error())
		}
		if r.Value() != i*2 {
			t.Fatalf("entry %d = %d, want %d", i, r.Value(), i*2)
		}
	}
}

// eventFunc adapts a plain function to the EventHandler[TEvt] interface
// for tests that don't need a dedicated handler type.
type eventFunc[TEvt any] func(ctx context.Context, evt TEvt)

func (f eventFunc[TEvt]) Handle(ctx context.Context, evt TEvt) { f(ctx, evt) }
