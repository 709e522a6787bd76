package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.catga.dev/internal/catga/result"
)

func doubleHandler(ctx context.Context, reqs []int) []result.Result[int] {
	out := make([]result.Result[int], len(reqs))
	for i, r := range reqs {
		out[i] = result.Success(r * 2)
	}
	return out
}

func TestSubmitAndAwaitSingleBatchOfSixteen(t *testing.T) {
	var batchSizes []int
	var mu sync.Mutex
	handler := func(ctx context.Context, reqs []int) []result.Result[int] {
		mu.Lock()
		batchSizes = append(batchSizes, len(reqs))
		mu.Unlock()
		return doubleHandler(ctx, reqs)
	}

	b := New(Options{MaxBatchSize: 16, BatchTimeoutMs: 10_000, MaxQueueLength: 10_000, FlushDegree: 0}, handler)

	var wg sync.WaitGroup
	results := make([]result.Result[int], 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.SubmitAndAwait(context.Background(), "", i)
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

	mu.Lock()
	defer mu.Unlock()
	if len(batchSizes) != 1 || batchSizes[0] != 16 {
		t.Fatalf("batchSizes = %v, want a single batch of 16", batchSizes)
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, reqs []int) []result.Result[int] {
		<-release
		return doubleHandler(ctx, reqs)
	}

	b := New(Options{MaxBatchSize: 1000, BatchTimeoutMs: 10_000, MaxQueueLength: 5, FlushDegree: 0}, handler)

	results := make([]result.Result[int], 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.SubmitAndAwait(context.Background(), "", i)
		}(i)
	}

	// Give all 20 submitters a chance to enqueue before the handler is
	// ever invoked (handler is blocked on release).
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	overflow, success := 0, 0
	for _, r := range results {
		if r.IsFailure() {
			if r.Error().Code != result.ErrCodeQueueOverflow {
				t.Fatalf("unexpected failure code: %v", r.Error().Code)
			}
			overflow++
		} else {
			success++
		}
	}

	if overflow != 15 {
		t.Fatalf("overflow count = %d, want 15", overflow)
	}
	if success != 5 {
		t.Fatalf("success count = %d, want 5", success)
	}
}

func TestTimerFlushesPartialBatch(t *testing.T) {
	b := New(Options{MaxBatchSize: 100, BatchTimeoutMs: 20, MaxQueueLength: 1000, FlushDegree: 0}, doubleHandler)

	r := b.SubmitAndAwait(context.Background(), "", 21)
	if r.IsFailure() {
		t.Fatalf("unexpected failure: %v", r.Error())
	}
	if r.Value() != 42 {
		t.Fatalf("result = %d, want 42", r.Value())
	}
}

func TestDistinctBatchKeysGetDistinctShards(t *testing.T) {
	b := New(Options{MaxBatchSize: 1, BatchTimeoutMs: 10_000, MaxQueueLength: 1000, FlushDegree: 0}, doubleHandler)

	r1 := b.SubmitAndAwait(context.Background(), "user-a", 1)
	r2 := b.SubmitAndAwait(context.Background(), "user-b", 2)
	if r1.IsFailure() || r2.IsFailure() {
		t.Fatalf("unexpected failures: %v %v", r1.Error(), r2.Error())
	}
	if r1.Value() != 2 || r2.Value() != 4 {
		t.Fatalf("r1=%d r2=%d, want 2 and 4", r1.Value(), r2.Value())
	}
}

func TestShutdownFlushesRemainingEntries(t *testing.T) {
	b := New(Options{MaxBatchSize: 100, BatchTimeoutMs: 10_000, MaxQueueLength: 1000, FlushDegree: 0}, doubleHandler)

	var wg sync.WaitGroup
	results := make([]result.Result[int], 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.SubmitAndAwait(context.Background(), "", i)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	b.Shutdown(context.Background())
	wg.Wait()

	for i, r := range results {
		if r.IsFailure() {
			t.Fatalf("entry %d failed after shutdown flush: %v", i, r.Error())
		}
		if r.Value() != i*2 {
			t.Fatalf("entry %d = %d, want %d", i, r.Value(), i*2)
		}
	}
}
