// Package batcher implements the AutoBatcher: per-(RequestType, BatchKey)
// sharded queues that collapse many concurrent requests into size- or
// timer-triggered batch handler invocations, while preserving per-caller
// Result delivery through a one-shot Completer.
//
// The design is grounded on internal/router/pool/pool.go's per-message-group
// dedicated-queue pattern (messageGroupQueues sync.Map, idle-timeout
// cleanup) and on internal/outbox/processor.go's non-blocking batch drain.
// Unlike the teacher's channel-based group queues, a shard here uses a
// mutex-guarded slice rather than a buffered channel: the submit protocol
// requires the "increment count, then drop the oldest entry if over
// capacity" ordering from an unbounded logical queue, which a fixed-capacity
// channel cannot express without either blocking the submitter or dropping
// the newest (rather than oldest) entry on overflow.
package batcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.catga.dev/internal/catga/result"
)

// DefaultMaxBatchSize, DefaultBatchTimeoutMs, and DefaultMaxQueueLength
// are the defaults New applies to zero-valued Options fields (spec §6).
const (
	DefaultMaxBatchSize   = 16
	DefaultBatchTimeoutMs = 10
	DefaultMaxQueueLength = 10_000
)

// Options configures an AutoBatcher. Zero-valued fields are replaced with
// the documented defaults by New.
type Options struct {
	MaxBatchSize   int
	BatchTimeoutMs int
	MaxQueueLength int
	// FlushDegree bounds concurrent flushes across all shards: 0 means
	// serial (one flush in flight process-wide), N means up to N flushes
	// in parallel.
	FlushDegree int
	// RateLimitPerSecond, when > 0, caps the rate of accepted submissions
	// per shard (per BatchKey); a submission exceeding the limit is
	// rejected immediately with a Transient failure rather than enqueued.
	// This is the optional per-BatchKey load-shedding supplement described
	// in SPEC_FULL.md §12, grounded on ProcessPool.rateLimiter.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

func (o Options) withDefaults() Options {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.BatchTimeoutMs <= 0 {
		o.BatchTimeoutMs = DefaultBatchTimeoutMs
	}
	if o.MaxQueueLength <= 0 {
		o.MaxQueueLength = DefaultMaxQueueLength
	}
	if o.FlushDegree < 0 {
		o.FlushDegree = 0
	}
	return o
}

// Handler processes a batch of requests collected from one shard and must
// return a per-entry Result slice of equal length, in the same order as
// reqs.
type Handler[TReq any, TResult any] func(ctx context.Context, reqs []TReq) []result.Result[TResult]

// Completer is the one-shot fulfilment handle a submitter awaits.
type Completer[TResult any] struct {
	ch   chan result.Result[TResult]
	done atomic.Bool
}

func newCompleter[TResult any]() *Completer[TResult] {
	return &Completer[TResult]{ch: make(chan result.Result[TResult], 1)}
}

// Complete fulfils the completer exactly once; later calls are ignored,
// matching the expectation that only the drop loop or the flusher ever
// completes a given entry, never both.
func (c *Completer[TResult]) Complete(r result.Result[TResult]) {
	if c.done.CompareAndSwap(false, true) {
		c.ch <- r
	}
}

// Wait blocks until the completer is fulfilled or ctx is cancelled. A
// cancelled wait resolves to a Cancelled Failure and completes the
// completer; the entry stays in the shard queue until the next flush,
// where tryFlush discards entries whose completer is already done, so the
// batch handler never sees it. This avoids a second lock acquisition on
// the hot submit path.
func (c *Completer[TResult]) Wait(ctx context.Context) result.Result[TResult] {
	select {
	case r := <-c.ch:
		return r
	case <-ctx.Done():
		c.Complete(result.Failure[TResult](result.New(result.ErrCodeCancelled, "cancelled while waiting for batch completion")))
		return result.Failure[TResult](result.New(result.ErrCodeCancelled, "cancelled while waiting for batch completion"))
	}
}

type batchEntry[TReq any, TResult any] struct {
	request   TReq
	completer *Completer[TResult]
}

// shard owns the bounded FIFO queue for one (RequestType, BatchKey) pair.
type shard[TReq any, TResult any] struct {
	key string

	mu    sync.Mutex
	queue []batchEntry[TReq, TResult]
	count atomic.Int64

	flushInProgress atomic.Bool

	timerMu sync.Mutex
	timer   *time.Timer

	limiter *rate.Limiter

	b *AutoBatcher[TReq, TResult]
}

// AutoBatcher collapses concurrent requests of one logical request type
// into batch handler invocations. The zero value is not usable; construct
// with New.
type AutoBatcher[TReq any, TResult any] struct {
	opts    Options
	handler Handler[TReq, TResult]

	shards sync.Map // string -> *shard[TReq, TResult]

	flushSem chan struct{}

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New constructs an AutoBatcher that invokes handler to process each
// flushed batch.
func New[TReq any, TResult any](opts Options, handler Handler[TReq, TResult]) *AutoBatcher[TReq, TResult] {
	opts = opts.withDefaults()
	degree := opts.FlushDegree
	if degree <= 0 {
		degree = 1
	}
	return &AutoBatcher[TReq, TResult]{
		opts:     opts,
		handler:  handler,
		flushSem: make(chan struct{}, degree),
	}
}

const defaultShardKey = "__default__"

func (b *AutoBatcher[TReq, TResult]) shardFor(key string) *shard[TReq, TResult] {
	if key == "" {
		key = defaultShardKey
	}
	if v, ok := b.shards.Load(key); ok {
		return v.(*shard[TReq, TResult])
	}
	s := &shard[TReq, TResult]{key: key, b: b}
	if b.opts.RateLimitPerSecond > 0 {
		burst := b.opts.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(b.opts.RateLimitPerSecond), burst)
	}
	actual, _ := b.shards.LoadOrStore(key, s)
	return actual.(*shard[TReq, TResult])
}

// SubmitAndAwait enqueues req onto the shard identified by key (the empty
// string selects the default, keyless shard) and blocks until the request
// has been included in a flushed batch and its Result is available, or
// ctx is cancelled.
func (b *AutoBatcher[TReq, TResult]) SubmitAndAwait(ctx context.Context, key string, req TReq) result.Result[TResult] {
	if b.closed.Load() {
		return result.Failure[TResult](result.New(result.ErrCodeInvalidArgument, "autobatcher is shut down"))
	}

	s := b.shardFor(key)

	if s.limiter != nil && !s.limiter.Allow() {
		return result.Failure[TResult](result.New(result.ErrCodeTransient, "batch key rate limit exceeded"))
	}

	entry := batchEntry[TReq, TResult]{request: req, completer: newCompleter[TResult]()}

	s.mu.Lock()
	s.queue = append(s.queue, entry)
	s.mu.Unlock()
	newCount := s.count.Add(1)

	if newCount > int64(b.opts.MaxQueueLength) {
		s.dropOldestUntilWithinLimit(int64(b.opts.MaxQueueLength))
		newCount = s.count.Load()
	}

	if newCount >= int64(b.opts.MaxBatchSize) {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			s.tryFlush(context.Background())
		}()
	}

	s.ensureTimer(time.Duration(b.opts.BatchTimeoutMs) * time.Millisecond)

	return entry.completer.Wait(ctx)
}

// dropOldestUntilWithinLimit implements the drop loop from spec §4.5 step
// 3: while the shard's count exceeds limit, dequeue the oldest entry and
// complete it with a QueueOverflow Failure. The increment-then-drop
// ordering used by the caller is required; dropping before incrementing
// would let two concurrent submitters both observe "under limit" and both
// enqueue, defeating the bound.
func (s *shard[TReq, TResult]) dropOldestUntilWithinLimit(limit int64) {
	for {
		if s.count.Load() <= limit {
			return
		}
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		oldest := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.count.Add(-1)
		oldest.completer.Complete(result.Failure[TResult](result.New(result.ErrCodeQueueOverflow, "autobatcher queue overflow, oldest entry dropped")))
	}
}

// ensureTimer (re)starts the shard's batch timer if it is not already
// running, so that a flush happens no later than timeout after the first
// enqueue following an idle period.
func (s *shard[TReq, TResult]) ensureTimer(timeout time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(timeout, func() {
		s.timerMu.Lock()
		s.timer = nil
		s.timerMu.Unlock()
		s.b.wg.Add(1)
		go func() {
			defer s.b.wg.Done()
			s.tryFlush(context.Background())
		}()
	})
}

// tryFlush attempts to become the shard's flusher via CAS, drains up to
// MaxBatchSize entries, and invokes the batch handler under the
// FlushDegree semaphore. If another goroutine is already flushing this
// shard, tryFlush returns immediately — the in-progress flush (or the next
// size/timer trigger) will pick up the remaining entries.
func (s *shard[TReq, TResult]) tryFlush(ctx context.Context) {
	if !s.flushInProgress.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	n := len(s.queue)
	if n > s.b.opts.MaxBatchSize {
		n = s.b.opts.MaxBatchSize
	}
	drained := make([]batchEntry[TReq, TResult], n)
	copy(drained, s.queue[:n])
	s.queue = s.queue[n:]
	s.mu.Unlock()
	s.count.Add(-int64(n))

	s.flushInProgress.Store(false)

	live := drained[:0]
	for _, e := range drained {
		if !e.completer.done.Load() {
			live = append(live, e)
		}
	}
	drained = live
	n = len(drained)

	if n == 0 {
		return
	}

	select {
	case s.b.flushSem <- struct{}{}:
		defer func() { <-s.b.flushSem }()
	case <-ctx.Done():
		for _, e := range drained {
			e.completer.Complete(result.Failure[TResult](result.New(result.ErrCodeCancelled, "flush cancelled waiting for flush-degree permit")))
		}
		return
	}

	reqs := make([]TReq, n)
	for i, e := range drained {
		reqs[i] = e.request
	}

	results := s.b.handler(ctx, reqs)
	if len(results) != n {
		slog.Error("batcher: handler returned mismatched result count",
			"shard", s.key, "expected", n, "got", len(results))
		err := result.New(result.ErrCodeInternal, "batch handler returned mismatched result count")
		for _, e := range drained {
			e.completer.Complete(result.Failure[TResult](err))
		}
		return
	}

	for i, e := range drained {
		e.completer.Complete(results[i])
	}
}

// Shutdown marks the batcher closed, so later SubmitAndAwait calls fail
// with InvalidArgument, stops every shard's pending timer, runs one
// synchronous flush (up to MaxBatchSize entries) per shard, then waits for
// any in-flight flushes to finish.
func (b *AutoBatcher[TReq, TResult]) Shutdown(ctx context.Context) {
	b.closed.Store(true)
	b.shards.Range(func(_, v any) bool {
		s := v.(*shard[TReq, TResult])
		s.timerMu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.timerMu.Unlock()
		s.tryFlush(ctx)
		return true
	})
	b.wg.Wait()
}

// QueueLength returns the current queued-entry count for the shard
// identified by key, for tests and metrics; it does not create the shard
// if it does not already exist.
func (b *AutoBatcher[TReq, TResult]) QueueLength(key string) int {
	if key == "" {
		key = defaultShardKey
	}
	v, ok := b.shards.Load(key)
	if !ok {
		return 0
	}
	return int(v.(*shard[TReq, TResult]).count.Load())
}
