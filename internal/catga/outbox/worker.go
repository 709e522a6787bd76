package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// PublishFunc hands a pending Record to whatever downstream transport the
// host wires up (an HTTP client, a broker producer, ...). A nil error
// marks the record Published; a non-nil error calls MarkFailed.
type PublishFunc func(ctx context.Context, record *Record) error

// WorkerConfig configures the supplemental draining Worker (SPEC_FULL.md
// §12). None of this is required by the core Store contract — a host that
// wants its own draining strategy is free to poll Store directly instead.
type WorkerConfig struct {
	// PollInterval is how often GetPending is polled.
	PollInterval time.Duration
	// BatchSize bounds each GetPending call.
	BatchSize int
	// RecoveryInterval is how often RequeueStuck runs, if the Store
	// supports it. Zero disables periodic recovery.
	RecoveryInterval time.Duration
	// StuckAfter is the age past which a still-Pending record is assumed
	// to be from a crashed drain attempt and is requeued.
	StuckAfter time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 5 * time.Minute
	}
	return c
}

// Worker is an optional, self-contained draining loop over a Store: it
// polls GetPending, hands each record to a PublishFunc, and marks the
// outcome. It mirrors the teacher's Processor (internal/outbox/processor.go)
// at a much smaller scale — no message-group fan-out, no API client — and
// is meant as a demonstrable, test-covered exerciser of the Store contract
// rather than a production drain pipeline.
type Worker struct {
	store   Store
	publish PublishFunc
	cfg     WorkerConfig
	elector *RedisElector

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewWorker builds a Worker. elector may be nil, in which case the Worker
// always assumes it is the only drainer (single-instance mode, matching
// the teacher's isPrimary-defaults-to-true behavior when leader election
// is disabled).
func NewWorker(store Store, publish PublishFunc, cfg WorkerConfig, elector *RedisElector) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:   store,
		publish: publish,
		cfg:     cfg.withDefaults(),
		elector: elector,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins polling. It performs one RequeueStuck pass immediately —
// the crash-recovery step the teacher's doCrashRecovery performs on
// Start() — before launching the poll and periodic-recovery loops.
func (w *Worker) Start() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}

	w.requeueStuckOnce()

	if w.elector != nil {
		w.elector.Start()
	}

	w.wg.Add(1)
	go w.pollLoop()

	if w.cfg.RecoveryInterval > 0 {
		w.wg.Add(1)
		go w.recoveryLoop()
	}
}

// Stop halts the worker and waits for its goroutines to exit.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.cancel()
	w.wg.Wait()
	if w.elector != nil {
		w.elector.Stop()
	}
}

func (w *Worker) isLeader() bool {
	return w.elector == nil || w.elector.IsLeader()
}

func (w *Worker) requeueStuckOnce() {
	rs, ok := w.store.(RequeueStore)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := rs.RequeueStuck(ctx, w.cfg.StuckAfter)
	if err != nil {
		slog.Error("outbox worker: requeue stuck failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("outbox worker: requeued stuck records on startup", "count", n)
	}
}

func (w *Worker) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if w.isLeader() {
				w.drainOnce()
			}
		}
	}
}

func (w *Worker) recoveryLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if w.isLeader() {
				w.requeueStuckOnce()
			}
		}
	}
}

func (w *Worker) drainOnce() {
	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	pending, err := w.store.GetPending(ctx, w.cfg.BatchSize)
	if err != nil {
		slog.Error("outbox worker: get pending failed", "error", err)
		return
	}

	for _, rec := range pending {
		if err := w.publish(ctx, rec); err != nil {
			if markErr := w.store.MarkFailed(ctx, rec.MessageId, err); markErr != nil {
				slog.Error("outbox worker: mark failed failed", "messageId", rec.MessageId, "error", markErr)
			}
			continue
		}
		if err := w.store.MarkPublished(ctx, rec.MessageId); err != nil {
			slog.Error("outbox worker: mark published failed", "messageId", rec.MessageId, "error", err)
		}
	}
}

// RedisElector is a small Redis SET-NX-based leader election, grounded on
// the teacher's RedisLeaderElector (internal/common/leader/redis_election.go):
// SET NX EX to acquire, a Lua check-and-extend script to refresh, and a
// check-and-delete script to release. Reduced to the single on/off signal
// Worker needs rather than the teacher's callback-based API.
type RedisElector struct {
	client     *redis.Client
	lockName   string
	instanceId string
	ttl        time.Duration
	refresh    time.Duration

	isLeader atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRedisElector builds a RedisElector. instanceId should be unique per
// process (e.g. hostname+pid); lockName scopes the lock to one logical
// worker (e.g. "catga-outbox-worker").
func NewRedisElector(client *redis.Client, lockName, instanceId string, ttl, refreshInterval time.Duration) *RedisElector {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if refreshInterval <= 0 {
		refreshInterval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisElector{
		client:     client,
		lockName:   lockName,
		instanceId: instanceId,
		ttl:        ttl,
		refresh:    refreshInterval,
		ctx:        ctx,
		cancel:     cancel,
	}
}

var refreshScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("expire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Start begins the acquire/refresh loop in the background.
func (e *RedisElector) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Stop halts the loop and releases the lock if currently held.
func (e *RedisElector) Stop() {
	e.cancel()
	e.wg.Wait()
	if e.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		releaseScript.Run(ctx, e.client, []string{e.lockName}, e.instanceId)
		e.isLeader.Store(false)
	}
}

// IsLeader reports whether this instance currently holds the lock.
func (e *RedisElector) IsLeader() bool {
	return e.isLeader.Load()
}

func (e *RedisElector) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.refresh)
	defer ticker.Stop()

	e.tryAcquireOrRefresh()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tryAcquireOrRefresh()
		}
	}
}

func (e *RedisElector) tryAcquireOrRefresh() {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	if e.isLeader.Load() {
		result, err := refreshScript.Run(ctx, e.client, []string{e.lockName}, e.instanceId, int(e.ttl.Seconds())).Int()
		if err == nil && result != 0 {
			return
		}
		e.isLeader.Store(false)
		slog.Warn("outbox worker: lost leadership", "instanceId", e.instanceId, "lockName", e.lockName)
	}

	ok, err := e.client.SetNX(ctx, e.lockName, e.instanceId, e.ttl).Result()
	if err != nil {
		slog.Error("outbox worker: leader acquisition failed", "error", err)
		return
	}
	if ok {
		e.isLeader.Store(true)
		slog.Info("outbox worker: acquired leadership", "instanceId", e.instanceId, "lockName", e.lockName)
	}
}
