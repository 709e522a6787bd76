// Package inbox implements the InboxStore contract (§4.8): a lease-based
// gate that ensures at most one caller processes a given message at a
// time, with expired leases reclaimable. Grounded on the teacher's two
// leader-election implementations — internal/common/leader/election.go's
// Mongo findOneAndUpdate CAS lock and internal/common/leader/redis_election.go's
// Redis SET-NX + Lua refresh — generalized from "one election per process"
// to "one lease per message id".
package inbox

import (
	"context"
	"sync"
	"time"
)

// Record is the result stored once a message has been fully processed.
type Record struct {
	MessageId   uint64
	Result      []byte
	ProcessedAt time.Time
}

// Store is the implementation-neutral InboxStore contract. TryLock MUST be
// a single atomic operation on distributed backends — a separate
// check-then-set is explicitly disallowed by spec §4.8 because of the
// check-then-set race it reintroduces.
type Store interface {
	// TryLock atomically acquires a processing lease for messageId. It
	// succeeds iff there is no Processed record for messageId and either
	// no lease exists or the existing lease has expired.
	TryLock(ctx context.Context, messageId uint64, leaseDuration time.Duration) (bool, error)

	// MarkProcessed stores the result and clears the lease. Idempotent.
	MarkProcessed(ctx context.Context, record Record) error

	// HasBeenProcessed reports whether messageId has a Processed record.
	HasBeenProcessed(ctx context.Context, messageId uint64) (bool, error)

	// GetProcessedResult returns the stored result, or nil if the message
	// hasn't been processed yet (including locked-but-not-yet-processed).
	GetProcessedResult(ctx context.Context, messageId uint64) ([]byte, error)

	// ReleaseLock clears the lease without marking the message processed.
	// No-op if no lease exists.
	ReleaseLock(ctx context.Context, messageId uint64) error

	// DeleteProcessed prunes Processed records older than olderThan.
	DeleteProcessed(ctx context.Context, olderThan time.Duration) (int, error)
}

type entryState struct {
	mu           sync.Mutex
	processed    bool
	result       []byte
	processedAt  time.Time
	leaseExpires time.Time
	leaseHeld    bool
}

// MemoryStore is an in-process Store guarded by a per-message-id mutex, so
// TryLock for distinct messages never contends. It exists mainly for
// tests and single-node deployments; the CAS discipline spec §4.8 requires
// for distributed backends is naturally satisfied here by the Go mutex.
type MemoryStore struct {
	entries sync.Map // uint64 -> *entryState
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) stateFor(messageId uint64) *entryState {
	v, _ := s.entries.LoadOrStore(messageId, &entryState{})
	return v.(*entryState)
}

func (s *MemoryStore) TryLock(ctx context.Context, messageId uint64, leaseDuration time.Duration) (bool, error) {
	e := s.stateFor(messageId)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.processed {
		return false, nil
	}
	now := time.Now()
	if e.leaseHeld && e.leaseExpires.After(now) {
		return false, nil
	}
	e.leaseHeld = true
	e.leaseExpires = now.Add(leaseDuration)
	return true, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, record Record) error {
	e := s.stateFor(record.MessageId)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.processed = true
	e.result = record.Result
	e.processedAt = record.ProcessedAt
	if e.processedAt.IsZero() {
		e.processedAt = time.Now()
	}
	e.leaseHeld = false
	return nil
}

func (s *MemoryStore) HasBeenProcessed(ctx context.Context, messageId uint64) (bool, error) {
	v, ok := s.entries.Load(messageId)
	if !ok {
		return false, nil
	}
	e := v.(*entryState)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processed, nil
}

func (s *MemoryStore) GetProcessedResult(ctx context.Context, messageId uint64) ([]byte, error) {
	v, ok := s.entries.Load(messageId)
	if !ok {
		return nil, nil
	}
	e := v.(*entryState)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.processed {
		return nil, nil
	}
	return e.result, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, messageId uint64) error {
	v, ok := s.entries.Load(messageId)
	if !ok {
		return nil
	}
	e := v.(*entryState)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leaseHeld = false
	return nil
}

func (s *MemoryStore) DeleteProcessed(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	s.entries.Range(func(k, v any) bool {
		e := v.(*entryState)
		e.mu.Lock()
		shouldDelete := e.processed && e.processedAt.Before(cutoff)
		e.mu.Unlock()
		if shouldDelete {
			s.entries.Delete(k)
			removed++
		}
		return true
	})
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
