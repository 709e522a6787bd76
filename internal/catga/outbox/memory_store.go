package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	mu  sync.Mutex
	rec Record
}

// MemoryStore is an in-process Store for tests, demos, and single-node
// deployments. Each record is guarded by its own mutex rather than one
// store-wide lock, so Add/MarkPublished/MarkFailed on distinct messages
// never block each other — the concurrency requirement spec §4.7 states
// explicitly. GetPending takes a brief per-entry lock while copying, never
// holding more than one at a time.
type MemoryStore struct {
	entries sync.Map // uint64 -> *memEntry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Add(ctx context.Context, record *Record) error {
	if record.MessageId == 0 {
		return ErrInvalidMessageId
	}
	now := time.Now()
	rec := *record
	rec.Status = StatusPending
	rec.RetryCount = 0
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.entries.Store(record.MessageId, &memEntry{rec: rec})
	return nil
}

func (s *MemoryStore) GetPending(ctx context.Context, limit int) ([]*Record, error) {
	var pending []*Record
	s.entries.Range(func(_, v any) bool {
		e := v.(*memEntry)
		e.mu.Lock()
		if e.rec.Status == StatusPending && e.rec.RetryCount < e.rec.MaxRetries {
			cp := e.rec
			pending = append(pending, &cp)
		}
		e.mu.Unlock()
		return true
	})

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].MessageId < pending[j].MessageId
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, messageId uint64) error {
	v, ok := s.entries.Load(messageId)
	if !ok {
		return ErrNotFound
	}
	e := v.(*memEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Status == StatusPublished {
		return nil
	}
	e.rec.Status = StatusPublished
	e.rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, messageId uint64, cause error) error {
	v, ok := s.entries.Load(messageId)
	if !ok {
		return ErrNotFound
	}
	e := v.(*memEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Status == StatusPublished || e.rec.Status == StatusFailed {
		return nil
	}
	e.rec.RetryCount++
	if cause != nil {
		e.rec.LastError = cause.Error()
	}
	if e.rec.RetryCount >= e.rec.MaxRetries {
		e.rec.Status = StatusFailed
	}
	e.rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeletePublished(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	s.entries.Range(func(k, v any) bool {
		e := v.(*memEntry)
		e.mu.Lock()
		shouldDelete := e.rec.Status == StatusPublished && e.rec.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if shouldDelete {
			s.entries.Delete(k)
			removed++
		}
		return true
	})
	return removed, nil
}

// RequeueStuck implements RequeueStore: it refreshes UpdatedAt on Pending
// records whose UpdatedAt is older than olderThan. Their GetPending order,
// which is by CreatedAt, is unchanged.
func (s *MemoryStore) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	touched := 0
	s.entries.Range(func(_, v any) bool {
		e := v.(*memEntry)
		e.mu.Lock()
		if e.rec.Status == StatusPending && e.rec.UpdatedAt.Before(cutoff) {
			e.rec.UpdatedAt = time.Now()
			touched++
		}
		e.mu.Unlock()
		return true
	})
	return touched, nil
}

var _ Store = (*MemoryStore)(nil)
var _ RequeueStore = (*MemoryStore)(nil)
