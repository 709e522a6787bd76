// Package deadletter implements the DeadLetterQueue contract (§4.9): a
// bounded ring buffer of permanently failed messages, evicting the oldest
// entry once at capacity. Grounded directly on the teacher's
// internal/router/warning/service.go InMemoryService — same
// mutex-guarded-map-plus-removeOldest shape, same uuid.New() record IDs —
// applied here to dead-lettered messages instead of operational warnings.
package deadletter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is a permanently failed message with its failure metadata.
type Record struct {
	ID               string
	MessageId        uint64
	MessageType      string
	Payload          []byte
	FailedAt         time.Time
	RetryCount       int
	ExceptionType    string
	ExceptionMessage string
}

// Queue is the implementation-neutral DeadLetterQueue contract.
type Queue interface {
	// Send appends a failed message, evicting the oldest entry if the
	// queue is at capacity.
	Send(ctx context.Context, messageId uint64, messageType string, payload []byte, exception error, retryCount int) error

	// GetFailed returns up to maxCount entries, newest-first.
	GetFailed(ctx context.Context, maxCount int) ([]Record, error)
}

// InMemoryQueue is a bounded, thread-safe ring of dead-lettered records.
// Ordering is newest-first, matching the teacher's warning service.
type InMemoryQueue struct {
	mu       sync.Mutex
	records  map[string]*Record
	capacity int
}

// NewInMemoryQueue constructs a queue holding at most capacity records.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &InMemoryQueue{records: make(map[string]*Record), capacity: capacity}
}

func (q *InMemoryQueue) Send(ctx context.Context, messageId uint64, messageType string, payload []byte, exception error, retryCount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) >= q.capacity {
		q.removeOldestLocked()
	}

	exceptionType := ""
	exceptionMessage := ""
	if exception != nil {
		exceptionType = fmt.Sprintf("%T", exception)
		exceptionMessage = exception.Error()
	}

	id := uuid.New().String()
	q.records[id] = &Record{
		ID:               id,
		MessageId:        messageId,
		MessageType:      messageType,
		Payload:          payload,
		FailedAt:         time.Now(),
		RetryCount:       retryCount,
		ExceptionType:    exceptionType,
		ExceptionMessage: exceptionMessage,
	}
	return nil
}

func (q *InMemoryQueue) removeOldestLocked() {
	var oldestID string
	var oldestTime time.Time
	for id, r := range q.records {
		if oldestID == "" || r.FailedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = r.FailedAt
		}
	}
	if oldestID != "" {
		delete(q.records, oldestID)
	}
}

func (q *InMemoryQueue) GetFailed(ctx context.Context, maxCount int) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]Record, 0, len(q.records))
	for _, r := range q.records {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FailedAt.After(result[j].FailedAt)
	})
	if maxCount > 0 && len(result) > maxCount {
		result = result[:maxCount]
	}
	return result, nil
}

// Count returns the current number of dead-lettered records.
func (q *InMemoryQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

var _ Queue = (*InMemoryQueue)(nil)
