package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestSendThenGetFailedNewestFirst(t *testing.T) {
	q := NewInMemoryQueue(10)
	ctx := context.Background()

	if err := q.Send(ctx, 1, "OrderCreated", []byte("a"), errors.New("boom"), 3); err != nil {
		t.Fatalf("Send(1) error = %v", err)
	}
	if err := q.Send(ctx, 2, "OrderCreated", []byte("b"), errors.New("boom again"), 1); err != nil {
		t.Fatalf("Send(2) error = %v", err)
	}

	records, err := q.GetFailed(ctx, 10)
	if err != nil {
		t.Fatalf("GetFailed() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("GetFailed() len = %d, want 2", len(records))
	}
	if records[0].MessageId != 2 {
		t.Fatalf("GetFailed()[0].MessageId = %d, want 2 (newest first)", records[0].MessageId)
	}
	if records[0].ExceptionMessage != "boom again" {
		t.Fatalf("GetFailed()[0].ExceptionMessage = %q, want %q", records[0].ExceptionMessage, "boom again")
	}
	if records[0].RetryCount != 1 {
		t.Fatalf("GetFailed()[0].RetryCount = %d, want 1", records[0].RetryCount)
	}
}

func TestSendEvictsOldestAtCapacity(t *testing.T) {
	q := NewInMemoryQueue(3)
	ctx := context.Background()

	for id := uint64(1); id <= 3; id++ {
		if err := q.Send(ctx, id, "T", nil, errors.New("boom"), 0); err != nil {
			t.Fatalf("Send(%d) error = %v", id, err)
		}
	}
	if q.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", q.Count())
	}

	if err := q.Send(ctx, 4, "T", nil, errors.New("boom"), 0); err != nil {
		t.Fatalf("Send(4) error = %v", err)
	}
	if q.Count() != 3 {
		t.Fatalf("Count() after exceeding capacity = %d, want 3", q.Count())
	}

	records, _ := q.GetFailed(ctx, 10)
	for _, r := range records {
		if r.MessageId == 1 {
			t.Fatalf("record for evicted MessageId 1 still present")
		}
	}
}

func TestGetFailedRespectsMaxCount(t *testing.T) {
	q := NewInMemoryQueue(10)
	ctx := context.Background()
	for id := uint64(1); id <= 5; id++ {
		if err := q.Send(ctx, id, "T", nil, errors.New("boom"), 0); err != nil {
			t.Fatalf("Send(%d) error = %v", id, err)
		}
	}

	records, err := q.GetFailed(ctx, 2)
	if err != nil {
		t.Fatalf("GetFailed() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("GetFailed(2) len = %d, want 2", len(records))
	}
}

func TestSendWithNilExceptionLeavesExceptionFieldsEmpty(t *testing.T) {
	q := NewInMemoryQueue(10)
	ctx := context.Background()
	if err := q.Send(ctx, 1, "T", nil, nil, 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	records, _ := q.GetFailed(ctx, 1)
	if records[0].ExceptionType != "" || records[0].ExceptionMessage != "" {
		t.Fatalf("exception fields = %q/%q, want empty for nil exception", records[0].ExceptionType, records[0].ExceptionMessage)
	}
}

func TestConcurrentSendIsThreadSafe(t *testing.T) {
	q := NewInMemoryQueue(1000)
	ctx := context.Background()
	var wg sync.WaitGroup

	for id := uint64(1); id <= 500; id++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if err := q.Send(ctx, id, "T", nil, errors.New("boom"), 0); err != nil {
				t.Errorf("Send(%d) error = %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if q.Count() != 500 {
		t.Fatalf("Count() = %d, want 500", q.Count())
	}
}
