package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAddRejectsZeroMessageId(t *testing.T) {
	s := NewMemoryStore()
	err := s.Add(context.Background(), &Record{MessageId: 0, MaxRetries: 3})
	if !errors.Is(err, ErrInvalidMessageId) {
		t.Fatalf("Add() error = %v, want ErrInvalidMessageId", err)
	}
}

func TestGetPendingOrderedByCreatedAtThenMessageId(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now().Add(-time.Hour)

	records := []*Record{
		{MessageId: 3, MaxRetries: 3, CreatedAt: base},
		{MessageId: 1, MaxRetries: 3, CreatedAt: base},
		{MessageId: 2, MaxRetries: 3, CreatedAt: base.Add(time.Minute)},
	}
	for _, r := range records {
		cp := *r
		if err := s.Add(context.Background(), &cp); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	pending, err := s.GetPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetPending() error = %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("GetPending() len = %d, want 3", len(pending))
	}
	wantOrder := []uint64{1, 3, 2}
	for i, want := range wantOrder {
		if pending[i].MessageId != want {
			t.Fatalf("GetPending()[%d].MessageId = %d, want %d (order %v)", i, pending[i].MessageId, want, wantOrder)
		}
	}
}

func TestMarkPublishedIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Add(ctx, &Record{MessageId: 1, MaxRetries: 3}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.MarkPublished(ctx, 1); err != nil {
		t.Fatalf("MarkPublished() error = %v", err)
	}
	if err := s.MarkPublished(ctx, 1); err != nil {
		t.Fatalf("second MarkPublished() error = %v", err)
	}

	pending, _ := s.GetPending(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("GetPending() after publish = %d records, want 0", len(pending))
	}
}

func TestMarkFailedTransitionsToFailedAfterMaxRetries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Add(ctx, &Record{MessageId: 1, MaxRetries: 2}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	cause := errors.New("boom")
	for i := 0; i < 2; i++ {
		if err := s.MarkFailed(ctx, 1, cause); err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}
	}

	pending, _ := s.GetPending(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("GetPending() after exhausting retries = %d, want 0", len(pending))
	}

	// Idempotent once terminal.
	if err := s.MarkFailed(ctx, 1, cause); err != nil {
		t.Fatalf("MarkFailed() on terminal record error = %v", err)
	}
}

func TestAddHundredRecordsMarkFailedThreeTimesAllTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	cause := errors.New("downstream unavailable")

	for id := uint64(1); id <= 100; id++ {
		if err := s.Add(ctx, &Record{MessageId: id, MaxRetries: 2}); err != nil {
			t.Fatalf("Add(%d) error = %v", id, err)
		}
	}

	for round := 0; round < 3; round++ {
		for id := uint64(1); id <= 100; id++ {
			if err := s.MarkFailed(ctx, id, cause); err != nil {
				t.Fatalf("MarkFailed(%d) error = %v", id, err)
			}
		}
	}

	pending, err := s.GetPending(ctx, 1000)
	if err != nil {
		t.Fatalf("GetPending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("GetPending() = %d records, want 0 (all should be Failed)", len(pending))
	}
}

func TestConcurrentAddAndMarkPublishedDoNotBlock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	var wg sync.WaitGroup

	for id := uint64(1); id <= 200; id++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if err := s.Add(ctx, &Record{MessageId: id, MaxRetries: 3}); err != nil {
				t.Errorf("Add(%d) error = %v", id, err)
				return
			}
			if err := s.MarkPublished(ctx, id); err != nil {
				t.Errorf("MarkPublished(%d) error = %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	pending, _ := s.GetPending(ctx, 1000)
	if len(pending) != 0 {
		t.Fatalf("GetPending() = %d, want 0", len(pending))
	}
}

func TestRequeueStuckTouchesOnlyOldPendingRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Add(ctx, &Record{MessageId: 1, MaxRetries: 3}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	n, err := s.RequeueStuck(ctx, -time.Second) // everything is "older" than -1s
	if err != nil {
		t.Fatalf("RequeueStuck() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("RequeueStuck() touched = %d, want 1", n)
	}

	n, err = s.RequeueStuck(ctx, time.Hour) // nothing is an hour old yet
	if err != nil {
		t.Fatalf("RequeueStuck() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("RequeueStuck() touched = %d, want 0", n)
	}
}

func TestDeletePublishedPrunesOnlyOldPublishedRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Add(ctx, &Record{MessageId: 1, MaxRetries: 3}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.MarkPublished(ctx, 1); err != nil {
		t.Fatalf("MarkPublished() error = %v", err)
	}

	n, err := s.DeletePublished(ctx, -time.Second)
	if err != nil {
		t.Fatalf("DeletePublished() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("DeletePublished() removed = %d, want 1", n)
	}
}
