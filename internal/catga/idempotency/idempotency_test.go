package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestHasBeenProcessedFalseForUnknownFingerprint(t *testing.T) {
	s := NewMemoryStore()
	ok, err := s.HasBeenProcessed(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("HasBeenProcessed() error = %v", err)
	}
	if ok {
		t.Fatalf("HasBeenProcessed() = true for unknown fingerprint, want false")
	}
}

func TestMarkProcessedThenGetCachedResultReturnsResultUntilExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.MarkProcessed(ctx, "req-1", []byte("payload"), time.Hour); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}

	ok, err := s.HasBeenProcessed(ctx, "req-1")
	if err != nil {
		t.Fatalf("HasBeenProcessed() error = %v", err)
	}
	if !ok {
		t.Fatalf("HasBeenProcessed() = false right after MarkProcessed, want true")
	}

	result, err := s.GetCachedResult(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetCachedResult() error = %v", err)
	}
	if string(result) != "payload" {
		t.Fatalf("GetCachedResult() = %q, want %q", result, "payload")
	}
}

func TestGetCachedResultNilAfterExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.MarkProcessed(ctx, "req-1", []byte("payload"), time.Millisecond); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	ok, err := s.HasBeenProcessed(ctx, "req-1")
	if err != nil {
		t.Fatalf("HasBeenProcessed() error = %v", err)
	}
	if ok {
		t.Fatalf("HasBeenProcessed() = true after expiry, want false")
	}

	result, err := s.GetCachedResult(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetCachedResult() error = %v", err)
	}
	if result != nil {
		t.Fatalf("GetCachedResult() = %v after expiry, want nil", result)
	}
}

func TestMarkProcessedOverwritesPreviousResult(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.MarkProcessed(ctx, "req-1", []byte("first"), time.Hour); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if err := s.MarkProcessed(ctx, "req-1", []byte("second"), time.Hour); err != nil {
		t.Fatalf("second MarkProcessed() error = %v", err)
	}

	result, err := s.GetCachedResult(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetCachedResult() error = %v", err)
	}
	if string(result) != "second" {
		t.Fatalf("GetCachedResult() = %q, want %q", result, "second")
	}
}
