// Package outbox implements the Outbox Pattern contract (§4.7): a
// durable, status-indexed pending/published/failed message log with
// retry bookkeeping. Status transitions follow the teacher's
// single-poller, status-based design in internal/outbox/entity.go and
// repository.go, simplified to the three terminal states spec.md
// defines: Pending, Published, Failed. No row locking is required by
// any Store implementation here — GetPending is a plain filtered read,
// exactly as the teacher's FetchPending is a plain SELECT with no
// FOR UPDATE clause, relying on a single poller (or the optional Worker's
// leader election) to avoid double-processing.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a Record.
type Status int

const (
	StatusPending Status = iota
	StatusPublished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusPublished:
		return "PUBLISHED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Record is a single outbox entry (§4.10's OutboxRecord shape).
type Record struct {
	MessageId     uint64
	MessageType   string
	Payload       []byte
	CorrelationId *uint64
	Metadata      map[string]string
	Status        Status
	RetryCount    int
	MaxRetries    int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ErrInvalidMessageId is returned by Add when MessageId == 0.
var ErrInvalidMessageId = errors.New("outbox: MessageId must be non-zero")

// ErrNotFound is returned by operations referencing an unknown MessageId.
var ErrNotFound = errors.New("outbox: record not found")

// Store is the implementation-neutral contract every backend (in-memory,
// MongoDB, PostgreSQL, MySQL, or any other durable log) satisfies.
//
// Add must be durable before it returns when the backend cannot
// participate in the caller's own transaction; GetPending and MarkPublished
// on unrelated messages must never block each other.
type Store interface {
	// Add persists record with Status=Pending. Rejects MessageId == 0.
	Add(ctx context.Context, record *Record) error

	// GetPending returns records with Status=Pending and RetryCount <
	// MaxRetries, ordered by CreatedAt ascending (ties broken by
	// MessageId ascending), bounded by limit.
	GetPending(ctx context.Context, limit int) ([]*Record, error)

	// MarkPublished transitions messageId to Published. Idempotent.
	MarkPublished(ctx context.Context, messageId uint64) error

	// MarkFailed increments RetryCount; once it reaches MaxRetries the
	// record transitions to Failed, otherwise it remains Pending with
	// LastError updated. Idempotent once the record is already terminal
	// (Published or Failed).
	MarkFailed(ctx context.Context, messageId uint64, cause error) error

	// DeletePublished prunes Published records whose UpdatedAt is older
	// than olderThan, returning the number removed.
	DeletePublished(ctx context.Context, olderThan time.Duration) (int, error)
}

// RequeueStore is an optional extension a Store may implement to support
// the supplemental Worker's periodic recovery pass (SPEC_FULL.md §12):
// records that have sat in Pending past a processing timeout — meaning a
// prior drain attempt likely crashed mid-flight without reaching
// MarkPublished/MarkFailed — have UpdatedAt refreshed, which restarts their
// stuck-age clock. They stay Pending, and their GetPending position (by
// CreatedAt) does not change. Not part of spec.md's core contract; Worker
// degrades to a no-op recovery pass against a Store that doesn't
// implement it.
type RequeueStore interface {
	Store
	// RequeueStuck resets to now the UpdatedAt of Pending records whose
	// UpdatedAt is older than olderThan, returning the number touched.
	// GetPending ordering is by CreatedAt and is not affected.
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error)
}

func wrapf(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("outbox: %s: %w", op, err)
}
