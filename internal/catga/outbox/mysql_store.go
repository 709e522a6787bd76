package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MySQLStore implements Store over a *sql.DB using the teacher's MySQL
// placeholder convention (internal/outbox/repository_mysql.go): plain "?"
// positional parameters instead of PostgreSQL's "$N" style, otherwise
// identical query shapes to PostgresStore.
type MySQLStore struct {
	db    *sql.DB
	table string
}

// NewMySQLStore builds a MySQLStore over table, defaulting to "catga_outbox".
func NewMySQLStore(db *sql.DB, table string) *MySQLStore {
	if table == "" {
		table = "catga_outbox"
	}
	return &MySQLStore{db: db, table: table}
}

// CreateSchema creates the outbox table if it doesn't already exist.
func (s *MySQLStore) CreateSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT PRIMARY KEY,
			message_type VARCHAR(255) NOT NULL,
			payload BLOB NOT NULL,
			correlation_id BIGINT NULL,
			metadata TEXT,
			status INT NOT NULL,
			retry_count INT NOT NULL,
			max_retries INT NOT NULL,
			last_error TEXT,
			created_at DATETIME(3) NOT NULL,
			updated_at DATETIME(3) NOT NULL,
			INDEX idx_pending (status, created_at, message_id)
		)
	`, s.table)
	_, err := s.db.ExecContext(ctx, query)
	return wrapf("create schema", err)
}

func (s *MySQLStore) Add(ctx context.Context, record *Record) error {
	if record.MessageId == 0 {
		return ErrInvalidMessageId
	}
	now := time.Now()
	metadata, err := encodeMetadata(record.Metadata)
	if err != nil {
		return wrapf("add encode metadata", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (message_id, message_type, payload, correlation_id, metadata, status, retry_count, max_retries, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table)
	_, err = s.db.ExecContext(ctx, query,
		int64(record.MessageId), record.MessageType, record.Payload, correlationIdArg(record.CorrelationId),
		metadata, int(StatusPending), 0, record.MaxRetries, "", now, now)
	return wrapf("add", err)
}

func (s *MySQLStore) GetPending(ctx context.Context, limit int) ([]*Record, error) {
	query := fmt.Sprintf(`
		SELECT message_id, message_type, payload, correlation_id, metadata, status, retry_count, max_retries, last_error, created_at, updated_at
		FROM %s
		WHERE status = ? AND retry_count < max_retries
		ORDER BY created_at ASC, message_id ASC
		LIMIT ?
	`, s.table)
	rows, err := s.db.QueryContext(ctx, query, int(StatusPending), limit)
	if err != nil {
		return nil, wrapf("get pending", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *MySQLStore) MarkPublished(ctx context.Context, messageId uint64) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE message_id = ?`, s.table)
	_, err := s.db.ExecContext(ctx, query, int(StatusPublished), time.Now(), int64(messageId))
	return wrapf("mark published", err)
}

func (s *MySQLStore) MarkFailed(ctx context.Context, messageId uint64, cause error) error {
	return markFailedSQL(ctx, s.db, s.table, messageId, cause, "?", "?", "?", "?", "?")
}

func (s *MySQLStore) DeletePublished(ctx context.Context, olderThan time.Duration) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = ? AND updated_at < ?`, s.table)
	res, err := s.db.ExecContext(ctx, query, int(StatusPublished), time.Now().Add(-olderThan))
	if err != nil {
		return 0, wrapf("delete published", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *MySQLStore) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	query := fmt.Sprintf(`UPDATE %s SET updated_at = ? WHERE status = ? AND updated_at < ?`, s.table)
	res, err := s.db.ExecContext(ctx, query, time.Now(), int(StatusPending), time.Now().Add(-olderThan))
	if err != nil {
		return 0, wrapf("requeue stuck", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ Store = (*MySQLStore)(nil)
var _ RequeueStore = (*MySQLStore)(nil)
