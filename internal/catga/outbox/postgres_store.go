package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore implements Store over a *sql.DB using plain SELECT/UPDATE
// statements — no row locking, mirroring the teacher's PostgresRepository
// (internal/outbox/repository_postgres.go). The caller is responsible for
// opening db with whatever PostgreSQL driver it prefers; this package
// depends only on database/sql, same as the teacher's repository.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore builds a PostgresStore over table, defaulting to
// "catga_outbox".
func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	if table == "" {
		table = "catga_outbox"
	}
	return &PostgresStore{db: db, table: table}
}

// CreateSchema creates the outbox table if it doesn't already exist.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT PRIMARY KEY,
			message_type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			correlation_id BIGINT,
			metadata TEXT,
			status INT NOT NULL,
			retry_count INT NOT NULL,
			max_retries INT NOT NULL,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`, s.table)
	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return wrapf("create schema", err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_pending ON %s (status, created_at, message_id)`,
		s.table, s.table))
	return wrapf("create pending index", err)
}

func (s *PostgresStore) Add(ctx context.Context, record *Record) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, s.table)
	_, err = s.db.ExecContext(ctx, query,
		int64(record.MessageId), record.MessageType, record.Payload, correlationIdArg(record.CorrelationId),
		metadata, int(StatusPending), 0, record.MaxRetries, "", now, now)
	return wrapf("add", err)
}

func (s *PostgresStore) GetPending(ctx context.Context, limit int) ([]*Record, error) {
	query := fmt.Sprintf(`
		SELECT message_id, message_type, payload, correlation_id, metadata, status, retry_count, max_retries, last_error, created_at, updated_at
		FROM %s
		WHERE status = $1 AND retry_count < max_retries
		ORDER BY created_at ASC, message_id ASC
		LIMIT $2
	`, s.table)
	rows, err := s.db.QueryContext(ctx, query, int(StatusPending), limit)
	if err != nil {
		return nil, wrapf("get pending", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) MarkPublished(ctx context.Context, messageId uint64) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = $2 WHERE message_id = $3`, s.table)
	_, err := s.db.ExecContext(ctx, query, int(StatusPublished), time.Now(), int64(messageId))
	return wrapf("mark published", err)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, messageId uint64, cause error) error {
	return markFailedSQL(ctx, s.db, s.table, messageId, cause, "$1", "$2", "$3", "$4", "$5")
}

func (s *PostgresStore) DeletePublished(ctx context.Context, olderThan time.Duration) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = $1 AND updated_at < $2`, s.table)
	res, err := s.db.ExecContext(ctx, query, int(StatusPublished), time.Now().Add(-olderThan))
	if err != nil {
		return 0, wrapf("delete published", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	query := fmt.Sprintf(`UPDATE %s SET updated_at = $1 WHERE status = $2 AND updated_at < $3`, s.table)
	res, err := s.db.ExecContext(ctx, query, time.Now(), int(StatusPending), time.Now().Add(-olderThan))
	if err != nil {
		return 0, wrapf("requeue stuck", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ Store = (*PostgresStore)(nil)
var _ RequeueStore = (*PostgresStore)(nil)

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func correlationIdArg(id *uint64) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}

// markFailedSQL implements MarkFailed against a *sql.DB using the given
// positional placeholders, shared by PostgresStore ($N) and MySQLStore (?).
func markFailedSQL(ctx context.Context, db *sql.DB, table string, messageId uint64, cause error, p1, p2, p3, p4, p5 string) error {
	selectQuery := fmt.Sprintf(`SELECT status, retry_count, max_retries FROM %s WHERE message_id = %s`, table, p1)
	var status, retryCount, maxRetries int
	err := db.QueryRowContext(ctx, selectQuery, int64(messageId)).Scan(&status, &retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return wrapf("mark failed lookup", err)
	}

	if Status(status) == StatusPublished || Status(status) == StatusFailed {
		return nil
	}

	newRetry := retryCount + 1
	newStatus := StatusPending
	if newRetry >= maxRetries {
		newStatus = StatusFailed
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	updateQuery := fmt.Sprintf(`
		UPDATE %s SET status = %s, retry_count = %s, last_error = %s, updated_at = %s
		WHERE message_id = %s
	`, table, p1, p2, p3, p4, p5)
	_, err = db.ExecContext(ctx, updateQuery, int(newStatus), newRetry, lastError, time.Now(), int64(messageId))
	return wrapf("mark failed", err)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		var (
			messageId     int64
			messageType   string
			payload       []byte
			correlationId sql.NullInt64
			metadata      sql.NullString
			status        int
			retryCount    int
			maxRetries    int
			lastError     sql.NullString
			createdAt     time.Time
			updatedAt     time.Time
		)
		if err := rows.Scan(&messageId, &messageType, &payload, &correlationId, &metadata, &status, &retryCount, &maxRetries, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, wrapf("scan record", err)
		}
		rec := &Record{
			MessageId:   uint64(messageId),
			MessageType: messageType,
			Payload:     payload,
			Status:      Status(status),
			RetryCount:  retryCount,
			MaxRetries:  maxRetries,
			CreatedAt:   createdAt,
			UpdatedAt:   updatedAt,
		}
		if correlationId.Valid {
			v := uint64(correlationId.Int64)
			rec.CorrelationId = &v
		}
		if metadata.Valid {
			rec.Metadata = decodeMetadata(metadata.String)
		}
		if lastError.Valid {
			rec.LastError = lastError.String
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapf("scan records", err)
	}
	return records, nil
}
