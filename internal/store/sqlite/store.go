// Package sqlite persists connections, synced messages and the event outbox
// in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailbridge/internal/apperr"
	"github.com/Martian-dev/mailbridge/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Event types written to the outbox
const (
	EventMessageCreated         = "message.created"
	EventConnectionReauthNeeded = "connection.reauth_required"
)

// Store is the SQLite-backed ConnectionStore, MessageStore and OutboxStore.
type Store struct {
	DB  *sqlx.DB
	now func() time.Time
}

var (
	_ sync.ConnectionStore = (*Store)(nil)
	_ sync.MessageStore    = (*Store)(nil)
	_ sync.OutboxStore     = (*Store)(nil)
)

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// appendOutboxTx queues an event in the caller's transaction.
func (s *Store) appendOutboxTx(ctx context.Context, tx *sqlx.Tx, connectionID, eventType string, payload interface{}) error {
	eventID := uuid.NewString()
	body, err := json.Marshal(map[string]interface{}{
		"event_id":      eventID,
		"event_type":    eventType,
		"connection_id": connectionID,
		"occurred_at":   s.now().UTC(),
		"data":          payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	now := s.now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, fmt.Sprintf("mail.%s.%s", connectionID, eventType), eventType, body, eventID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished events that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]sync.OutboxMessage, error) {
	var rows []struct {
		ID      int64  `db:"id"`
		Subject string `db:"subject"`
		Payload []byte `db:"payload"`
		MsgID   string `db:"msg_id"`
	}
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}

	messages := make([]sync.OutboxMessage, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, sync.OutboxMessage{ID: r.ID, Subject: r.Subject, Payload: r.Payload, MsgID: r.MsgID})
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound
	}
	return err
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}
