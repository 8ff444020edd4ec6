package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailbridge/internal/sync"
)

type messageRow struct {
	ID                string        `db:"id"`
	NaturalKey        string        `db:"natural_key"`
	ConnectionID      string        `db:"connection_id"`
	ConversationID    string        `db:"conversation_id"`
	InternetMessageID string        `db:"internet_message_id"`
	Subject           string        `db:"subject"`
	BodyHTML          string        `db:"body_html"`
	BodyPreview       string        `db:"body_preview"`
	FromAddress       string        `db:"from_address"`
	FromName          string        `db:"from_name"`
	ToJSON            string        `db:"to_json"`
	CcJSON            string        `db:"cc_json"`
	BccJSON           string        `db:"bcc_json"`
	ReceivedAt        sql.NullInt64 `db:"received_at"`
	SentAt            sql.NullInt64 `db:"sent_at"`
	IsRead            bool          `db:"is_read"`
	HasAttachments    bool          `db:"has_attachments"`
	Importance        string        `db:"importance"`
	Folder            string        `db:"folder"`
	Direction         string        `db:"direction"`
	CreatedAt         int64         `db:"created_at"`
	UpdatedAt         int64         `db:"updated_at"`
}

func (r *messageRow) toMessage() (*sync.SyncedMessage, error) {
	m := &sync.SyncedMessage{
		ID:                r.ID,
		NaturalKey:        r.NaturalKey,
		ConnectionID:      r.ConnectionID,
		ConversationID:    r.ConversationID,
		InternetMessageID: r.InternetMessageID,
		Subject:           r.Subject,
		BodyHTML:          r.BodyHTML,
		BodyPreview:       r.BodyPreview,
		From:              sync.Participant{Address: r.FromAddress, Name: r.FromName},
		ReceivedAt:        fromNullUnix(r.ReceivedAt),
		SentAt:            fromNullUnix(r.SentAt),
		IsRead:            r.IsRead,
		HasAttachments:    r.HasAttachments,
		Importance:        sync.ParseImportance(r.Importance),
		Folder:            r.Folder,
		Direction:         sync.Direction(r.Direction),
	}
	for _, f := range []struct {
		raw string
		dst *[]sync.Participant
	}{{r.ToJSON, &m.To}, {r.CcJSON, &m.Cc}, {r.BccJSON, &m.Bcc}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode recipients of %s: %w", r.NaturalKey, err)
		}
	}
	return m, nil
}

func encodeParticipants(ps []sync.Participant) (string, error) {
	if ps == nil {
		ps = []sync.Participant{}
	}
	b, err := json.Marshal(ps)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UpsertMessage inserts msg or overwrites the row with the same natural key,
// reporting whether a row was created. A created row also queues a
// message.created event in the same transaction.
func (s *Store) UpsertMessage(ctx context.Context, msg *sync.SyncedMessage) (bool, error) {
	to, err := encodeParticipants(msg.To)
	if err != nil {
		return false, fmt.Errorf("failed to encode to: %w", err)
	}
	cc, err := encodeParticipants(msg.Cc)
	if err != nil {
		return false, fmt.Errorf("failed to encode cc: %w", err)
	}
	bcc, err := encodeParticipants(msg.Bcc)
	if err != nil {
		return false, fmt.Errorf("failed to encode bcc: %w", err)
	}

	importance := msg.Importance
	if importance == "" {
		importance = sync.ImportanceNormal
	}

	newID := uuid.NewString()
	now := s.now().Unix()
	created := false

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		// the id survives an update, so getting ours back means the row is new
		var id string
		err := tx.GetContext(ctx, &id, `
			INSERT INTO messages (id, natural_key, connection_id, conversation_id, internet_message_id,
			                      subject, body_html, body_preview, from_address, from_name,
			                      to_json, cc_json, bcc_json, received_at, sent_at,
			                      is_read, has_attachments, importance, folder, direction, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(natural_key) DO UPDATE SET
				connection_id = excluded.connection_id,
				conversation_id = excluded.conversation_id,
				internet_message_id = excluded.internet_message_id,
				subject = excluded.subject,
				body_html = excluded.body_html,
				body_preview = excluded.body_preview,
				from_address = excluded.from_address,
				from_name = excluded.from_name,
				to_json = excluded.to_json,
				cc_json = excluded.cc_json,
				bcc_json = excluded.bcc_json,
				received_at = excluded.received_at,
				sent_at = excluded.sent_at,
				is_read = excluded.is_read,
				has_attachments = excluded.has_attachments,
				importance = excluded.importance,
				folder = excluded.folder,
				direction = excluded.direction,
				updated_at = excluded.updated_at
			RETURNING id
		`, newID, msg.NaturalKey, msg.ConnectionID, msg.ConversationID, msg.InternetMessageID,
			msg.Subject, msg.BodyHTML, msg.BodyPreview, msg.From.Address, msg.From.Name,
			to, cc, bcc, nullUnix(msg.ReceivedAt), nullUnix(msg.SentAt),
			msg.IsRead, msg.HasAttachments, string(importance), msg.Folder, string(msg.Direction), now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert message: %w", err)
		}

		created = id == newID
		msg.ID = id
		if !created {
			return nil
		}

		return s.appendOutboxTx(ctx, tx, msg.ConnectionID, EventMessageCreated, map[string]interface{}{
			"message_id":  id,
			"natural_key": msg.NaturalKey,
			"folder":      msg.Folder,
			"direction":   msg.Direction,
			"subject":     msg.Subject,
			"from":        msg.From,
			"received_at": msg.ReceivedAt,
		})
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// GetMessage returns a message by natural key.
func (s *Store) GetMessage(ctx context.Context, naturalKey string) (*sync.SyncedMessage, error) {
	var row messageRow
	if err := s.DB.GetContext(ctx, &row, `SELECT * FROM messages WHERE natural_key = ?`, naturalKey); err != nil {
		return nil, notFound(err)
	}
	return row.toMessage()
}

// ListMessages returns the newest messages of a connection.
func (s *Store) ListMessages(ctx context.Context, connectionID string, limit int) ([]*sync.SyncedMessage, error) {
	var rows []messageRow
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT * FROM messages
		WHERE connection_id = ?
		ORDER BY received_at DESC, id
		LIMIT ?
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	out := make([]*sync.SyncedMessage, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// CountMessages returns how many messages are stored for a connection.
func (s *Store) CountMessages(ctx context.Context, connectionID string) (int, error) {
	var n int
	if err := s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE connection_id = ?`, connectionID); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
