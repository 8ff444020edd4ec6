package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailbridge/internal/auth"
	"github.com/Martian-dev/mailbridge/internal/sync"
)

const connectionColumns = `
	id, identity, display_name, access_token, refresh_token, token_expires_at,
	is_active, sync_enabled, last_sync_at, needs_reauth, reauth_reason, created_at, updated_at`

type connectionRow struct {
	ID             string        `db:"id"`
	Identity       string        `db:"identity"`
	DisplayName    string        `db:"display_name"`
	AccessToken    string        `db:"access_token"`
	RefreshToken   string        `db:"refresh_token"`
	TokenExpiresAt int64         `db:"token_expires_at"`
	IsActive       bool          `db:"is_active"`
	SyncEnabled    bool          `db:"sync_enabled"`
	LastSyncAt     sql.NullInt64 `db:"last_sync_at"`
	NeedsReauth    bool          `db:"needs_reauth"`
	ReauthReason   string        `db:"reauth_reason"`
	CreatedAt      int64         `db:"created_at"`
	UpdatedAt      int64         `db:"updated_at"`
}

func (r *connectionRow) toConnection() *sync.Connection {
	return &sync.Connection{
		ID:          r.ID,
		Identity:    r.Identity,
		DisplayName: r.DisplayName,
		Token: auth.TokenState{
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
			ExpiresAt:    time.Unix(r.TokenExpiresAt, 0).UTC(),
		},
		IsActive:     r.IsActive,
		SyncEnabled:  r.SyncEnabled,
		LastSyncAt:   fromNullUnix(r.LastSyncAt),
		NeedsReauth:  r.NeedsReauth,
		ReauthReason: r.ReauthReason,
		CreatedAt:    time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:    time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

// GetConnection returns a connection by ID.
func (s *Store) GetConnection(ctx context.Context, id string) (*sync.Connection, error) {
	var row connectionRow
	err := s.DB.GetContext(ctx, &row, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toConnection(), nil
}

// ListConnections returns every connection, oldest first.
func (s *Store) ListConnections(ctx context.Context) ([]*sync.Connection, error) {
	return s.selectConnections(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY created_at, id`)
}

// FindEligibleConnections returns active, sync-enabled connections, oldest first.
func (s *Store) FindEligibleConnections(ctx context.Context) ([]*sync.Connection, error) {
	return s.selectConnections(ctx, `
		SELECT `+connectionColumns+`
		FROM connections
		WHERE is_active = 1 AND sync_enabled = 1
		ORDER BY created_at, id`)
}

func (s *Store) selectConnections(ctx context.Context, query string, args ...interface{}) ([]*sync.Connection, error) {
	var rows []connectionRow
	if err := s.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	conns := make([]*sync.Connection, 0, len(rows))
	for i := range rows {
		conns = append(conns, rows[i].toConnection())
	}
	return conns, nil
}

// UpsertConnection creates the connection for identity, or replaces the
// tokens of the existing one and clears its re-authorization flag.
func (s *Store) UpsertConnection(ctx context.Context, identity, displayName string, token auth.TokenState) (*sync.Connection, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	now := s.now().Unix()

	var id string
	err := s.DB.GetContext(ctx, &id, `
		INSERT INTO connections (id, identity, display_name, access_token, refresh_token, token_expires_at,
		                         is_active, sync_enabled, needs_reauth, reauth_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, 1, 0, '', ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			display_name = excluded.display_name,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			needs_reauth = 0,
			reauth_reason = '',
			updated_at = excluded.updated_at
		RETURNING id
	`, uuid.NewString(), identity, displayName, token.AccessToken, token.RefreshToken, token.ExpiresAt.Unix(), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}
	return s.GetConnection(ctx, id)
}

// UpdateConnectionTokens writes all three token fields in one statement.
func (s *Store) UpdateConnectionTokens(ctx context.Context, id string, token auth.TokenState) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE connections
		SET access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ?
		WHERE id = ?
	`, token.AccessToken, token.RefreshToken, token.ExpiresAt.Unix(), s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return checkAffected(res)
}

// UpdateLastSync records a completed sync pass.
func (s *Store) UpdateLastSync(ctx context.Context, id string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE connections SET last_sync_at = ?, updated_at = ? WHERE id = ?
	`, at.Unix(), s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}
	return checkAffected(res)
}

// SetConnectionFlags updates the flags that are set and returns the result.
func (s *Store) SetConnectionFlags(ctx context.Context, id string, flags sync.ConnectionFlags) (*sync.Connection, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE connections
		SET is_active = COALESCE(?, is_active),
		    sync_enabled = COALESCE(?, sync_enabled),
		    updated_at = ?
		WHERE id = ?
	`, nullBool(flags.IsActive), nullBool(flags.SyncEnabled), s.now().Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update flags: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return nil, err
	}
	return s.GetConnection(ctx, id)
}

// MarkReauthRequired flags the connection and queues an event. The
// connection stays active; the next successful connect clears the flag.
func (s *Store) MarkReauthRequired(ctx context.Context, id, reason string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE connections SET needs_reauth = 1, reauth_reason = ?, updated_at = ? WHERE id = ?
		`, reason, s.now().Unix(), id)
		if err != nil {
			return fmt.Errorf("failed to flag connection: %w", err)
		}
		if err := checkAffected(res); err != nil {
			return err
		}
		return s.appendOutboxTx(ctx, tx, id, EventConnectionReauthNeeded, map[string]string{"reason": reason})
	})
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
