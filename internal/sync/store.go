package sync

import (
	"context"
	"strings"
	"time"

	"github.com/Martian-dev/mailbridge/internal/auth"
)

// Direction of a synced message relative to the connection identity
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Connection is a persisted mailbox identity with its credential state.
type Connection struct {
	ID           string
	Identity     string
	DisplayName  string
	Token        auth.TokenState
	IsActive     bool
	SyncEnabled  bool
	LastSyncAt   *time.Time
	NeedsReauth  bool
	ReauthReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Eligible reports whether background sync may run for c.
func (c *Connection) Eligible() bool {
	return c.IsActive && c.SyncEnabled
}

// SyncedMessage is the local copy of a provider message, keyed by NaturalKey.
type SyncedMessage struct {
	ID                string
	NaturalKey        string
	ConnectionID      string
	ConversationID    string
	InternetMessageID string
	Subject           string
	BodyHTML          string
	BodyPreview       string
	From              Participant
	To                []Participant
	Cc                []Participant
	Bcc               []Participant
	ReceivedAt        *time.Time
	SentAt            *time.Time
	IsRead            bool
	HasAttachments    bool
	Importance        Importance
	Folder            string
	Direction         Direction
}

// ConnectionFlags are the administrative switches of a connection.
type ConnectionFlags struct {
	IsActive    *bool
	SyncEnabled *bool
}

// ConnectionStore persists connections.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*Connection, error)
	ListConnections(ctx context.Context) ([]*Connection, error)
	FindEligibleConnections(ctx context.Context) ([]*Connection, error)
	// UpsertConnection creates the connection for identity or replaces the
	// tokens of the existing one and clears its re-authorization flag.
	UpsertConnection(ctx context.Context, identity, displayName string, token auth.TokenState) (*Connection, error)
	UpdateConnectionTokens(ctx context.Context, id string, token auth.TokenState) error
	UpdateLastSync(ctx context.Context, id string, at time.Time) error
	SetConnectionFlags(ctx context.Context, id string, flags ConnectionFlags) (*Connection, error)
	MarkReauthRequired(ctx context.Context, id, reason string) error
}

// MessageStore persists synced messages.
type MessageStore interface {
	// UpsertMessage inserts or overwrites by NaturalKey and reports whether a
	// row was created.
	UpsertMessage(ctx context.Context, msg *SyncedMessage) (created bool, err error)
}

// DirectionFor derives the direction of a message sent by from.
func DirectionFor(identity string, from Participant) Direction {
	if from.Address != "" && strings.EqualFold(strings.TrimSpace(from.Address), strings.TrimSpace(identity)) {
		return DirectionOutbound
	}
	return DirectionInbound
}

// toSyncedMessage maps a provider message fetched from folder.
func toSyncedMessage(conn *Connection, folder string, m Message) *SyncedMessage {
	importance := m.Importance
	if importance == "" {
		importance = ImportanceNormal
	}
	return &SyncedMessage{
		NaturalKey:        m.ID,
		ConnectionID:      conn.ID,
		ConversationID:    m.ConversationID,
		InternetMessageID: m.InternetMessageID,
		Subject:           m.Subject,
		BodyHTML:          m.BodyHTML,
		BodyPreview:       m.BodyPreview,
		From:              m.From,
		To:                m.To,
		Cc:                m.Cc,
		Bcc:               m.Bcc,
		ReceivedAt:        m.ReceivedAt,
		SentAt:            m.SentAt,
		IsRead:            m.IsRead,
		HasAttachments:    m.HasAttachments,
		Importance:        importance,
		Folder:            folder,
		Direction:         DirectionFor(conn.Identity, m.From),
	}
}
