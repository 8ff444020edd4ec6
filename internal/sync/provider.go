package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/mailbridge/internal/auth"
)

// Well-known folder identifiers
const (
	FolderInbox     = "inbox"
	FolderSentItems = "sentitems"
)

// Importance of a message
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// ParseImportance maps a provider value, defaulting to normal.
func ParseImportance(s string) Importance {
	switch Importance(s) {
	case ImportanceLow, ImportanceHigh:
		return Importance(s)
	default:
		return ImportanceNormal
	}
}

// Participant is an address plus display name.
type Participant struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// AttachmentMeta describes an attachment without its content.
type AttachmentMeta struct {
	ID          string
	Name        string
	ContentType string
	Size        int
	IsInline    bool
}

// Message is a provider message normalized across the fields we project.
type Message struct {
	ID                string
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
	ParentFolderID    string
	Attachments       []AttachmentMeta
}

// MessagePage is one page of a folder listing.
type MessagePage struct {
	Messages []Message
	NextSkip int
	HasMore  bool
}

// BodyType of an outgoing message
type BodyType string

const (
	BodyText BodyType = "text"
	BodyHTML BodyType = "html"
)

// OutgoingAttachment is a file attached inline to a sent message.
type OutgoingAttachment struct {
	Name        string
	ContentType string
	Content     []byte
}

// SendRequest composes an outgoing message.
type SendRequest struct {
	To              []Participant
	Cc              []Participant
	Bcc             []Participant
	Subject         string
	Body            string
	BodyType        BodyType
	Attachments     []OutgoingAttachment
	SaveToSentItems bool
}

// SendResult reports an accepted send.
type SendResult struct {
	Accepted   bool
	Recipients int
}

// Profile is the authenticated mailbox identity.
type Profile struct {
	Address     string
	DisplayName string
}

// MailClient is a provider API wrapper bound to one connection's tokens.
// Every call refreshes the bound token first when it is near expiry.
type MailClient interface {
	EnsureToken(ctx context.Context) error
	ListMessages(ctx context.Context, folder string, pageSize, skip int, filter string) (*MessagePage, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	SendMessage(ctx context.Context, req SendRequest) (*SendResult, error)
	MarkRead(ctx context.Context, id string) error
	GetProfile(ctx context.Context) (*Profile, error)
}

// TokenPersister is invoked with every freshly issued TokenState before the
// client issues its next provider call.
type TokenPersister func(ctx context.Context, token auth.TokenState) error

// ClientFactory builds a new MailClient for one connection. Clients are never
// shared between connections.
type ClientFactory func(token auth.TokenState, onRefresh TokenPersister) (MailClient, error)
