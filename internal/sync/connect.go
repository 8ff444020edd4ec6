package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbridge/internal/apperr"
	"github.com/Martian-dev/mailbridge/internal/auth"
)

// Authorizer runs the authorization-code half of the OAuth flow.
type Authorizer interface {
	AuthorizationURL(state string) string
	Exchange(ctx context.Context, code string) (auth.TokenState, error)
}

// Connector turns a completed consent into a stored connection.
type Connector struct {
	authorizer  Authorizer
	connections ConnectionStore
	newClient   ClientFactory
	log         zerolog.Logger
}

// NewConnector creates a connect flow
func NewConnector(authorizer Authorizer, connections ConnectionStore, newClient ClientFactory, log zerolog.Logger) *Connector {
	return &Connector{
		authorizer:  authorizer,
		connections: connections,
		newClient:   newClient,
		log:         log.With().Str("component", "connector").Logger(),
	}
}

// AuthorizationURL returns the consent URL to redirect the user to.
func (c *Connector) AuthorizationURL(state string) string {
	return c.authorizer.AuthorizationURL(state)
}

// Complete exchanges code, resolves the mailbox identity and stores the
// connection. Reconnecting an existing identity replaces its tokens.
func (c *Connector) Complete(ctx context.Context, code string) (*Connection, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &apperr.ValidationError{Field: "code", Reason: "authorization code is required"}
	}

	token, err := c.authorizer.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	// Nothing is stored yet; a refresh during the profile call is kept in token.
	client, err := c.newClient(token, func(_ context.Context, fresh auth.TokenState) error {
		token = fresh
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create mail client: %w", err)
	}

	profile, err := client.GetProfile(ctx)
	if err != nil {
		return nil, err
	}

	identity := strings.ToLower(strings.TrimSpace(profile.Address))
	if identity == "" {
		return nil, &apperr.ValidationError{Field: "identity", Reason: "provider returned no mailbox address"}
	}

	conn, err := c.connections.UpsertConnection(ctx, identity, profile.DisplayName, token)
	if err != nil {
		return nil, apperr.Store("upsert connection", err)
	}

	c.log.Info().Str("connection_id", conn.ID).Str("identity", conn.Identity).Msg("mailbox connected")
	return conn, nil
}
