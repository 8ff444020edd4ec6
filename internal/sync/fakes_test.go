package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Martian-dev/mailbridge/internal/apperr"
	"github.com/Martian-dev/mailbridge/internal/auth"
)

// memStore is an in-memory ConnectionStore and MessageStore.
type memStore struct {
	mu       sync.Mutex
	conns    map[string]*Connection
	messages map[string]*SyncedMessage
	ops      []string

	findErr   error
	upsertErr error
	tokensErr error
}

func newMemStore(conns ...*Connection) *memStore {
	s := &memStore{
		conns:    make(map[string]*Connection),
		messages: make(map[string]*SyncedMessage),
	}
	for _, c := range conns {
		s.conns[c.ID] = c
	}
	return s
}

func (s *memStore) record(op string) {
	s.ops = append(s.ops, op)
}

func (s *memStore) opLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *memStore) conn(id string) Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.conns[id]
}

func (s *memStore) GetConnection(_ context.Context, id string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ListConnections(_ context.Context) ([]*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) FindEligibleConnections(ctx context.Context) ([]*Connection, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	all, _ := s.ListConnections(ctx)
	var out []*Connection
	for _, c := range all {
		if c.Eligible() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) UpsertConnection(_ context.Context, identity, displayName string, token auth.TokenState) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if c.Identity == identity {
			c.Token = token
			c.DisplayName = displayName
			c.NeedsReauth = false
			c.ReauthReason = ""
			cp := *c
			return &cp, nil
		}
	}
	c := &Connection{
		ID:          fmt.Sprintf("conn-%d", len(s.conns)+1),
		Identity:    identity,
		DisplayName: displayName,
		Token:       token,
		IsActive:    true,
		SyncEnabled: true,
	}
	s.conns[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *memStore) UpdateConnectionTokens(_ context.Context, id string, token auth.TokenState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("tokens:" + id)
	if s.tokensErr != nil {
		return s.tokensErr
	}
	s.conns[id].Token = token
	return nil
}

func (s *memStore) UpdateLastSync(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("last_sync:" + id)
	s.conns[id].LastSyncAt = &at
	return nil
}

func (s *memStore) SetConnectionFlags(_ context.Context, id string, flags ConnectionFlags) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if flags.IsActive != nil {
		c.IsActive = *flags.IsActive
	}
	if flags.SyncEnabled != nil {
		c.SyncEnabled = *flags.SyncEnabled
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) MarkReauthRequired(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("reauth:" + id)
	s.conns[id].NeedsReauth = true
	s.conns[id].ReauthReason = reason
	return nil
}

func (s *memStore) UpsertMessage(_ context.Context, msg *SyncedMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("upsert:" + msg.NaturalKey)
	if s.upsertErr != nil {
		return false, s.upsertErr
	}
	_, exists := s.messages[msg.NaturalKey]
	cp := *msg
	s.messages[msg.NaturalKey] = &cp
	return !exists, nil
}

func (s *memStore) message(key string) (SyncedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[key]
	if !ok {
		return SyncedMessage{}, false
	}
	return *m, true
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// fakeClient serves canned folders and records calls into the store's op log.
type fakeClient struct {
	store     *memStore
	folders   map[string][]Message
	folderErr map[string]error
	ensureErr error
	profile   *Profile

	// refreshTo, when set, is reported through onRefresh by EnsureToken.
	refreshTo *auth.TokenState
	onRefresh TokenPersister

	// block, when set, parks ListMessages until closed; entered is signalled first.
	entered chan struct{}
	block   chan struct{}
}

func (c *fakeClient) EnsureToken(ctx context.Context) error {
	if c.ensureErr != nil {
		return c.ensureErr
	}
	if c.refreshTo != nil {
		return c.onRefresh(ctx, *c.refreshTo)
	}
	return nil
}

func (c *fakeClient) ListMessages(ctx context.Context, folder string, pageSize, skip int, filter string) (*MessagePage, error) {
	if err := c.EnsureToken(ctx); err != nil {
		return nil, err
	}
	if c.store != nil {
		c.store.mu.Lock()
		c.store.record("list:" + folder)
		c.store.mu.Unlock()
	}
	if c.block != nil {
		c.entered <- struct{}{}
		<-c.block
	}
	if err := c.folderErr[folder]; err != nil {
		return nil, err
	}
	msgs := c.folders[folder]
	if len(msgs) > pageSize {
		msgs = msgs[:pageSize]
	}
	return &MessagePage{Messages: msgs}, nil
}

func (c *fakeClient) GetMessage(context.Context, string) (*Message, error) {
	return nil, apperr.ErrNotFound
}

func (c *fakeClient) SendMessage(context.Context, SendRequest) (*SendResult, error) {
	return &SendResult{Accepted: true}, nil
}

func (c *fakeClient) MarkRead(context.Context, string) error { return nil }

func (c *fakeClient) GetProfile(ctx context.Context) (*Profile, error) {
	if err := c.EnsureToken(ctx); err != nil {
		return nil, err
	}
	if c.profile == nil {
		return nil, &apperr.ProviderError{Op: "get_profile", Status: 500}
	}
	return c.profile, nil
}

// clientsByToken builds a ClientFactory handing out one fakeClient per
// access token, so each connection gets its own.
type clientsByToken struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	built   int
}

func (f *clientsByToken) factory(token auth.TokenState, onRefresh TokenPersister) (MailClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built++
	c, ok := f.clients[token.AccessToken]
	if !ok {
		return nil, fmt.Errorf("no client for token %q", token.AccessToken)
	}
	c.onRefresh = onRefresh
	return c, nil
}

func (f *clientsByToken) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built
}

func testConn(id, identity string) *Connection {
	return &Connection{
		ID:          id,
		Identity:    identity,
		Token:       auth.TokenState{AccessToken: "at-" + id, RefreshToken: "rt-" + id, ExpiresAt: time.Now().Add(time.Hour)},
		IsActive:    true,
		SyncEnabled: true,
	}
}

func msg(id, from string) Message {
	return Message{ID: id, Subject: "subject " + id, From: Participant{Address: from}}
}
