package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailbridge/internal/apperr"
	"github.com/Martian-dev/mailbridge/internal/auth"
)

// FolderPlan is one step of a connection sync: which folder, how many messages.
type FolderPlan struct {
	Folder   string
	PageSize int
}

// DefaultFolders lists the inbox first (primary signal) and sent items second.
var DefaultFolders = []FolderPlan{
	{Folder: FolderInbox, PageSize: 100},
	{Folder: FolderSentItems, PageSize: 50},
}

// FolderResult is the outcome of one folder of a sync pass.
type FolderResult struct {
	Folder  string
	Fetched int
	Created int
	Updated int
	Err     error
}

// SyncResult is the outcome of one connection sync pass. Partial is set when
// an error stopped the pass after some work had been stored.
type SyncResult struct {
	ConnectionID string
	Identity     string
	Created      int
	Updated      int
	Partial      bool
	Folders      []FolderResult
}

func (r *SyncResult) completedFolders() int {
	n := 0
	for _, f := range r.Folders {
		if f.Err == nil {
			n++
		}
	}
	return n
}

// ConnectionError records a failed connection within a batch.
type ConnectionError struct {
	ConnectionID string
	Identity     string
	Err          error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Identity, e.Err)
}

func (e ConnectionError) Unwrap() error { return e.Err }

// BatchResult aggregates a SyncAllConnections run.
type BatchResult struct {
	TotalCreated int
	TotalUpdated int
	Connections  []SyncResult
	Errors       []ConnectionError
	// Skipped holds connections that already had a pass in flight.
	Skipped []string
}

// Engine synchronizes connections into the message store.
type Engine struct {
	connections ConnectionStore
	messages    MessageStore
	newClient   ClientFactory
	folders     []FolderPlan
	workers     int
	now         func() time.Time
	log         zerolog.Logger

	inflightMu sync.Mutex
	inflight   map[string]time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithFolders replaces the folder plan.
func WithFolders(plan ...FolderPlan) Option {
	return func(e *Engine) {
		if len(plan) > 0 {
			e.folders = plan
		}
	}
}

// WithWorkers bounds how many connections SyncAllConnections processes at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a sync engine
func NewEngine(connections ConnectionStore, messages MessageStore, newClient ClientFactory, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		connections: connections,
		messages:    messages,
		newClient:   newClient,
		folders:     DefaultFolders,
		workers:     1,
		now:         time.Now,
		log:         log.With().Str("component", "sync_engine").Logger(),
		inflight:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncConnection runs one sync pass for the connection with the given ID.
func (e *Engine) SyncConnection(ctx context.Context, connectionID string) (SyncResult, error) {
	conn, err := e.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return SyncResult{ConnectionID: connectionID}, apperr.Store("get connection", err)
	}
	return e.syncConnection(ctx, conn)
}

// SyncAllConnections syncs every eligible connection. One connection's failure
// never aborts the batch; the call itself fails only if the eligible list
// cannot be loaded, or with ctx's error when cancelled between connections.
func (e *Engine) SyncAllConnections(ctx context.Context) (BatchResult, error) {
	var batch BatchResult

	conns, err := e.connections.FindEligibleConnections(ctx)
	if err != nil {
		return batch, apperr.Store("find eligible connections", err)
	}
	if len(conns) == 0 {
		return batch, nil
	}

	started := time.Now()
	results := make([]SyncResult, len(conns))
	errs := make([]error, len(conns))
	ran := make([]bool, len(conns))

	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for i, conn := range conns {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ran[i] = true
			results[i], errs[i] = e.syncConnection(ctx, conn)
			return nil
		})
	}
	_ = g.Wait()

	for i, conn := range conns {
		if !ran[i] {
			continue
		}
		if errors.Is(errs[i], apperr.ErrSyncInProgress) {
			batch.Skipped = append(batch.Skipped, conn.ID)
			continue
		}
		batch.Connections = append(batch.Connections, results[i])
		batch.TotalCreated += results[i].Created
		batch.TotalUpdated += results[i].Updated
		if errs[i] != nil {
			batch.Errors = append(batch.Errors, ConnectionError{
				ConnectionID: conn.ID,
				Identity:     conn.Identity,
				Err:          errs[i],
			})
		}
	}

	e.log.Info().
		Int("connections", len(batch.Connections)).
		Int("created", batch.TotalCreated).
		Int("updated", batch.TotalUpdated).
		Int("errors", len(batch.Errors)).
		Int("skipped", len(batch.Skipped)).
		Dur("duration", time.Since(started)).
		Msg("batch sync finished")

	if err := ctx.Err(); err != nil {
		return batch, err
	}
	return batch, nil
}

// InFlight returns the IDs of connections with a sync pass running.
func (e *Engine) InFlight() []string {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()

	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) acquire(id string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()

	if _, exists := e.inflight[id]; exists {
		return false
	}
	e.inflight[id] = e.now()
	return true
}

func (e *Engine) release(id string) {
	e.inflightMu.Lock()
	delete(e.inflight, id)
	e.inflightMu.Unlock()
}

func (e *Engine) syncConnection(ctx context.Context, conn *Connection) (SyncResult, error) {
	res := SyncResult{ConnectionID: conn.ID, Identity: conn.Identity}

	if !conn.Eligible() {
		return res, &apperr.IneligibleConnectionError{
			ConnectionID: conn.ID,
			Identity:     conn.Identity,
			IsActive:     conn.IsActive,
			SyncEnabled:  conn.SyncEnabled,
		}
	}

	if !e.acquire(conn.ID) {
		return res, apperr.ErrSyncInProgress
	}
	defer e.release(conn.ID)

	log := e.log.With().Str("connection_id", conn.ID).Str("identity", conn.Identity).Logger()
	started := time.Now()

	client, err := e.newClient(conn.Token, e.tokenPersister(conn))
	if err != nil {
		return res, fmt.Errorf("create mail client: %w", err)
	}

	// Tokens must be fresh and persisted before the first fetch.
	if err := client.EnsureToken(ctx); err != nil {
		return res, e.fail(ctx, log, conn, err)
	}

	var syncErr error
	res.Folders, syncErr = e.syncFolders(ctx, log, conn, client)
	for _, f := range res.Folders {
		res.Created += f.Created
		res.Updated += f.Updated
	}

	if res.completedFolders() > 0 {
		if err := e.connections.UpdateLastSync(ctx, conn.ID, e.now()); err != nil {
			err = apperr.Store("update last sync", err)
			if syncErr == nil {
				syncErr = err
			} else {
				log.Error().Err(err).Msg("failed to record last sync after folder error")
			}
		}
	}

	if syncErr != nil {
		res.Partial = res.completedFolders() > 0 || res.Created+res.Updated > 0
		return res, e.fail(ctx, log, conn, syncErr)
	}

	log.Info().
		Int("created", res.Created).
		Int("updated", res.Updated).
		Dur("duration", time.Since(started)).
		Msg("connection synced")

	return res, nil
}

// syncFolders folds over the folder plan and stops at the first folder error.
func (e *Engine) syncFolders(ctx context.Context, log zerolog.Logger, conn *Connection, client MailClient) ([]FolderResult, error) {
	results := make([]FolderResult, 0, len(e.folders))
	for _, plan := range e.folders {
		fr := e.syncFolder(ctx, log, conn, client, plan)
		results = append(results, fr)
		if fr.Err != nil {
			return results, fmt.Errorf("sync folder %s: %w", plan.Folder, fr.Err)
		}
	}
	return results, nil
}

func (e *Engine) syncFolder(ctx context.Context, log zerolog.Logger, conn *Connection, client MailClient, plan FolderPlan) FolderResult {
	fr := FolderResult{Folder: plan.Folder}

	page, err := client.ListMessages(ctx, plan.Folder, plan.PageSize, 0, "")
	if err != nil {
		fr.Err = err
		return fr
	}
	fr.Fetched = len(page.Messages)

	for _, m := range page.Messages {
		if m.ID == "" {
			log.Warn().Str("folder", plan.Folder).Msg("skipping message without provider id")
			continue
		}
		created, err := e.messages.UpsertMessage(ctx, toSyncedMessage(conn, plan.Folder, m))
		if err != nil {
			fr.Err = apperr.Store("upsert message", err)
			return fr
		}
		if created {
			fr.Created++
		} else {
			fr.Updated++
		}
	}

	log.Debug().
		Str("folder", plan.Folder).
		Int("fetched", fr.Fetched).
		Int("created", fr.Created).
		Int("updated", fr.Updated).
		Msg("folder synced")

	return fr
}

// tokenPersister stores refreshed tokens before the client continues.
func (e *Engine) tokenPersister(conn *Connection) TokenPersister {
	return func(ctx context.Context, token auth.TokenState) error {
		if err := e.connections.UpdateConnectionTokens(ctx, conn.ID, token); err != nil {
			return apperr.Store("update connection tokens", err)
		}
		conn.Token = token
		e.log.Debug().Str("connection_id", conn.ID).Time("expires_at", token.ExpiresAt).Msg("tokens refreshed and persisted")
		return nil
	}
}

// fail flags connections whose credentials were rejected, then returns err.
func (e *Engine) fail(ctx context.Context, log zerolog.Logger, conn *Connection, err error) error {
	if apperr.IsAuth(err) {
		log.Warn().Err(err).Msg("connection requires re-authorization")
		if markErr := e.connections.MarkReauthRequired(ctx, conn.ID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("failed to flag connection for re-authorization")
		}
		return err
	}
	log.Error().Err(err).Msg("connection sync failed")
	return err
}
