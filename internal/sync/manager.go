package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbridge/internal/apperr"
)

// BatchSyncer runs one batch over every eligible connection.
type BatchSyncer interface {
	SyncAllConnections(ctx context.Context) (BatchResult, error)
}

// Scheduler triggers batch syncs periodically
type Scheduler struct {
	syncer   BatchSyncer
	interval time.Duration
	log      zerolog.Logger

	busy atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler that runs syncer every interval.
func NewScheduler(syncer BatchSyncer, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		syncer:   syncer,
		interval: interval,
		log:      log.With().Str("component", "sync_scheduler").Logger(),
	}
}

// Start runs a batch immediately and then on every tick until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("scheduler already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		s.log.Info().Dur("interval", s.interval).Msg("scheduler started")

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			s.RunOnce(runCtx)

			select {
			case <-runCtx.Done():
				s.log.Info().Msg("scheduler stopped")
				return
			case <-ticker.C:
			}
		}
	}(s.done)

	return nil
}

// Stop cancels the loop and waits for the running batch to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// RunOnce runs a single batch unless one is still in progress, in which case
// it returns false without doing anything.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Warn().Msg("previous batch still running, skipping tick")
		return false
	}
	defer s.busy.Store(false)

	batch, err := s.syncer.SyncAllConnections(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Msg("batch sync failed")
	}

	for _, ce := range batch.Errors {
		ev := s.log.Error()
		msg := "connection sync failed"
		if apperr.IsAuth(ce.Err) {
			ev = s.log.Warn()
			msg = "connection needs re-authorization"
		}
		ev.Err(ce.Err).
			Str("connection_id", ce.ConnectionID).
			Str("identity", ce.Identity).
			Msg(msg)
	}
	return true
}
