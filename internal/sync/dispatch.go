package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	dispatchBatchSize = 100
	dispatchBackoff   = 10 * time.Second
	dispatchIdle      = 2 * time.Second
)

// OutboxMessage is a pending event written alongside a store mutation.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// OutboxStore is the outbox side of the store.
type OutboxStore interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Publisher delivers an event; msgID is used for broker-side dedupe.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox into a Publisher.
type Dispatcher struct {
	outbox    OutboxStore
	publisher Publisher
	idle      time.Duration
	log       zerolog.Logger
}

// NewDispatcher creates an outbox dispatcher
func NewDispatcher(outbox OutboxStore, publisher Publisher, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		outbox:    outbox,
		publisher: publisher,
		idle:      dispatchIdle,
		log:       log.With().Str("component", "outbox_dispatcher").Logger(),
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Msg("outbox dequeue failed")
		}

		wait := time.Duration(0)
		if n == 0 || err != nil {
			wait = d.idle
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch and returns how many rows were published.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	msgs, err := d.outbox.DequeueOutbox(ctx, dispatchBatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range msgs {
		if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.log.Warn().Err(err).Int64("outbox_id", msg.ID).Str("subject", msg.Subject).Msg("publish failed, rescheduling")
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, dispatchBackoff); err != nil {
				d.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("failed to reschedule outbox row")
			}
			continue
		}

		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			// JetStream dedupes on msgID if this row is published again
			d.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("failed to mark published")
			continue
		}
		published++
	}
	return published, nil
}
