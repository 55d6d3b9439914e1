package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"classchat/cmd/internal/metrics"
)

const defaultStoreRetryMaxElapsed = 2 * time.Second

// PersistenceGateway is the only path by which messages reach the store.
//
// Write either returns a stored message or an error; it never reports success
// for a message that was not persisted. Transient store failures are retried
// with exponential backoff until RetryMaxElapsed.
type PersistenceGateway struct {
	store ChatStore
	log   *slog.Logger

	RetryMaxElapsed time.Duration
	RetryInitial    time.Duration
	Now             func() time.Time
}

// NewPersistenceGateway wraps store.
func NewPersistenceGateway(store ChatStore, log *slog.Logger) *PersistenceGateway {
	if log == nil {
		log = slog.Default()
	}
	return &PersistenceGateway{
		store:           store,
		log:             log,
		RetryMaxElapsed: defaultStoreRetryMaxElapsed,
		RetryInitial:    50 * time.Millisecond,
		Now:             time.Now,
	}
}

// Store returns the underlying store.
func (g *PersistenceGateway) Store() ChatStore { return g.store }

// Write durably stores one message and returns it with its assigned id, seq
// and timestamp.
func (g *PersistenceGateway) Write(ctx context.Context, in WriteInput) (Message, error) {
	const op = "realtime.PersistenceGateway.Write"

	if err := validateContent(op, in.Body, in.Attachment); err != nil {
		return Message{}, err
	}
	if in.Now.IsZero() {
		in.Now = g.Now().UTC()
	}

	chat, err := g.store.GetChat(ctx, in.ChatID)
	if err != nil {
		if errors.Is(err, ErrChatNotFound) {
			return Message{}, opErr(op, ErrChatNotFound, in.ChatID)
		}
		return Message{}, opErr(op, ErrStorageUnavailable, err.Error())
	}
	if !chat.Has(in.SenderID) {
		return Message{}, opErr(op, ErrNotParticipant, "")
	}

	start := time.Now()
	defer func() { metrics.StoreWriteDuration.Observe(time.Since(start).Seconds()) }()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.RetryInitial
	bo.MaxElapsedTime = g.RetryMaxElapsed

	var msg Message
	attempt := func() error {
		m, err := g.store.CreateMessage(ctx, in)
		if err != nil {
			if isPermanentStoreErr(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		msg = m
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.StoreRetries.Inc()
		g.log.Warn("store.write.retry", "chat_id", in.ChatID, "wait_ms", wait.Milliseconds(), "err", err)
	}

	if err := backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), notify); err != nil {
		if isPermanentStoreErr(err) {
			return Message{}, err
		}
		g.log.Error("store.write.fail", "chat_id", in.ChatID, "err", err)
		return Message{}, opErr(op, ErrStorageUnavailable, err.Error())
	}

	metrics.MessagesPersisted.WithLabelValues(msg.Kind()).Inc()
	return msg, nil
}

// isPermanentStoreErr reports errors retrying cannot fix.
func isPermanentStoreErr(err error) bool {
	return errors.Is(err, ErrChatNotFound) ||
		errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, context.Canceled)
}
