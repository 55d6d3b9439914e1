package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"classchat/cmd/identity"
	"classchat/cmd/internal/metrics"
	v1 "classchat/shared/contracts/realtime/v1"
)

// SendRequest is one message submission, from the websocket gateway, the
// REST fallback or the attachment finalize step.
type SendRequest struct {
	// ChatID addresses an existing chat. When empty, RecipientID is used to
	// create-or-get the chat for (SenderID, RecipientID).
	ChatID      string
	RecipientID string
	// Context tags a chat created by this send.
	Context string

	SenderID   string
	SenderRole identity.Role
	Body       string
	Attachment *Attachment
	ClientRef  string

	// Origin receives the re-echo of a suppressed duplicate. Optional.
	Origin *Session
}

// SendResult is the outcome of an accepted send.
type SendResult struct {
	Message     Message
	Chat        Chat
	Duplicate   bool
	CreatedChat bool
	Dispatch    DispatchReport
}

// Pipeline runs Deduplicator -> PersistenceGateway -> Dispatcher.
//
// Work for one chat is serialized by a per-chat lock so dedup decisions and
// fanout order match commit order. Different chats run concurrently.
type Pipeline struct {
	gateway    *PersistenceGateway
	dedup      *Deduplicator
	dispatcher *Dispatcher
	log        *slog.Logger
	now        func() time.Time

	chats *keyedMutex
}

// NewPipeline wires the send path.
func NewPipeline(gateway *PersistenceGateway, dedup *Deduplicator, dispatcher *Dispatcher, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if dedup == nil {
		dedup = NewDeduplicator(0, 0)
	}
	return &Pipeline{
		gateway:    gateway,
		dedup:      dedup,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
		chats:      newKeyedMutex(),
	}
}

// Store returns the chat store behind the gateway.
func (p *Pipeline) Store() ChatStore { return p.gateway.Store() }

// Submit persists and fans out one message.
//
// A send identical to one accepted within the dedup window is not persisted
// again: the stored message is re-echoed to req.Origin and returned with
// Duplicate set.
func (p *Pipeline) Submit(ctx context.Context, req SendRequest) (SendResult, error) {
	const op = "realtime.Pipeline.Submit"

	req.SenderID = strings.TrimSpace(req.SenderID)
	if req.SenderID == "" {
		return SendResult{}, opErr(op, ErrUnauthenticated, "missing sender")
	}
	if err := validateContent(op, req.Body, req.Attachment); err != nil {
		return SendResult{}, err
	}

	now := p.now().UTC()
	chat, created, err := p.resolve(ctx, req, now)
	if err != nil {
		return SendResult{}, err
	}
	if !chat.Has(req.SenderID) {
		return SendResult{}, opErr(op, ErrNotParticipant, "")
	}

	attPath := ""
	if req.Attachment != nil {
		attPath = req.Attachment.Path
	}
	fp := FingerprintOf(req.SenderID, req.Body, attPath)

	unlock := p.chats.Lock(chat.ID)
	defer unlock()

	if err := p.dedup.Check(chat.ID, req.SenderID, fp, now); err != nil {
		var dup *DuplicateError
		if errors.As(err, &dup) {
			metrics.DuplicatesSuppressed.Inc()
			p.log.Info("send.duplicate", "chat_id", chat.ID, "sender_id", req.SenderID, "message_id", dup.Stored.ID)
			p.reecho(req.Origin, dup.Stored, req.ClientRef, now)
			return SendResult{Message: dup.Stored, Chat: chat, Duplicate: true}, nil
		}
		return SendResult{}, err
	}

	msg, err := p.gateway.Write(ctx, WriteInput{
		ChatID:     chat.ID,
		SenderID:   req.SenderID,
		Body:       req.Body,
		Attachment: req.Attachment,
		Now:        now,
		// Stable across the gateway's retries of this one submission.
		IdempotencyKey: fmt.Sprintf("%x-%d", fp[:], now.UnixNano()),
	})
	if err != nil {
		return SendResult{}, err
	}
	p.dedup.Record(chat.ID, fp, msg, now)

	var rep DispatchReport
	if p.dispatcher != nil {
		rep = p.dispatcher.Dispatch(msg, chat, v1.SenderSummary{
			UserID: req.SenderID,
			Role:   req.SenderRole.String(),
		}, req.ClientRef, req.Origin)
	}

	p.log.Debug("send.accepted",
		"chat_id", chat.ID,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"delivered", rep.Delivered,
		"notified", rep.Notified,
		"dropped", rep.Dropped,
	)
	return SendResult{Message: msg, Chat: chat, CreatedChat: created, Dispatch: rep}, nil
}

func (p *Pipeline) resolve(ctx context.Context, req SendRequest, now time.Time) (Chat, bool, error) {
	const op = "realtime.Pipeline.resolve"

	chatID := strings.TrimSpace(req.ChatID)
	if chatID != "" {
		c, err := p.Store().GetChat(ctx, chatID)
		if err != nil {
			if errors.Is(err, ErrChatNotFound) {
				return Chat{}, false, opErr(op, ErrChatNotFound, chatID)
			}
			return Chat{}, false, opErr(op, ErrStorageUnavailable, err.Error())
		}
		return c, false, nil
	}
	if strings.TrimSpace(req.RecipientID) == "" {
		return Chat{}, false, opErr(op, ErrChatNotFound, "chat_id or recipient_id required")
	}

	c, created, err := ResolveChat(ctx, p.Store(), req.SenderID, req.RecipientID, req.Context, now)
	if err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			return Chat{}, false, err
		}
		return Chat{}, false, opErr(op, ErrStorageUnavailable, err.Error())
	}
	if created {
		p.log.Info("chat.created", "chat_id", c.ID)
	}
	return c, created, nil
}

// reecho sends the stored canonical message to the originating session only.
func (p *Pipeline) reecho(origin *Session, stored Message, clientRef string, now time.Time) {
	if origin == nil {
		return
	}
	env, err := v1.NewEnvelope(v1.TypeMessage, NewEnvelopeID(now), now, stored.Wire(clientRef))
	if err != nil {
		p.log.Error("send.reecho.encode.fail", "err", err)
		return
	}
	if !origin.Enqueue(env) {
		metrics.FanoutDrops.Inc()
	}
}
