package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"classchat/cmd/identity/ids"
)

const (
	memMaxMessagesPerChat = 10_000
)

// InMemoryStore is the dev fallback when no database is configured.
// A single mutex makes every write atomic with respect to readers.
type InMemoryStore struct {
	mu     sync.Mutex
	nextID int64
	chats  map[string]*memChat
	pairs  map[[2]string]string // ordered pair -> chat id
}

type memChat struct {
	chat  Chat
	seq   int64
	msgs  []Message        // ordered by seq
	keys  []string         // idempotency key per entry of msgs
	byKey map[string]int64 // idempotency key -> seq
}

// lookup returns the retained message with seq.
func (c *memChat) lookup(seq int64) (Message, bool) {
	if len(c.msgs) == 0 {
		return Message{}, false
	}
	i := seq - c.msgs[0].Seq
	if i < 0 || i >= int64(len(c.msgs)) {
		return Message{}, false
	}
	return c.msgs[i], true
}

// NewInMemoryStore constructs an in-memory ChatStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chats: make(map[string]*memChat),
		pairs: make(map[[2]string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateChat creates the chat for the pair, or returns the existing one.
func (s *InMemoryStore) CreateChat(ctx context.Context, in NewChatInput) (Chat, error) {
	const op = "realtime.InMemoryStore.CreateChat"
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	a, b := strings.TrimSpace(in.ParticipantA), strings.TrimSpace(in.ParticipantB)
	if a == "" || b == "" || a == b {
		return Chat{}, opErr(op, ErrInvalidMessage, "two distinct participants required")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := orderedPair(a, b)
	if id, ok := s.pairs[[2]string{lo, hi}]; ok {
		return s.chats[id].chat, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Chat{}, err
	}
	c := Chat{ID: id, ParticipantA: a, ParticipantB: b, Context: in.Context, CreatedAt: now}
	s.chats[id] = &memChat{chat: c, msgs: make([]Message, 0, 64), byKey: make(map[string]int64)}
	s.pairs[[2]string{lo, hi}] = id
	return c, nil
}

// FindChatBetween looks the pair up in either order.
func (s *InMemoryStore) FindChatBetween(ctx context.Context, userA, userB string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	lo, hi := orderedPair(strings.TrimSpace(userA), strings.TrimSpace(userB))

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pairs[[2]string{lo, hi}]
	if !ok {
		return Chat{}, opErr("realtime.InMemoryStore.FindChatBetween", ErrChatNotFound, "")
	}
	return s.chats[id].chat, nil
}

// GetChat returns the chat by id.
func (s *InMemoryStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, opErr("realtime.InMemoryStore.GetChat", ErrChatNotFound, chatID)
	}
	return c.chat, nil
}

// CreateMessage persists a message and assigns id, seq and timestamp.
func (s *InMemoryStore) CreateMessage(ctx context.Context, in WriteInput) (Message, error) {
	const op = "realtime.InMemoryStore.CreateMessage"
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if err := validateContent(op, in.Body, in.Attachment); err != nil {
		return Message{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[in.ChatID]
	if !ok {
		return Message{}, opErr(op, ErrChatNotFound, in.ChatID)
	}
	if !c.chat.Has(in.SenderID) {
		return Message{}, opErr(op, ErrNotParticipant, in.SenderID)
	}
	if in.IdempotencyKey != "" {
		if seq, ok := c.byKey[in.IdempotencyKey]; ok {
			if prev, ok := c.lookup(seq); ok {
				return prev, nil
			}
		}
	}

	s.nextID++
	c.seq++
	msg := Message{
		ID:        s.nextID,
		Seq:       c.seq,
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Body:      in.Body,
		CreatedAt: now,
	}
	if in.Attachment != nil {
		att := *in.Attachment
		msg.Attachment = &att
	}
	c.msgs = append(c.msgs, msg)
	c.keys = append(c.keys, in.IdempotencyKey)
	if in.IdempotencyKey != "" {
		c.byKey[in.IdempotencyKey] = msg.Seq
	}

	// Bound memory to avoid unbounded growth in dev.
	if over := len(c.msgs) - memMaxMessagesPerChat; over > 0 {
		for _, k := range c.keys[:over] {
			if k != "" {
				delete(c.byKey, k)
			}
		}
		c.msgs = c.msgs[over:]
		c.keys = c.keys[over:]
	}
	return msg, nil
}

// ListMessages returns one page; page 1 holds the newest messages.
func (s *InMemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error) {
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	page, size := normalizePage(in.Page, in.PageSize)

	s.mu.Lock()
	c, ok := s.chats[in.ChatID]
	var snap []Message
	if ok {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if !ok {
		return MessagePage{}, opErr("realtime.InMemoryStore.ListMessages", ErrChatNotFound, in.ChatID)
	}

	total := len(snap)
	end := total - (page-1)*size
	if end <= 0 {
		return MessagePage{Messages: []Message{}, Page: page, PageSize: size, Total: total}, nil
	}
	start := end - size
	if start < 0 {
		start = 0
	}
	return MessagePage{
		Messages: snap[start:end],
		Page:     page,
		PageSize: size,
		Total:    total,
		HasMore:  start > 0,
	}, nil
}
