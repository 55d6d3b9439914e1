package realtime

import (
	"context"
	"errors"
	"strings"
	"time"
)

// WriteInput describes one message to persist.
type WriteInput struct {
	ChatID     string
	SenderID   string
	Body       string
	Attachment *Attachment
	Now        time.Time
	// IdempotencyKey makes a repeated write return the message already stored
	// under the same key in the chat instead of inserting again. Empty
	// disables the check.
	IdempotencyKey string
}

// NewChatInput describes a chat to create.
type NewChatInput struct {
	ParticipantA string
	ParticipantB string
	Context      string
	Now          time.Time
}

// ListMessagesInput selects one page. Page 1 is the most recent page;
// messages inside a page are ordered oldest first.
type ListMessagesInput struct {
	ChatID   string
	Page     int
	PageSize int
}

// MessagePage is one page of chat history.
type MessagePage struct {
	Messages []Message
	Page     int
	PageSize int
	Total    int
	HasMore  bool
}

// ChatStore is the durable store collaborator.
//
// Requirements:
//   - At most one chat per unordered participant pair.
//   - CreateMessage is atomic: a message is either fully visible or absent.
//   - Message ids and per-chat seq increase in commit order within a chat.
type ChatStore interface {
	// CreateChat returns the existing chat when the pair already has one.
	CreateChat(ctx context.Context, in NewChatInput) (Chat, error)
	// FindChatBetween checks both orderings; ErrChatNotFound when absent.
	FindChatBetween(ctx context.Context, userA, userB string) (Chat, error)
	GetChat(ctx context.Context, chatID string) (Chat, error)
	CreateMessage(ctx context.Context, in WriteInput) (Message, error)
	ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error)
	Close() error
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
	// maxPage keeps (page-1)*size far from overflow. Pages past the data
	// are simply empty.
	maxPage = 1 << 20
)

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	if page > maxPage {
		page = maxPage
	}
	return page, size
}

// ResolveChat finds the chat for the pair or creates it. created reports
// whether this call created the row.
func ResolveChat(ctx context.Context, store ChatStore, userA, userB, chatContext string, now time.Time) (Chat, bool, error) {
	const op = "realtime.ResolveChat"

	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return Chat{}, false, opErr(op, ErrInvalidMessage, "both participants are required")
	}
	if userA == userB {
		return Chat{}, false, opErr(op, ErrInvalidMessage, "cannot chat with self")
	}

	c, err := store.FindChatBetween(ctx, userA, userB)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, ErrChatNotFound) {
		return Chat{}, false, err
	}

	c, err = store.CreateChat(ctx, NewChatInput{
		ParticipantA: userA,
		ParticipantB: userB,
		Context:      chatContext,
		Now:          now,
	})
	if err != nil {
		return Chat{}, false, err
	}
	return c, true, nil
}
