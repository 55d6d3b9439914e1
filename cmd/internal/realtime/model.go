package realtime

import (
	"strings"
	"time"
	"unicode/utf8"

	v1 "classchat/shared/contracts/realtime/v1"
)

// Attachment is the resolved reference to an uploaded object.
type Attachment struct {
	URL      string
	Path     string
	Name     string
	MimeType string
}

// Message is immutable once persisted.
type Message struct {
	ID         int64
	Seq        int64
	ChatID     string
	SenderID   string
	Body       string
	Attachment *Attachment
	CreatedAt  time.Time
}

// Kind labels the message for metrics.
func (m Message) Kind() string {
	if m.Attachment != nil {
		return "attachment"
	}
	return "text"
}

// Wire converts m to its protocol form. clientRef is echoed only to the
// sender's own sessions by callers that know it.
func (m Message) Wire(clientRef string) v1.Message {
	out := v1.Message{
		ID:        m.ID,
		Seq:       m.Seq,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
		ClientRef: clientRef,
	}
	if m.Attachment != nil {
		out.Attachment = &v1.Attachment{
			URL:      m.Attachment.URL,
			Path:     m.Attachment.Path,
			Name:     m.Attachment.Name,
			MimeType: m.Attachment.MimeType,
		}
	}
	return out
}

// Chat pairs exactly two participants.
type Chat struct {
	ID           string
	ParticipantA string
	ParticipantB string
	// Context optionally tags the chat with a course/section.
	Context   string
	CreatedAt time.Time
}

// Has reports whether userID participates in c.
func (c Chat) Has(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Other returns the participant that is not userID, or "" when userID is not
// a participant.
func (c Chat) Other(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	default:
		return ""
	}
}

// orderedPair returns the participants sorted so (a,b) and (b,a) share a key.
func orderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func validateContent(op, body string, att *Attachment) error {
	if strings.TrimSpace(body) == "" && att == nil {
		return opErr(op, ErrInvalidMessage, "body and attachment cannot both be empty")
	}
	if utf8.RuneCountInString(body) > maxMessageChars {
		return opErr(op, ErrInvalidMessage, "body too long")
	}
	if att != nil && strings.TrimSpace(att.Path) == "" {
		return opErr(op, ErrInvalidMessage, "attachment without path")
	}
	return nil
}
