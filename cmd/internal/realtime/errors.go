package realtime

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Their text doubles as the wire reason code.
var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrChatNotFound       = errors.New("chat_not_found")
	ErrDuplicateSend      = errors.New("duplicate_send")
	ErrAttachmentRejected = errors.New("attachment_rejected")
	ErrInvalidMessage     = errors.New("invalid_message")
	ErrNotParticipant     = errors.New("not_participant")
	ErrStorageUnavailable = errors.New("storage_unavailable")
	ErrUploadNotFound     = errors.New("upload_not_found")
	ErrRateLimited        = errors.New("rate_limited")
	ErrRegistryClosed     = errors.New("registry_closed")
)

var reasonKinds = []error{
	ErrUnauthenticated,
	ErrChatNotFound,
	ErrDuplicateSend,
	ErrAttachmentRejected,
	ErrInvalidMessage,
	ErrNotParticipant,
	ErrStorageUnavailable,
	ErrUploadNotFound,
	ErrRateLimited,
	ErrRegistryClosed,
}

// OpError is a typed operation error with a stable Op + Kind contract.
// Msg is human-readable context and must not carry secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// DuplicateError reports a send suppressed by the dedup window. Stored is the
// canonical message persisted by the first attempt.
type DuplicateError struct {
	ChatID string
	Stored Message
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("realtime.dedup: %v: chat=%s message=%d", ErrDuplicateSend, e.ChatID, e.Stored.ID)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateSend }

// ReasonOf maps err to its wire reason code ("internal" when unclassified).
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range reasonKinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal"
}
