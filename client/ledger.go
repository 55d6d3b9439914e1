package chatclient

import (
	"errors"
	"strings"
	"sync"
	"time"

	v1 "classchat/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

const (
	defaultMatchWindow = 2 * time.Second
	defaultAckTimeout  = 10 * time.Second
	defaultMaxEntries  = 5000
)

// EntryState is the lifecycle of one timeline entry.
type EntryState int

const (
	EntryPending EntryState = iota
	EntrySent
	EntryFailed
)

func (s EntryState) String() string {
	switch s {
	case EntryPending:
		return "pending"
	case EntrySent:
		return "sent"
	case EntryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Target addresses a send: an existing chat, or a recipient for first contact.
type Target struct {
	ChatID      string
	RecipientID string
}

func (t Target) valid() bool {
	return strings.TrimSpace(t.ChatID) != "" || strings.TrimSpace(t.RecipientID) != ""
}

// Entry is one row of the visible timeline.
type Entry struct {
	// LocalID is set for sends made on this client; it doubles as client_ref.
	LocalID   string
	Target    Target
	SenderID  string
	Body      string
	UploadID  string
	State     EntryState
	Reason    string
	CreatedAt time.Time
	// WrittenAt is when the send left the outbox; zero while queued.
	WrittenAt time.Time
	// Message is the canonical copy once the server echoed it.
	Message *v1.Message
}

// ReconcileResult says what Reconcile did with a canonical message.
type ReconcileResult struct {
	Entry    Entry
	Replaced bool // a pending entry was replaced in place
	Seen     bool // already on the timeline
	// Collapsed is the local id of a pending entry folded into an already
	// settled one (a re-send the server suppressed as duplicate).
	Collapsed string
}

var (
	ErrUnknownEntry = errors.New("chatclient: unknown entry")
	ErrNotFailed    = errors.New("chatclient: entry is not failed")
	ErrEmptySend    = errors.New("chatclient: body and attachment cannot both be empty")
	ErrNoTarget     = errors.New("chatclient: chat id or recipient id required")
)

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithMatchWindow sets how old a pending entry may be and still match an
// echo by sender and body.
func WithMatchWindow(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithAckTimeout sets how long a written send may wait for its echo before
// Sweep fails it.
func WithAckTimeout(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.ackTimeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger is the optimistic timeline for one user. It is safe for concurrent use.
type Ledger struct {
	userID     string
	window     time.Duration
	ackTimeout time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries []*Entry
	byLocal map[string]*Entry
	seen    map[int64]*Entry
}

// NewLedger returns an empty Ledger for userID.
func NewLedger(userID string, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		userID:     userID,
		window:     defaultMatchWindow,
		ackTimeout: defaultAckTimeout,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
		byLocal:    make(map[string]*Entry),
		seen:       make(map[int64]*Entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// AddPending appends a pending send and returns it.
func (l *Ledger) AddPending(t Target, body, uploadID string) (Entry, error) {
	if !t.valid() {
		return Entry{}, ErrNoTarget
	}
	if strings.TrimSpace(body) == "" && uploadID == "" {
		return Entry{}, ErrEmptySend
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := &Entry{
		LocalID:   uuid.NewString(),
		Target:    t,
		SenderID:  l.userID,
		Body:      body,
		UploadID:  uploadID,
		State:     EntryPending,
		CreatedAt: l.now(),
	}
	l.entries = append(l.entries, e)
	l.byLocal[e.LocalID] = e
	l.trimLocked()
	return *e, nil
}

// Reconcile folds a canonical message into the timeline.
//
// Matching order: a message already seen is ignored; a client_ref naming a
// local entry replaces it; otherwise a message from this user replaces the
// oldest pending entry for the chat with the same body that is still
// eligible (see matchPendingLocked). Anything else is appended.
func (l *Ledger) Reconcile(msg v1.Message) ReconcileResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.seen[msg.ID]; ok {
		res := ReconcileResult{Entry: *e, Seen: true}
		if dup := l.byLocal[msg.ClientRef]; msg.ClientRef != "" && dup != nil && dup != e && dup.Message == nil {
			l.removeLocked(dup)
			l.byLocal[msg.ClientRef] = e
			res.Collapsed = msg.ClientRef
		}
		return res
	}

	if e := l.byLocal[msg.ClientRef]; msg.ClientRef != "" && e != nil && e.Message == nil {
		l.settleLocked(e, msg)
		return ReconcileResult{Entry: *e, Replaced: true}
	}

	if msg.SenderID == l.userID {
		if e := l.matchPendingLocked(msg); e != nil {
			l.settleLocked(e, msg)
			return ReconcileResult{Entry: *e, Replaced: true}
		}
	}

	m := msg
	m.ClientRef = ""
	e := &Entry{
		Target:    Target{ChatID: msg.ChatID},
		SenderID:  msg.SenderID,
		Body:      msg.Body,
		State:     EntrySent,
		CreatedAt: msg.CreatedAt,
		Message:   &m,
	}
	l.entries = append(l.entries, e)
	l.seen[msg.ID] = e
	l.trimLocked()
	return ReconcileResult{Entry: *e}
}

// matchPendingLocked finds the pending entry an echo without client_ref
// belongs to. A queued entry is eligible for the match window after
// creation; a written one for the ack timeout after it left the outbox,
// which covers history replayed after a reconnect.
func (l *Ledger) matchPendingLocked(msg v1.Message) *Entry {
	now := l.now()
	for _, e := range l.entries {
		if e.State != EntryPending || e.Message != nil || e.Body != msg.Body {
			continue
		}
		if e.Target.ChatID != "" && e.Target.ChatID != msg.ChatID {
			continue
		}
		if e.WrittenAt.IsZero() {
			if now.Sub(e.CreatedAt) > l.window {
				continue
			}
		} else if now.Sub(e.WrittenAt) > l.ackTimeout {
			continue
		}
		return e
	}
	return nil
}

func (l *Ledger) settleLocked(e *Entry, msg v1.Message) {
	m := msg
	e.Message = &m
	e.State = EntrySent
	e.Reason = ""
	e.Target.ChatID = msg.ChatID
	l.seen[msg.ID] = e
}

func (l *Ledger) removeLocked(target *Entry) {
	for i, e := range l.entries {
		if e == target {
			copy(l.entries[i:], l.entries[i+1:])
			l.entries[len(l.entries)-1] = nil
			l.entries = l.entries[:len(l.entries)-1]
			return
		}
	}
}

// MarkWritten records that the send left the outbox.
func (l *Ledger) MarkWritten(localID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e := l.byLocal[localID]; e != nil && e.State == EntryPending {
		e.WrittenAt = at
	}
}

// MarkFailed moves a pending entry to failed. A settled entry is left alone:
// the server already accepted it.
func (l *Ledger) MarkFailed(localID, reason string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.byLocal[localID]
	if e == nil {
		return Entry{}, ErrUnknownEntry
	}
	if e.State == EntryPending {
		e.State = EntryFailed
		e.Reason = reason
	}
	return *e, nil
}

// Retry moves a failed entry back to pending, keeping its timeline position.
func (l *Ledger) Retry(localID string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.byLocal[localID]
	if e == nil {
		return Entry{}, ErrUnknownEntry
	}
	if e.State != EntryFailed {
		return *e, ErrNotFailed
	}
	e.State = EntryPending
	e.Reason = ""
	e.CreatedAt = l.now()
	e.WrittenAt = time.Time{}
	return *e, nil
}

// Sweep fails written sends whose echo did not arrive within the ack timeout.
func (l *Ledger) Sweep(now time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if e.State != EntryPending || e.WrittenAt.IsZero() {
			continue
		}
		if now.Sub(e.WrittenAt) >= l.ackTimeout {
			e.State = EntryFailed
			e.Reason = "ack_timeout"
			out = append(out, *e)
		}
	}
	return out
}

// Get returns the entry for localID.
func (l *Ledger) Get(localID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.byLocal[localID]
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Timeline returns the entries for chatID in display order. Sends still
// addressed by recipient show up once the echo assigns their chat.
func (l *Ledger) Timeline(chatID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Target.ChatID == chatID {
			out = append(out, *e)
		}
	}
	return out
}

// Pending returns every entry still waiting for its echo, oldest first.
func (l *Ledger) Pending() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if e.State == EntryPending {
			out = append(out, *e)
		}
	}
	return out
}

// trimLocked drops the oldest settled entries beyond maxEntries. Pending and
// failed entries are never dropped.
func (l *Ledger) trimLocked() {
	over := len(l.entries) - l.maxEntries
	if over <= 0 {
		return
	}
	kept := l.entries[:0]
	for _, e := range l.entries {
		if over > 0 && e.State == EntrySent {
			over--
			if e.LocalID != "" {
				delete(l.byLocal, e.LocalID)
			}
			if e.Message != nil {
				delete(l.seen, e.Message.ID)
			}
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(l.entries); i++ {
		l.entries[i] = nil
	}
	l.entries = kept
}
