package realtime

import (
	"strings"
	"sync"
	"sync/atomic"

	"classchat/cmd/identity"
	v1 "classchat/shared/contracts/realtime/v1"
)

// SessionState is the server-side lifecycle of one connection.
//
// Connected (unidentified) -> Identified -> Closed. Room membership is
// orthogonal and lives in the Registry: an Identified session is "in room"
// for every chat it joined.
type SessionState uint8

const (
	StateConnected SessionState = iota
	StateIdentified
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents one live connection.
//
// The outbound queue is bounded and never closed, so concurrent fanout
// cannot panic on send; done signals shutdown instead. Close is idempotent.
type Session struct {
	id     string
	send   chan v1.Envelope
	done   chan struct{}
	closer sync.Once

	dropped atomic.Int64

	mu     sync.Mutex
	state  SessionState
	userID string
	role   identity.Role
}

// NewSession constructs a Session with a bounded outbound queue.
func NewSession(id string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Session{
		id:   id,
		send: make(chan v1.Envelope, queueSize),
		done: make(chan struct{}),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the identified user id ("" before identify).
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Role returns the identified role.
func (s *Session) Role() identity.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Identify moves Connected -> Identified. Repeating identify for the same user
// is a no-op; switching users on a live connection is refused.
func (s *Session) Identify(userID string, role identity.Role) error {
	const op = "realtime.Session.Identify"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return opErr(op, ErrUnauthenticated, "missing user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return opErr(op, ErrUnauthenticated, "session closed")
	case StateIdentified:
		if s.userID != userID {
			return opErr(op, ErrUnauthenticated, "already identified as another user")
		}
		return nil
	}
	s.state = StateIdentified
	s.userID = userID
	s.role = role
	return nil
}

// identified returns the user id or ErrUnauthenticated.
func (s *Session) identified(op string) (string, identity.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdentified {
		return "", "", opErr(op, ErrUnauthenticated, "identify first")
	}
	return s.userID, s.role, nil
}

// Enqueue queues env without blocking. False means dropped: the queue is
// full or the session is shutting down.
func (s *Session) Enqueue(env v1.Envelope) bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Outbound is the queue drained by the connection writer.
func (s *Session) Outbound() <-chan v1.Envelope { return s.send }

// Done is closed when the session shuts down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Dropped returns how many envelopes were dropped under backpressure.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Close marks the session Closed and signals its goroutines (idempotent).
// It does NOT close the outbound queue.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closer.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
	})
}
