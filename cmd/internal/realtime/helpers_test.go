package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "classchat/shared/contracts/realtime/v1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type testRig struct {
	store    *InMemoryStore
	registry *Registry
	dedup    *Deduplicator
	gateway  *PersistenceGateway
	pipeline *Pipeline
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store := NewInMemoryStore()
	reg := NewRegistry(WithRegistryLogger(quietLogger()))
	dedup := NewDeduplicator(5*time.Second, 16)
	gw := NewPersistenceGateway(store, quietLogger())
	gw.RetryInitial = time.Millisecond
	gw.RetryMaxElapsed = 50 * time.Millisecond
	p := NewPipeline(gw, dedup, NewDispatcher(reg, quietLogger()), quietLogger())

	t.Cleanup(reg.Close)
	return &testRig{store: store, registry: reg, dedup: dedup, gateway: gw, pipeline: p}
}

// connect attaches and identifies a session for userID.
func (r *testRig) connect(t *testing.T, connID, userID string) *Session {
	t.Helper()

	s := NewSession(connID, 64)
	if err := r.registry.Attach(s); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := s.Identify(userID, "learner"); err != nil {
		t.Fatalf("identify: %v", err)
	}
	if err := r.registry.Register(userID, connID); err != nil {
		t.Fatalf("register: %v", err)
	}
	return s
}

func (r *testRig) chat(t *testing.T, a, b string) Chat {
	t.Helper()

	c, err := r.store.CreateChat(context.Background(), NewChatInput{ParticipantA: a, ParticipantB: b})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return c
}

// nextEnvelope pops one queued envelope or fails after a short wait.
func nextEnvelope(t *testing.T, s *Session) v1.Envelope {
	t.Helper()

	select {
	case env := <-s.Outbound():
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no envelope for %s", s.ID())
		return v1.Envelope{}
	}
}

func expectNoEnvelope(t *testing.T, s *Session) {
	t.Helper()

	select {
	case env := <-s.Outbound():
		t.Fatalf("unexpected envelope for %s: type=%s payload=%s", s.ID(), env.Type, env.Payload)
	default:
	}
}

func decodeMessage(t *testing.T, env v1.Envelope) v1.Message {
	t.Helper()

	if env.Type != v1.TypeMessage {
		t.Fatalf("type=%q want=%q", env.Type, v1.TypeMessage)
	}
	var m v1.Message
	if err := env.Decode(&m); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return m
}

// fakeMirror records presence transitions.
type fakeMirror struct {
	mu     sync.Mutex
	counts map[string]int
	events []string
}

func newFakeMirror() *fakeMirror { return &fakeMirror{counts: make(map[string]int)} }

func (m *fakeMirror) Online(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[userID]++
	m.events = append(m.events, "+"+userID)
	return nil
}

func (m *fakeMirror) Offline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[userID]--
	m.events = append(m.events, "-"+userID)
	return nil
}

func (m *fakeMirror) count(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[userID]
}
