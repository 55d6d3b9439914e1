package realtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// PresenceMirror publishes presence transitions outside the process.
type PresenceMirror interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
}

// Registry is the Room Registry and Presence Directory of one process.
//
// Locking:
//   - every connection has its own mutex, taken first;
//   - every room has its own mutex, taken second;
//   - the rooms/users/conns map mutexes are leaf locks.
//
// Join and teardown for the same connection serialize on the connection lock,
// so a join racing a teardown either lands before it (and is removed by it)
// or observes the closed connection and fails. Different rooms never share a
// lock.
type Registry struct {
	log           *slog.Logger
	mirror        PresenceMirror
	mirrorTimeout time.Duration

	connsMu sync.Mutex
	conns   map[string]*connEntry
	closed  bool

	roomsMu sync.Mutex
	rooms   map[string]*room

	usersMu sync.RWMutex
	users   map[string]map[string]*Session
}

type connEntry struct {
	mu      sync.Mutex
	session *Session
	userID  string
	rooms   map[string]struct{}
	closed  bool
}

type room struct {
	mu      sync.RWMutex
	members map[string]*Session
	dead    bool // removed from Registry.rooms; callers must re-fetch
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithPresenceMirror publishes online/offline transitions to m.
func WithPresenceMirror(m PresenceMirror, timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.mirror = m
		if timeout > 0 {
			r.mirrorTimeout = timeout
		}
	}
}

// NewRegistry constructs an empty Registry. Call Close on shutdown.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:           slog.Default(),
		mirrorTimeout: 500 * time.Millisecond,
		conns:         make(map[string]*connEntry),
		rooms:         make(map[string]*room),
		users:         make(map[string]map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Attach adds a freshly accepted connection.
func (r *Registry) Attach(s *Session) error {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()

	if r.closed {
		return opErr("realtime.Registry.Attach", ErrRegistryClosed, "")
	}
	r.conns[s.ID()] = &connEntry{session: s, rooms: make(map[string]struct{})}
	return nil
}

func (r *Registry) entry(connID string) *connEntry {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	return r.conns[connID]
}

// Register binds userID to connID in the Presence Directory. A user may hold
// any number of simultaneous connections.
func (r *Registry) Register(userID, connID string) error {
	const op = "realtime.Registry.Register"

	e := r.entry(connID)
	if e == nil {
		return opErr(op, ErrUnauthenticated, "unknown connection")
	}

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return opErr(op, ErrRegistryClosed, "connection closed")
	case e.userID == userID:
		e.mu.Unlock()
		return nil
	case e.userID != "":
		e.mu.Unlock()
		return opErr(op, ErrUnauthenticated, "connection bound to another user")
	}
	e.userID = userID

	r.usersMu.Lock()
	set := r.users[userID]
	if set == nil {
		set = make(map[string]*Session)
		r.users[userID] = set
	}
	set[connID] = e.session
	r.usersMu.Unlock()
	e.mu.Unlock()

	r.publish(userID, true)
	return nil
}

// Join subscribes connID to chatID. Joining twice is a no-op.
func (r *Registry) Join(connID, chatID string) error {
	const op = "realtime.Registry.Join"

	e := r.entry(connID)
	if e == nil {
		return opErr(op, ErrUnauthenticated, "unknown connection")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return opErr(op, ErrRegistryClosed, "connection closed")
	}
	if _, ok := e.rooms[chatID]; ok {
		return nil
	}

	for {
		rm := r.roomFor(chatID)
		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		rm.members[connID] = e.session
		rm.mu.Unlock()
		break
	}
	e.rooms[chatID] = struct{}{}
	return nil
}

// Leave unsubscribes connID from chatID.
func (r *Registry) Leave(connID, chatID string) {
	e := r.entry(connID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rooms[chatID]; !ok {
		return
	}
	delete(e.rooms, chatID)
	r.removeFromRoom(chatID, connID)
}

// Unregister is the single teardown call: it removes connID from every
// joined room and from presence. It is idempotent.
func (r *Registry) Unregister(connID string) {
	r.connsMu.Lock()
	e := r.conns[connID]
	delete(r.conns, connID)
	r.connsMu.Unlock()

	if e == nil {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for chatID := range e.rooms {
		r.removeFromRoom(chatID, connID)
	}
	e.rooms = nil
	userID := e.userID
	if userID != "" {
		r.usersMu.Lock()
		if set := r.users[userID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.users, userID)
			}
		}
		r.usersMu.Unlock()
	}
	e.mu.Unlock()

	if userID != "" {
		r.publish(userID, false)
	}
}

// Members returns a snapshot of the sessions subscribed to chatID.
func (r *Registry) Members(chatID string) []*Session {
	r.roomsMu.Lock()
	rm := r.rooms[chatID]
	r.roomsMu.Unlock()
	if rm == nil {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]*Session, 0, len(rm.members))
	for _, s := range rm.members {
		out = append(out, s)
	}
	return out
}

// InRoom reports whether connID is subscribed to chatID.
func (r *Registry) InRoom(connID, chatID string) bool {
	r.roomsMu.Lock()
	rm := r.rooms[chatID]
	r.roomsMu.Unlock()
	if rm == nil {
		return false
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.members[connID]
	return ok
}

// Presence returns a snapshot of userID's live connections.
func (r *Registry) Presence(userID string) []*Session {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()

	set := r.users[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// IsPresent reports whether userID has at least one live connection here.
func (r *Registry) IsPresent(userID string) bool {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()
	return len(r.users[userID]) > 0
}

// RoomsOf returns the sorted chat ids connID has joined.
func (r *Registry) RoomsOf(connID string) []string {
	e := r.entry(connID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	out := make([]string, 0, len(e.rooms))
	for id := range e.rooms {
		out = append(out, id)
	}
	e.mu.Unlock()

	sort.Strings(out)
	return out
}

// RegistryStats is a point-in-time size snapshot.
type RegistryStats struct {
	Connections int
	Rooms       int
	Users       int
}

// Stats returns current sizes.
func (r *Registry) Stats() RegistryStats {
	var st RegistryStats

	r.connsMu.Lock()
	st.Connections = len(r.conns)
	r.connsMu.Unlock()

	r.roomsMu.Lock()
	st.Rooms = len(r.rooms)
	r.roomsMu.Unlock()

	r.usersMu.RLock()
	st.Users = len(r.users)
	r.usersMu.RUnlock()

	return st
}

// Close refuses new connections, closes every live session and tears it down.
func (r *Registry) Close() {
	r.connsMu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.conns))
	sessions := make([]*Session, 0, len(r.conns))
	for id, e := range r.conns {
		ids = append(ids, id)
		sessions = append(sessions, e.session)
	}
	r.connsMu.Unlock()

	for i, id := range ids {
		sessions[i].Close()
		r.Unregister(id)
	}
	r.log.Info("registry.closed", "connections", len(ids))
}

// roomFor returns the live room for chatID, creating it if needed.
func (r *Registry) roomFor(chatID string) *room {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	rm := r.rooms[chatID]
	if rm == nil {
		rm = &room{members: make(map[string]*Session)}
		r.rooms[chatID] = rm
	}
	return rm
}

// removeFromRoom deletes connID from chatID and drops the room when empty.
// Callers hold the connection lock.
func (r *Registry) removeFromRoom(chatID, connID string) {
	r.roomsMu.Lock()
	rm := r.rooms[chatID]
	r.roomsMu.Unlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.members, connID)
	if len(rm.members) == 0 && !rm.dead {
		rm.dead = true
		r.roomsMu.Lock()
		if r.rooms[chatID] == rm {
			delete(r.rooms, chatID)
		}
		r.roomsMu.Unlock()
	}
}

func (r *Registry) publish(userID string, online bool) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.mirrorTimeout)
	defer cancel()

	var err error
	if online {
		err = r.mirror.Online(ctx, userID)
	} else {
		err = r.mirror.Offline(ctx, userID)
	}
	if err != nil {
		r.log.Warn("presence.mirror.fail", "user_id", userID, "online", online, "err", err)
	}
}
