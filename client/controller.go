package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "classchat/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

var (
	ErrClosed     = errors.New("chatclient: controller closed")
	ErrRunning    = errors.New("chatclient: controller already running")
	ErrNotReady   = errors.New("chatclient: not ready")
	ErrOutboxFull = errors.New("chatclient: outbox full")
	ErrRejected   = errors.New("chatclient: identity rejected")
)

// ServerError is a generic error envelope from the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "server error: " + e.Code
	}
	return "server error: " + e.Code + ": " + e.Message
}

// Config configures a Controller.
type Config struct {
	UserID    string
	Role      string
	Transport Transport
	Reconnect ReconnectPolicy

	IdentifyTimeout time.Duration
	WriteTimeout    time.Duration
	OutboxSize      int
	// HistoryPageSize is used for the catch-up fetch after each reconnect.
	HistoryPageSize int

	// Ledger defaults to NewLedger(UserID).
	Ledger *Ledger
	Logger *slog.Logger
}

// UpdateKind classifies an Update.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateTimeline
	UpdateNotification
	UpdateTyping
	UpdateRoom
	UpdateError
)

// Update is pushed on Updates for the UI layer.
type Update struct {
	Kind         UpdateKind
	State        State
	ChatID       string
	Entry        Entry
	Notification *v1.NotificationPayload
	Typing       *v1.TypingPayload
	Err          error
}

// outItem is one queued frame. Sends reference the ledger by local id and
// are encoded at flush time. Control frames (join, leave, history) carry
// their envelope and are dropped on reconnect since room replay covers them.
type outItem struct {
	localID string
	env     v1.Envelope
}

// Controller is the client session state machine.
type Controller struct {
	cfg    Config
	log    *slog.Logger
	ledger *Ledger

	mu      sync.Mutex
	state   State
	lastErr error
	connID  string
	running bool
	cancel  context.CancelFunc
	rooms   map[string]struct{}
	outbox  []outItem

	wake      chan struct{}
	reconnect chan struct{}
	updates   chan Update
	dropped   atomic.Int64
	closeOnce sync.Once
}

// New returns a Controller in StateDisconnected. Call Run to connect.
func New(cfg Config) (*Controller, error) {
	cfg.UserID = strings.TrimSpace(cfg.UserID)
	if cfg.UserID == "" {
		return nil, errors.New("chatclient: user id required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("chatclient: transport required")
	}
	if cfg.IdentifyTimeout <= 0 {
		cfg.IdentifyTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 256
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}
	cfg.Reconnect = cfg.Reconnect.normalized()

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = NewLedger(cfg.UserID)
	}

	return &Controller{
		cfg:       cfg,
		log:       log.With("user_id", cfg.UserID),
		ledger:    ledger,
		state:     StateDisconnected,
		rooms:     make(map[string]struct{}),
		wake:      make(chan struct{}, 1),
		reconnect: make(chan struct{}, 1),
		updates:   make(chan Update, 256),
	}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent connection error.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ConnectionID is the server-assigned id of the current connection.
func (c *Controller) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Ledger returns the optimistic timeline.
func (c *Controller) Ledger() *Ledger { return c.ledger }

// Updates delivers state and timeline changes. Updates are dropped when the
// channel is full; the ledger stays authoritative.
func (c *Controller) Updates() <-chan Update { return c.updates }

// DroppedUpdates counts updates lost to a full channel.
func (c *Controller) DroppedUpdates() int64 { return c.dropped.Load() }

// Rooms returns the remembered rooms, sorted.
func (c *Controller) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Join remembers chatID and subscribes when ready. Remembered rooms are
// replayed after every reconnect.
func (c *Controller) Join(chatID string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return ErrNoTarget
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.rooms[chatID] = struct{}{}
	ready := c.state == StateReady
	c.mu.Unlock()

	if ready {
		return c.enqueueControl(v1.TypeJoinRoom, v1.RoomPayload{ChatID: chatID})
	}
	return nil
}

// Leave forgets chatID and unsubscribes when ready.
func (c *Controller) Leave(chatID string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	delete(c.rooms, chatID)
	ready := c.state == StateReady
	c.mu.Unlock()

	if ready {
		return c.enqueueControl(v1.TypeLeaveRoom, v1.RoomPayload{ChatID: chatID})
	}
	return nil
}

// Send adds a pending entry and queues it. It never blocks on the network:
// while disconnected the send waits in the outbox and is flushed in order
// once ready.
func (c *Controller) Send(t Target, body string) (Entry, error) {
	return c.send(t, body, "")
}

// SendAttachment sends a completed upload, optionally with a caption.
func (c *Controller) SendAttachment(t Target, body, uploadID string) (Entry, error) {
	if strings.TrimSpace(uploadID) == "" {
		return Entry{}, ErrEmptySend
	}
	return c.send(t, body, uploadID)
}

func (c *Controller) send(t Target, body, uploadID string) (Entry, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return Entry{}, ErrClosed
	}
	if len(c.outbox) >= c.cfg.OutboxSize {
		c.mu.Unlock()
		return Entry{}, ErrOutboxFull
	}
	e, err := c.ledger.AddPending(t, body, uploadID)
	if err != nil {
		c.mu.Unlock()
		return Entry{}, err
	}
	c.outbox = append(c.outbox, outItem{localID: e.LocalID})
	c.mu.Unlock()

	c.emit(Update{Kind: UpdateTimeline, ChatID: e.Target.ChatID, Entry: e})
	c.kick()
	return e, nil
}

// Retry re-queues a failed send.
func (c *Controller) Retry(localID string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return Entry{}, ErrClosed
	}
	if len(c.outbox) >= c.cfg.OutboxSize {
		return Entry{}, ErrOutboxFull
	}
	e, err := c.ledger.Retry(localID)
	if err != nil {
		return e, err
	}
	c.outbox = append(c.outbox, outItem{localID: e.LocalID})
	c.kick()
	return e, nil
}

// Typing relays typing state. It is dropped unless ready.
func (c *Controller) Typing(chatID string, isTyping bool) error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	return c.enqueueControl(v1.TypeTyping, v1.TypingPayload{ChatID: chatID, IsTyping: isTyping})
}

// FetchHistory requests one page of history; results land in the ledger.
func (c *Controller) FetchHistory(chatID string, page, pageSize int) error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	return c.enqueueControl(v1.TypeHistoryFetch, v1.HistoryFetchPayload{ChatID: chatID, Page: page, PageSize: pageSize})
}

// Reconnect leaves StateFailed and starts a fresh set of attempts.
func (c *Controller) Reconnect() error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != StateFailed {
		return fmt.Errorf("%w: reconnect from %s", ErrInvalidTransition, st)
	}
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
	return nil
}

// Close stops Run and moves to StateClosed. It is idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.emit(Update{Kind: UpdateState, State: StateClosed})
	})
	return nil
}

// Run connects and keeps the session alive until ctx is done or Close is
// called. It returns ctx.Err() on cancellation and nil after Close.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	switch {
	case c.state == StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case c.running:
		c.mu.Unlock()
		return ErrRunning
	}
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	go c.sweepLoop(ctx)

	bo := c.cfg.Reconnect.newBackOff()
	for {
		if err := ctx.Err(); err != nil {
			return c.stopped(err)
		}

		if !c.fire(EventDial) {
			return c.stopped(ctx.Err())
		}
		conn, err := c.cfg.Transport.Dial(ctx)
		if err != nil {
			c.setErr(err)
			c.fire(EventDialFailed)
			c.log.Info("client.dial.fail", "err", err)
			if errors.Is(err, ErrUnauthorized) {
				c.fire(EventGiveUp)
				if !c.waitReconnect(ctx) {
					return c.stopped(ctx.Err())
				}
				bo.Reset()
				continue
			}
		} else {
			c.fire(EventDialed)
			ready, err := c.session(ctx, conn)
			_ = conn.Close()
			if err != nil && ctx.Err() == nil {
				c.setErr(err)
				c.log.Info("client.session.end", "err", err)
			}
			if errors.Is(err, ErrRejected) {
				if !c.waitReconnect(ctx) {
					return c.stopped(ctx.Err())
				}
				bo.Reset()
				continue
			}
			c.fire(EventLost)
			if ready {
				bo.Reset()
			}
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			c.fire(EventGiveUp)
			c.log.Warn("client.reconnect.exhausted", "attempts", c.cfg.Reconnect.MaxAttempts)
			if !c.waitReconnect(ctx) {
				return c.stopped(ctx.Err())
			}
			bo.Reset()
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return c.stopped(ctx.Err())
		case <-t.C:
		}
	}
}

// stopped finishes Run: nil after Close, err otherwise.
func (c *Controller) stopped(err error) error {
	c.mu.Lock()
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return nil
	}
	_ = c.Close()
	return err
}

func (c *Controller) waitReconnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.reconnect:
		return true
	}
}

// session runs one connection. ready reports whether it reached StateReady.
func (c *Controller) session(parent context.Context, conn Conn) (ready bool, err error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if !c.fire(EventIdentify) {
		return false, ErrClosed
	}
	connID, err := c.identify(ctx, conn)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			c.fire(EventRejected)
		}
		return false, err
	}

	c.mu.Lock()
	c.connID = connID
	c.lastErr = nil
	kept := c.outbox[:0]
	for _, it := range c.outbox {
		if it.localID != "" {
			kept = append(kept, it)
		}
	}
	c.outbox = kept
	c.mu.Unlock()

	if !c.fire(EventIdentified) {
		return false, ErrClosed
	}

	if err := c.replayRooms(ctx, conn); err != nil {
		return true, err
	}

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx, conn) }()

	for {
		if err := c.flush(ctx, conn); err != nil {
			return true, err
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-readErr:
			return true, err
		case <-c.wake:
		}
	}
}

func (c *Controller) identify(ctx context.Context, conn Conn) (string, error) {
	ictx, cancel := context.WithTimeout(ctx, c.cfg.IdentifyTimeout)
	defer cancel()

	env, err := newEnvelope(v1.TypeIdentify, v1.IdentifyPayload{UserID: c.cfg.UserID, Role: c.cfg.Role})
	if err != nil {
		return "", err
	}
	if err := conn.Write(ictx, env); err != nil {
		return "", err
	}

	for {
		env, err := conn.Read(ictx)
		if errors.Is(err, errBadFrame) {
			continue
		}
		if err != nil {
			return "", err
		}
		switch env.Type {
		case v1.TypeIdentified:
			var p v1.IdentifiedPayload
			if err := env.Decode(&p); err != nil {
				return "", err
			}
			return p.ConnectionID, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			se := &ServerError{Code: p.Code, Message: p.Message}
			if p.Code == "unauthenticated" {
				return "", fmt.Errorf("%w: %v", ErrRejected, se)
			}
			return "", se
		}
	}
}

// replayRooms re-subscribes every remembered room and fetches its newest
// page so messages missed during the gap reach the ledger.
func (c *Controller) replayRooms(ctx context.Context, conn Conn) error {
	for _, chatID := range c.Rooms() {
		join, err := newEnvelope(v1.TypeJoinRoom, v1.RoomPayload{ChatID: chatID})
		if err != nil {
			return err
		}
		if err := c.write(ctx, conn, join); err != nil {
			return err
		}
		fetch, err := newEnvelope(v1.TypeHistoryFetch, v1.HistoryFetchPayload{ChatID: chatID, Page: 1, PageSize: c.cfg.HistoryPageSize})
		if err != nil {
			return err
		}
		if err := c.write(ctx, conn, fetch); err != nil {
			return err
		}
	}
	return nil
}

// flush writes queued items in order. A failed write leaves the item at the
// head for the next connection.
func (c *Controller) flush(ctx context.Context, conn Conn) error {
	for {
		c.mu.Lock()
		if len(c.outbox) == 0 {
			c.mu.Unlock()
			return nil
		}
		it := c.outbox[0]
		c.mu.Unlock()

		env, skip, err := c.encode(it)
		if err != nil {
			return err
		}
		if !skip {
			if err := c.write(ctx, conn, env); err != nil {
				return err
			}
		}

		c.mu.Lock()
		c.outbox = c.outbox[1:]
		c.mu.Unlock()
		if it.localID != "" && !skip {
			c.ledger.MarkWritten(it.localID, c.ledger.now())
		}
	}
}

func (c *Controller) encode(it outItem) (v1.Envelope, bool, error) {
	if it.localID == "" {
		return it.env, false, nil
	}
	e, ok := c.ledger.Get(it.localID)
	if !ok || e.State != EntryPending {
		return v1.Envelope{}, true, nil
	}
	p := v1.SendMessagePayload{
		ChatID:    e.Target.ChatID,
		SenderID:  c.cfg.UserID,
		Body:      e.Body,
		ClientRef: e.LocalID,
	}
	if p.ChatID == "" {
		p.RecipientID = e.Target.RecipientID
	}
	if e.UploadID != "" {
		p.Attachment = &v1.AttachmentInput{UploadID: e.UploadID}
	}
	env, err := newEnvelope(v1.TypeSendMessage, p)
	return env, false, err
}

func (c *Controller) write(ctx context.Context, conn Conn, env v1.Envelope) error {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, env)
}

func (c *Controller) readLoop(ctx context.Context, conn Conn) error {
	for {
		env, err := conn.Read(ctx)
		if errors.Is(err, errBadFrame) {
			c.log.Warn("client.frame.bad", "err", err)
			continue
		}
		if err != nil {
			return err
		}
		c.handle(env)
	}
}

func (c *Controller) handle(env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessage:
		var m v1.Message
		if err := env.Decode(&m); err != nil {
			c.log.Warn("client.decode.fail", "type", env.Type, "err", err)
			return
		}
		c.reconcile(m)

	case v1.TypeHistoryChunk:
		var p v1.HistoryChunkPayload
		if err := env.Decode(&p); err != nil {
			c.log.Warn("client.decode.fail", "type", env.Type, "err", err)
			return
		}
		for _, m := range p.Messages {
			c.reconcile(m)
		}

	case v1.TypeNotification:
		var p v1.NotificationPayload
		if err := env.Decode(&p); err != nil {
			c.log.Warn("client.decode.fail", "type", env.Type, "err", err)
			return
		}
		c.ledger.Reconcile(p.Message)
		c.emit(Update{Kind: UpdateNotification, ChatID: p.ChatID, Notification: &p})

	case v1.TypeSendError:
		var p v1.SendErrorPayload
		if err := env.Decode(&p); err != nil {
			c.log.Warn("client.decode.fail", "type", env.Type, "err", err)
			return
		}
		if p.ClientRef == "" {
			c.emit(Update{Kind: UpdateError, ChatID: p.ChatID, Err: &ServerError{Code: p.Reason, Message: p.Message}})
			return
		}
		e, err := c.ledger.MarkFailed(p.ClientRef, p.Reason)
		if err != nil {
			return
		}
		c.emit(Update{Kind: UpdateTimeline, ChatID: e.Target.ChatID, Entry: e})

	case v1.TypeTyping:
		var p v1.TypingPayload
		if err := env.Decode(&p); err == nil {
			c.emit(Update{Kind: UpdateTyping, ChatID: p.ChatID, Typing: &p})
		}

	case v1.TypeRoomJoined, v1.TypeRoomLeft:
		var p v1.RoomPayload
		if err := env.Decode(&p); err == nil {
			c.emit(Update{Kind: UpdateRoom, ChatID: p.ChatID})
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = env.Decode(&p)
		c.emit(Update{Kind: UpdateError, Err: &ServerError{Code: p.Code, Message: p.Message}})
	}
}

func (c *Controller) reconcile(m v1.Message) {
	res := c.ledger.Reconcile(m)
	if res.Seen && res.Collapsed == "" {
		return
	}
	c.emit(Update{Kind: UpdateTimeline, ChatID: m.ChatID, Entry: res.Entry})
}

func (c *Controller) sweepLoop(ctx context.Context) {
	every := c.ledger.ackTimeout / 2
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, e := range c.ledger.Sweep(c.ledger.now()) {
				c.emit(Update{Kind: UpdateTimeline, ChatID: e.Target.ChatID, Entry: e})
			}
		}
	}
}

func (c *Controller) enqueueControl(typ string, payload any) error {
	env, err := newEnvelope(typ, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbox) >= c.cfg.OutboxSize {
		return ErrOutboxFull
	}
	c.outbox = append(c.outbox, outItem{env: env})
	c.kick()
	return nil
}

// fire applies e and publishes the new state. It reports false when the
// state machine refused the event.
func (c *Controller) fire(e Event) bool {
	c.mu.Lock()
	next, err := Transition(c.state, e)
	if err != nil {
		c.mu.Unlock()
		c.log.Debug("client.transition.refused", "err", err)
		return false
	}
	c.state = next
	c.mu.Unlock()

	c.emit(Update{Kind: UpdateState, State: next})
	return true
}

func (c *Controller) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Controller) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) emit(u Update) {
	select {
	case c.updates <- u:
	default:
		c.dropped.Add(1)
	}
}

func newEnvelope(typ string, payload any) (v1.Envelope, error) {
	now := time.Now().UTC()
	return v1.NewEnvelope(typ, uuid.NewString(), now, payload)
}
