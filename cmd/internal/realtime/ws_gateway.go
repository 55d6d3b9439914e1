package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"classchat/cmd/identity"
	"classchat/cmd/internal/auth"
	"classchat/cmd/internal/metrics"
	v1 "classchat/shared/contracts/realtime/v1"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
	wsSendTimeout     = 15 * time.Second
)

// GatewayDeps are the collaborators of a WSGateway.
type GatewayDeps struct {
	Registry *Registry
	Pipeline *Pipeline
	// Attachments enables send_message with an upload reference. Optional.
	Attachments *AttachmentCoordinator
	// Resolver verifies the bearer credential before the upgrade. When nil,
	// identify is trusted as-is (development only).
	Resolver auth.Resolver
}

// WSGateway is the websocket entrypoint.
//
// Per connection it runs a read loop, a writer draining the session queue, a
// heartbeat, and a send worker that takes persistence off the read loop.
type WSGateway struct {
	log         *slog.Logger
	cfg         GatewayConfig
	registry    *Registry
	pipeline    *Pipeline
	attachments *AttachmentCoordinator
	resolver    auth.Resolver

	// Derived for websocket.Accept origin checks. Accept authorizes same-host
	// origins by default; cross-origin requests need OriginPatterns.
	originPatterns []string

	wg sync.WaitGroup
}

// NewWSGateway constructs a gateway. Registry and Pipeline are required.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, deps GatewayDeps) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()
	return &WSGateway{
		log:            log,
		cfg:            cfg,
		registry:       deps.Registry,
		pipeline:       deps.Pipeline,
		attachments:    deps.Attachments,
		resolver:       deps.Resolver,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// Wait blocks until every connection handler has returned.
func (g *WSGateway) Wait() { g.wg.Wait() }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

type sendJob struct {
	payload v1.SendMessagePayload
}

// connState is the per-connection context shared by the handlers.
type connState struct {
	ctx       context.Context
	sess      *Session
	principal *identity.Principal
	sends     chan sendJob
}

// HandleWS upgrades an HTTP request and runs the session until it closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	g.wg.Add(1)
	defer g.wg.Done()

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var principal *identity.Principal
	if g.resolver != nil {
		p, err := auth.ResolveRequest(r, g.resolver)
		if err != nil {
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		principal = &p
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.cfg.MaxMessageBytes)

	connID, err := NewConnectionID(time.Now())
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	sess := NewSession(connID, g.cfg.SendQueueSize)
	if err := g.registry.Attach(sess); err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "shutting down")
		return
	}

	metrics.ConnectionsOpen.Inc()
	defer metrics.ConnectionsOpen.Dec()

	log := g.log.With("conn_id", connID)
	log.Info("ws.open", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Registry teardown happens before the session
	// is closed so fanout never targets a dead session for long.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.Unregister(connID)
			sess.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("ws.close", "code", code, "reason", reason)
		})
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("ws.panic", "panic", rec, "stack", string(debug.Stack()))
		}
		shutdown(websocket.StatusInternalError, "internal error")
	}()

	cs := &connState{
		ctx:       ctx,
		sess:      sess,
		principal: principal,
		sends:     make(chan sendJob, maxPendingSends),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case env := <-sess.Outbound():
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-cs.sends:
				g.handleSend(cs, job)
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(sess, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.sendError(sess, ErrRateLimited.Error(), "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(sess, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeIdentify:
			err = g.onIdentify(cs, env)
		case v1.TypeJoinRoom:
			err = g.onJoin(cs, env)
		case v1.TypeLeaveRoom:
			err = g.onLeave(cs, env)
		case v1.TypeSendMessage:
			g.onSendMessage(cs, env)
		case v1.TypeTyping:
			err = g.onTyping(cs, env)
		case v1.TypeHistoryFetch:
			err = g.onHistoryFetch(cs, env)
		default:
			g.sendError(sess, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
		if err != nil {
			g.sendError(sess, ReasonOf(err), errMessage(err))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	<-senderDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onIdentify(cs *connState, env v1.Envelope) error {
	const op = "realtime.WSGateway.identify"

	var p v1.IdentifyPayload
	if err := env.Decode(&p); err != nil {
		return opErr(op, ErrInvalidMessage, err.Error())
	}
	userID := strings.TrimSpace(p.UserID)

	var role identity.Role
	if cs.principal != nil {
		if userID != "" && userID != cs.principal.UserID {
			return opErr(op, ErrUnauthenticated, "user id does not match credential")
		}
		userID, role = cs.principal.UserID, cs.principal.Role
	} else {
		role = identity.RoleLearner
		if p.Role != "" {
			r, err := identity.ParseRole(p.Role)
			if err != nil {
				return opErr(op, ErrUnauthenticated, err.Error())
			}
			role = r
		}
	}

	if err := cs.sess.Identify(userID, role); err != nil {
		return err
	}
	if err := g.registry.Register(userID, cs.sess.ID()); err != nil {
		return err
	}
	metrics.SessionsIdentified.Inc()
	g.log.Info("ws.identified", "conn_id", cs.sess.ID(), "user_id", userID, "role", role)

	g.reply(cs.sess, v1.TypeIdentified, v1.IdentifiedPayload{
		ConnectionID: cs.sess.ID(),
		UserID:       userID,
		Role:         role.String(),
	})
	return nil
}

func (g *WSGateway) onJoin(cs *connState, env v1.Envelope) error {
	const op = "realtime.WSGateway.join"

	userID, _, err := cs.sess.identified(op)
	if err != nil {
		return err
	}
	var p v1.RoomPayload
	if err := env.Decode(&p); err != nil {
		return opErr(op, ErrInvalidMessage, err.Error())
	}
	chatID := strings.TrimSpace(p.ChatID)
	if chatID == "" {
		return opErr(op, ErrInvalidMessage, "missing chat_id")
	}

	if g.cfg.RequireMembership {
		chat, err := g.pipeline.Store().GetChat(cs.ctx, chatID)
		if err != nil {
			if errors.Is(err, ErrChatNotFound) {
				return opErr(op, ErrChatNotFound, chatID)
			}
			return opErr(op, ErrStorageUnavailable, err.Error())
		}
		if !chat.Has(userID) {
			return opErr(op, ErrNotParticipant, "")
		}
	}

	if err := g.registry.Join(cs.sess.ID(), chatID); err != nil {
		return err
	}
	metrics.RoomJoins.Inc()
	g.log.Debug("room.join", "conn_id", cs.sess.ID(), "chat_id", chatID)

	g.reply(cs.sess, v1.TypeRoomJoined, v1.RoomPayload{ChatID: chatID})
	return nil
}

func (g *WSGateway) onLeave(cs *connState, env v1.Envelope) error {
	const op = "realtime.WSGateway.leave"

	if _, _, err := cs.sess.identified(op); err != nil {
		return err
	}
	var p v1.RoomPayload
	if err := env.Decode(&p); err != nil {
		return opErr(op, ErrInvalidMessage, err.Error())
	}
	chatID := strings.TrimSpace(p.ChatID)
	g.registry.Leave(cs.sess.ID(), chatID)
	g.log.Debug("room.leave", "conn_id", cs.sess.ID(), "chat_id", chatID)

	g.reply(cs.sess, v1.TypeRoomLeft, v1.RoomPayload{ChatID: chatID})
	return nil
}

// onSendMessage validates on the read loop and hands the write to the send
// worker, so slow storage never stalls reads.
func (g *WSGateway) onSendMessage(cs *connState, env v1.Envelope) {
	const op = "realtime.WSGateway.send"

	var p v1.SendMessagePayload
	if err := env.Decode(&p); err != nil {
		g.sendFailure(cs.sess, p, opErr(op, ErrInvalidMessage, err.Error()))
		return
	}
	userID, _, err := cs.sess.identified(op)
	if err != nil {
		g.sendFailure(cs.sess, p, err)
		return
	}
	if p.SenderID != "" && p.SenderID != userID {
		g.sendFailure(cs.sess, p, opErr(op, ErrUnauthenticated, "sender_id does not match session"))
		return
	}

	select {
	case cs.sends <- sendJob{payload: p}:
	default:
		g.sendFailure(cs.sess, p, opErr(op, ErrRateLimited, "too many pending sends"))
	}
}

func (g *WSGateway) handleSend(cs *connState, job sendJob) {
	const op = "realtime.WSGateway.send"

	userID, role, err := cs.sess.identified(op)
	if err != nil {
		g.sendFailure(cs.sess, job.payload, err)
		return
	}

	// The write outlives the connection so a message that reaches storage
	// still reaches the other members.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(cs.ctx), wsSendTimeout)
	defer cancel()

	p := job.payload
	if p.Attachment != nil && strings.TrimSpace(p.Attachment.UploadID) != "" {
		if g.attachments == nil {
			g.sendFailure(cs.sess, p, opErr(op, ErrAttachmentRejected, "attachments disabled"))
			return
		}
		_, err = g.attachments.Finalize(ctx, FinalizeRequest{
			UploadID:    p.Attachment.UploadID,
			ChatID:      p.ChatID,
			RecipientID: p.RecipientID,
			SenderID:    userID,
			SenderRole:  role,
			Body:        p.Body,
			ClientRef:   p.ClientRef,
			Origin:      cs.sess,
		})
	} else {
		_, err = g.pipeline.Submit(ctx, SendRequest{
			ChatID:      p.ChatID,
			RecipientID: p.RecipientID,
			SenderID:    userID,
			SenderRole:  role,
			Body:        p.Body,
			ClientRef:   p.ClientRef,
			Origin:      cs.sess,
		})
	}
	if err != nil {
		g.sendFailure(cs.sess, p, err)
	}
}

func (g *WSGateway) onTyping(cs *connState, env v1.Envelope) error {
	const op = "realtime.WSGateway.typing"

	userID, _, err := cs.sess.identified(op)
	if err != nil {
		return err
	}
	var p v1.TypingPayload
	if err := env.Decode(&p); err != nil {
		return opErr(op, ErrInvalidMessage, err.Error())
	}
	if !g.registry.InRoom(cs.sess.ID(), p.ChatID) {
		return opErr(op, ErrNotParticipant, "join the room first")
	}

	now := time.Now().UTC()
	out, err := v1.NewEnvelope(v1.TypeTyping, NewEnvelopeID(now), now, v1.TypingPayload{
		ChatID:   p.ChatID,
		UserID:   userID,
		IsTyping: p.IsTyping,
	})
	if err != nil {
		return err
	}
	for _, s := range g.registry.Members(p.ChatID) {
		if s.ID() != cs.sess.ID() {
			_ = s.Enqueue(out)
		}
	}
	return nil
}

func (g *WSGateway) onHistoryFetch(cs *connState, env v1.Envelope) error {
	const op = "realtime.WSGateway.history"

	userID, _, err := cs.sess.identified(op)
	if err != nil {
		return err
	}
	var p v1.HistoryFetchPayload
	if err := env.Decode(&p); err != nil {
		return opErr(op, ErrInvalidMessage, err.Error())
	}

	chat, err := g.pipeline.Store().GetChat(cs.ctx, p.ChatID)
	if err != nil {
		if errors.Is(err, ErrChatNotFound) {
			return opErr(op, ErrChatNotFound, p.ChatID)
		}
		return opErr(op, ErrStorageUnavailable, err.Error())
	}
	if !chat.Has(userID) {
		return opErr(op, ErrNotParticipant, "")
	}

	page, err := g.pipeline.Store().ListMessages(cs.ctx, ListMessagesInput{
		ChatID:   chat.ID,
		Page:     p.Page,
		PageSize: p.PageSize,
	})
	if err != nil {
		return opErr(op, ErrStorageUnavailable, err.Error())
	}
	if g.attachments != nil {
		g.attachments.Resign(cs.ctx, page.Messages)
	}

	msgs := make([]v1.Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		msgs = append(msgs, m.Wire(""))
	}
	g.reply(cs.sess, v1.TypeHistoryChunk, v1.HistoryChunkPayload{
		ChatID:   chat.ID,
		Page:     page.Page,
		PageSize: page.PageSize,
		Total:    page.Total,
		HasMore:  page.HasMore,
		Messages: msgs,
	})
	return nil
}

// ---- send helpers ----

func (g *WSGateway) reply(s *Session, typ string, payload any) {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(now), now, payload)
	if err != nil {
		g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return
	}
	if !s.Enqueue(env) {
		g.log.Info("ws.enqueue.drop", "conn_id", s.ID(), "type", typ)
	}
}

func (g *WSGateway) sendError(s *Session, code, msg string) {
	g.reply(s, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

func (g *WSGateway) sendFailure(s *Session, p v1.SendMessagePayload, err error) {
	reason := ReasonOf(err)
	metrics.SendErrors.WithLabelValues(reason).Inc()
	g.log.Info("send.reject", "conn_id", s.ID(), "chat_id", p.ChatID, "reason", reason, "err", err)

	g.reply(s, v1.TypeSendError, v1.SendErrorPayload{
		Reason:    reason,
		ChatID:    p.ChatID,
		ClientRef: p.ClientRef,
		Message:   errMessage(err),
	})
}

// errMessage returns the client-safe detail of err.
func errMessage(err error) string {
	if errors.Is(err, ErrStorageUnavailable) {
		return "storage unavailable, retry later"
	}
	var oe OpError
	if errors.As(err, &oe) {
		return oe.Msg
	}
	return ""
}

// ---- envelope IO ----

var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins extracts the hosts websocket.Accept
// matches OriginPatterns against.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "*" {
			return []string{"*"}
		}
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
