package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"classchat/cmd/identity"
	"classchat/cmd/internal/auth"
	"classchat/cmd/internal/realtime"
)

// PresenceChecker answers cross-process presence (the Redis mirror).
type PresenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Pipeline    *realtime.Pipeline
	Registry    *realtime.Registry
	Attachments *realtime.AttachmentCoordinator // optional
	Presence    PresenceChecker                 // optional
}

// Handler serves the fallback HTTP surface. Every route expects a principal
// in the request context (see auth.RequireBearer / auth.TrustHeaders).
type Handler struct {
	log     *slog.Logger
	cfg     Config
	deps    Deps
	limiter *userLimiter
	now     func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, deps Deps) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if deps.Pipeline == nil {
		return nil, errors.New("chatapi: nil pipeline")
	}
	cfg = cfg.normalized()
	return &Handler{
		log:     log,
		cfg:     cfg,
		deps:    deps,
		limiter: newUserLimiter(cfg.RateEvents, cfg.RateWindow),
		now:     time.Now,
	}, nil
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/chats", h.handleCreateChat)
	mux.HandleFunc("GET /v1/chats/{id}/messages", h.handleListMessages)
	mux.HandleFunc("POST /v1/messages", h.handleSendMessage)
	mux.HandleFunc("POST /v1/uploads", h.handleBeginUpload)
	mux.HandleFunc("PUT /v1/uploads/{id}", h.handleUpload)
	mux.HandleFunc("POST /v1/uploads/{id}/finalize", h.handleFinalize)
	mux.HandleFunc("GET /v1/presence/{userId}", h.handlePresence)
}

// ---- handlers ----

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, true)
	if !ok {
		return
	}

	var req createChatRequest
	if !readBody(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	chat, created, err := realtime.ResolveChat(r.Context(), h.deps.Pipeline.Store(), p.UserID, req.ParticipantID, strings.TrimSpace(req.Context), h.now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.Info("chat.created", "chat_id", chat.ID, "by", p.UserID)
	}
	writeJSON(w, status, createChatResponse{Chat: toChatResponse(chat), Created: created})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, false)
	if !ok {
		return
	}

	chatID := r.PathValue("id")
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidQuery, "page must be an integer")
		return
	}
	size, err := queryInt(r, "page_size")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidQuery, "page_size must be an integer")
		return
	}

	store := h.deps.Pipeline.Store()
	chat, err := store.GetChat(r.Context(), chatID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !chat.Has(p.UserID) {
		writeError(w, http.StatusForbidden, "not_participant", "not a participant of this chat")
		return
	}

	out, err := store.ListMessages(r.Context(), realtime.ListMessagesInput{ChatID: chat.ID, Page: page, PageSize: size})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if h.deps.Attachments != nil {
		h.deps.Attachments.Resign(r.Context(), out.Messages)
	}
	writeJSON(w, http.StatusOK, toPage(out, chat.ID))
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, true)
	if !ok {
		return
	}

	var req sendMessageRequest
	if !readBody(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	ctx, cancel := h.sendContext(r)
	defer cancel()

	var (
		res realtime.SendResult
		err error
	)
	if strings.TrimSpace(req.UploadID) != "" {
		if h.deps.Attachments == nil {
			writeError(w, http.StatusNotImplemented, codeAttachmentsOff, "attachments are not configured")
			return
		}
		res, err = h.deps.Attachments.Finalize(ctx, realtime.FinalizeRequest{
			UploadID:    req.UploadID,
			ChatID:      req.ChatID,
			RecipientID: req.RecipientID,
			SenderID:    p.UserID,
			SenderRole:  p.Role,
			Body:        req.Body,
			ClientRef:   req.ClientRef,
		})
	} else {
		res, err = h.deps.Pipeline.Submit(ctx, realtime.SendRequest{
			ChatID:      req.ChatID,
			RecipientID: req.RecipientID,
			SenderID:    p.UserID,
			SenderRole:  p.Role,
			Body:        req.Body,
			ClientRef:   req.ClientRef,
		})
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSendResult(w, res, req.ClientRef)
}

func (h *Handler) handleBeginUpload(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, true)
	if !ok {
		return
	}
	if h.deps.Attachments == nil {
		writeError(w, http.StatusNotImplemented, codeAttachmentsOff, "attachments are not configured")
		return
	}

	var req beginUploadRequest
	if !readBody(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	target, err := h.deps.Attachments.BeginUpload(r.Context(), realtime.FileMeta{
		OwnerID:  p.UserID,
		Name:     req.Name,
		MimeType: req.MimeType,
		Size:     req.Size,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, target)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, false)
	if !ok {
		return
	}
	if h.deps.Attachments == nil {
		writeError(w, http.StatusNotImplemented, codeAttachmentsOff, "attachments are not configured")
		return
	}
	defer func() { _ = r.Body.Close() }()

	uploadID := r.PathValue("id")
	body := http.MaxBytesReader(w, r.Body, h.deps.Attachments.Policy().MaxBytes)
	obj, err := h.deps.Attachments.Upload(r.Context(), uploadID, p.UserID, body, r.ContentLength)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "attachment_rejected", "file too large")
			return
		}
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadStoredResponse{UploadID: uploadID, Path: obj.Path, Size: obj.Size})
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, true)
	if !ok {
		return
	}
	if h.deps.Attachments == nil {
		writeError(w, http.StatusNotImplemented, codeAttachmentsOff, "attachments are not configured")
		return
	}

	var req finalizeRequest
	if !readBody(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	ctx, cancel := h.sendContext(r)
	defer cancel()

	res, err := h.deps.Attachments.Finalize(ctx, realtime.FinalizeRequest{
		UploadID:    r.PathValue("id"),
		ChatID:      req.ChatID,
		RecipientID: req.RecipientID,
		SenderID:    p.UserID,
		SenderRole:  p.Role,
		Body:        req.Body,
		ClientRef:   req.ClientRef,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSendResult(w, res, req.ClientRef)
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.principal(w, r, false); !ok {
		return
	}

	userID := strings.TrimSpace(r.PathValue("userId"))
	online := h.deps.Registry != nil && h.deps.Registry.IsPresent(userID)
	if !online && h.deps.Presence != nil {
		remote, err := h.deps.Presence.IsOnline(r.Context(), userID)
		if err != nil {
			h.log.Warn("presence.lookup.fail", "user_id", userID, "err", err)
		}
		online = remote
	}
	writeJSON(w, http.StatusOK, presenceResponse{UserID: userID, Online: online})
}

// ---- helpers ----

// sendContext detaches a send from the client connection: once accepted, a
// message is persisted and fanned out even if the caller goes away. The
// write is still bounded by SendTimeout.
func (h *Handler) sendContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.SendTimeout)
}

// principal returns the caller. write applies the per-user rate limit.
func (h *Handler) principal(w http.ResponseWriter, r *http.Request, write bool) (identity.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return identity.Principal{}, false
	}
	if write && !h.limiter.allow(p.UserID, h.now()) {
		writeRateLimited(w, h.cfg.RateWindow)
		return identity.Principal{}, false
	}
	return p, true
}

func (h *Handler) writeSendResult(w http.ResponseWriter, res realtime.SendResult, clientRef string) {
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, sendMessageResponse{Message: res.Message.Wire(clientRef), Duplicate: res.Duplicate})
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	reason := realtime.ReasonOf(err)
	status := statusForReason(reason)
	msg := http.StatusText(status)

	var oe realtime.OpError
	if errors.As(err, &oe) && oe.Msg != "" && status < 500 {
		msg = oe.Msg
	}
	if status >= 500 {
		h.log.Error("chatapi.fail", "reason", reason, "err", err)
	}
	if reason == codeStorageDown {
		writeRetryable(w, status, reason, msg, storageRetryAfter)
		return
	}
	writeError(w, status, reason, msg)
}

func statusForReason(reason string) int {
	switch reason {
	case "unauthenticated":
		return http.StatusUnauthorized
	case "chat_not_found", "upload_not_found":
		return http.StatusNotFound
	case "not_participant":
		return http.StatusForbidden
	case "invalid_message":
		return http.StatusBadRequest
	case "attachment_rejected":
		return http.StatusUnprocessableEntity
	case "rate_limited":
		return http.StatusTooManyRequests
	case "storage_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
