package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"classchat/cmd/internal/auth"
	"classchat/cmd/internal/blob"
	"classchat/cmd/internal/realtime"
	v1 "classchat/shared/contracts/realtime/v1"
)

type apiRig struct {
	store    *realtime.InMemoryStore
	registry *realtime.Registry
	srv      http.Handler
}

type stubPresence map[string]bool

func (s stubPresence) IsOnline(_ context.Context, userID string) (bool, error) {
	if userID == "boom" {
		return false, errors.New("redis down")
	}
	return s[userID], nil
}

func newAPIRig(t *testing.T, cfg Config) *apiRig {
	t.Helper()

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := realtime.NewInMemoryStore()
	reg := realtime.NewRegistry(realtime.WithRegistryLogger(log))
	t.Cleanup(reg.Close)

	gw := realtime.NewPersistenceGateway(store, log)
	gw.RetryInitial = time.Millisecond
	gw.RetryMaxElapsed = 20 * time.Millisecond
	pipeline := realtime.NewPipeline(gw, realtime.NewDeduplicator(5*time.Second, 16), realtime.NewDispatcher(reg, log), log)

	objects, err := blob.NewLocalStore(t.TempDir(), "http://127.0.0.1:8080", bytes.Repeat([]byte("k"), 32))
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	att := realtime.NewAttachmentCoordinator(objects, pipeline, realtime.UploadPolicy{
		MaxBytes:     1024,
		AllowedTypes: []string{"image/*", "text/plain"},
		TTL:          time.Minute,
		URLTTL:       time.Hour,
	}, log)

	h, err := NewHandler(log, cfg, Deps{
		Pipeline:    pipeline,
		Registry:    reg,
		Attachments: att,
		Presence:    stubPresence{"remote-user": true},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	return &apiRig{store: store, registry: reg, srv: auth.TrustHeaders(mux)}
}

func (r *apiRig) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	r.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return out.Error.Code
}

func TestHandler_CreateChatIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newAPIRig(t, Config{})

	rec := r.do(t, http.MethodPost, "/v1/chats", "teacher", createChatRequest{ParticipantID: "student", Context: "course:42"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d want=%d body=%s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	first := decodeBody[createChatResponse](t, rec)
	if !first.Created || first.Chat.Context != "course:42" {
		t.Fatalf("got=%+v", first)
	}

	// Reverse order still resolves the same pair.
	rec = r.do(t, http.MethodPost, "/v1/chats", "student", createChatRequest{ParticipantID: "teacher"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want=%d", rec.Code, http.StatusOK)
	}
	second := decodeBody[createChatResponse](t, rec)
	if second.Created || second.Chat.ID != first.Chat.ID {
		t.Fatalf("got=%+v want id=%s", second, first.Chat.ID)
	}
}

func TestHandler_RejectsWithoutPrincipal(t *testing.T) {
	t.Parallel()

	r := newAPIRig(t, Config{})
	rec := r.do(t, http.MethodPost, "/v1/chats", "", createChatRequest{ParticipantID: "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want=%d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandler_SendAndList(t *testing.T) {
	t.Parallel()

	r := newAPIRig(t, Config{})

	// First contact by recipient id creates the chat.
	rec := r.do(t, http.MethodPost, "/v1/messages", "alice", sendMessageRequest{RecipientID: "bob", Body: "hello", ClientRef: "c1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	sent := decodeBody[sendMessageResponse](t, rec)
	if sent.Message.ClientRef != "c1" || sent.Message.Body != "hello" || sent.Duplicate {
		t.Fatalf("got=%+v", sent)
	}
	chatID := sent.Message.ChatID

	// Immediate identical re-send is collapsed onto the stored message.
	rec = r.do(t, http.MethodPost, "/v1/messages", "alice", sendMessageRequest{ChatID: chatID, Body: "hello", ClientRef: "c2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("dup status=%d body=%s", rec.Code, rec.Body.String())
	}
	dup := decodeBody[sendMessageResponse](t, rec)
	if !dup.Duplicate || dup.Message.ID != sent.Message.ID || dup.Message.ClientRef != "c2" {
		t.Fatalf("dup=%+v", dup)
	}

	rec = r.do(t, http.MethodPost, "/v1/messages", "bob", sendMessageRequest{ChatID: chatID, Body: "hi"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d", rec.Code)
	}

	rec = r.do(t, http.MethodGet, "/v1/chats/"+chatID+"/messages?page=1&page_size=10", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status=%d body=%s", rec.Code, rec.Body.String())
	}
	page := decodeBody[v1.HistoryChunkPayload](t, rec)
	if page.Total != 2 || len(page.Messages) != 2 || page.HasMore {
		t.Fatalf("page=%+v", page)
	}
	if page.Messages[0].Body != "hello" || page.Messages[1].Body != "hi" {
		t.Fatalf("order got=%q,%q", page.Messages[0].Body, page.Messages[1].Body)
	}

	// Pages far past the data are empty, not an error.
	rec = r.do(t, http.MethodGet, "/v1/chats/"+chatID+"/messages?page=9223372036854775807&page_size=200", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("huge page status=%d body=%s", rec.Code, rec.Body.String())
	}
	if far := decodeBody[v1.HistoryChunkPayload](t, rec); len(far.Messages) != 0 || far.Total != 2 || far.HasMore {
		t.Fatalf("huge page=%+v", far)
	}

	rec = r.do(t, http.MethodGet, "/v1/chats/"+chatID+"/messages", "mallory", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider status=%d want=%d", rec.Code, http.StatusForbidden)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	t.Parallel()

	r := newAPIRig(t, Config{})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown chat", http.MethodPost, "/v1/messages", sendMessageRequest{ChatID: "nope", Body: "x"}, http.StatusNotFound, "chat_not_found"},
		{"empty body", http.MethodPost, "/v1/messages", sendMessageRequest{RecipientID: "bob"}, http.StatusBadRequest, "invalid_message"},
		{"self chat", http.MethodPost, "/v1/messages", sendMessageRequest{RecipientID: "alice", Body: "x"}, http.StatusBadRequest, "invalid_message"},
		{"bad json", http.MethodPost, "/v1/messages", `{"body":`, http.StatusBadRequest, "invalid_json"},
		{"unknown field", http.MethodPost, "/v1/chats", `{"participant_id":"b","extra":1}`, http.StatusBadRequest, "invalid_json"},
		{"bad page", http.MethodGet, "/v1/chats/x/messages?page=abc", nil, http.StatusBadRequest, "invalid_query"},
		{"list unknown chat", http.MethodGet, "/v1/chats/x/messages", nil, http.StatusNotFound, "chat_not_found"},
		{"unknown upload", http.MethodPost, "/v1/uploads/zzz/finalize", finalizeRequest{RecipientID: "bob"}, http.StatusNotFound, "upload_not_found"},
		{"disallowed type", http.MethodPost, "/v1/uploads", beginUploadRequest{Name: "a.exe", MimeType: "application/x-msdownload", Size: 10}, http.StatusUnprocessableEntity, "attachment_rejected"},
	}
	for _, tc := range cases {
		rec := r.do(t, tc.method, tc.path, "alice", tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: status=%d want=%d body=%s", tc.name, rec.Code, tc.status, rec.Body.String())
		}
		if got := errorCode(t, rec); got != tc.code {
			t.Fatalf("%s: code=%q want=%q", tc.name, got, tc.code)
		}
	}
}

func TestHandler_UploadFlow(t *testing.T) {
	t.Parallel()

	r := newAPIRig(t, Config{})
	payload := []byte("lecture notes")

	rec := r.do(t, http.MethodPost, "/v1/uploads", "alice", beginUploadRequest{Name: "notes.txt", MimeType: "text/plain", Size: int64(len(payload))})
	if rec.Code != http.StatusCreated {
		t.Fatalf("begin status=%d body=%s", rec.Code, rec.Body.String())
	}
	target := decodeBody[realtime.UploadTarget](t, rec)

	// Someone else cannot write into the slot.
	rec = r.do(t, http.MethodPut, "/v1/uploads/"+target.UploadID, "mallory", payload)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign put status=%d want=%d", rec.Code, http.StatusNotFound)
	}

	rec = r.do(t, http.MethodPut, "/v1/uploads/"+target.UploadID, "alice", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status=%d body=%s", rec.Code, rec.Body.String())
	}
	stored := decodeBody[uploadStoredResponse](t, rec)
	if stored.Path != target.Path || stored.Size != int64(len(payload)) {
		t.Fatalf("stored=%+v target=%+v", stored, target)
	}

	rec = r.do(t, http.MethodPost, "/v1/uploads/"+target.UploadID+"/finalize", "alice", finalizeRequest{RecipientID: "bob", Body: "see attached", ClientRef: "c9"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("finalize status=%d body=%s", rec.Code, rec.Body.String())
	}
	sent := decodeBody[sendMessageResponse](t, rec)
	if sent.Message.Attachment == nil || sent.Message.Attachment.Path != target.Path || sent.Message.Attachment.URL == "" {
		t.Fatalf("message=%+v", sent.Message)
	}

	// A retried finalize returns the same message instead of a new one.
	rec = r.do(t, http.MethodPost, "/v1/uploads/"+target.UploadID+"/finalize", "alice", finalizeRequest{RecipientID: "bob", ClientRef: "c10"})
	if rec.Code != http.StatusOK {
		t.Fatalf("second finalize status=%d want=%d body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	again := decodeBody[sendMessageResponse](t, rec)
	if !again.Duplicate || again.Message.ID != sent.Message.ID || again.Message.ClientRef != "c10" {
		t.Fatalf("again=%+v", again)
	}
	page, err := r.store.ListMessages(context.Background(), realtime.ListMessagesInput{ChatID: sent.Message.ChatID, Page: 1})
	if err != nil || page.Total != 1 {
		t.Fatalf("total=%d err=%v want=1", page.Total, err)
	}

	// The slot still belongs to alice.
	rec = r.do(t, http.MethodPost, "/v1/uploads/"+target.UploadID+"/finalize", "mallory", finalizeRequest{RecipientID: "bob"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign finalize status=%d want=%d", rec.Code, http.StatusNotFound)
	}
}

func TestHandler_SendSurvivesClientDisconnect(t *testing.T) {
	t.Parallel()

	r := newAPIRig(t, Config{})

	raw, _ := json.Marshal(sendMessageRequest{RecipientID: "bob", Body: "before the tab closed"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(raw)).WithContext(ctx)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	r.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	chat, err := r.store.FindChatBetween(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("find chat: %v", err)
	}
	page, _ := r.store.ListMessages(context.Background(), realtime.ListMessagesInput{ChatID: chat.ID, Page: 1})
	if page.Total != 1 || page.Messages[0].Body != "before the tab closed" {
		t.Fatalf("page=%+v", page)
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	t.Parallel()

	r := newAPIRig(t, Config{MaxBodyBytes: 32})
	rec := r.do(t, http.MethodPost, "/v1/messages", "alice", sendMessageRequest{RecipientID: "bob", Body: strings.Repeat("x", 64)})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d want=%d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if got := errorCode(t, rec); got != "body_too_large" {
		t.Fatalf("code=%q want=body_too_large", got)
	}

	// Trailing data after the object is refused.
	rec = r.do(t, http.MethodPost, "/v1/chats", "alice", `{"participant_id":"b"} {}`)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "invalid_json" {
		t.Fatalf("trailing status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_Presence(t *testing.T) {
	t.Parallel()

	r := newAPIRig(t, Config{})
	s := realtime.NewSession("conn-1", 8)
	if err := r.registry.Attach(s); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := r.registry.Register("local-user", "conn-1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	cases := map[string]bool{
		"local-user":  true,
		"remote-user": true,
		"nobody":      false,
		"boom":        false,
	}
	for user, want := range cases {
		rec := r.do(t, http.MethodGet, "/v1/presence/"+user, "alice", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status=%d", user, rec.Code)
		}
		got := decodeBody[presenceResponse](t, rec)
		if got.Online != want {
			t.Fatalf("%s: online=%v want=%v", user, got.Online, want)
		}
	}
}

func TestHandler_RateLimitsWrites(t *testing.T) {
	t.Parallel()

	r := newAPIRig(t, Config{RateEvents: 2, RateWindow: time.Hour})

	for i := 0; i < 2; i++ {
		rec := r.do(t, http.MethodPost, "/v1/chats", "alice", createChatRequest{ParticipantID: "bob"})
		if rec.Code >= 300 {
			t.Fatalf("request %d status=%d", i, rec.Code)
		}
	}
	rec := r.do(t, http.MethodPost, "/v1/chats", "alice", createChatRequest{ParticipantID: "bob"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d want=%d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "3600" {
		t.Fatalf("Retry-After got=%q want=3600", got)
	}
	if body := decodeBody[errorBody](t, rec); body.Error.Code != "rate_limited" || body.Error.RetryAfter != 3600 {
		t.Fatalf("body=%+v", body)
	}

	// Other users keep their own window.
	if rec := r.do(t, http.MethodPost, "/v1/chats", "carol", createChatRequest{ParticipantID: "bob"}); rec.Code >= 300 {
		t.Fatalf("other user status=%d", rec.Code)
	}
}

func TestStatusForReason(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"unauthenticated":     http.StatusUnauthorized,
		"storage_unavailable": http.StatusServiceUnavailable,
		"rate_limited":        http.StatusTooManyRequests,
		"internal":            http.StatusInternalServerError,
	}
	for reason, want := range cases {
		if got := statusForReason(reason); got != want {
			t.Fatalf("%s: got=%d want=%d", reason, got, want)
		}
	}
}
