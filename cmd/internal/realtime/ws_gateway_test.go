package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"classchat/cmd/identity"
	"classchat/cmd/internal/auth"
	v1 "classchat/shared/contracts/realtime/v1"
)

func newTestGateway(t *testing.T, rig *testRig, res auth.Resolver) *httptest.Server {
	t.Helper()

	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	gw := NewWSGateway(quietLogger(), cfg, GatewayDeps{
		Registry: rig.registry,
		Pipeline: rig.pipeline,
		Resolver: res,
	})
	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, baseURL, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http")
	return websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseURL, token string) *websocket.Conn {
	t.Helper()

	conn, resp, err := dialWS(t, baseURL, token)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	env, err := v1.NewEnvelope(typ, "", time.Now().UTC(), payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	b, _ := json.Marshal(env)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxFrames int) v1.Envelope {
	t.Helper()

	for i := 0; i < maxFrames; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s within %d frames", typ, maxFrames)
	return v1.Envelope{}
}

func identifyWS(t *testing.T, conn *websocket.Conn, userID string) v1.IdentifiedPayload {
	t.Helper()

	writeEnvelopeWS(t, conn, v1.TypeIdentify, v1.IdentifyPayload{UserID: userID})
	var ack v1.IdentifiedPayload
	if err := readUntilType(t, conn, v1.TypeIdentified, 4).Decode(&ack); err != nil {
		t.Fatalf("decode identified: %v", err)
	}
	return ack
}

func joinWS(t *testing.T, conn *websocket.Conn, chatID string) {
	t.Helper()

	writeEnvelopeWS(t, conn, v1.TypeJoinRoom, v1.RoomPayload{ChatID: chatID})
	_ = readUntilType(t, conn, v1.TypeRoomJoined, 4)
}

func TestWSGateway_SendBeforeIdentifyRejected(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	chat := rig.chat(t, "u-a", "u-b")
	ts := newTestGateway(t, rig, nil)
	conn := mustDial(t, ts.URL, "")

	writeEnvelopeWS(t, conn, v1.TypeSendMessage, v1.SendMessagePayload{ChatID: chat.ID, Body: "hi", ClientRef: "L1"})

	var p v1.SendErrorPayload
	if err := readUntilType(t, conn, v1.TypeSendError, 4).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Reason != "unauthenticated" || p.ClientRef != "L1" {
		t.Fatalf("send_error=%+v", p)
	}
	page, _ := rig.store.ListMessages(context.Background(), ListMessagesInput{ChatID: chat.ID})
	if page.Total != 0 {
		t.Fatalf("unauthenticated send persisted %d messages", page.Total)
	}
}

func TestWSGateway_RoomDeliveryAndNotification(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	chat := rig.chat(t, "u-a", "u-b")
	ts := newTestGateway(t, rig, nil)

	a := mustDial(t, ts.URL, "")
	b := mustDial(t, ts.URL, "")
	identifyWS(t, a, "u-a")
	identifyWS(t, b, "u-b")
	joinWS(t, a, chat.ID)

	// B is present but not in the room.
	writeEnvelopeWS(t, a, v1.TypeSendMessage, v1.SendMessagePayload{ChatID: chat.ID, Body: "first", ClientRef: "L1"})

	var echo v1.Message
	if err := readUntilType(t, a, v1.TypeMessage, 4).Decode(&echo); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if echo.Body != "first" || echo.ClientRef != "L1" || echo.ID == 0 {
		t.Fatalf("echo=%+v", echo)
	}

	var n v1.NotificationPayload
	if err := readUntilType(t, b, v1.TypeNotification, 4).Decode(&n); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.Message.ID != echo.ID || n.Sender.UserID != "u-a" {
		t.Fatalf("notification=%+v", n)
	}

	joinWS(t, b, chat.ID)
	writeEnvelopeWS(t, a, v1.TypeSendMessage, v1.SendMessagePayload{ChatID: chat.ID, Body: "second"})

	var live v1.Message
	if err := readUntilType(t, b, v1.TypeMessage, 4).Decode(&live); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if live.Body != "second" || live.ID <= echo.ID {
		t.Fatalf("live=%+v", live)
	}
}

func TestWSGateway_JoinRequiresMembership(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	chat := rig.chat(t, "u-a", "u-b")
	ts := newTestGateway(t, rig, nil)

	c := mustDial(t, ts.URL, "")
	identifyWS(t, c, "u-z")
	writeEnvelopeWS(t, c, v1.TypeJoinRoom, v1.RoomPayload{ChatID: chat.ID})

	var p v1.ErrorPayload
	if err := readUntilType(t, c, v1.TypeError, 4).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Code != "not_participant" {
		t.Fatalf("code=%q want not_participant", p.Code)
	}
}

func TestWSGateway_TypingAndHistory(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	chat := rig.chat(t, "u-a", "u-b")
	for _, body := range []string{"one", "two", "three"} {
		if _, err := rig.store.CreateMessage(context.Background(), WriteInput{ChatID: chat.ID, SenderID: "u-b", Body: body}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	ts := newTestGateway(t, rig, nil)

	a := mustDial(t, ts.URL, "")
	b := mustDial(t, ts.URL, "")
	identifyWS(t, a, "u-a")
	identifyWS(t, b, "u-b")
	joinWS(t, a, chat.ID)
	joinWS(t, b, chat.ID)

	writeEnvelopeWS(t, a, v1.TypeTyping, v1.TypingPayload{ChatID: chat.ID, IsTyping: true})
	var typing v1.TypingPayload
	if err := readUntilType(t, b, v1.TypeTyping, 4).Decode(&typing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typing.UserID != "u-a" || !typing.IsTyping {
		t.Fatalf("typing=%+v", typing)
	}

	writeEnvelopeWS(t, a, v1.TypeHistoryFetch, v1.HistoryFetchPayload{ChatID: chat.ID, Page: 1, PageSize: 2})
	var chunk v1.HistoryChunkPayload
	if err := readUntilType(t, a, v1.TypeHistoryChunk, 4).Decode(&chunk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if chunk.Total != 3 || !chunk.HasMore || len(chunk.Messages) != 2 || chunk.Messages[1].Body != "three" {
		t.Fatalf("chunk=%+v", chunk)
	}
}

func TestWSGateway_HugeHistoryPageIsEmpty(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	chat := rig.chat(t, "u-a", "u-b")
	for _, body := range []string{"one", "two", "three"} {
		if _, err := rig.store.CreateMessage(context.Background(), WriteInput{ChatID: chat.ID, SenderID: "u-b", Body: body}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	ts := newTestGateway(t, rig, nil)

	a := mustDial(t, ts.URL, "")
	identifyWS(t, a, "u-a")
	joinWS(t, a, chat.ID)

	writeEnvelopeWS(t, a, v1.TypeHistoryFetch, v1.HistoryFetchPayload{ChatID: chat.ID, Page: math.MaxInt / 40, PageSize: 50})
	var chunk v1.HistoryChunkPayload
	if err := readUntilType(t, a, v1.TypeHistoryChunk, 4).Decode(&chunk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(chunk.Messages) != 0 || chunk.HasMore || chunk.Total != 3 {
		t.Fatalf("chunk=%+v", chunk)
	}

	// The session keeps serving after the out-of-range page.
	writeEnvelopeWS(t, a, v1.TypeHistoryFetch, v1.HistoryFetchPayload{ChatID: chat.ID, Page: 1, PageSize: 50})
	if err := readUntilType(t, a, v1.TypeHistoryChunk, 4).Decode(&chunk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(chunk.Messages) != 3 {
		t.Fatalf("messages=%d want=3", len(chunk.Messages))
	}
	if got := len(rig.registry.Members(chat.ID)); got != 1 {
		t.Fatalf("room members got=%d want=1", got)
	}
}

func TestWSGateway_BadEnvelopeKeepsSession(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	ts := newTestGateway(t, rig, nil)
	c := mustDial(t, ts.URL, "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var p v1.ErrorPayload
	if err := readUntilType(t, c, v1.TypeError, 4).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Code != "bad_json" {
		t.Fatalf("code=%q", p.Code)
	}

	identifyWS(t, c, "u-a")
}

func TestWSGateway_ResolverGatesHandshake(t *testing.T) {
	t.Parallel()

	res := auth.ResolverFunc(func(_ context.Context, bearer string) (identity.Principal, error) {
		if bearer != "good" {
			return identity.Principal{}, errors.New("bad token")
		}
		return identity.Principal{UserID: "u-a", Role: identity.RoleInstructor}, nil
	})
	rig := newTestRig(t)
	ts := newTestGateway(t, rig, res)

	for _, tok := range []string{"", "bad"} {
		_, resp, err := dialWS(t, ts.URL, tok)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			t.Fatalf("token=%q: status=%d err=%v want 401", tok, status, err)
		}
	}

	c := mustDial(t, ts.URL, "good")
	writeEnvelopeWS(t, c, v1.TypeIdentify, v1.IdentifyPayload{UserID: "u-b"})
	var p v1.ErrorPayload
	if err := readUntilType(t, c, v1.TypeError, 4).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Code != "unauthenticated" {
		t.Fatalf("impersonation code=%q", p.Code)
	}

	ack := identifyWS(t, c, "")
	if ack.UserID != "u-a" || ack.Role != "instructor" {
		t.Fatalf("identified=%+v", ack)
	}
}

func TestWSGateway_TeardownOnClose(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	chat := rig.chat(t, "u-a", "u-b")
	ts := newTestGateway(t, rig, nil)

	conn, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	identifyWS(t, conn, "u-a")
	joinWS(t, conn, chat.ID)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !rig.registry.IsPresent("u-a") && len(rig.registry.Members(chat.ID)) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry not torn down: stats=%+v", rig.registry.Stats())
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost:3000", "https://app.example.com", "http://localhost"})
	if len(got) != 2 || got[0] != "app.example.com" || got[1] != "localhost" {
		t.Fatalf("patterns=%v", got)
	}
	if got := deriveOriginPatternsFromAllowedOrigins([]string{"*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("wildcard patterns=%v", got)
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	gw := NewWSGateway(quietLogger(), DefaultGatewayConfig(), GatewayDeps{})
	cases := []struct {
		origin string
		ok     bool
	}{
		{"", false},
		{"http://localhost:5173", true},
		{"http://127.0.0.1", true},
		{"https://evil.example", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if err := gw.enforceOrigin(r); (err == nil) != tc.ok {
			t.Fatalf("origin=%q err=%v want ok=%v", tc.origin, err, tc.ok)
		}
	}
}

func TestLoadGatewayConfigFromEnv(t *testing.T) {
	t.Setenv("CLASSCHAT_WS_QUEUE_SIZE", "4")
	t.Setenv("CLASSCHAT_WS_REQUIRE_MEMBERSHIP", "false")
	t.Setenv("CLASSCHAT_WS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CLASSCHAT_WS_RATE_WINDOW", "bogus")

	c := LoadGatewayConfigFromEnv()
	if c.SendQueueSize != wsMinSendQueueSize {
		t.Fatalf("queue=%d want clamp to %d", c.SendQueueSize, wsMinSendQueueSize)
	}
	if c.RequireMembership {
		t.Fatalf("membership override ignored")
	}
	if len(c.AllowedOrigins) != 2 || c.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins=%v", c.AllowedOrigins)
	}
	if c.RateWindow != rateLimitWindow {
		t.Fatalf("rate window=%v want default", c.RateWindow)
	}
}
