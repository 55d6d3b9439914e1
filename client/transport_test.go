package chatclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "classchat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWSDialer_RoundTrip(t *testing.T) {
	t.Parallel()

	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		typ, data, err := c.Read(r.Context())
		if err != nil {
			return
		}
		// One garbage frame first; the client must treat it as recoverable.
		_ = c.Write(r.Context(), websocket.MessageText, []byte("{not json"))
		_ = c.Write(r.Context(), typ, data)
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := WSDialer{URL: wsURL(srv), Token: "tok-1"}.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if got := <-gotAuth; got != "Bearer tok-1" {
		t.Fatalf("authorization got=%q want=%q", got, "Bearer tok-1")
	}

	env, err := v1.NewEnvelope(v1.TypeJoinRoom, "e1", time.Now().UTC(), v1.RoomPayload{ChatID: "c1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := conn.Write(ctx, env); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := conn.Read(ctx); !errors.Is(err, errBadFrame) {
		t.Fatalf("first read err=%v want errBadFrame", err)
	}
	back, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var p v1.RoomPayload
	if err := back.Decode(&p); err != nil || back.Type != v1.TypeJoinRoom || p.ChatID != "c1" {
		t.Fatalf("echo got=%+v payload=%+v err=%v", back, p, err)
	}
}

func TestWSDialer_Unauthorized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := WSDialer{URL: wsURL(srv)}.Dial(ctx)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got err=%v want ErrUnauthorized", err)
	}
}

func TestWSDialer_RequiresSubprotocol(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := (WSDialer{URL: wsURL(srv)}).Dial(ctx); err == nil {
		t.Fatalf("expected error when the server ignores the subprotocol")
	}
}

func TestWSDialer_RejectsHTTPScheme(t *testing.T) {
	t.Parallel()

	_, err := WSDialer{URL: "http://example.invalid/ws"}.Dial(context.Background())
	if err == nil || !strings.Contains(err.Error(), "scheme") {
		t.Fatalf("got err=%v want scheme error", err)
	}
}
