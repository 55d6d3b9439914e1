package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	v1 "classchat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Conn is one established connection.
type Conn interface {
	Read(ctx context.Context) (v1.Envelope, error)
	Write(ctx context.Context, env v1.Envelope) error
	Close() error
}

// Transport dials connections.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials the realtime gateway over websocket.
type WSDialer struct {
	URL string
	// Token is sent as a bearer credential when set.
	Token  string
	Origin string
	// ReadLimit caps inbound frames (default 1MiB).
	ReadLimit  int64
	HTTPClient *http.Client
}

// Dial implements Transport.
func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(strings.TrimSpace(d.URL))
	if err != nil {
		return nil, fmt.Errorf("chatclient: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("chatclient: url scheme must be ws or wss, got %q", u.Scheme)
	}

	h := http.Header{}
	if d.Token != "" {
		h.Set("Authorization", "Bearer "+d.Token)
	}
	if d.Origin != "" {
		h.Set("Origin", d.Origin)
	}

	c, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, err
	}
	if c.Subprotocol() != v1.Subprotocol {
		_ = c.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return nil, fmt.Errorf("chatclient: server did not select %s", v1.Subprotocol)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

// ErrUnauthorized reports a handshake refused for the credential. The
// controller does not retry it.
var ErrUnauthorized = errors.New("chatclient: unauthorized")

// errBadFrame marks a frame that could not be decoded; the connection
// itself is still usable.
var errBadFrame = errors.New("chatclient: bad frame")

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) (v1.Envelope, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if typ != websocket.MessageText {
		return v1.Envelope{}, fmt.Errorf("%w: binary frame", errBadFrame)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func (w *wsConn) Write(ctx context.Context, env v1.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}
