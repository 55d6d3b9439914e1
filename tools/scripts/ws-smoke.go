// Package main is a CI-friendly smoke test for the classchat realtime gateway.
//
// Two clients identify, the first contacts the second by recipient id, the
// second is notified, joins the room, receives a live message and re-fetches
// history.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	chatclient "classchat/client"
)

type smokeClient struct {
	name    string
	ctl     *chatclient.Controller
	stopped chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		tokenA  = flag.String("token-a", "", "Bearer token for the first user (auth mode)")
		tokenB  = flag.String("token-b", "", "Bearer token for the second user (auth mode)")
		userA   = flag.String("user-a", "student-1", "First user id")
		userB   = flag.String("user-b", "teacher-1", "Second user id")
		text    = flag.String("text", "hello classchat", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := mustStart(ctx, log, "A", *userA, "student", chatclient.WSDialer{URL: *wsURL, Token: *tokenA, Origin: *origin})
	b := mustStart(ctx, log, "B", *userB, "teacher", chatclient.WSDialer{URL: *wsURL, Token: *tokenB, Origin: *origin})
	defer a.stop()
	defer b.stop()

	a.waitState(chatclient.StateReady, *timeout)
	b.waitState(chatclient.StateReady, *timeout)
	if *verbose {
		fmt.Printf("ready: A=%s B=%s\n", a.ctl.ConnectionID(), b.ctl.ConnectionID())
	}

	// First contact: no chat yet, address by recipient.
	first, err := a.ctl.Send(chatclient.Target{RecipientID: *userB}, *text)
	if err != nil {
		fatalf("send first contact: %v", err)
	}
	settled := a.waitSent(first.LocalID, *timeout)
	chatID := settled.Target.ChatID
	if chatID == "" {
		fatalf("echo missing chat_id")
	}

	n := b.waitNotification(chatID, *timeout)
	if n.Notification.Message.Body != *text {
		fatalf("notification body mismatch: got %q want %q", n.Notification.Message.Body, *text)
	}

	if err := a.ctl.Join(chatID); err != nil {
		fatalf("join A: %v", err)
	}
	if err := b.ctl.Join(chatID); err != nil {
		fatalf("join B: %v", err)
	}
	b.waitRoom(chatID, *timeout)

	second := *text + " (live)"
	e, err := a.ctl.Send(chatclient.Target{ChatID: chatID}, second)
	if err != nil {
		fatalf("send live: %v", err)
	}
	live := a.waitSent(e.LocalID, *timeout)
	b.waitBody(chatID, second, *timeout)

	if err := b.ctl.FetchHistory(chatID, 1, 50); err != nil {
		fatalf("history fetch: %v", err)
	}
	b.waitBody(chatID, *text, *timeout)

	fmt.Printf("OK: chat_id=%s first_id=%d live_id=%d live_seq=%d\n",
		chatID, settled.Message.ID, live.Message.ID, live.Message.Seq)
}

func mustStart(ctx context.Context, log *slog.Logger, name, userID, role string, dialer chatclient.WSDialer) *smokeClient {
	ctl, err := chatclient.New(chatclient.Config{
		UserID:    userID,
		Role:      role,
		Transport: dialer,
		Reconnect: chatclient.ReconnectPolicy{MaxAttempts: 3},
		Logger:    log.With("client", name),
	})
	if err != nil {
		fatalf("client %s: %v", name, err)
	}
	c := &smokeClient{name: name, ctl: ctl, stopped: make(chan error, 1)}
	go func() { c.stopped <- ctl.Run(ctx) }()
	return c
}

func (c *smokeClient) stop() {
	_ = c.ctl.Close()
	<-c.stopped
}

// next returns the next update or fails the run at the deadline.
func (c *smokeClient) next(deadline <-chan time.Time, what string) chatclient.Update {
	select {
	case u := <-c.ctl.Updates():
		if u.Kind == chatclient.UpdateState && u.State == chatclient.StateFailed {
			fatalf("%s: client failed while waiting for %s: %v", c.name, what, c.ctl.LastError())
		}
		if u.Kind == chatclient.UpdateError {
			fmt.Fprintf(os.Stderr, "%s: server error: %v\n", c.name, u.Err)
		}
		return u
	case <-deadline:
		fatalf("%s: timeout waiting for %s (state=%s err=%v)", c.name, what, c.ctl.State(), c.ctl.LastError())
	}
	return chatclient.Update{}
}

func (c *smokeClient) waitState(want chatclient.State, timeout time.Duration) {
	deadline := time.After(timeout)
	for c.ctl.State() != want {
		c.next(deadline, "state "+want.String())
	}
}

func (c *smokeClient) waitSent(localID string, timeout time.Duration) chatclient.Entry {
	deadline := time.After(timeout)
	for {
		if e, ok := c.ctl.Ledger().Get(localID); ok {
			switch e.State {
			case chatclient.EntrySent:
				return e
			case chatclient.EntryFailed:
				fatalf("%s: send failed: %s", c.name, e.Reason)
			}
		}
		c.next(deadline, "echo of "+localID)
	}
}

func (c *smokeClient) waitNotification(chatID string, timeout time.Duration) chatclient.Update {
	deadline := time.After(timeout)
	for {
		u := c.next(deadline, "notification")
		if u.Kind == chatclient.UpdateNotification && u.ChatID == chatID {
			return u
		}
	}
}

func (c *smokeClient) waitRoom(chatID string, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		u := c.next(deadline, "room_joined")
		if u.Kind == chatclient.UpdateRoom && u.ChatID == chatID {
			return
		}
	}
}

func (c *smokeClient) waitBody(chatID, body string, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		for _, e := range c.ctl.Ledger().Timeline(chatID) {
			if e.Body == body && e.State == chatclient.EntrySent {
				return
			}
		}
		c.next(deadline, fmt.Sprintf("message %q", body))
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
