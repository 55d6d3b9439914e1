package realtime

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestDeduplicator_Window(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(5*time.Second, 4)
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if d.ShouldReject("chat-1", "u-1", "hi", t0) {
		t.Fatalf("empty window must accept")
	}
	d.Record("chat-1", FingerprintOf("u-1", "hi", ""), Message{ID: 7, SenderID: "u-1", Body: "hi"}, t0)

	cases := []struct {
		name   string
		chat   string
		sender string
		body   string
		at     time.Time
		want   bool
	}{
		{"same send inside window", "chat-1", "u-1", "hi", t0.Add(4 * time.Second), true},
		{"window boundary", "chat-1", "u-1", "hi", t0.Add(5 * time.Second), false},
		{"other sender", "chat-1", "u-2", "hi", t0.Add(time.Second), false},
		{"other body", "chat-1", "u-1", "hi!", t0.Add(time.Second), false},
		{"other chat", "chat-2", "u-1", "hi", t0.Add(time.Second), false},
	}
	for _, tc := range cases {
		if got := d.ShouldReject(tc.chat, tc.sender, tc.body, tc.at); got != tc.want {
			t.Fatalf("%s: got=%v want=%v", tc.name, got, tc.want)
		}
	}
}

func TestDeduplicator_CheckReturnsStored(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(0, 0)
	now := time.Now()
	fp := FingerprintOf("u-1", "caption", "attachments/u-1/x/a.png")
	d.Record("chat-1", fp, Message{ID: 42, SenderID: "u-1"}, now)

	err := d.Check("chat-1", "u-1", fp, now.Add(time.Second))
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("err=%v want *DuplicateError", err)
	}
	if dup.Stored.ID != 42 || !errors.Is(err, ErrDuplicateSend) {
		t.Fatalf("stored=%d err=%v", dup.Stored.ID, err)
	}

	other := FingerprintOf("u-1", "caption", "attachments/u-1/y/b.png")
	if err := d.Check("chat-1", "u-1", other, now.Add(time.Second)); err != nil {
		t.Fatalf("different attachment must not collapse: %v", err)
	}
}

func TestDeduplicator_RingOverwritesOldest(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(time.Minute, 2)
	now := time.Now()
	for i := 0; i < 3; i++ {
		body := fmt.Sprintf("m%d", i)
		d.Record("chat-1", FingerprintOf("u-1", body, ""), Message{SenderID: "u-1", Body: body}, now)
	}
	if d.ShouldReject("chat-1", "u-1", "m0", now) {
		t.Fatalf("oldest entry should have been overwritten")
	}
	if !d.ShouldReject("chat-1", "u-1", "m2", now) {
		t.Fatalf("newest entry missing")
	}
}

func TestDeduplicator_SweepReleasesStaleChats(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(time.Second, 4)
	now := time.Now()
	d.Record("old", FingerprintOf("u", "a", ""), Message{SenderID: "u"}, now.Add(-2*time.Second))
	d.Record("fresh", FingerprintOf("u", "a", ""), Message{SenderID: "u"}, now)

	if n := d.Sweep(now); n != 1 {
		t.Fatalf("swept=%d want=1", n)
	}
	if d.Len() != 1 {
		t.Fatalf("len=%d want=1", d.Len())
	}
}

func TestDeduplicator_ConcurrentRecordAndSweep(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(time.Millisecond, 4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d.Record("chat", FingerprintOf("u", fmt.Sprint(j), ""), Message{SenderID: "u"}, time.Now())
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d.Sweep(time.Now().Add(time.Second))
			}
		}()
	}
	wg.Wait()

	now := time.Now()
	d.Record("chat", FingerprintOf("u", "last", ""), Message{SenderID: "u"}, now)
	if !d.ShouldReject("chat", "u", "last", now) {
		t.Fatalf("record after concurrent sweeps was lost")
	}
}
