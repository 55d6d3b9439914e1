package realtime

import (
	"context"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	defaultDedupWindow   = 5 * time.Second
	defaultDedupRingSize = 16
)

// Fingerprint identifies a send for duplicate suppression.
type Fingerprint [16]byte

// FingerprintOf hashes the fields two accidental re-sends share. The
// attachment path is part of the identity so two different files sent with
// the same caption are never collapsed.
func FingerprintOf(senderID, body, attachmentPath string) Fingerprint {
	h, _ := blake2b.New(16, nil) // only fails for invalid sizes
	_, _ = h.Write([]byte(senderID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(body))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(attachmentPath))

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

type dedupEntry struct {
	fp       Fingerprint
	senderID string
	at       time.Time
	stored   Message
}

// dedupRing is a fixed-size ring of recent accepted sends for one chat.
type dedupRing struct {
	mu      sync.Mutex
	entries []dedupEntry
	next    int
	last    time.Time
	dead    bool // detached from the map by Sweep
}

// Deduplicator rejects identical re-sends within a short window.
//
// State is keyed by chat id; each chat owns its ring and mutex, so checks for
// different chats never contend. It is process-local and not an exactly-once
// mechanism.
type Deduplicator struct {
	window   time.Duration
	ringSize int

	mu    sync.Mutex
	rings map[string]*dedupRing
}

// NewDeduplicator returns a Deduplicator. Non-positive arguments use defaults.
func NewDeduplicator(window time.Duration, ringSize int) *Deduplicator {
	if window <= 0 {
		window = defaultDedupWindow
	}
	if ringSize <= 0 {
		ringSize = defaultDedupRingSize
	}
	return &Deduplicator{
		window:   window,
		ringSize: ringSize,
		rings:    make(map[string]*dedupRing),
	}
}

// Window returns the suppression window.
func (d *Deduplicator) Window() time.Duration { return d.window }

func (d *Deduplicator) ring(chatID string, create bool) *dedupRing {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.rings[chatID]
	if r == nil && create {
		r = &dedupRing{entries: make([]dedupEntry, 0, d.ringSize)}
		d.rings[chatID] = r
	}
	return r
}

// Check returns a *DuplicateError carrying the stored message when fp was
// accepted for chatID less than the window ago.
func (d *Deduplicator) Check(chatID, senderID string, fp Fingerprint, now time.Time) error {
	r := d.ring(chatID, false)
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		e := &r.entries[i]
		if e.fp == fp && e.senderID == senderID && now.Sub(e.at) < d.window {
			return &DuplicateError{ChatID: chatID, Stored: e.stored}
		}
	}
	return nil
}

// ShouldReject reports whether (senderID, body) was accepted for chatID
// within the window.
func (d *Deduplicator) ShouldReject(chatID, senderID, body string, now time.Time) bool {
	return d.Check(chatID, senderID, FingerprintOf(senderID, body, ""), now) != nil
}

// Record inserts an accepted send. Call it only after persistence succeeded,
// so a failed attempt never blocks its retry.
func (d *Deduplicator) Record(chatID string, fp Fingerprint, stored Message, now time.Time) {
	r := d.ring(chatID, true)
	r.mu.Lock()
	for r.dead {
		r.mu.Unlock()
		r = d.ring(chatID, true)
		r.mu.Lock()
	}
	defer r.mu.Unlock()

	e := dedupEntry{fp: fp, senderID: stored.SenderID, at: now, stored: stored}
	if len(r.entries) < d.ringSize {
		r.entries = append(r.entries, e)
	} else {
		r.entries[r.next] = e
		r.next = (r.next + 1) % d.ringSize
	}
	r.last = now
}

// Sweep drops rings whose newest entry is older than the window and returns
// how many chats were released.
func (d *Deduplicator) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for id, r := range d.rings {
		r.mu.Lock()
		stale := now.Sub(r.last) >= d.window
		if stale {
			r.dead = true
		}
		r.mu.Unlock()
		if stale {
			delete(d.rings, id)
			n++
		}
	}
	return n
}

// Len returns the number of chats currently tracked.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rings)
}

// Run sweeps every interval until ctx is done.
func (d *Deduplicator) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = d.window
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			d.Sweep(now.UTC())
		}
	}
}
