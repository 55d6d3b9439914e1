package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"sync"
	"time"

	"classchat/cmd/identity"
	"classchat/cmd/identity/ids"
	"classchat/cmd/internal/blob"
	"classchat/cmd/internal/metrics"
)

// UploadPolicy bounds what BeginUpload accepts.
type UploadPolicy struct {
	MaxBytes int64
	// AllowedTypes holds exact MIME types or "type/*" wildcards.
	AllowedTypes []string
	// TTL is how long an upload may stay unfinalized.
	TTL time.Duration
	// URLTTL is the lifetime of signed download URLs.
	URLTTL time.Duration
}

// DefaultUploadPolicy is used when no policy is configured.
func DefaultUploadPolicy() UploadPolicy {
	return UploadPolicy{
		MaxBytes: 10 << 20,
		AllowedTypes: []string{
			"image/*",
			"application/pdf",
			"text/plain",
			"application/zip",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		},
		TTL:    15 * time.Minute,
		URLTTL: time.Hour,
	}
}

func (p UploadPolicy) allows(mimeType string) bool {
	for _, a := range p.AllowedTypes {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == mimeType {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(mimeType, prefix+"/") {
			return true
		}
	}
	return false
}

// FileMeta describes a file the client wants to attach.
type FileMeta struct {
	OwnerID  string
	Name     string
	MimeType string
	Size     int64
}

// UploadTarget tells the client where to send the binary.
type UploadTarget struct {
	UploadID  string    `json:"upload_id"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Path      string    `json:"path"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxBytes  int64     `json:"max_bytes"`
}

// FinalizeRequest attaches a completed upload to a new message.
type FinalizeRequest struct {
	UploadID    string
	ChatID      string
	RecipientID string
	SenderID    string
	SenderRole  identity.Role
	Body        string
	ClientRef   string
	Origin      *Session
}

type uploadState uint8

const (
	uploadPending uploadState = iota
	uploadTransferring
	uploadStored
	uploadFinalizing
	// uploadFinalized keeps the result for repeated finalize calls until the
	// TTL runs out again.
	uploadFinalized
)

type pendingUpload struct {
	id        string
	ownerID   string
	name      string
	mimeType  string
	size      int64
	path      string
	state     uploadState
	expiresAt time.Time
	result    SendResult
}

// AttachmentCoordinator runs the two-phase attachment flow.
//
// BeginUpload validates metadata and reserves a destination. The binary is
// transferred with Upload, outside the chat pipeline. Finalize then submits
// the message through the Pipeline like a text send. The upload id is the
// only thing joining the phases.
type AttachmentCoordinator struct {
	store    blob.ObjectStore
	pipeline *Pipeline
	policy   UploadPolicy
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	uploads map[string]*pendingUpload
}

// NewAttachmentCoordinator wires the attachment flow.
func NewAttachmentCoordinator(store blob.ObjectStore, pipeline *Pipeline, policy UploadPolicy, log *slog.Logger) *AttachmentCoordinator {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultUploadPolicy()
	if policy.MaxBytes <= 0 {
		policy.MaxBytes = def.MaxBytes
	}
	if len(policy.AllowedTypes) == 0 {
		policy.AllowedTypes = def.AllowedTypes
	}
	if policy.TTL <= 0 {
		policy.TTL = def.TTL
	}
	if policy.URLTTL <= 0 {
		policy.URLTTL = def.URLTTL
	}
	return &AttachmentCoordinator{
		store:    store,
		pipeline: pipeline,
		policy:   policy,
		log:      log,
		now:      time.Now,
		uploads:  make(map[string]*pendingUpload),
	}
}

// Policy returns the effective policy.
func (c *AttachmentCoordinator) Policy() UploadPolicy { return c.policy }

// BeginUpload validates meta and returns the upload destination.
func (c *AttachmentCoordinator) BeginUpload(ctx context.Context, meta FileMeta) (UploadTarget, error) {
	const op = "realtime.AttachmentCoordinator.BeginUpload"

	if strings.TrimSpace(meta.OwnerID) == "" {
		return UploadTarget{}, opErr(op, ErrUnauthenticated, "missing owner")
	}
	reject := func(msg string) (UploadTarget, error) {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		c.log.Info("upload.reject", "owner_id", meta.OwnerID, "reason", msg)
		return UploadTarget{}, opErr(op, ErrAttachmentRejected, msg)
	}

	if meta.Size <= 0 {
		return reject("size required")
	}
	if meta.Size > c.policy.MaxBytes {
		return reject(fmt.Sprintf("file too large: max=%d bytes", c.policy.MaxBytes))
	}
	mediaType, _, err := mime.ParseMediaType(meta.MimeType)
	if err != nil {
		return reject("invalid mime type")
	}
	if !c.policy.allows(mediaType) {
		return reject("mime type not allowed: " + mediaType)
	}
	if err := ctx.Err(); err != nil {
		return UploadTarget{}, err
	}

	now := c.now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return UploadTarget{}, fmt.Errorf("%s: upload id: %w", op, err)
	}
	u := &pendingUpload{
		id:        id,
		ownerID:   meta.OwnerID,
		name:      blob.SafeName(meta.Name),
		mimeType:  mediaType,
		size:      meta.Size,
		path:      blob.AttachmentPath(meta.OwnerID, id, meta.Name),
		state:     uploadPending,
		expiresAt: now.Add(c.policy.TTL),
	}

	c.mu.Lock()
	c.uploads[id] = u
	c.mu.Unlock()

	metrics.Uploads.WithLabelValues("begun").Inc()
	c.log.Info("upload.begin", "upload_id", id, "owner_id", meta.OwnerID, "mime", mediaType, "size", meta.Size)

	return UploadTarget{
		UploadID:  id,
		Method:    "PUT",
		URL:       "/v1/uploads/" + id,
		Path:      u.path,
		ExpiresAt: u.expiresAt,
		MaxBytes:  meta.Size,
	}, nil
}

// Upload transfers the binary for uploadID. size is the request's content
// length, or negative when unknown.
func (c *AttachmentCoordinator) Upload(ctx context.Context, uploadID, ownerID string, r io.Reader, size int64) (blob.Object, error) {
	const op = "realtime.AttachmentCoordinator.Upload"

	c.mu.Lock()
	u, ok := c.uploads[uploadID]
	switch {
	case !ok || u.ownerID != ownerID || c.now().After(u.expiresAt):
		c.mu.Unlock()
		return blob.Object{}, opErr(op, ErrUploadNotFound, "")
	case u.state != uploadPending:
		c.mu.Unlock()
		return blob.Object{}, opErr(op, ErrAttachmentRejected, "upload already transferred")
	case size >= 0 && size != u.size:
		c.mu.Unlock()
		return blob.Object{}, opErr(op, ErrAttachmentRejected, "size differs from declared size")
	}
	u.state = uploadTransferring
	path, declared, mimeType := u.path, u.size, u.mimeType
	c.mu.Unlock()

	obj, err := c.store.PutObject(ctx, io.LimitReader(r, declared+1), declared, path, mimeType)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		u.state = uploadPending
		metrics.Uploads.WithLabelValues("failed").Inc()
		c.log.Warn("upload.store.fail", "upload_id", uploadID, "err", err)
		if errors.Is(err, blob.ErrSizeMismatch) {
			return blob.Object{}, opErr(op, ErrAttachmentRejected, "size differs from declared size")
		}
		return blob.Object{}, opErr(op, ErrStorageUnavailable, err.Error())
	}
	u.state = uploadStored

	metrics.Uploads.WithLabelValues("stored").Inc()
	metrics.UploadBytes.Add(float64(obj.Size))
	c.log.Info("upload.stored", "upload_id", uploadID, "path", obj.Path, "size", obj.Size)
	return obj, nil
}

// Finalize submits the message carrying the completed upload. The body may
// be empty since the attachment is always present.
//
// Finalizing an upload again returns the stored message with Duplicate set
// and re-echoes it to the origin, so a client whose first response was lost
// can retry safely.
func (c *AttachmentCoordinator) Finalize(ctx context.Context, req FinalizeRequest) (SendResult, error) {
	const op = "realtime.AttachmentCoordinator.Finalize"

	c.mu.Lock()
	u, ok := c.uploads[req.UploadID]
	if !ok || u.ownerID != req.SenderID {
		c.mu.Unlock()
		return SendResult{}, opErr(op, ErrUploadNotFound, "")
	}
	switch u.state {
	case uploadFinalized:
		res := u.result
		c.mu.Unlock()
		metrics.DuplicatesSuppressed.Inc()
		c.log.Info("upload.finalize.repeat", "upload_id", req.UploadID, "message_id", res.Message.ID)
		c.pipeline.reecho(req.Origin, res.Message, req.ClientRef, c.now().UTC())
		return SendResult{Message: res.Message, Chat: res.Chat, Duplicate: true}, nil
	case uploadFinalizing:
		c.mu.Unlock()
		return SendResult{}, opErr(op, ErrAttachmentRejected, "finalize in progress")
	case uploadStored:
	default:
		c.mu.Unlock()
		return SendResult{}, opErr(op, ErrUploadNotFound, "")
	}
	u.state = uploadFinalizing
	path, name, mimeType := u.path, u.name, u.mimeType
	c.mu.Unlock()

	res, err := c.submit(ctx, req, path, name, mimeType)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		u.state = uploadStored
		return SendResult{}, err
	}
	u.state = uploadFinalized
	u.result = res
	u.expiresAt = c.now().UTC().Add(c.policy.TTL)

	metrics.Uploads.WithLabelValues("finalized").Inc()
	return res, nil
}

func (c *AttachmentCoordinator) submit(ctx context.Context, req FinalizeRequest, path, name, mimeType string) (SendResult, error) {
	const op = "realtime.AttachmentCoordinator.Finalize"

	url, err := c.store.SignDownloadURL(ctx, path, c.policy.URLTTL)
	if err != nil {
		return SendResult{}, opErr(op, ErrStorageUnavailable, err.Error())
	}
	return c.pipeline.Submit(ctx, SendRequest{
		ChatID:      req.ChatID,
		RecipientID: req.RecipientID,
		SenderID:    req.SenderID,
		SenderRole:  req.SenderRole,
		Body:        req.Body,
		Attachment:  &Attachment{URL: url, Path: path, Name: name, MimeType: mimeType},
		ClientRef:   req.ClientRef,
		Origin:      req.Origin,
	})
}

// Resign refreshes attachment URLs in place. Signing failures leave the
// stored URL untouched.
func (c *AttachmentCoordinator) Resign(ctx context.Context, msgs []Message) {
	for i := range msgs {
		att := msgs[i].Attachment
		if att == nil || att.Path == "" {
			continue
		}
		url, err := c.store.SignDownloadURL(ctx, att.Path, c.policy.URLTTL)
		if err != nil {
			c.log.Warn("attachment.resign.fail", "path", att.Path, "err", err)
			continue
		}
		cp := *att
		cp.URL = url
		msgs[i].Attachment = &cp
	}
}

// Pending returns the number of unfinalized uploads.
func (c *AttachmentCoordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, u := range c.uploads {
		if u.state != uploadFinalized {
			n++
		}
	}
	return n
}

// Sweep forgets uploads past their TTL, including finalized ones kept for
// repeats. Stored objects are left in place. It returns how many unfinalized
// uploads expired.
func (c *AttachmentCoordinator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, u := range c.uploads {
		if u.state == uploadTransferring || u.state == uploadFinalizing || !now.After(u.expiresAt) {
			continue
		}
		delete(c.uploads, id)
		if u.state != uploadFinalized {
			n++
		}
	}
	if n > 0 {
		metrics.Uploads.WithLabelValues("expired").Add(float64(n))
	}
	return n
}

// Run sweeps every interval until ctx ends.
func (c *AttachmentCoordinator) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := c.Sweep(now); n > 0 {
				c.log.Info("upload.sweep", "expired", n)
			}
		}
	}
}
