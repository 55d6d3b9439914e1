// Package blob is the object-store client used by the attachment flow.
//
// Two backends implement ObjectStore: LocalStore (filesystem plus HMAC-signed
// download URLs served by this process) and S3Store (any S3-compatible
// service through minio-go).
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("blob: object not found")
	ErrInvalidPath  = errors.New("blob: invalid object path")
	ErrSizeMismatch = errors.New("blob: size mismatch")
)

// Object describes a stored object.
type Object struct {
	Path     string
	URL      string
	MimeType string
	Size     int64
}

// ObjectStore stores attachment binaries and signs download URLs.
type ObjectStore interface {
	// PutObject stores size bytes from r at objectPath. A negative size means unknown.
	PutObject(ctx context.Context, r io.Reader, size int64, objectPath, mimeType string) (Object, error)
	// SignDownloadURL returns a URL granting read access to objectPath for ttl.
	SignDownloadURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error)
	// Stat returns metadata for objectPath or ErrNotFound.
	Stat(ctx context.Context, objectPath string) (Object, error)
}

// CleanPath validates a relative slash-separated object path.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrInvalidPath
		}
	}
	c := path.Clean(p)
	if c == "." || strings.HasPrefix(c, "../") {
		return "", ErrInvalidPath
	}
	return c, nil
}

const maxNameLen = 128

// SafeName reduces a user-supplied file name to a path-safe segment.
func SafeName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxNameLen {
			break
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

// AttachmentPath returns the object path for one upload.
func AttachmentPath(ownerID, uploadID, name string) string {
	return path.Join("attachments", SafeName(ownerID), uploadID, SafeName(name))
}
