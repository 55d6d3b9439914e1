package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"classchat/cmd/security/token"
)

// DownloadPrefix is the route LocalStore serves signed downloads under.
const DownloadPrefix = "/v1/blobs/"

// LocalStore keeps objects on the filesystem below dir.
type LocalStore struct {
	dir     string
	baseURL string
	signer  *token.Signer
	ttl     time.Duration
	log     *slog.Logger
	now     func() time.Time
}

// LocalOption configures LocalStore.
type LocalOption func(*LocalStore)

// WithLocalLogger sets the logger used by the download handler.
func WithLocalLogger(log *slog.Logger) LocalOption {
	return func(s *LocalStore) {
		if log != nil {
			s.log = log
		}
	}
}

// WithDefaultURLTTL sets the TTL of the URL returned by PutObject.
func WithDefaultURLTTL(ttl time.Duration) LocalOption {
	return func(s *LocalStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLocalClock overrides the clock (tests).
func WithLocalClock(now func() time.Time) LocalOption {
	return func(s *LocalStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewLocalStore creates dir if needed. baseURL is the public origin used to
// build download links, e.g. "http://127.0.0.1:8080".
func NewLocalStore(dir, baseURL string, signingKey []byte, opts ...LocalOption) (*LocalStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("blob: empty dir")
	}
	signer, err := token.NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("blob: signing key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blob: mkdir: %w", err)
	}
	s := &LocalStore{
		dir:     dir,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		signer:  signer,
		ttl:     15 * time.Minute,
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *LocalStore) fsPath(objectPath string) (string, string, error) {
	clean, err := CleanPath(objectPath)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(s.dir, filepath.FromSlash(clean)), nil
}

// PutObject writes the object atomically (temp file + rename).
func (s *LocalStore) PutObject(ctx context.Context, r io.Reader, size int64, objectPath, mimeType string) (Object, error) {
	clean, full, err := s.fsPath(objectPath)
	if err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return Object{}, fmt.Errorf("blob: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("blob: temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	src := r
	if size >= 0 {
		src = io.LimitReader(r, size+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Object{}, fmt.Errorf("blob: write: %w", err)
	}
	if size >= 0 && n != size {
		return Object{}, fmt.Errorf("%w: got=%d want=%d", ErrSizeMismatch, n, size)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return Object{}, fmt.Errorf("blob: rename: %w", err)
	}

	u, err := s.SignDownloadURL(ctx, clean, s.ttl)
	if err != nil {
		return Object{}, err
	}
	return Object{Path: clean, URL: u, MimeType: mimeType, Size: n}, nil
}

// SignDownloadURL returns baseURL + /v1/blobs/<path>?exp=..&sig=..
func (s *LocalStore) SignDownloadURL(_ context.Context, objectPath string, ttl time.Duration) (string, error) {
	clean, err := CleanPath(objectPath)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	sig, exp := s.signer.Sign(clean, s.now().Add(ttl))

	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", sig)
	return s.baseURL + DownloadPrefix + escapePath(clean) + "?" + q.Encode(), nil
}

// Stat returns size and a MIME type guessed from the extension.
func (s *LocalStore) Stat(ctx context.Context, objectPath string) (Object, error) {
	clean, full, err := s.fsPath(objectPath)
	if err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	fi, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, err
	}
	if fi.IsDir() {
		return Object{}, ErrNotFound
	}
	return Object{
		Path:     clean,
		MimeType: mime.TypeByExtension(path.Ext(clean)),
		Size:     fi.Size(),
	}, nil
}

// ServeHTTP serves signed downloads mounted at DownloadPrefix.
func (s *LocalStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, DownloadPrefix)
	clean, full, err := s.fsPath(raw)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	exp, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := s.signer.Verify(clean, exp, r.URL.Query().Get("sig"), s.now()); err != nil {
		s.log.Info("blob.download.reject", "path", clean, "err", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, path.Base(clean), fi.ModTime(), f)
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
