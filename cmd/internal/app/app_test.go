package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"classchat/cmd/internal/auth"
	"classchat/cmd/internal/chatapi"
	"classchat/cmd/internal/realtime"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":7000", want: "http://127.0.0.1:7000"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://chat.example.edu", want: "wss://chat.example.edu"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()

	ws := realtime.DefaultGatewayConfig()
	ws.OriginRequired = false
	return Config{
		HTTPAddr:           "127.0.0.1:0",
		DedupWindow:        5 * time.Second,
		DedupRingSize:      16,
		BlobBackend:        "local",
		BlobDir:            t.TempDir(),
		BlobPublicBaseURL:  "http://127.0.0.1:8080",
		Upload:             realtime.DefaultUploadPolicy(),
		CORSAllowedOrigins: []string{"http://localhost:*"},
		WS:                 ws,
		API:                chatapi.Config{},
	}
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()

	a, err := New(context.Background(), cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() {
		a.registry.Close()
		a.closeResources()
	})
	return a
}

func TestApp_RoutesInMemoryMode(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	cases := []struct {
		method string
		path   string
		header map[string]string
		body   string
		want   int
	}{
		{method: http.MethodGet, path: "/healthz", want: http.StatusOK},
		{method: http.MethodGet, path: "/readyz", want: http.StatusOK},
		{method: http.MethodGet, path: "/metrics", want: http.StatusOK},
		{method: http.MethodPost, path: "/v1/chats", body: `{"participant_id":"bob"}`, want: http.StatusUnauthorized},
		{method: http.MethodPost, path: "/v1/chats", header: map[string]string{"X-User-ID": "alice"}, body: `{"participant_id":"bob"}`, want: http.StatusCreated},
		{method: http.MethodGet, path: "/v1/presence/bob", header: map[string]string{"X-User-ID": "alice"}, want: http.StatusOK},
		{method: http.MethodGet, path: "/v1/blobs/attachments/a/b/c.txt?exp=1&sig=00", want: http.StatusForbidden},
		{method: http.MethodGet, path: "/v1/nope", header: map[string]string{"X-User-ID": "alice"}, want: http.StatusNotFound},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		for k, v := range tc.header {
			req.Header.Set(k, v)
		}
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		_ = res.Body.Close()
		if res.StatusCode != tc.want {
			t.Fatalf("%s %s: status=%d want=%d", tc.method, tc.path, res.StatusCode, tc.want)
		}
		if got := res.Header.Get("X-Content-Type-Options"); got != "nosniff" {
			t.Fatalf("%s %s: missing security headers", tc.method, tc.path)
		}
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.ReadinessRequireDB = true
	a := newTestApp(t, cfg)

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want=%d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	if err := a.registry.Attach(realtime.NewSession("late", 1)); err == nil {
		t.Fatalf("registry must be closed after shutdown")
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("CLASSCHAT_HTTP_ADDR", "0.0.0.0:9999")
	t.Setenv("CLASSCHAT_CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("CLASSCHAT_UPLOAD_MAX_BYTES", "2048")
	t.Setenv("CLASSCHAT_DEDUP_WINDOW", "3s")
	t.Setenv("CLASSCHAT_HTTP_WRITE_TIMEOUT", "")
	t.Setenv("CLASSCHAT_BLOB_BACKEND", "")
	t.Setenv("CLASSCHAT_BLOB_PUBLIC_BASE_URL", "")
	t.Setenv("CLASSCHAT_AUTH_REQUIRED", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:9999" || cfg.BlobPublicBaseURL != "http://127.0.0.1:9999" {
		t.Fatalf("addr=%q base=%q", cfg.HTTPAddr, cfg.BlobPublicBaseURL)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins=%v", cfg.CORSAllowedOrigins)
	}
	if cfg.Upload.MaxBytes != 2048 || cfg.DedupWindow != 3*time.Second || cfg.WriteTimeout != 0 {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoadConfig_RejectsUnknownBlobBackend(t *testing.T) {
	t.Setenv("CLASSCHAT_BLOB_BACKEND", "ftp")
	t.Setenv("CLASSCHAT_AUTH_REQUIRED", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	strong := strings.Repeat("s", 32)
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "dev defaults", cfg: Config{BlobBackend: "local"}, ok: true},
		{name: "short blob key", cfg: Config{BlobBackend: "local", BlobSigningKey: "short"}, ok: false},
		{name: "auth without key", cfg: Config{BlobBackend: "local", Auth: auth.Config{Required: true}}, ok: false},
		{name: "auth without blob key", cfg: Config{BlobBackend: "local", Auth: auth.Config{Required: true, PublicKeyHex: "ab"}}, ok: false},
		{name: "auth ok", cfg: Config{BlobBackend: "local", BlobSigningKey: strong, Auth: auth.Config{Required: true, PublicKeyHex: "ab"}}, ok: true},
		{name: "auth with insecure ws", cfg: Config{BlobBackend: "local", BlobSigningKey: strong, Auth: auth.Config{Required: true, PublicKeyHex: "ab"}, WS: realtime.GatewayConfig{InsecureSkipVerify: true}}, ok: false},
		{name: "s3 without bucket", cfg: Config{BlobBackend: "s3", S3Endpoint: "minio:9000"}, ok: false},
	}
	for _, tc := range cases {
		err := ValidateSecurityConfig(tc.cfg)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestBlobSigningKey_Ephemeral(t *testing.T) {
	t.Parallel()

	key, ephemeral, err := blobSigningKey(Config{})
	if err != nil || !ephemeral || len(key) < 32 {
		t.Fatalf("key=%d ephemeral=%v err=%v", len(key), ephemeral, err)
	}
	other, _, _ := blobSigningKey(Config{})
	if string(other) == string(key) {
		t.Fatalf("ephemeral keys must differ")
	}
}
