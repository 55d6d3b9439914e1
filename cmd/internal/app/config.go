package app

import (
	"fmt"
	"strings"
	"time"

	"classchat/cmd/internal/auth"
	"classchat/cmd/internal/chatapi"
	"classchat/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	// ReadTimeout and WriteTimeout stay 0 by default: they would also bound
	// hijacked websocket connections.
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration

	DatabaseURL  string
	DBMaxConns   int32
	DBMinConns   int32
	DBSchema     string
	EnsureSchema bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	RedisURL    string
	PresenceKey string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	DedupWindow          time.Duration
	DedupRingSize        int
	StoreRetryMaxElapsed time.Duration
	JanitorInterval      time.Duration

	BlobBackend       string // "local" or "s3"
	BlobDir           string
	BlobPublicBaseURL string
	BlobSigningKey    string

	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3Region       string
	S3UseSSL       bool
	S3EnsureBucket bool

	Upload realtime.UploadPolicy

	Auth auth.Config
	WS   realtime.GatewayConfig
	API  chatapi.Config
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	upload := realtime.DefaultUploadPolicy()
	upload.MaxBytes = EnvInt64("CLASSCHAT_UPLOAD_MAX_BYTES", upload.MaxBytes)
	upload.AllowedTypes = EnvCSV("CLASSCHAT_UPLOAD_ALLOWED_TYPES", upload.AllowedTypes)
	upload.TTL = EnvDuration("CLASSCHAT_UPLOAD_TTL", upload.TTL)
	upload.URLTTL = EnvDuration("CLASSCHAT_ATTACHMENT_URL_TTL", upload.URLTTL)

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("auth config: %w", err)
	}

	cfg := Config{
		HTTPAddr:  EnvString("CLASSCHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CLASSCHAT_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("CLASSCHAT_LOG_FORMAT", "json")),

		ReadHeaderTimeout: EnvDuration("CLASSCHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CLASSCHAT_HTTP_READ_TIMEOUT", 0),
		WriteTimeout:      EnvDuration("CLASSCHAT_HTTP_WRITE_TIMEOUT", 0),
		IdleTimeout:       EnvDuration("CLASSCHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("CLASSCHAT_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("CLASSCHAT_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL:  EnvString("CLASSCHAT_DATABASE_URL", ""),
		DBMaxConns:   EnvInt32("CLASSCHAT_DB_MAX_CONNS", 10),
		DBMinConns:   EnvInt32("CLASSCHAT_DB_MIN_CONNS", 0),
		DBSchema:     EnvString("CLASSCHAT_DB_SCHEMA", "classchat"),
		EnsureSchema: EnvBool("CLASSCHAT_DB_ENSURE_SCHEMA", true),

		ReadinessRequireDB: EnvBool("CLASSCHAT_READINESS_REQUIRE_DB", false),

		RedisURL:    EnvString("CLASSCHAT_REDIS_URL", ""),
		PresenceKey: EnvString("CLASSCHAT_PRESENCE_KEY", ""),

		CORSAllowedOrigins:   EnvCSV("CLASSCHAT_CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "http://127.0.0.1:*"}),
		CORSAllowCredentials: EnvBool("CLASSCHAT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CLASSCHAT_CORS_MAX_AGE", 600),

		DedupWindow:          EnvDuration("CLASSCHAT_DEDUP_WINDOW", 5*time.Second),
		DedupRingSize:        EnvInt("CLASSCHAT_DEDUP_RING_SIZE", 16),
		StoreRetryMaxElapsed: EnvDuration("CLASSCHAT_STORE_RETRY_MAX_ELAPSED", 2*time.Second),
		JanitorInterval:      EnvDuration("CLASSCHAT_JANITOR_INTERVAL", 30*time.Second),

		BlobBackend:       strings.ToLower(EnvString("CLASSCHAT_BLOB_BACKEND", "local")),
		BlobDir:           EnvString("CLASSCHAT_BLOB_DIR", "./data/blobs"),
		BlobPublicBaseURL: EnvString("CLASSCHAT_BLOB_PUBLIC_BASE_URL", ""),
		BlobSigningKey:    EnvString("CLASSCHAT_BLOB_SIGNING_KEY", ""),

		S3Endpoint:     EnvString("CLASSCHAT_S3_ENDPOINT", ""),
		S3AccessKey:    EnvString("CLASSCHAT_S3_ACCESS_KEY", ""),
		S3SecretKey:    EnvString("CLASSCHAT_S3_SECRET_KEY", ""),
		S3Bucket:       EnvString("CLASSCHAT_S3_BUCKET", ""),
		S3Region:       EnvString("CLASSCHAT_S3_REGION", ""),
		S3UseSSL:       EnvBool("CLASSCHAT_S3_USE_SSL", true),
		S3EnsureBucket: EnvBool("CLASSCHAT_S3_ENSURE_BUCKET", false),

		Upload: upload,

		Auth: authCfg,
		WS:   realtime.LoadGatewayConfigFromEnv(),
		API:  chatapi.LoadConfigFromEnv(),
	}

	switch cfg.BlobBackend {
	case "local", "s3":
	default:
		return Config{}, fmt.Errorf("CLASSCHAT_BLOB_BACKEND: unknown backend %q", cfg.BlobBackend)
	}
	if cfg.BlobPublicBaseURL == "" {
		cfg.BlobPublicBaseURL = runtimeBaseURL(cfg.HTTPAddr)
	}
	return cfg, nil
}
