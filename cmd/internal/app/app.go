// Package app wires the classchat server runtime: config, logging, stores,
// the realtime gateway and the HTTP fallback surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"classchat/cmd/internal/auth"
	"classchat/cmd/internal/blob"
	"classchat/cmd/internal/chatapi"
	"classchat/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the classchat server runtime: it owns HTTP server wiring and the
// realtime collaborators.
type App struct {
	cfg Config
	log Logger

	store  realtime.ChatStore
	dbPool *pgxpool.Pool
	mirror *realtime.RedisPresenceMirror

	registry    *realtime.Registry
	dedup       *realtime.Deduplicator
	attachments *realtime.AttachmentCoordinator
	localBlobs  *blob.LocalStore

	resolver auth.Resolver
	ws       *realtime.WSGateway
	api      *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a := &App{cfg: cfg, log: log}

	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initPresence(ctx); err != nil {
		return nil, err
	}

	regOpts := []realtime.RegistryOption{realtime.WithRegistryLogger(log)}
	if a.mirror != nil {
		regOpts = append(regOpts, realtime.WithPresenceMirror(a.mirror, 500*time.Millisecond))
	}
	a.registry = realtime.NewRegistry(regOpts...)

	a.dedup = realtime.NewDeduplicator(cfg.DedupWindow, cfg.DedupRingSize)
	gateway := realtime.NewPersistenceGateway(a.store, log)
	if cfg.StoreRetryMaxElapsed > 0 {
		gateway.RetryMaxElapsed = cfg.StoreRetryMaxElapsed
	}
	pipeline := realtime.NewPipeline(gateway, a.dedup, realtime.NewDispatcher(a.registry, log), log)

	objects, err := a.newObjectStore(ctx)
	if err != nil {
		return nil, err
	}
	a.attachments = realtime.NewAttachmentCoordinator(objects, pipeline, cfg.Upload, log)

	if cfg.Auth.Required {
		pm, err := auth.NewPasetoManager(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		a.resolver = pm
	} else {
		log.Warn("auth.disabled", "hint", "identify payloads and X-User-ID headers are trusted")
	}

	a.ws = realtime.NewWSGateway(log, cfg.WS, realtime.GatewayDeps{
		Registry:    a.registry,
		Pipeline:    pipeline,
		Attachments: a.attachments,
		Resolver:    a.resolver,
	})

	deps := chatapi.Deps{
		Pipeline:    pipeline,
		Registry:    a.registry,
		Attachments: a.attachments,
	}
	if a.mirror != nil {
		deps.Presence = a.mirror
	}
	a.api, err = chatapi.NewHandler(log, cfg.API, deps)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// initStore decides between Postgres-backed persistence and the in-memory
// dev store.
func (a *App) initStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = realtime.NewInMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	a.dbPool = pool

	// app owns the pool; PostgresStore.Close is a no-op.
	st, err := realtime.NewPostgresStore(pool, realtime.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return err
	}
	if a.cfg.EnsureSchema {
		if err := st.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	a.store = st
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return nil
}

func (a *App) initPresence(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		return nil
	}
	m, err := realtime.NewRedisPresenceMirror(a.cfg.RedisURL, a.cfg.PresenceKey)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := m.Ping(pingCtx); err != nil {
		_ = m.Close()
		return fmt.Errorf("redis: %w", err)
	}
	a.mirror = m
	a.log.Info("presence.mirror.enabled")
	return nil
}

func (a *App) newObjectStore(ctx context.Context) (blob.ObjectStore, error) {
	switch a.cfg.BlobBackend {
	case "s3":
		s3, err := blob.NewS3Store(blob.S3Config{
			Endpoint:  a.cfg.S3Endpoint,
			AccessKey: a.cfg.S3AccessKey,
			SecretKey: a.cfg.S3SecretKey,
			Bucket:    a.cfg.S3Bucket,
			Region:    a.cfg.S3Region,
			UseSSL:    a.cfg.S3UseSSL,
			URLTTL:    a.cfg.Upload.URLTTL,
		})
		if err != nil {
			return nil, err
		}
		if a.cfg.S3EnsureBucket {
			if err := s3.EnsureBucket(ctx, a.cfg.S3Region); err != nil {
				return nil, err
			}
		}
		a.log.Info("blob.backend", "kind", "s3", "bucket", a.cfg.S3Bucket)
		return s3, nil
	default:
		key, ephemeral, err := blobSigningKey(a.cfg)
		if err != nil {
			return nil, err
		}
		if ephemeral {
			a.log.Warn("blob.signing_key.ephemeral", "hint", "set CLASSCHAT_BLOB_SIGNING_KEY to keep URLs valid across restarts")
		}
		local, err := blob.NewLocalStore(a.cfg.BlobDir, a.cfg.BlobPublicBaseURL, key,
			blob.WithLocalLogger(a.log),
			blob.WithDefaultURLTTL(a.cfg.Upload.URLTTL),
		)
		if err != nil {
			return nil, err
		}
		a.localBlobs = local
		a.log.Info("blob.backend", "kind", "local", "dir", a.cfg.BlobDir)
		return local, nil
	}
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRecovery(h, a.log)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"presence_mirror", a.mirror != nil,
		"auth_required", a.cfg.Auth.Required,
	)

	jctx, stopJanitors := context.WithCancel(ctx)
	var janitors sync.WaitGroup
	janitors.Add(2)
	go func() { defer janitors.Done(); a.dedup.Run(jctx, 0) }()
	go func() { defer janitors.Done(); a.attachments.Run(jctx, a.cfg.JanitorInterval) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	stopJanitors()
	janitors.Wait()

	// Hijacked websocket connections are not tracked by Shutdown: closing
	// the registry tears every session down before the stores go away.
	a.registry.Close()
	a.waitGateway(shutdownCtx)
	a.closeResources()

	a.log.Info("server.stopped")
	return runErr
}

func (a *App) waitGateway(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.ws.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("ws.drain.timeout")
	}
}

// closeResources releases stores in dependency order. Safe on a partially
// constructed App.
func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.log.Error("presence.mirror.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
