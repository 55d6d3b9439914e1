package app

import (
	"net"
	"net/http"
	"strings"
	"time"

	"classchat/cmd/internal/auth"
	"classchat/cmd/internal/blob"
	"classchat/cmd/internal/metrics"
)

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("/ws", a.ws)

	// Signed download URLs carry their own authorization.
	if a.localBlobs != nil {
		mux.Handle("GET "+blob.DownloadPrefix, a.localBlobs)
	}

	api := http.NewServeMux()
	a.api.Register(api)
	mux.Handle("/v1/", a.gate(api))
}

// gate resolves the caller for the fallback surface. Without a resolver the
// development header gate is used.
func (a *App) gate(next http.Handler) http.Handler {
	if a.resolver != nil {
		return auth.RequireBearer(a.resolver, a.log, next)
	}
	return auth.TrustHeaders(next)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && a.dbPool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if a.dbPool != nil {
		if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
			a.log.Info("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Ping(r.Context()); err != nil {
			a.log.Info("readyz.redis.not_ready", "err", err)
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return "ws://" + httpURL
	}
}
