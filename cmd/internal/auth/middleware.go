package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"classchat/cmd/identity"
)

// RequireBearer rejects requests without a resolvable bearer credential and
// stores the principal in the request context.
func RequireBearer(res Resolver, log *slog.Logger, next http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := ResolveRequest(r, res)
		if err != nil {
			code := "invalid_token"
			if errors.Is(err, ErrMissingToken) {
				code = "missing_token"
			}
			log.Info("auth.reject", "path", r.URL.Path, "reason", code)
			writeUnauthorized(w, code)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// TrustHeaders is the development gate: X-User-ID and X-User-Role are taken
// at face value. Never mount it when Config.Required is set.
func TrustHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if uid == "" {
			writeUnauthorized(w, "missing_user")
			return
		}
		role, err := identity.ParseRole(r.Header.Get("X-User-Role"))
		if err != nil {
			role = identity.RoleLearner
		}
		p := identity.Principal{UserID: uid, Role: role}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func writeUnauthorized(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("WWW-Authenticate", `Bearer realm="classchat"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": "unauthorized"},
	})
}
