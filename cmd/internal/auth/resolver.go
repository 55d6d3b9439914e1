package auth

import (
	"context"
	"net/http"
	"strings"

	"classchat/cmd/identity"
)

// Resolver maps a bearer credential to a principal.
type Resolver interface {
	Resolve(ctx context.Context, bearer string) (identity.Principal, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, bearer string) (identity.Principal, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, bearer string) (identity.Principal, error) {
	return f(ctx, bearer)
}

// BearerFromRequest extracts the credential from the Authorization header.
// Browsers cannot set headers on websocket handshakes, so the access_token
// query parameter is accepted as a fallback.
func BearerFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// ResolveRequest resolves the request's bearer credential.
func ResolveRequest(r *http.Request, res Resolver) (identity.Principal, error) {
	tok := BearerFromRequest(r)
	if tok == "" {
		return identity.Principal{}, ErrMissingToken
	}
	p, err := res.Resolve(r.Context(), tok)
	if err != nil {
		return identity.Principal{}, err
	}
	if err := p.Validate(); err != nil {
		return identity.Principal{}, ErrInvalidToken
	}
	return p, nil
}

type principalKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p identity.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (identity.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(identity.Principal)
	return p, ok && p.UserID != ""
}
