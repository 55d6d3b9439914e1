// Package identity holds the caller identity primitives shared by the HTTP and
// websocket layers: the resolved principal, its role, and ULID helpers (see ids).
//
// Token verification lives in cmd/internal/auth; this package only models what
// a verified credential resolves to.
package identity
