// Package token provides the HMAC primitives used to sign short-lived
// capability URLs (attachment downloads served by the local blob backend).
//
// Output is lowercase hex so signatures travel safely in query strings, and
// verification is constant-time.
package token
