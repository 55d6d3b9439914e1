// Package auth is the token-verification gate in front of the realtime core.
//
// A Resolver maps a bearer credential to an identity.Principal before any
// identify or HTTP fallback operation is trusted. The production resolver
// verifies PASETO v4.public tokens issued by the course application.
package auth
