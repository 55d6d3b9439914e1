package auth

import "errors"

var (
	// ErrMissingToken means the request carried no bearer credential.
	ErrMissingToken = errors.New("auth: missing token")
	// ErrInvalidToken covers malformed, expired, wrongly signed or claim-less tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrConfig indicates invalid or missing auth configuration.
	ErrConfig = errors.New("auth: invalid config")
)
