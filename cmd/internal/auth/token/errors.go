package token

import "errors"

var (
	// ErrInvalidToken is returned for any access-token verification failure:
	// malformed token, bad signature, missing claim, or expiry.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration (e.g. missing secret).
	ErrConfig = errors.New("invalid token config")
)
