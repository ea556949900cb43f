// Package token implements NeonTalk's dual-token credentials.
//
// Access tokens are short-lived HS256 JWTs carrying iss/sub/iat/exp; they are
// stateless and verified purely by signature and time window. Refresh tokens
// are opaque high-entropy random strings; uniqueness is enforced by the
// durable store at persistence time, not by the generator.
//
// Verification failures are routine and collapse into ErrInvalidToken so the
// caller surfaces a uniform "unauthenticated" response.
package token
