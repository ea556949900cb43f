package token

import (
	"crypto/rand"
	"encoding/base64"
)

// NewRefreshToken generates an opaque refresh token with nBytes of entropy
// (minimum 24), encoded URL-safe without padding.
//
// Collisions are negligible at this entropy; the durable store's uniqueness
// constraint is the authoritative guard.
func NewRefreshToken(nBytes int) (string, error) {
	if nBytes < minRefreshBytes {
		nBytes = minRefreshBytes
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
