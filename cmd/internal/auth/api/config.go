package authapi

import (
	"os"
	"strconv"
	"strings"
)

// Config controls request-gateway behavior.
type Config struct {
	// MaxBodyBytes caps JSON request bodies. Ciphertext blobs ride in
	// bodies, so this is larger than a typical auth payload cap.
	MaxBodyBytes int64

	// VAPIDPublicKey is served to clients for push subscription. Push is
	// disabled when empty.
	VAPIDPublicKey string
}

// DefaultConfig returns gateway defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 256 << 10, // 256 KiB
	}
}

// LoadConfigFromEnv loads gateway configuration from environment variables.
//
// Optional:
//   - NEONTALK_API_MAX_BODY_BYTES
//   - NEONTALK_PUSH_VAPID_PUBLIC_KEY
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("NEONTALK_API_MAX_BODY_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}

	cfg.VAPIDPublicKey = strings.TrimSpace(os.Getenv("NEONTALK_PUSH_VAPID_PUBLIC_KEY"))

	return cfg
}
