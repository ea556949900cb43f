package relay

import "time"

// Security/performance limits for the relay transport.
const (
	// Max bytes per websocket frame read (hard limit). Signaling payloads
	// (SDP blobs, ICE candidates) stay well below this.
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limit (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
