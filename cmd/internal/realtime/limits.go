package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max concurrent conversation subscriptions per session.
	maxSubscriptionsPerSession = 64
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Unauthenticated sessions must say hello within this window.
	helloTimeout = 10 * time.Second
)
