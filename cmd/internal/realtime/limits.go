package realtime

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10

	// MaxMessageChars bounds message content (runes) on both relay surfaces.
	MaxMessageChars = 4000
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	helloTimeout = 10 * time.Second

	// Per-connection inbound event budget.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
