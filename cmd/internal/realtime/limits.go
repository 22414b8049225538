package realtime

import "time"

// Socket limits and defaults.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 1 << 20 // 1 MiB

	sendQueueSize = 256

	writeTimeout = 5 * time.Second
	joinTimeout  = 10 * time.Second
	closeGrace   = 1 * time.Second

	// Heartbeat defaults (overridden by SocketConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3
)
