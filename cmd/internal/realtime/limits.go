package realtime

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 8

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	// Server pings detect dead TCP peers; presence is driven by client heartbeats.
	wsDefaultPingInterval = 25 * time.Second
	wsDefaultPingTimeout  = 5 * time.Second
	wsMaxPingFailures     = 3

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
