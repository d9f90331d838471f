package realtime

import "time"

const (
	// Max bytes per websocket frame read. A 500-character message fits many times over.
	maxFrameBytes = 16 << 10

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	maxPingFailures = 3

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// SubscriptionBuffer is the bus queue size a Hub should subscribe with.
const SubscriptionBuffer = 1024
