package presence

import "time"

const (
	defaultOnlineWindow = 10 * time.Second
)

// Config holds presence thresholds.
//
// A user reads online while now-lastHeartbeat <= OnlineWindow. When AwayWindow is
// larger than OnlineWindow the interval between the two reads away; beyond the
// larger of the two the user is offline and the record is treated as gone.
type Config struct {
	OnlineWindow  time.Duration
	AwayWindow    time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns thresholds for clients that heartbeat every 3-5s.
func DefaultConfig() Config {
	return Config{OnlineWindow: defaultOnlineWindow}
}

// normalize fills defaults and clamps the sweep interval to the offline threshold.
func (c Config) normalize() Config {
	if c.OnlineWindow <= 0 {
		c.OnlineWindow = defaultOnlineWindow
	}
	if c.AwayWindow <= c.OnlineWindow {
		c.AwayWindow = 0
	}
	off := c.OfflineAfter()
	if c.SweepInterval <= 0 {
		c.SweepInterval = off / 2
	}
	if c.SweepInterval > off {
		c.SweepInterval = off
	}
	return c
}

// OfflineAfter is the age beyond which a record is stale.
func (c Config) OfflineAfter() time.Duration {
	if c.AwayWindow > c.OnlineWindow {
		return c.AwayWindow
	}
	if c.OnlineWindow <= 0 {
		return defaultOnlineWindow
	}
	return c.OnlineWindow
}
