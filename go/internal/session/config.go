package session

import "time"

// Config holds the timing knobs for one session's synchronization machinery.
type Config struct {
	// LeaveDebounce is how long a user must stay absent from presence
	// snapshots before they are actually removed.
	LeaveDebounce time.Duration

	// DispatchInterval is the broadcast queue's send cadence.
	DispatchInterval time.Duration

	// HeartbeatInterval is the cadence of keep-alive ping broadcasts.
	HeartbeatInterval time.Duration

	// TrackAttempts bounds presence-tracking retries before the container
	// forces a full resubscribe.
	TrackAttempts int

	// TrackRetryBase scales the jittered delay between tracking retries.
	TrackRetryBase time.Duration

	// ResubscribeDelay is the pause before tearing down a failed channel and
	// opening a fresh one.
	ResubscribeDelay time.Duration
}

// DefaultConfig returns the production timing defaults.
func DefaultConfig() Config {
	return Config{
		LeaveDebounce:     5 * time.Second,
		DispatchInterval:  200 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		TrackAttempts:     3,
		TrackRetryBase:    500 * time.Millisecond,
		ResubscribeDelay:  2 * time.Second,
	}
}
