package domain

import "time"

// ConnState is the lifecycle state of a venue's streaming connection. State
// transitions are driven exclusively by the feed manager.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnSubscribing
	ConnStreaming
)

// String returns the lowercase state name used in logs and status snapshots.
func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnSubscribing:
		return "subscribing"
	case ConnStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// VenueStatus is a point-in-time view of one venue connection, exported for
// diagnostics. Degraded means the venue exhausted its reconnect budget and
// needs a manual reset.
type VenueStatus struct {
	Venue             string
	State             ConnState
	Degraded          bool
	ReconnectAttempts int
	LastHeartbeat     time.Time
	LastPingSent      time.Time
}
