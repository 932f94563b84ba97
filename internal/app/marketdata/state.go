package marketdata

import "time"

// State is the connection state of the core.
type State int32

const (
	// StateIdle is the state before Start and after Stop.
	StateIdle State = iota
	// StateConnecting means a transport handshake is in flight.
	StateConnecting
	// StateUp means the session is established and subscriptions were replayed.
	StateUp
	// StateBackoff means a reconnect timer is pending.
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateUp:
		return "up"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of the core's health counters.
type Stats struct {
	State State

	Messages        uint64
	Trades          uint64
	BookSnapshots   uint64
	BookDeltas      uint64
	ParseErrors     uint64
	SkippedElements uint64
	ProtocolErrors  uint64
	TransportErrors uint64
	AuthErrors      uint64
	Reconnects      uint64
	Resyncs         uint64
	SequenceGaps    uint64

	// LastBackoff is the most recently scheduled reconnect delay.
	LastBackoff time.Duration
}
