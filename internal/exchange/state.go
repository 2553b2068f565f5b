package exchange

import (
	"time"

	"cryptofeeds/internal/model"
)

// State is a client's position in its connection lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a state transition reported by a client.
type Status struct {
	Exchange       string
	InstrumentType model.InstrumentType
	State          State
	// Err is the cause of a Backoff or Failed transition.
	Err error
	// Session identifies the connection attempt the transition belongs to.
	Session string
	// Delay is the wait before the next attempt, set on Backoff.
	Delay time.Duration
	At    time.Time
}
