package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownInstrumentType is returned when an instrument type string is not spot or perp.
var ErrUnknownInstrumentType = errors.New("unknown instrument type")

// InstrumentType discriminates spot markets from perpetual futures.
type InstrumentType uint8

const (
	Spot InstrumentType = iota
	Perp
)

// InstrumentTypes lists every supported instrument type.
var InstrumentTypes = []InstrumentType{Spot, Perp}

// ParseInstrumentType converts "spot" or "perp" (any case) to an InstrumentType.
func ParseInstrumentType(s string) (InstrumentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spot":
		return Spot, nil
	case "perp":
		return Perp, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownInstrumentType, s)
	}
}

func (t InstrumentType) String() string {
	switch t {
	case Spot:
		return "spot"
	case Perp:
		return "perp"
	default:
		return fmt.Sprintf("InstrumentType(%d)", uint8(t))
	}
}

// Prefix is the upper-case tag used in canonical display strings.
func (t InstrumentType) Prefix() string {
	return strings.ToUpper(t.String())
}

// Valid reports whether t is one of the supported instrument types.
func (t InstrumentType) Valid() bool {
	return t == Spot || t == Perp
}

// SymbolID is the dense integer handle assigned to a canonical symbol.
type SymbolID uint32

// BBO is a top-of-book snapshot from a single exchange update.
// It is stored and read as a whole; fields are never mutated in place.
type BBO struct {
	Bid    float64
	BidQty float64
	Ask    float64
	AskQty float64
	HasBid bool
	HasAsk bool

	// ExchangeTime is the venue's own timestamp, zero when the venue does not send one.
	ExchangeTime time.Time
	// ReceivedAt is the local time the frame carrying this update was read.
	ReceivedAt time.Time
}

// Mid returns (bid+ask)/2 when both sides are present.
func (q BBO) Mid() (float64, bool) {
	if !q.HasBid || !q.HasAsk {
		return 0, false
	}
	return (q.Bid + q.Ask) / 2, true
}

// Spread returns ask-bid when both sides are present.
func (q BBO) Spread() (float64, bool) {
	if !q.HasBid || !q.HasAsk {
		return 0, false
	}
	return q.Ask - q.Bid, true
}

// Crossed reports a bid above the ask.
func (q BBO) Crossed() bool {
	return q.HasBid && q.HasAsk && q.Bid > q.Ask
}
