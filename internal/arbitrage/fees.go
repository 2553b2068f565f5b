package arbitrage

import (
	"strings"

	"cryptofeeds/internal/config"
	"cryptofeeds/internal/model"
)

// FeeSchedule is a taker/maker fee pair in basis points.
type FeeSchedule struct {
	TakerBps float64
	MakerBps float64
}

// ExchangeFees holds the schedules of one exchange.
type ExchangeFees struct {
	Spot FeeSchedule
	Perp FeeSchedule
}

// DefaultFees are the published base-tier fees of each supported exchange.
var DefaultFees = map[string]ExchangeFees{
	"binance":  {Spot: FeeSchedule{10, 10}, Perp: FeeSchedule{5, 2}},
	"bybit":    {Spot: FeeSchedule{10, 10}, Perp: FeeSchedule{5.5, 2}},
	"coinbase": {Spot: FeeSchedule{60, 40}, Perp: FeeSchedule{60, 40}},
	"kraken":   {Spot: FeeSchedule{40, 25}, Perp: FeeSchedule{25, 25}},
	"mexc":     {Spot: FeeSchedule{5, 0}, Perp: FeeSchedule{2, 0}},
	"lighter":  {Spot: FeeSchedule{0, 0}, Perp: FeeSchedule{0, 0}},
}

// Fees resolves fee schedules from the defaults plus configured overrides.
type Fees struct {
	table map[string]ExchangeFees
}

// NewFees applies overrides on top of DefaultFees.
func NewFees(overrides map[string]config.ExchangeConfig) Fees {
	table := make(map[string]ExchangeFees, len(DefaultFees)+len(overrides))
	for name, f := range DefaultFees {
		table[name] = f
	}
	for name, o := range overrides {
		name = strings.ToLower(name)
		f := table[name]
		f.Spot = apply(f.Spot, o.Spot)
		f.Perp = apply(f.Perp, o.Perp)
		table[name] = f
	}
	return Fees{table: table}
}

func apply(s FeeSchedule, o config.FeeConfig) FeeSchedule {
	if o.TakerFeeBps != nil {
		s.TakerBps = *o.TakerFeeBps
	}
	if o.MakerFeeBps != nil {
		s.MakerBps = *o.MakerFeeBps
	}
	return s
}

// Schedule returns the fees of exchange for it. Unknown exchanges are charged nothing.
func (f Fees) Schedule(exchange string, it model.InstrumentType) FeeSchedule {
	e := f.table[strings.ToLower(exchange)]
	if it == model.Perp {
		return e.Perp
	}
	return e.Spot
}
