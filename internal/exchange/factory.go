package exchange

import (
	"fmt"
	"strings"

	"cryptofeeds/internal/model"
)

// Exchanges lists the exchange names the factory knows.
var Exchanges = []string{"binance", "bybit", "coinbase", "kraken", "lighter", "mexc"}

// NewFeed returns the wire protocol for name and it.
func NewFeed(name string, it model.InstrumentType, cfg ConnectionConfig) (Feed, error) {
	if !it.Valid() {
		return nil, fmt.Errorf("%w: %v", model.ErrUnknownInstrumentType, it)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "binance":
		return NewBinanceFeed(it, cfg.Endpoint), nil
	case "bybit":
		return NewBybitFeed(it, cfg.Endpoint), nil
	case "coinbase":
		return NewCoinbaseFeed(it, cfg.Endpoint), nil
	case "kraken":
		if it != model.Spot {
			return nil, fmt.Errorf("%w: kraken %s", ErrUnsupportedInstrument, it)
		}
		return NewKrakenFeed(cfg.Endpoint), nil
	case "lighter":
		if it != model.Perp {
			return nil, fmt.Errorf("%w: lighter %s", ErrUnsupportedInstrument, it)
		}
		return NewLighterFeed(cfg.Endpoint, cfg.RESTEndpoint, cfg.HTTPClient), nil
	case "mexc":
		return NewMexcFeed(it, cfg.Endpoint), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, name)
	}
}

// NewClient creates a new exchange client based on the given name and instrument type.
func NewClient(name string, it model.InstrumentType, deps Deps) (ExchangeClient, error) {
	feed, err := NewFeed(name, it, deps.Config)
	if err != nil {
		return nil, err
	}
	return NewStreamClient(feed, deps), nil
}
