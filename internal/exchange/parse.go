package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cryptofeeds/internal/model"
)

// splitSymbol splits a configured symbol with the caller's splitter. Base
// assets are not checked here; the registry does that when quotes are resolved.
func splitSymbol(split PairSplitter, symbol string) (base, quote string, err error) {
	if split == nil {
		return "", "", fmt.Errorf("%w: %q: no pair splitter", ErrInvalidSymbol, symbol)
	}
	base, quote, ok := split.SplitPair(symbol)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return base, quote, nil
}

func joinedSymbol(split PairSplitter, symbol, sep string) (string, error) {
	base, quote, err := splitSymbol(split, symbol)
	if err != nil {
		return "", err
	}
	return base + sep + quote, nil
}

// side parses one price/quantity pair. Empty or zero prices mean the side is absent.
func side(price, qty string) (p, q float64, ok bool, err error) {
	if price == "" {
		return 0, 0, false, nil
	}
	p, err = strconv.ParseFloat(price, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("price %q: %w", price, err)
	}
	if qty != "" {
		q, err = strconv.ParseFloat(qty, 64)
		if err != nil {
			return 0, 0, false, fmt.Errorf("quantity %q: %w", qty, err)
		}
	}
	return p, q, p > 0, nil
}

// topOfBook builds a BBO from text fields.
func topOfBook(bid, bidQty, ask, askQty string) (model.BBO, error) {
	var q model.BBO
	var err error
	if q.Bid, q.BidQty, q.HasBid, err = side(bid, bidQty); err != nil {
		return q, err
	}
	if q.Ask, q.AskQty, q.HasAsk, err = side(ask, askQty); err != nil {
		return q, err
	}
	return q, nil
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// endpoint returns override when set, otherwise def.
func endpoint(override, def string) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}
	return def
}
