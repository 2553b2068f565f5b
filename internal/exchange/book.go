package exchange

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"cryptofeeds/internal/model"
)

// Side of a depth book.
type Side int

const (
	Bids Side = iota
	Asks
)

type level struct {
	price decimal.Decimal
	qty   float64
}

// Book is a price-level depth book for exchanges that only publish depth.
// Levels are keyed by their decimal text so "100.10" and "100.1" collapse.
type Book struct {
	bids map[string]level
	asks map[string]level
}

func NewBook() *Book {
	return &Book{
		bids: make(map[string]level),
		asks: make(map[string]level),
	}
}

// Reset drops every level, as on a snapshot.
func (b *Book) Reset() {
	clear(b.bids)
	clear(b.asks)
}

// Set writes one level. A zero quantity removes it.
func (b *Book) Set(side Side, price decimal.Decimal, qty float64) {
	levels := b.bids
	if side == Asks {
		levels = b.asks
	}
	key := price.String()
	if qty <= 0 {
		delete(levels, key)
		return
	}
	levels[key] = level{price: price, qty: qty}
}

// SetString parses price and quantity text and writes the level.
func (b *Book) SetString(side Side, price, qty string) error {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return fmt.Errorf("price %q: %w", price, err)
	}
	q, err := strconv.ParseFloat(qty, 64)
	if err != nil {
		return fmt.Errorf("quantity %q: %w", qty, err)
	}
	b.Set(side, p, q)
	return nil
}

// Best returns the top of book. Sides with no levels are absent.
func (b *Book) Best() model.BBO {
	var q model.BBO
	if l, ok := best(b.bids, func(a, c decimal.Decimal) bool { return a.GreaterThan(c) }); ok {
		q.Bid, q.BidQty, q.HasBid = l.price.InexactFloat64(), l.qty, true
	}
	if l, ok := best(b.asks, func(a, c decimal.Decimal) bool { return a.LessThan(c) }); ok {
		q.Ask, q.AskQty, q.HasAsk = l.price.InexactFloat64(), l.qty, true
	}
	return q
}

// Len returns the number of levels on each side.
func (b *Book) Len() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

func best(levels map[string]level, better func(a, c decimal.Decimal) bool) (level, bool) {
	var top level
	found := false
	for _, l := range levels {
		if !found || better(l.price, top.price) {
			top, found = l, true
		}
	}
	return top, found
}

// books keeps one Book per exchange symbol.
type books map[string]*Book

func (bs books) get(symbol string) *Book {
	b, ok := bs[symbol]
	if !ok {
		b = NewBook()
		bs[symbol] = b
	}
	return b
}
