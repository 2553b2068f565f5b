package marketdata

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cryptofeeds/internal/model"
	"cryptofeeds/internal/registry"
)

// ErrCrossedQuote is returned by Update for a quote whose bid is above its ask.
var ErrCrossedQuote = errors.New("crossed quote: bid above ask")

// Symbol selects an instrument either by SymbolID or by a raw spelling that is
// resolved through the store's registry.
type Symbol struct {
	id    model.SymbolID
	raw   string
	itype model.InstrumentType
	byID  bool
}

// ByID selects an instrument by its SymbolID.
func ByID(id model.SymbolID) Symbol {
	return Symbol{id: id, byID: true}
}

// ByName selects an instrument by exchange spelling and instrument type.
func ByName(raw string, it model.InstrumentType) Symbol {
	return Symbol{raw: raw, itype: it}
}

// entry holds the latest quote for one (exchange, SymbolID). The pointer is
// swapped as a whole so readers always see bid and ask from one update.
type entry struct {
	quote atomic.Pointer[model.BBO]
}

// book is one exchange's set of entries. Its lock only guards the key set.
type book struct {
	mu      sync.RWMutex
	entries map[model.SymbolID]*entry
}

// Store is the concurrent (exchange, SymbolID) -> BBO map shared by connectors
// and readers.
type Store struct {
	registry *registry.Registry

	books sync.Map // exchange name -> *book

	maxAge          time.Duration
	minContributors int
	now             func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxQuoteAge excludes quotes received longer than d ago from MidquoteMean.
// Zero disables the filter.
func WithMaxQuoteAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithMinContributors sets how many exchanges MidquoteMean needs before it
// reports a value.
func WithMinContributors(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.minContributors = n
		}
	}
}

// WithClock overrides the time source used for quote ageing.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store that resolves raw symbols through reg.
func NewStore(reg *registry.Registry, opts ...Option) *Store {
	s := &Store{
		registry:        reg,
		minContributors: 1,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the registry used to resolve raw symbols.
func (s *Store) Registry() *registry.Registry {
	return s.registry
}

// Update replaces the entry for (exchange, id) with q. Arrival order decides
// the winner; source timestamps are not compared.
func (s *Store) Update(exchange string, id model.SymbolID, q model.BBO) error {
	if q.Crossed() {
		return fmt.Errorf("%w: %s %d bid=%v ask=%v", ErrCrossedQuote, exchange, id, q.Bid, q.Ask)
	}
	s.entry(exchange, id).quote.Store(&q)
	return nil
}

func (s *Store) entry(exchange string, id model.SymbolID) *entry {
	b := s.book(exchange)

	b.mu.RLock()
	e, ok := b.entries[id]
	b.mu.RUnlock()
	if ok {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok = b.entries[id]; !ok {
		e = &entry{}
		b.entries[id] = e
	}
	return e
}

func (s *Store) book(exchange string) *book {
	if b, ok := s.books.Load(exchange); ok {
		return b.(*book)
	}
	b, _ := s.books.LoadOrStore(exchange, &book{entries: make(map[model.SymbolID]*entry)})
	return b.(*book)
}

func (s *Store) resolve(sym Symbol) (model.SymbolID, bool) {
	if sym.byID {
		return sym.id, true
	}
	if s.registry == nil {
		return 0, false
	}
	return s.registry.Resolve(sym.raw, sym.itype)
}

// Snapshot returns the full latest quote for (exchange, sym).
func (s *Store) Snapshot(exchange string, sym Symbol) (model.BBO, bool) {
	id, ok := s.resolve(sym)
	if !ok {
		return model.BBO{}, false
	}
	return s.load(exchange, id)
}

func (s *Store) load(exchange string, id model.SymbolID) (model.BBO, bool) {
	v, ok := s.books.Load(exchange)
	if !ok {
		return model.BBO{}, false
	}
	b := v.(*book)

	b.mu.RLock()
	e, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok {
		return model.BBO{}, false
	}
	q := e.quote.Load()
	if q == nil {
		return model.BBO{}, false
	}
	return *q, true
}

// Bid returns the best bid price.
func (s *Store) Bid(exchange string, sym Symbol) (float64, bool) {
	q, ok := s.Snapshot(exchange, sym)
	return q.Bid, ok && q.HasBid
}

// Ask returns the best ask price.
func (s *Store) Ask(exchange string, sym Symbol) (float64, bool) {
	q, ok := s.Snapshot(exchange, sym)
	return q.Ask, ok && q.HasAsk
}

// BidQty returns the quantity at the best bid.
func (s *Store) BidQty(exchange string, sym Symbol) (float64, bool) {
	q, ok := s.Snapshot(exchange, sym)
	return q.BidQty, ok && q.HasBid
}

// AskQty returns the quantity at the best ask.
func (s *Store) AskQty(exchange string, sym Symbol) (float64, bool) {
	q, ok := s.Snapshot(exchange, sym)
	return q.AskQty, ok && q.HasAsk
}

// Midquote returns (bid+ask)/2 when both sides are present.
func (s *Store) Midquote(exchange string, sym Symbol) (float64, bool) {
	q, ok := s.Snapshot(exchange, sym)
	if !ok {
		return 0, false
	}
	return q.Mid()
}

// Spread returns ask-bid when both sides are present.
func (s *Store) Spread(exchange string, sym Symbol) (float64, bool) {
	q, ok := s.Snapshot(exchange, sym)
	if !ok {
		return 0, false
	}
	return q.Spread()
}

// Symbols returns the SymbolIDs populated for exchange at call time, in
// ascending order. The sequence can be ranged over any number of times and
// does not observe writes made after the call.
func (s *Store) Symbols(exchange string) iter.Seq[model.SymbolID] {
	var ids []model.SymbolID
	if v, ok := s.books.Load(exchange); ok {
		b := v.(*book)
		b.mu.RLock()
		ids = make([]model.SymbolID, 0, len(b.entries))
		for id, e := range b.entries {
			if e.quote.Load() != nil {
				ids = append(ids, id)
			}
		}
		b.mu.RUnlock()
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return func(yield func(model.SymbolID) bool) {
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

// Exchanges returns the names of exchanges that have written at least once.
func (s *Store) Exchanges() []string {
	var names []string
	s.books.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// MidquoteMean averages the midquote of sym across every exchange holding a
// two-sided quote for it. Each exchange's entry is read on its own, so the
// result mixes quotes from slightly different instants.
func (s *Store) MidquoteMean(sym Symbol) (float64, bool) {
	id, ok := s.resolve(sym)
	if !ok {
		return 0, false
	}

	var cutoff time.Time
	if s.maxAge > 0 {
		cutoff = s.now().Add(-s.maxAge)
	}

	var sum float64
	var n int
	s.books.Range(func(k, _ any) bool {
		q, ok := s.load(k.(string), id)
		if !ok {
			return true
		}
		if !cutoff.IsZero() && q.ReceivedAt.Before(cutoff) {
			return true
		}
		if mid, ok := q.Mid(); ok {
			sum += mid
			n++
		}
		return true
	})

	if n == 0 || n < s.minContributors {
		return 0, false
	}
	return sum / float64(n), true
}
