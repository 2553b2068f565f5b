package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cryptofeeds/internal/model"
)

// DefaultQuoteAssets are the recognised quote currencies. Matching is longest-first;
// entries of equal length keep this order.
var DefaultQuoteAssets = []string{
	"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "USDE", "DAI", "USD", "EUR", "GBP", "TRY", "BTC", "ETH", "BNB",
}

// DefaultBaseAssets are the base assets the registry accepts out of the box.
var DefaultBaseAssets = []string{
	"BTC", "ETH", "SOL", "XRP", "DOGE", "ADA", "AVAX", "LINK", "DOT", "LTC",
	"BNB", "TRX", "POL", "MATIC", "SHIB", "BCH", "XLM", "ATOM", "UNI", "NEAR",
	"APT", "ARB", "OP", "SUI", "TON", "HBAR", "FIL", "ETC", "AAVE", "PEPE",
	"WIF", "INJ", "SEI", "TIA", "HYPE", "ENA", "USDC", "USDT", "WBTC", "XMR",
}

// DefaultBaseAliases maps venue-specific asset codes to their common code.
var DefaultBaseAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

// Canonical is the normalised identity behind a SymbolID.
type Canonical struct {
	Type  model.InstrumentType
	Base  string
	Quote string
}

// String renders the canonical display form, e.g. SPOT-BTC-USDT.
func (c Canonical) String() string {
	return fmt.Sprintf("%s-%s-%s", c.Type.Prefix(), c.Base, c.Quote)
}

// Registry maps exchange symbol spellings to stable SymbolIDs.
// Ids are dense, assigned on first lookup and never reused.
type Registry struct {
	quotes []string

	mu        sync.RWMutex
	bases     map[string]struct{}
	aliases   map[string]string
	ids       map[Canonical]model.SymbolID
	canonical []Canonical
	spellings map[model.InstrumentType]map[string]model.SymbolID
}

// Option configures a Registry.
type Option func(*Registry)

// WithBaseAssets replaces the set of known base assets.
func WithBaseAssets(assets ...string) Option {
	return func(r *Registry) {
		r.bases = make(map[string]struct{}, len(assets))
		for _, a := range assets {
			if a = normalize(a); a != "" {
				r.bases[a] = struct{}{}
			}
		}
	}
}

// WithBaseAliases adds alias -> base mappings, e.g. XBT -> BTC.
func WithBaseAliases(aliases map[string]string) Option {
	return func(r *Registry) {
		for from, to := range aliases {
			r.aliases[normalize(from)] = normalize(to)
		}
	}
}

// WithQuoteAssets replaces the quote currency list.
func WithQuoteAssets(quotes ...string) Option {
	return func(r *Registry) {
		r.quotes = orderQuotes(quotes)
	}
}

// New creates a registry with the default asset lists, adjusted by opts.
func New(opts ...Option) *Registry {
	r := &Registry{
		quotes:    orderQuotes(DefaultQuoteAssets),
		aliases:   make(map[string]string, len(DefaultBaseAliases)),
		ids:       make(map[Canonical]model.SymbolID),
		spellings: make(map[model.InstrumentType]map[string]model.SymbolID, len(model.InstrumentTypes)),
	}
	WithBaseAssets(DefaultBaseAssets...)(r)
	for from, to := range DefaultBaseAliases {
		r.aliases[from] = to
	}
	for _, it := range model.InstrumentTypes {
		r.spellings[it] = make(map[string]model.SymbolID)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterBaseAssets extends the set of known base assets.
func (r *Registry) RegisterBaseAssets(assets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range assets {
		if a = normalize(a); a != "" {
			r.bases[a] = struct{}{}
		}
	}
}

// Lookup resolves raw for the instrument type named by instrumentType.
// An instrument type other than spot or perp is an error; an unrecognised
// spelling is not, and reports ok=false.
func (r *Registry) Lookup(raw, instrumentType string) (model.SymbolID, bool, error) {
	it, err := model.ParseInstrumentType(instrumentType)
	if err != nil {
		return 0, false, err
	}
	id, ok := r.Resolve(raw, it)
	return id, ok, nil
}

// Resolve returns the SymbolID for raw, assigning the next id the first time
// its canonical symbol is seen.
func (r *Registry) Resolve(raw string, it model.InstrumentType) (model.SymbolID, bool) {
	if !it.Valid() {
		return 0, false
	}
	key := normalize(raw)
	if key == "" {
		return 0, false
	}

	r.mu.RLock()
	id, ok := r.spellings[it][key]
	r.mu.RUnlock()
	if ok {
		return id, true
	}

	base, quote, ok := r.SplitPair(key)
	if !ok {
		return 0, false
	}

	r.mu.RLock()
	base, known := r.knownBase(base)
	r.mu.RUnlock()
	if !known {
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.spellings[it][key]; ok {
		return id, true
	}

	c := Canonical{Type: it, Base: base, Quote: quote}
	id, ok = r.ids[c]
	if !ok {
		id = model.SymbolID(len(r.canonical))
		r.canonical = append(r.canonical, c)
		r.ids[c] = id
	}
	r.spellings[it][key] = id
	return id, true
}

// Symbol returns the canonical display string for id.
func (r *Registry) Symbol(id model.SymbolID) (string, bool) {
	c, ok := r.Canonical(id)
	if !ok {
		return "", false
	}
	return c.String(), true
}

// Canonical returns the canonical symbol behind id.
func (r *Registry) Canonical(id model.SymbolID) (Canonical, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.canonical) {
		return Canonical{}, false
	}
	return r.canonical[id], true
}

// Len returns the number of assigned ids.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.canonical)
}

// SplitPair splits a raw spelling into base and quote. A single separator
// (-, /, _) with a known quote on its right wins; otherwise separators are
// dropped and the longest known quote suffix is taken. The base is not
// checked against the known asset list.
func (r *Registry) SplitPair(raw string) (base, quote string, ok bool) {
	s := normalize(raw)
	parts := strings.FieldsFunc(s, isSeparator)
	if len(parts) == 2 && r.isQuote(parts[1]) {
		return parts[0], parts[1], true
	}
	joined := strings.Join(parts, "")
	for _, q := range r.quotes {
		if b, found := strings.CutSuffix(joined, q); found && b != "" {
			return b, q, true
		}
	}
	return "", "", false
}

// knownBase applies aliases and checks the asset list. Callers hold r.mu.
func (r *Registry) knownBase(base string) (string, bool) {
	if alias, ok := r.aliases[base]; ok {
		base = alias
	}
	_, ok := r.bases[base]
	return base, ok
}

func (r *Registry) isQuote(s string) bool {
	for _, q := range r.quotes {
		if q == s {
			return true
		}
	}
	return false
}

func isSeparator(c rune) bool {
	return c == '-' || c == '/' || c == '_'
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func orderQuotes(quotes []string) []string {
	out := make([]string, 0, len(quotes))
	for _, q := range quotes {
		if q = normalize(q); q != "" {
			out = append(out, q)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}
