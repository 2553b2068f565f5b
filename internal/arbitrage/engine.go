package arbitrage

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"cryptofeeds/internal/config"
	"cryptofeeds/internal/logging"
	"cryptofeeds/internal/marketdata"
	"cryptofeeds/internal/model"
)

// Opportunity is a cross-exchange spread: buy at BuyExchange's ask, sell at
// SellExchange's bid.
type Opportunity struct {
	Symbol       model.SymbolID
	Name         string
	BuyExchange  string
	SellExchange string
	BuyPrice     float64
	SellPrice    float64
	// Quantity is the smaller of the two top-of-book sizes.
	Quantity float64
	GrossBps float64
	FeesBps  float64
	NetBps   float64
	At       time.Time
}

// Handler receives opportunities found by Run.
type Handler interface {
	HandleOpportunity(ctx context.Context, o Opportunity) error
}

// LogHandler writes every opportunity to a logger.
type LogHandler struct {
	Logger *slog.Logger
}

func (h LogHandler) HandleOpportunity(_ context.Context, o Opportunity) error {
	logging.Or(h.Logger).Info("Profitable arbitrage opportunity found",
		"symbol", o.Name,
		"buyExchange", o.BuyExchange,
		"sellExchange", o.SellExchange,
		"buyPrice", o.BuyPrice,
		"sellPrice", o.SellPrice,
		"quantity", o.Quantity,
		"netBps", o.NetBps,
	)
	return nil
}

// Engine holds the logic for identifying arbitrage opportunities in the store.
type Engine struct {
	logger  *slog.Logger
	store   *marketdata.Store
	handler Handler
	fees    Fees
	cfg     config.ArbitrageConfig
	now     func() time.Time
}

// NewEngine creates a new Engine. A nil handler logs opportunities.
func NewEngine(logger *slog.Logger, store *marketdata.Store, handler Handler, fees Fees, cfg config.ArbitrageConfig) *Engine {
	logger = logging.Or(logger)
	if handler == nil {
		handler = LogHandler{Logger: logger}
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	return &Engine{
		logger:  logger,
		store:   store,
		handler: handler,
		fees:    fees,
		cfg:     cfg,
		now:     time.Now,
	}
}

type venueQuote struct {
	exchange string
	quote    model.BBO
}

// Scan evaluates every ordered pair of exchanges quoting id and returns the
// pairs whose net edge after both taker fees exceeds the configured minimum,
// best first.
func (e *Engine) Scan(id model.SymbolID) []Opportunity {
	reg := e.store.Registry()
	canon, ok := reg.Canonical(id)
	if !ok {
		return nil
	}
	name := canon.String()

	var venues []venueQuote
	for _, ex := range e.store.Exchanges() {
		q, ok := e.store.Snapshot(ex, marketdata.ByID(id))
		if !ok || !q.HasBid || !q.HasAsk {
			continue
		}
		venues = append(venues, venueQuote{exchange: ex, quote: q})
	}

	now := e.now()
	var found []Opportunity
	for _, buy := range venues {
		for _, sell := range venues {
			if buy.exchange == sell.exchange {
				continue
			}
			ask, bid := buy.quote.Ask, sell.quote.Bid
			if ask <= 0 || bid <= ask {
				continue
			}

			gross := (bid - ask) / ask * 1e4
			fees := e.fees.Schedule(buy.exchange, canon.Type).TakerBps +
				e.fees.Schedule(sell.exchange, canon.Type).TakerBps
			net := gross - fees
			if net <= e.cfg.MinNetBps {
				continue
			}

			found = append(found, Opportunity{
				Symbol:       id,
				Name:         name,
				BuyExchange:  buy.exchange,
				SellExchange: sell.exchange,
				BuyPrice:     ask,
				SellPrice:    bid,
				Quantity:     min(buy.quote.AskQty, sell.quote.BidQty),
				GrossBps:     gross,
				FeesBps:      fees,
				NetBps:       net,
				At:           now,
			})
		}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].NetBps > found[j].NetBps })
	return found
}

// Run scans ids every scan interval and hands each opportunity to the
// handler until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, ids []model.SymbolID) error {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("ArbitrageEngine: context cancelled, shutting down")
			return nil
		case <-ticker.C:
			e.scanAll(ctx, ids)
		}
	}
}

func (e *Engine) scanAll(ctx context.Context, ids []model.SymbolID) {
	for _, id := range ids {
		for _, o := range e.Scan(id) {
			if err := e.handler.HandleOpportunity(ctx, o); err != nil {
				e.logger.Error("Failed to handle opportunity", "symbol", o.Name, "error", err)
			}
		}
	}
}
