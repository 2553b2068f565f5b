package exchange

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"

	"cryptofeeds/internal/model"
)

const (
	binanceSpotURL = "wss://stream.binance.com:9443/stream"
	binancePerpURL = "wss://fstream.binance.com/stream"
)

// BinanceFeed reads the bookTicker stream over a combined-stream URL, so it
// sends no subscription frames.
type BinanceFeed struct {
	itype   model.InstrumentType
	baseURL string
}

func NewBinanceFeed(it model.InstrumentType, override string) *BinanceFeed {
	def := binanceSpotURL
	if it == model.Perp {
		def = binancePerpURL
	}
	return &BinanceFeed{itype: it, baseURL: endpoint(override, def)}
}

func (b *BinanceFeed) Name() string                         { return "binance" }
func (b *BinanceFeed) InstrumentType() model.InstrumentType { return b.itype }

func (b *BinanceFeed) Native(symbol string, split PairSplitter) (string, error) {
	return joinedSymbol(split, symbol, "")
}

func (b *BinanceFeed) Endpoint(natives []string) (string, error) {
	streams := make([]string, len(natives))
	for i, n := range natives {
		streams[i] = strings.ToLower(n) + "@bookTicker"
	}
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return "", fmt.Errorf("binance endpoint: %w", err)
	}
	// Stream names must stay unescaped, '@' and '/' included.
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

func (b *BinanceFeed) Subscriptions([]string) ([][]byte, error) {
	return nil, nil
}

type binanceEnvelope struct {
	Stream string            `json:"stream"`
	Data   binanceBookTicker `json:"data"`
}

// Futures frames also carry e and T. Every key needs an exact field match:
// an unmatched "e" would otherwise bind case-insensitively to E.
type binanceBookTicker struct {
	EventType string `json:"e"`
	TradeTime int64  `json:"T"`
	Symbol    string `json:"s"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
	UpdateID  int64  `json:"u"`
	EventTime int64  `json:"E"`
}

func (b *BinanceFeed) Parse(msg Message) ([]Quote, error) {
	var env binanceEnvelope
	if err := sonic.Unmarshal(msg.Data, &env); err != nil {
		return nil, fmt.Errorf("binance: %w", err)
	}
	t := env.Data
	if t.Symbol == "" {
		return nil, nil
	}
	q, err := topOfBook(t.BidPrice, t.BidQty, t.AskPrice, t.AskQty)
	if err != nil {
		return nil, fmt.Errorf("binance %s: %w", t.Symbol, err)
	}
	q.ExchangeTime = millis(t.EventTime)
	q.ReceivedAt = msg.ReceivedAt
	return []Quote{{Symbol: t.Symbol, BBO: q}}, nil
}
