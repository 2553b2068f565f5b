package exchange

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"cryptofeeds/internal/model"
)

const (
	coinbaseSpotURL = "wss://ws-feed.exchange.coinbase.com"
	coinbasePerpURL = "wss://advanced-trade-ws.coinbase.com"

	coinbasePerpSuffix = "-PERP-INTX"
)

// CoinbaseFeed reads the ticker channel. Spot uses the exchange feed; perps
// use the advanced trade feed, whose products are spelled BASE-PERP-INTX.
type CoinbaseFeed struct {
	itype   model.InstrumentType
	baseURL string
}

func NewCoinbaseFeed(it model.InstrumentType, override string) *CoinbaseFeed {
	def := coinbaseSpotURL
	if it == model.Perp {
		def = coinbasePerpURL
	}
	return &CoinbaseFeed{itype: it, baseURL: endpoint(override, def)}
}

func (c *CoinbaseFeed) Name() string                         { return "coinbase" }
func (c *CoinbaseFeed) InstrumentType() model.InstrumentType { return c.itype }

func (c *CoinbaseFeed) Native(symbol string, split PairSplitter) (string, error) {
	if c.itype == model.Perp {
		base, _, err := splitSymbol(split, symbol)
		if err != nil {
			return "", err
		}
		return base + coinbasePerpSuffix, nil
	}
	return joinedSymbol(split, symbol, "-")
}

func (c *CoinbaseFeed) Endpoint([]string) (string, error) {
	return c.baseURL, nil
}

type coinbaseSubscribe struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels,omitempty"`
	Channel    string   `json:"channel,omitempty"`
}

func (c *CoinbaseFeed) Subscriptions(natives []string) ([][]byte, error) {
	sub := coinbaseSubscribe{Type: "subscribe", ProductIDs: natives}
	if c.itype == model.Perp {
		sub.Channel = "ticker"
	} else {
		sub.Channels = []string{"ticker"}
	}
	frame, err := sonic.Marshal(sub)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

type coinbaseTicker struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Reason      string `json:"reason"`
	ProductID   string `json:"product_id"`
	BestBid     string `json:"best_bid"`
	BestBidSize string `json:"best_bid_size"`
	BestAsk     string `json:"best_ask"`
	BestAskSize string `json:"best_ask_size"`
	Time        string `json:"time"`
}

type coinbaseAdvanced struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Channel   string `json:"channel"`
	Timestamp string `json:"timestamp"`
	Events    []struct {
		Type    string `json:"type"`
		Tickers []struct {
			ProductID  string `json:"product_id"`
			BestBid    string `json:"best_bid"`
			BestBidQty string `json:"best_bid_quantity"`
			BestAsk    string `json:"best_ask"`
			BestAskQty string `json:"best_ask_quantity"`
		} `json:"tickers"`
	} `json:"events"`
}

func (c *CoinbaseFeed) Parse(msg Message) ([]Quote, error) {
	if c.itype == model.Perp {
		return c.parseAdvanced(msg)
	}

	var t coinbaseTicker
	if err := sonic.Unmarshal(msg.Data, &t); err != nil {
		return nil, fmt.Errorf("coinbase: %w", err)
	}
	switch t.Type {
	case "error":
		return nil, fmt.Errorf("%w: coinbase: %s %s", ErrHandshakeRejected, t.Message, t.Reason)
	case "ticker":
	default:
		return nil, nil
	}

	q, err := topOfBook(t.BestBid, t.BestBidSize, t.BestAsk, t.BestAskSize)
	if err != nil {
		return nil, fmt.Errorf("coinbase %s: %w", t.ProductID, err)
	}
	q.ExchangeTime = rfc3339(t.Time)
	q.ReceivedAt = msg.ReceivedAt
	return []Quote{{Symbol: t.ProductID, BBO: q}}, nil
}

func (c *CoinbaseFeed) parseAdvanced(msg Message) ([]Quote, error) {
	var m coinbaseAdvanced
	if err := sonic.Unmarshal(msg.Data, &m); err != nil {
		return nil, fmt.Errorf("coinbase: %w", err)
	}
	if m.Type == "error" {
		return nil, fmt.Errorf("%w: coinbase: %s", ErrHandshakeRejected, m.Message)
	}
	if m.Channel != "ticker" {
		return nil, nil
	}

	ts := rfc3339(m.Timestamp)
	var quotes []Quote
	for _, ev := range m.Events {
		for _, t := range ev.Tickers {
			q, err := topOfBook(t.BestBid, t.BestBidQty, t.BestAsk, t.BestAskQty)
			if err != nil {
				return nil, fmt.Errorf("coinbase %s: %w", t.ProductID, err)
			}
			q.ExchangeTime = ts
			q.ReceivedAt = msg.ReceivedAt
			quotes = append(quotes, Quote{Symbol: t.ProductID, BBO: q})
		}
	}
	return quotes, nil
}

func rfc3339(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
