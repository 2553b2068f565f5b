package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"cryptofeeds/internal/model"
)

const (
	lighterPerpURL    = "wss://mainnet.zklighter.elliot.ai/stream"
	lighterMarketsURL = "https://explorer.elliot.ai/api/markets"

	lighterChannelPrefix = "order_book:"
)

// LighterFeed reads order book channels, which are addressed by market index.
// The index of each symbol is fetched over REST before the first connection.
type LighterFeed struct {
	baseURL    string
	marketsURL string
	http       *http.Client

	index  map[string]uint32 // native symbol -> market index
	native map[uint32]string
	books  books
}

func NewLighterFeed(override, restOverride string, client *http.Client) *LighterFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &LighterFeed{
		baseURL:    endpoint(override, lighterPerpURL),
		marketsURL: endpoint(restOverride, lighterMarketsURL),
		http:       client,
		books:      make(books),
	}
}

func (l *LighterFeed) Name() string                         { return "lighter" }
func (l *LighterFeed) InstrumentType() model.InstrumentType { return model.Perp }

// Native returns the base asset; Lighter markets are named by base only.
func (l *LighterFeed) Native(symbol string, split PairSplitter) (string, error) {
	base, _, err := splitSymbol(split, symbol)
	if err != nil {
		return "", err
	}
	return base, nil
}

func (l *LighterFeed) Endpoint([]string) (string, error) {
	return l.baseURL, nil
}

type lighterMarket struct {
	Symbol      string `json:"symbol"`
	MarketIndex uint32 `json:"market_index"`
}

// Prepare loads market indices once. A configured symbol missing from the
// markets list is an ErrInvalidSymbol; transport failures are retried.
func (l *LighterFeed) Prepare(ctx context.Context, natives []string) error {
	if l.index != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.marketsURL, nil)
	if err != nil {
		return fmt.Errorf("lighter markets: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("lighter markets: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("lighter markets: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("lighter markets: GET %s: %s", l.marketsURL, resp.Status)
	}

	var markets []lighterMarket
	if err := sonic.Unmarshal(body, &markets); err != nil {
		return fmt.Errorf("lighter markets: decode: %w", err)
	}
	byName := make(map[string]uint32, len(markets))
	for _, m := range markets {
		byName[strings.ToUpper(m.Symbol)] = m.MarketIndex
	}

	index := make(map[string]uint32, len(natives))
	native := make(map[uint32]string, len(natives))
	for _, n := range natives {
		idx, ok := byName[strings.ToUpper(n)]
		if !ok {
			return fmt.Errorf("%w: lighter has no market %q", ErrInvalidSymbol, n)
		}
		index[n] = idx
		native[idx] = n
	}
	l.index, l.native = index, native
	return nil
}

type lighterRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

func (l *LighterFeed) Subscriptions(natives []string) ([][]byte, error) {
	frames := make([][]byte, 0, len(natives))
	for _, n := range natives {
		idx, ok := l.index[n]
		if !ok {
			return nil, fmt.Errorf("%w: lighter market index of %q not loaded", ErrInvalidSymbol, n)
		}
		frame, err := sonic.Marshal(lighterRequest{Type: "subscribe", Channel: "order_book/" + strconv.FormatUint(uint64(idx), 10)})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// Control answers server pings. Lighter closes connections that do not.
func (l *LighterFeed) Control(data []byte) ([]byte, bool, error) {
	var m lighterRequest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, false, nil
	}
	if m.Type == "ping" {
		return []byte(`{"type":"pong"}`), true, nil
	}
	return nil, false, nil
}

func (l *LighterFeed) Reset() {
	clear(l.books)
}

type lighterLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type lighterMessage struct {
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	OrderBook struct {
		Asks      []lighterLevel `json:"asks"`
		Bids      []lighterLevel `json:"bids"`
		Timestamp int64          `json:"timestamp"`
	} `json:"order_book"`
}

func (l *LighterFeed) Parse(msg Message) ([]Quote, error) {
	var m lighterMessage
	if err := sonic.Unmarshal(msg.Data, &m); err != nil {
		return nil, fmt.Errorf("lighter: %w", err)
	}
	if m.Type != "update/order_book" && m.Type != "subscribed/order_book" {
		return nil, nil
	}

	idx, err := strconv.ParseUint(strings.TrimPrefix(m.Channel, lighterChannelPrefix), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("lighter: channel %q: %w", m.Channel, err)
	}
	symbol, ok := l.native[uint32(idx)]
	if !ok {
		return nil, nil
	}

	book := l.books.get(symbol)
	if m.Type == "subscribed/order_book" {
		book.Reset()
	}
	for _, lv := range m.OrderBook.Bids {
		if err := book.SetString(Bids, lv.Price, lv.Size); err != nil {
			return nil, fmt.Errorf("lighter %s: %w", symbol, err)
		}
	}
	for _, lv := range m.OrderBook.Asks {
		if err := book.SetString(Asks, lv.Price, lv.Size); err != nil {
			return nil, fmt.Errorf("lighter %s: %w", symbol, err)
		}
	}

	q := book.Best()
	q.ExchangeTime = millis(m.OrderBook.Timestamp)
	q.ReceivedAt = msg.ReceivedAt
	return []Quote{{Symbol: symbol, BBO: q}}, nil
}
