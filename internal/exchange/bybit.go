package exchange

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"cryptofeeds/internal/model"
)

const (
	bybitSpotURL = "wss://stream.bybit.com/v5/public/spot"
	bybitPerpURL = "wss://stream.bybit.com/v5/public/linear"

	bybitTopicPrefix = "orderbook.1."
	// Bybit accepts at most ten topics per subscribe request.
	bybitArgsPerFrame = 10
)

// BybitFeed reads the level-1 orderbook topic. Snapshots replace the book,
// deltas update it.
type BybitFeed struct {
	itype   model.InstrumentType
	baseURL string
	books   books
}

func NewBybitFeed(it model.InstrumentType, override string) *BybitFeed {
	def := bybitSpotURL
	if it == model.Perp {
		def = bybitPerpURL
	}
	return &BybitFeed{itype: it, baseURL: endpoint(override, def), books: make(books)}
}

func (b *BybitFeed) Name() string                         { return "bybit" }
func (b *BybitFeed) InstrumentType() model.InstrumentType { return b.itype }

func (b *BybitFeed) Native(symbol string, split PairSplitter) (string, error) {
	return joinedSymbol(split, symbol, "")
}

func (b *BybitFeed) Endpoint([]string) (string, error) {
	return b.baseURL, nil
}

type bybitRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func (b *BybitFeed) Subscriptions(natives []string) ([][]byte, error) {
	var frames [][]byte
	for start := 0; start < len(natives); start += bybitArgsPerFrame {
		end := min(start+bybitArgsPerFrame, len(natives))
		args := make([]string, 0, end-start)
		for _, n := range natives[start:end] {
			args = append(args, bybitTopicPrefix+n)
		}
		frame, err := sonic.Marshal(bybitRequest{Op: "subscribe", Args: args})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (b *BybitFeed) Heartbeat() []byte {
	return []byte(`{"op":"ping"}`)
}

func (b *BybitFeed) Reset() {
	clear(b.books)
}

type bybitMessage struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
	Data    struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
	} `json:"data"`
}

func (b *BybitFeed) Parse(msg Message) ([]Quote, error) {
	var m bybitMessage
	if err := sonic.Unmarshal(msg.Data, &m); err != nil {
		return nil, fmt.Errorf("bybit: %w", err)
	}
	if m.Op != "" {
		if m.Op == "subscribe" && m.Success != nil && !*m.Success {
			return nil, fmt.Errorf("%w: bybit: %s", ErrHandshakeRejected, m.RetMsg)
		}
		return nil, nil
	}
	if !strings.HasPrefix(m.Topic, bybitTopicPrefix) {
		return nil, nil
	}

	symbol := m.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(m.Topic, bybitTopicPrefix)
	}
	book := b.books.get(symbol)
	if m.Type == "snapshot" {
		book.Reset()
	}
	if err := applyLevels(book, Bids, m.Data.Bids); err != nil {
		return nil, fmt.Errorf("bybit %s: %w", symbol, err)
	}
	if err := applyLevels(book, Asks, m.Data.Asks); err != nil {
		return nil, fmt.Errorf("bybit %s: %w", symbol, err)
	}

	q := book.Best()
	q.ExchangeTime = millis(m.TS)
	q.ReceivedAt = msg.ReceivedAt
	return []Quote{{Symbol: symbol, BBO: q}}, nil
}

func applyLevels(book *Book, s Side, levels [][]string) error {
	for _, l := range levels {
		if len(l) < 2 {
			return fmt.Errorf("malformed level %v", l)
		}
		if err := book.SetString(s, l[0], l[1]); err != nil {
			return err
		}
	}
	return nil
}
