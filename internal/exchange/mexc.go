package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"cryptofeeds/internal/model"
)

const (
	mexcSpotURL = "wss://wbs-api.mexc.com/ws"
	mexcPerpURL = "wss://contract.mexc.com/edge"

	mexcSpotChannel = "spot@public.aggre.bookTicker.v3.api.pb@100ms@"
	// MEXC spot allows thirty subscriptions per connection.
	mexcSpotParamsPerFrame = 30
)

// MexcFeed reads protobuf book tickers on spot and JSON depth on futures.
type MexcFeed struct {
	itype   model.InstrumentType
	baseURL string
	books   books
}

func NewMexcFeed(it model.InstrumentType, override string) *MexcFeed {
	def := mexcSpotURL
	if it == model.Perp {
		def = mexcPerpURL
	}
	return &MexcFeed{itype: it, baseURL: endpoint(override, def), books: make(books)}
}

func (m *MexcFeed) Name() string                         { return "mexc" }
func (m *MexcFeed) InstrumentType() model.InstrumentType { return m.itype }

func (m *MexcFeed) Native(symbol string, split PairSplitter) (string, error) {
	if m.itype == model.Perp {
		return joinedSymbol(split, symbol, "_")
	}
	return joinedSymbol(split, symbol, "")
}

func (m *MexcFeed) Endpoint([]string) (string, error) {
	return m.baseURL, nil
}

type mexcSpotRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type mexcPerpRequest struct {
	Method string `json:"method"`
	Param  struct {
		Symbol   string `json:"symbol"`
		Compress bool   `json:"compress"`
	} `json:"param"`
}

func (m *MexcFeed) Subscriptions(natives []string) ([][]byte, error) {
	var frames [][]byte
	if m.itype == model.Perp {
		for _, n := range natives {
			req := mexcPerpRequest{Method: "sub.depth"}
			req.Param.Symbol = n
			frame, err := sonic.Marshal(req)
			if err != nil {
				return nil, err
			}
			frames = append(frames, frame)
		}
		return frames, nil
	}

	for start := 0; start < len(natives); start += mexcSpotParamsPerFrame {
		end := min(start+mexcSpotParamsPerFrame, len(natives))
		params := make([]string, 0, end-start)
		for _, n := range natives[start:end] {
			params = append(params, mexcSpotChannel+n)
		}
		frame, err := sonic.Marshal(mexcSpotRequest{Method: "SUBSCRIPTION", Params: params})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (m *MexcFeed) Heartbeat() []byte {
	if m.itype == model.Perp {
		return []byte(`{"method":"ping"}`)
	}
	return []byte(`{"method":"PING"}`)
}

func (m *MexcFeed) Reset() {
	clear(m.books)
}

func (m *MexcFeed) Parse(msg Message) ([]Quote, error) {
	if m.itype == model.Perp {
		return m.parsePerp(msg)
	}
	if msg.Type == websocket.BinaryMessage {
		return m.parseSpotPush(msg)
	}
	return m.parseSpotControl(msg)
}

func (m *MexcFeed) parseSpotPush(msg Message) ([]Quote, error) {
	push, err := decodeMexcPush(msg.Data)
	if err != nil {
		return nil, err
	}
	if !push.HasTicker {
		return nil, nil
	}
	symbol := push.Symbol
	if symbol == "" {
		symbol = push.Channel[strings.LastIndex(push.Channel, "@")+1:]
	}
	t := push.Ticker
	q, err := topOfBook(t.BidPrice, t.BidQuantity, t.AskPrice, t.AskQuantity)
	if err != nil {
		return nil, fmt.Errorf("mexc %s: %w", symbol, err)
	}
	q.ExchangeTime = millis(push.SendTime)
	q.ReceivedAt = msg.ReceivedAt
	return []Quote{{Symbol: symbol, BBO: q}}, nil
}

type mexcSpotAck struct {
	ID   int    `json:"id"`
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (m *MexcFeed) parseSpotControl(msg Message) ([]Quote, error) {
	var ack mexcSpotAck
	if err := sonic.Unmarshal(msg.Data, &ack); err != nil {
		return nil, fmt.Errorf("mexc: %w", err)
	}
	if ack.Code != 0 || strings.Contains(ack.Msg, "Not Subscribed") {
		return nil, fmt.Errorf("%w: mexc: %s", ErrHandshakeRejected, ack.Msg)
	}
	return nil, nil
}

type mexcPerpMessage struct {
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type mexcDepth struct {
	Asks    [][]float64 `json:"asks"`
	Bids    [][]float64 `json:"bids"`
	Version int64       `json:"version"`
}

func (m *MexcFeed) parsePerp(msg Message) ([]Quote, error) {
	var env mexcPerpMessage
	if err := sonic.Unmarshal(msg.Data, &env); err != nil {
		return nil, fmt.Errorf("mexc: %w", err)
	}

	switch env.Channel {
	case "push.depth":
	case "rs.error":
		return nil, fmt.Errorf("%w: mexc: %s", ErrHandshakeRejected, bytes.Trim(env.Data, `"`))
	default:
		return nil, nil
	}

	var depth mexcDepth
	if err := sonic.Unmarshal(env.Data, &depth); err != nil {
		return nil, fmt.Errorf("mexc %s: %w", env.Symbol, err)
	}
	book := m.books.get(env.Symbol)
	for _, l := range depth.Bids {
		if len(l) < 2 {
			return nil, fmt.Errorf("mexc %s: malformed bid level", env.Symbol)
		}
		book.Set(Bids, decimal.NewFromFloat(l[0]), l[1])
	}
	for _, l := range depth.Asks {
		if len(l) < 2 {
			return nil, fmt.Errorf("mexc %s: malformed ask level", env.Symbol)
		}
		book.Set(Asks, decimal.NewFromFloat(l[0]), l[1])
	}

	q := book.Best()
	q.ExchangeTime = millis(env.TS)
	q.ReceivedAt = msg.ReceivedAt
	return []Quote{{Symbol: env.Symbol, BBO: q}}, nil
}
