package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"cryptofeeds/internal/model"
	"cryptofeeds/internal/registry"
)

var received = time.Unix(1_700_000_000, 0)

func text(s string) Message {
	return Message{Type: websocket.TextMessage, Data: []byte(s), ReceivedAt: received}
}

func natives(t *testing.T, f Feed, symbols ...string) []string {
	t.Helper()
	out := make([]string, len(symbols))
	for i, s := range symbols {
		n, err := f.Native(s, registry.New())
		require.NoError(t, err, s)
		out[i] = n
	}
	return out
}

func TestBinanceFeed(t *testing.T) {
	f := NewBinanceFeed(model.Spot, "")
	ns := natives(t, f, "BTC-USDT", "eth_usdc")
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDC"}, ns)

	url, err := f.Endpoint(ns)
	require.NoError(t, err)
	assert.Equal(t, "wss://stream.binance.com:9443/stream?streams=btcusdt@bookTicker/ethusdc@bookTicker", url)

	perp, _ := NewBinanceFeed(model.Perp, "").Endpoint([]string{"BTCUSDT"})
	assert.Equal(t, "wss://fstream.binance.com/stream?streams=btcusdt@bookTicker", perp)

	subs, err := f.Subscriptions(ns)
	require.NoError(t, err)
	assert.Empty(t, subs)

	quotes, err := f.Parse(text(`{"stream":"btcusdt@bookTicker","data":{"e":"bookTicker","u":400900217,"E":1568014460893,"T":1568014460891,"s":"BTCUSDT","b":"25.35190000","B":"31.21000000","a":"25.36520000","A":"40.66000000"}}`))
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	q := quotes[0]
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.Equal(t, 25.3519, q.BBO.Bid)
	assert.Equal(t, 31.21, q.BBO.BidQty)
	assert.Equal(t, 25.3652, q.BBO.Ask)
	assert.Equal(t, 40.66, q.BBO.AskQty)
	assert.Equal(t, time.UnixMilli(1568014460893), q.BBO.ExchangeTime)
	assert.Equal(t, received, q.BBO.ReceivedAt)

	_, err = f.Parse(text(`{"data":{"s":"BTCUSDT","b":"x","a":"1"}}`))
	assert.Error(t, err)

	_, err = f.Native("???", registry.New())
	assert.True(t, errors.Is(err, ErrInvalidSymbol))
	_, err = f.Native("BTCUSDT", nil)
	assert.True(t, errors.Is(err, ErrInvalidSymbol))
}

func TestBinanceFeed_PerpFrame(t *testing.T) {
	f := NewBinanceFeed(model.Perp, "")
	quotes, err := f.Parse(text(`{"stream":"btcusdt@bookTicker","data":{"e":"bookTicker","u":400900217,"E":1568014460893,"T":1568014460891,"s":"BTCUSDT","b":"25.35190000","B":"31.21000000","a":"25.36520000","A":"40.66000000"}}`))
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "BTCUSDT", quotes[0].Symbol)
	assert.Equal(t, 25.3519, quotes[0].BBO.Bid)
	assert.Equal(t, 40.66, quotes[0].BBO.AskQty)
	assert.Equal(t, time.UnixMilli(1568014460893), quotes[0].BBO.ExchangeTime)
}

func TestFeeds_NativeUsesGivenQuoteList(t *testing.T) {
	reg := registry.New(registry.WithQuoteAssets("USDS", "USDT"))
	_, ok := reg.Resolve("BTC-USDS", model.Spot)
	require.True(t, ok)

	tests := []struct {
		feed Feed
		want string
	}{
		{NewBinanceFeed(model.Spot, ""), "BTCUSDS"},
		{NewBybitFeed(model.Perp, ""), "BTCUSDS"},
		{NewCoinbaseFeed(model.Spot, ""), "BTC-USDS"},
		{NewKrakenFeed(""), "XBT/USDS"},
		{NewMexcFeed(model.Perp, ""), "BTC_USDS"},
		{NewLighterFeed("", "", nil), "BTC"},
	}
	for _, tt := range tests {
		t.Run(tt.feed.Name(), func(t *testing.T) {
			got, err := tt.feed.Native("BTC-USDS", reg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			_, err = tt.feed.Native("BTC-USDS", registry.New())
			assert.True(t, errors.Is(err, ErrInvalidSymbol))
		})
	}
}

func TestCoinbaseFeed_Spot(t *testing.T) {
	f := NewCoinbaseFeed(model.Spot, "")
	ns := natives(t, f, "BTCUSD", "ETH/USDT")
	assert.Equal(t, []string{"BTC-USD", "ETH-USDT"}, ns)

	subs, err := f.Subscriptions(ns)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.JSONEq(t, `{"type":"subscribe","product_ids":["BTC-USD","ETH-USDT"],"channels":["ticker"]}`, string(subs[0]))

	quotes, err := f.Parse(text(`{"type":"ticker","sequence":1,"product_id":"BTC-USD","price":"100","best_bid":"99.5","best_bid_size":"0.1","best_ask":"100.5","best_ask_size":"0.2","time":"2024-01-02T03:04:05.123456Z"}`))
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "BTC-USD", quotes[0].Symbol)
	assert.Equal(t, 99.5, quotes[0].BBO.Bid)
	assert.Equal(t, 0.2, quotes[0].BBO.AskQty)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC), quotes[0].BBO.ExchangeTime)

	quotes, err = f.Parse(text(`{"type":"subscriptions","channels":[]}`))
	require.NoError(t, err)
	assert.Empty(t, quotes)

	_, err = f.Parse(text(`{"type":"error","message":"Failed to subscribe","reason":"BAD-PAIR is not a valid product"}`))
	assert.True(t, errors.Is(err, ErrHandshakeRejected))
}

func TestCoinbaseFeed_Perp(t *testing.T) {
	f := NewCoinbaseFeed(model.Perp, "")
	ns := natives(t, f, "BTC-USDC", "ETHUSDC")
	assert.Equal(t, []string{"BTC-PERP-INTX", "ETH-PERP-INTX"}, ns)

	url, _ := f.Endpoint(ns)
	assert.Equal(t, "wss://advanced-trade-ws.coinbase.com", url)

	subs, err := f.Subscriptions(ns)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe","product_ids":["BTC-PERP-INTX","ETH-PERP-INTX"],"channel":"ticker"}`, string(subs[0]))

	quotes, err := f.Parse(text(`{"channel":"ticker","timestamp":"2024-01-02T03:04:05Z","sequence_num":0,"events":[{"type":"snapshot","tickers":[
		{"type":"ticker","product_id":"BTC-PERP-INTX","price":"1","best_bid":"100","best_bid_quantity":"1","best_ask":"101","best_ask_quantity":"2"},
		{"type":"ticker","product_id":"ETH-PERP-INTX","price":"1","best_bid":"10","best_bid_quantity":"3","best_ask":"11","best_ask_quantity":"4"}]}]}`))
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "ETH-PERP-INTX", quotes[1].Symbol)
	assert.Equal(t, 11.0, quotes[1].BBO.Ask)
	assert.Equal(t, 4.0, quotes[1].BBO.AskQty)

	quotes, err = f.Parse(text(`{"channel":"subscriptions","events":[]}`))
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestBybitFeed(t *testing.T) {
	f := NewBybitFeed(model.Perp, "")
	url, _ := f.Endpoint(nil)
	assert.Equal(t, "wss://stream.bybit.com/v5/public/linear", url)

	many := make([]string, 12)
	for i := range many {
		many[i] = "BTCUSDT"
	}
	subs, err := f.Subscriptions(many)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	subs, _ = f.Subscriptions([]string{"BTCUSDT"})
	assert.JSONEq(t, `{"op":"subscribe","args":["orderbook.1.BTCUSDT"]}`, string(subs[0]))
	assert.JSONEq(t, `{"op":"ping"}`, string(f.Heartbeat()))

	quotes, err := f.Parse(text(`{"topic":"orderbook.1.BTCUSDT","type":"snapshot","ts":1672304484978,"data":{"s":"BTCUSDT","b":[["16493.50","0.006"]],"a":[["16611.00","0.029"]],"u":1,"seq":1}}`))
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, 16493.5, quotes[0].BBO.Bid)
	assert.Equal(t, 16611.0, quotes[0].BBO.Ask)

	// A delta removes the old best bid and adds a new one.
	quotes, err = f.Parse(text(`{"topic":"orderbook.1.BTCUSDT","type":"delta","ts":1672304484979,"data":{"s":"BTCUSDT","b":[["16493.50","0"],["16490.00","1.5"]],"a":[],"u":2,"seq":2}}`))
	require.NoError(t, err)
	assert.Equal(t, 16490.0, quotes[0].BBO.Bid)
	assert.Equal(t, 1.5, quotes[0].BBO.BidQty)
	assert.Equal(t, 16611.0, quotes[0].BBO.Ask)

	// A new snapshot replaces everything.
	quotes, _ = f.Parse(text(`{"topic":"orderbook.1.BTCUSDT","type":"snapshot","ts":1,"data":{"s":"BTCUSDT","b":[["1","1"]],"a":[["2","1"]]}}`))
	assert.Equal(t, 1.0, quotes[0].BBO.Bid)
	assert.Equal(t, 2.0, quotes[0].BBO.Ask)

	quotes, err = f.Parse(text(`{"success":true,"ret_msg":"pong","op":"ping"}`))
	require.NoError(t, err)
	assert.Empty(t, quotes)

	_, err = f.Parse(text(`{"success":false,"ret_msg":"Invalid symbol :[orderbook.1.NOPE]","op":"subscribe"}`))
	assert.True(t, errors.Is(err, ErrHandshakeRejected))
}

func TestKrakenFeed(t *testing.T) {
	f := NewKrakenFeed("")
	assert.Equal(t, model.Spot, f.InstrumentType())
	ns := natives(t, f, "BTC-USD", "DOGEUSDT", "ETH/EUR")
	assert.Equal(t, []string{"XBT/USD", "XDG/USDT", "ETH/EUR"}, ns)

	subs, err := f.Subscriptions(ns[:1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"subscribe","pair":["XBT/USD"],"subscription":{"name":"spread"}}`, string(subs[0]))

	quotes, err := f.Parse(text(`[0,["5698.40000","5700.00000","1542057299.545897","1.01234567","0.98765432"],"spread","XBT/USD"]`))
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	q := quotes[0]
	assert.Equal(t, "XBT/USD", q.Symbol)
	assert.Equal(t, 5698.4, q.BBO.Bid)
	assert.Equal(t, 1.01234567, q.BBO.BidQty)
	assert.Equal(t, 5700.0, q.BBO.Ask)
	assert.Equal(t, 0.98765432, q.BBO.AskQty)
	assert.Equal(t, int64(1542057299), q.BBO.ExchangeTime.Unix())

	for _, frame := range []string{
		`{"event":"heartbeat"}`,
		`{"event":"systemStatus","status":"online"}`,
		`{"event":"subscriptionStatus","status":"subscribed","pair":"XBT/USD"}`,
		`[0,["1","2","3","4","5"],"book","XBT/USD"]`,
	} {
		quotes, err := f.Parse(text(frame))
		require.NoError(t, err, frame)
		assert.Empty(t, quotes, frame)
	}

	_, err = f.Parse(text(`[0,["1","2"],"spread","XBT/USD"]`))
	assert.Error(t, err)

	_, err = f.Parse(text(`{"event":"subscriptionStatus","status":"error","errorMessage":"Currency pair not supported","pair":"XBT/NOPE"}`))
	assert.True(t, errors.Is(err, ErrHandshakeRejected))
}

func mexcSpotFrame(symbol, bid, bidQty, ask, askQty string, sendTime uint64) []byte {
	var ticker []byte
	ticker = protowire.AppendTag(ticker, mexcTickerBidPrice, protowire.BytesType)
	ticker = protowire.AppendString(ticker, bid)
	ticker = protowire.AppendTag(ticker, mexcTickerBidQuantity, protowire.BytesType)
	ticker = protowire.AppendString(ticker, bidQty)
	ticker = protowire.AppendTag(ticker, mexcTickerAskPrice, protowire.BytesType)
	ticker = protowire.AppendString(ticker, ask)
	ticker = protowire.AppendTag(ticker, mexcTickerAskQuantity, protowire.BytesType)
	ticker = protowire.AppendString(ticker, askQty)

	var b []byte
	b = protowire.AppendTag(b, mexcWrapperChannel, protowire.BytesType)
	b = protowire.AppendString(b, mexcSpotChannel+symbol)
	b = protowire.AppendTag(b, mexcWrapperSymbol, protowire.BytesType)
	b = protowire.AppendString(b, symbol)
	// an unknown varint field the decoder must skip
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, 99)
	b = protowire.AppendTag(b, mexcWrapperSendTime, protowire.VarintType)
	b = protowire.AppendVarint(b, sendTime)
	b = protowire.AppendTag(b, mexcWrapperAggreBook, protowire.BytesType)
	b = protowire.AppendBytes(b, ticker)
	return b
}

func TestMexcFeed_Spot(t *testing.T) {
	f := NewMexcFeed(model.Spot, "")
	ns := natives(t, f, "BTC-USDT")
	assert.Equal(t, []string{"BTCUSDT"}, ns)

	subs, err := f.Subscriptions(ns)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"SUBSCRIPTION","params":["spot@public.aggre.bookTicker.v3.api.pb@100ms@BTCUSDT"]}`, string(subs[0]))
	assert.JSONEq(t, `{"method":"PING"}`, string(f.Heartbeat()))

	msg := Message{Type: websocket.BinaryMessage, Data: mexcSpotFrame("BTCUSDT", "93387.28", "3.73485", "93387.29", "7.669875", 1736417034332), ReceivedAt: received}
	quotes, err := f.Parse(msg)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	q := quotes[0]
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.Equal(t, 93387.28, q.BBO.Bid)
	assert.Equal(t, 3.73485, q.BBO.BidQty)
	assert.Equal(t, 93387.29, q.BBO.Ask)
	assert.Equal(t, 7.669875, q.BBO.AskQty)
	assert.Equal(t, time.UnixMilli(1736417034332), q.BBO.ExchangeTime)

	_, err = f.Parse(Message{Type: websocket.BinaryMessage, Data: msg.Data[:len(msg.Data)-3]})
	assert.Error(t, err)

	quotes, err = f.Parse(text(`{"id":0,"code":0,"msg":"spot@public.aggre.bookTicker.v3.api.pb@100ms@BTCUSDT"}`))
	require.NoError(t, err)
	assert.Empty(t, quotes)

	_, err = f.Parse(text(`{"id":0,"code":0,"msg":"Not Subscribed successfully! [spot@public.aggre.bookTicker.v3.api.pb@100ms@NOPE].  Reason： Blocked! "}`))
	assert.True(t, errors.Is(err, ErrHandshakeRejected))
}

func TestMexcFeed_Perp(t *testing.T) {
	f := NewMexcFeed(model.Perp, "")
	ns := natives(t, f, "BTCUSDT", "ETH-USDT")
	assert.Equal(t, []string{"BTC_USDT", "ETH_USDT"}, ns)

	subs, err := f.Subscriptions(ns)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.JSONEq(t, `{"method":"sub.depth","param":{"symbol":"BTC_USDT","compress":false}}`, string(subs[0]))
	assert.JSONEq(t, `{"method":"ping"}`, string(f.Heartbeat()))

	quotes, err := f.Parse(text(`{"channel":"push.depth","data":{"asks":[[6859.5,3251,1],[6860,100,1]],"bids":[[6858.5,20,1]],"version":96801927},"symbol":"BTC_USDT","ts":1587442022003}`))
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "BTC_USDT", quotes[0].Symbol)
	assert.Equal(t, 6858.5, quotes[0].BBO.Bid)
	assert.Equal(t, 6859.5, quotes[0].BBO.Ask)
	assert.Equal(t, 3251.0, quotes[0].BBO.AskQty)

	quotes, _ = f.Parse(text(`{"channel":"push.depth","data":{"asks":[[6859.5,0,0]],"bids":[],"version":96801928},"symbol":"BTC_USDT","ts":1587442022004}`))
	assert.Equal(t, 6860.0, quotes[0].BBO.Ask)

	f.Reset()
	quotes, _ = f.Parse(text(`{"channel":"push.depth","data":{"asks":[],"bids":[[1,1,1]]},"symbol":"BTC_USDT","ts":1}`))
	assert.False(t, quotes[0].BBO.HasAsk)

	quotes, err = f.Parse(text(`{"channel":"pong","data":1587453241453}`))
	require.NoError(t, err)
	assert.Empty(t, quotes)

	_, err = f.Parse(text(`{"channel":"rs.error","data":"contract not exists"}`))
	assert.True(t, errors.Is(err, ErrHandshakeRejected))
}

func TestLighterFeed(t *testing.T) {
	var calls int
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`[{"symbol":"ETH","market_index":0},{"symbol":"BTC","market_index":1}]`))
	}))
	defer rest.Close()

	f := NewLighterFeed("", rest.URL, rest.Client())
	ns := natives(t, f, "BTC-USDC", "ETH/USDC")
	assert.Equal(t, []string{"BTC", "ETH"}, ns)

	_, err := f.Subscriptions(ns)
	assert.True(t, errors.Is(err, ErrInvalidSymbol))

	require.NoError(t, f.Prepare(context.Background(), ns))
	require.NoError(t, f.Prepare(context.Background(), ns))
	assert.Equal(t, 1, calls)

	subs, err := f.Subscriptions(ns)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"type":"subscribe","channel":"order_book/1"}`, `{"type":"subscribe","channel":"order_book/0"}`},
		[]string{string(subs[0]), string(subs[1])})

	reply, handled, err := f.Control([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, `{"type":"pong"}`, string(reply))
	_, handled, _ = f.Control([]byte(`{"type":"update/order_book"}`))
	assert.False(t, handled)

	// One-sided books are published with the missing side absent.
	quotes, err := f.Parse(text(`{"type":"subscribed/order_book","channel":"order_book:0","order_book":{"bids":[{"price":"3000.10","size":"2"}],"asks":[]}}`))
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.True(t, quotes[0].BBO.HasBid)
	assert.False(t, quotes[0].BBO.HasAsk)
	assert.Equal(t, 3000.1, quotes[0].BBO.Bid)

	quotes, err = f.Parse(text(`{"type":"update/order_book","channel":"order_book:0","order_book":{"bids":[],"asks":[{"price":"3000.5","size":"1"}],"timestamp":1700000000123}}`))
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "ETH", quotes[0].Symbol)
	assert.Equal(t, 3000.1, quotes[0].BBO.Bid)
	assert.Equal(t, 3000.5, quotes[0].BBO.Ask)
	assert.Equal(t, time.UnixMilli(1700000000123), quotes[0].BBO.ExchangeTime)

	// Unsubscribed markets are ignored.
	quotes, err = f.Parse(text(`{"type":"update/order_book","channel":"order_book:9","order_book":{"bids":[{"price":"1","size":"1"}],"asks":[{"price":"2","size":"1"}]}}`))
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestLighterFeed_PrepareErrors(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusBadGateway)
	}))
	defer down.Close()

	f := NewLighterFeed("", down.URL, nil)
	err := f.Prepare(context.Background(), []string{"BTC"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidSymbol))
}
