package exchange

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"cryptofeeds/internal/model"
)

const krakenSpotURL = "wss://ws.kraken.com"

// Kraken spells a few bases its own way.
var krakenBases = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// KrakenFeed reads the v1 spread channel. Kraken has no perpetuals on this API.
type KrakenFeed struct {
	baseURL string
}

func NewKrakenFeed(override string) *KrakenFeed {
	return &KrakenFeed{baseURL: endpoint(override, krakenSpotURL)}
}

func (k *KrakenFeed) Name() string                         { return "kraken" }
func (k *KrakenFeed) InstrumentType() model.InstrumentType { return model.Spot }

func (k *KrakenFeed) Native(symbol string, split PairSplitter) (string, error) {
	base, quote, err := splitSymbol(split, symbol)
	if err != nil {
		return "", err
	}
	if alt, ok := krakenBases[base]; ok {
		base = alt
	}
	return base + "/" + quote, nil
}

func (k *KrakenFeed) Endpoint([]string) (string, error) {
	return k.baseURL, nil
}

type krakenSubscribe struct {
	Event        string   `json:"event"`
	Pair         []string `json:"pair"`
	Subscription struct {
		Name string `json:"name"`
	} `json:"subscription"`
}

func (k *KrakenFeed) Subscriptions(natives []string) ([][]byte, error) {
	sub := krakenSubscribe{Event: "subscribe", Pair: natives}
	sub.Subscription.Name = "spread"
	frame, err := sonic.Marshal(sub)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

type krakenEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ErrorMessage string `json:"errorMessage"`
}

// Parse handles both event objects and channel arrays of the form
// [channelID, [bid, ask, timestamp, bidVolume, askVolume], "spread", pair].
func (k *KrakenFeed) Parse(msg Message) ([]Quote, error) {
	data := bytes.TrimSpace(msg.Data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '{' {
		var ev krakenEvent
		if err := sonic.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("kraken: %w", err)
		}
		if ev.Event == "subscriptionStatus" && ev.Status == "error" {
			return nil, fmt.Errorf("%w: kraken %s: %s", ErrHandshakeRejected, ev.Pair, ev.ErrorMessage)
		}
		return nil, nil
	}

	var frame []any
	if err := sonic.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("kraken: %w", err)
	}
	if len(frame) < 4 {
		return nil, fmt.Errorf("kraken: short frame of %d elements", len(frame))
	}
	if name, _ := frame[len(frame)-2].(string); name != "spread" {
		return nil, nil
	}
	pair, _ := frame[len(frame)-1].(string)
	fields, ok := frame[1].([]any)
	if !ok || len(fields) < 5 {
		return nil, fmt.Errorf("kraken %s: malformed spread payload", pair)
	}

	str := make([]string, 5)
	for i := range str {
		s, ok := fields[i].(string)
		if !ok {
			return nil, fmt.Errorf("kraken %s: field %d is not a string", pair, i)
		}
		str[i] = s
	}
	q, err := topOfBook(str[0], str[3], str[1], str[4])
	if err != nil {
		return nil, fmt.Errorf("kraken %s: %w", pair, err)
	}
	q.ExchangeTime = krakenTime(str[2])
	q.ReceivedAt = msg.ReceivedAt
	return []Quote{{Symbol: pair, BBO: q}}, nil
}

// krakenTime parses "seconds.fraction" timestamps.
func krakenTime(s string) time.Time {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}
