package exchange

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of PushDataV3ApiWrapper and the book ticker bodies it carries.
const (
	mexcWrapperChannel    protowire.Number = 1
	mexcWrapperSymbol     protowire.Number = 3
	mexcWrapperSendTime   protowire.Number = 6
	mexcWrapperBookTicker protowire.Number = 305
	mexcWrapperAggreBook  protowire.Number = 315

	mexcTickerBidPrice    protowire.Number = 1
	mexcTickerBidQuantity protowire.Number = 2
	mexcTickerAskPrice    protowire.Number = 3
	mexcTickerAskQuantity protowire.Number = 4
)

var errMexcTruncated = errors.New("mexc: truncated protobuf frame")

type mexcBookTicker struct {
	BidPrice    string
	BidQuantity string
	AskPrice    string
	AskQuantity string
}

type mexcPush struct {
	Channel   string
	Symbol    string
	SendTime  int64
	Ticker    mexcBookTicker
	HasTicker bool
}

func decodeMexcPush(b []byte) (mexcPush, error) {
	var p mexcPush
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, fmt.Errorf("%w: %v", errMexcTruncated, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == mexcWrapperChannel && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return p, errMexcTruncated
			}
			p.Channel, n = v, m
		case num == mexcWrapperSymbol && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return p, errMexcTruncated
			}
			p.Symbol, n = v, m
		case num == mexcWrapperSendTime && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return p, errMexcTruncated
			}
			p.SendTime, n = int64(v), m
		case (num == mexcWrapperAggreBook || num == mexcWrapperBookTicker) && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return p, errMexcTruncated
			}
			t, err := decodeMexcBookTicker(v)
			if err != nil {
				return p, err
			}
			p.Ticker, p.HasTicker, n = t, true, m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, errMexcTruncated
			}
		}
		b = b[n:]
	}
	return p, nil
}

func decodeMexcBookTicker(b []byte) (mexcBookTicker, error) {
	var t mexcBookTicker
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return t, errMexcTruncated
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return t, errMexcTruncated
			}
			b = b[n:]
			continue
		}

		v, m := protowire.ConsumeString(b)
		if m < 0 {
			return t, errMexcTruncated
		}
		switch num {
		case mexcTickerBidPrice:
			t.BidPrice = v
		case mexcTickerBidQuantity:
			t.BidQuantity = v
		case mexcTickerAskPrice:
			t.AskPrice = v
		case mexcTickerAskQuantity:
			t.AskQuantity = v
		}
		b = b[m:]
	}
	return t, nil
}
