package exchange

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"cryptofeeds/internal/model"
)

var (
	// ErrUnknownExchange is returned by the factory for an exchange name it does not know.
	ErrUnknownExchange = errors.New("unknown exchange")
	// ErrUnsupportedInstrument is returned when an exchange has no feed for the instrument type.
	ErrUnsupportedInstrument = errors.New("instrument type not supported by exchange")
	// ErrInvalidSymbol marks a configured symbol the exchange cannot subscribe to.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrHandshakeRejected marks an upgrade or subscription refused by the exchange.
	ErrHandshakeRejected = errors.New("handshake rejected")
)

// ExchangeClient defines the standard interface for all exchange clients.
type ExchangeClient interface {
	GetName() string
	InstrumentType() model.InstrumentType
	State() State
	// StartStream streams quotes for symbols until ctx is cancelled (returns nil)
	// or a non-transient error moves the client to Failed (returns that error).
	StartStream(ctx context.Context, symbols []string) error
	// Close drops the current connection without waiting for the stream loop.
	Close() error
}

// Message is one websocket frame with the time it was read.
type Message struct {
	Type       int // websocket.TextMessage or websocket.BinaryMessage
	Data       []byte
	ReceivedAt time.Time
}

// Quote is a parsed update keyed by the exchange's own symbol spelling.
type Quote struct {
	Symbol string
	BBO    model.BBO
}

// Feed is the wire protocol of one exchange for one instrument type.
// Parse is only ever called from the client's read loop.
type Feed interface {
	Name() string
	InstrumentType() model.InstrumentType
	// Native converts a configured symbol into the exchange's spelling, using
	// split to find its base and quote assets.
	Native(symbol string, split PairSplitter) (string, error)
	Endpoint(natives []string) (string, error)
	Subscriptions(natives []string) ([][]byte, error)
	Parse(msg Message) ([]Quote, error)
}

// Heartbeater is implemented by feeds that need an application-level ping.
type Heartbeater interface {
	Heartbeat() []byte
}

// ControlHandler is implemented by feeds that answer control frames in-band.
type ControlHandler interface {
	Control(data []byte) (reply []byte, handled bool, err error)
}

// Preparer is implemented by feeds that need to fetch metadata before dialing.
type Preparer interface {
	Prepare(ctx context.Context, natives []string) error
}

// Resetter is implemented by feeds that keep per-connection state.
type Resetter interface {
	Reset()
}

// PairSplitter splits a configured symbol into base and quote assets.
type PairSplitter interface {
	SplitPair(raw string) (base, quote string, ok bool)
}

// SymbolResolver maps exchange spellings to SymbolIDs. It also splits
// configured symbols, so connectors spell them with the same quote list the
// resolver uses.
type SymbolResolver interface {
	PairSplitter
	Resolve(raw string, it model.InstrumentType) (model.SymbolID, bool)
}

// QuoteWriter receives resolved quotes.
type QuoteWriter interface {
	Update(exchange string, id model.SymbolID, q model.BBO) error
}

// ConnectionConfig holds the connection and retry settings of a client.
type ConnectionConfig struct {
	// Endpoint overrides the exchange's websocket base URL.
	Endpoint string
	// RESTEndpoint overrides the metadata URL of feeds that use one.
	RESTEndpoint string

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffJitter     float64
	StableAfter       time.Duration
	HeartbeatInterval time.Duration
	MessageTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	SubscribeRate     float64 // subscription frames per second, <= 0 is unlimited

	HTTPClient *http.Client
}

// DefaultConnectionConfig returns the settings used when none are configured.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffJitter:     0.5,
		StableAfter:       5 * time.Minute,
		HeartbeatInterval: 10 * time.Second,
		MessageTimeout:    90 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		SubscribeRate:     5,
	}
}

// Deps are the collaborators a client needs.
type Deps struct {
	Logger   *slog.Logger
	Resolver SymbolResolver
	Writer   QuoteWriter
	Config   ConnectionConfig
	// OnStatus, when set, is called on every state transition.
	OnStatus func(Status)
}
