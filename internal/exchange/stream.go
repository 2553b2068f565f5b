package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"cryptofeeds/internal/logging"
	"cryptofeeds/internal/model"
)

// Client runs one Feed over a websocket connection, reconnecting with
// exponential backoff until its context is cancelled or the feed reports a
// non-transient error.
type Client struct {
	feed   Feed
	deps   Deps
	cfg    ConnectionConfig
	logger *slog.Logger

	state atomic.Int32

	// configured spelling by upper-cased native spelling
	symbols map[string]string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewStreamClient wraps feed in a reconnecting client.
func NewStreamClient(feed Feed, deps Deps) *Client {
	logger := logging.Or(deps.Logger)
	return &Client{
		feed: feed,
		deps: deps,
		cfg:  withDefaults(deps.Config),
		logger: logger.With(
			"exchange", feed.Name(),
			"instrument_type", feed.InstrumentType().String(),
		),
	}
}

func withDefaults(cfg ConnectionConfig) ConnectionConfig {
	def := DefaultConnectionConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.BackoffJitter < 0 || cfg.BackoffJitter >= 1 {
		cfg.BackoffJitter = def.BackoffJitter
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = def.StableAfter
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = def.MessageTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return cfg
}

func (c *Client) GetName() string {
	return c.feed.Name()
}

func (c *Client) InstrumentType() model.InstrumentType {
	return c.feed.InstrumentType()
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Close closes the live connection, if any. The stream loop observes the
// closed socket and either reconnects or exits if its context is done.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// StartStream connects to the exchange and streams quotes for symbols into the
// configured writer. It blocks until ctx is cancelled, in which case it returns
// nil, or until the client fails permanently.
func (c *Client) StartStream(ctx context.Context, symbols []string) error {
	natives, err := c.prepareSymbols(symbols)
	if err != nil {
		c.setState(Failed, "", err, 0)
		c.logger.Error("client failed", "error", err)
		return err
	}

	bo := c.newBackOff()
	for {
		if ctx.Err() != nil {
			c.setState(Disconnected, "", nil, 0)
			return nil
		}

		session := uuid.NewString()
		c.setState(Connecting, session, nil, 0)

		connectedAt, err := c.runSession(ctx, session, natives)
		if ctx.Err() != nil {
			c.setState(Disconnected, session, nil, 0)
			c.logger.Info("context cancelled, connection closed", "session", session)
			return nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			c.setState(Failed, session, perm.Err, 0)
			c.logger.Error("client failed", "session", session, "error", perm.Err)
			return perm.Err
		}

		if !connectedAt.IsZero() && time.Since(connectedAt) >= c.cfg.StableAfter {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		c.setState(Backoff, session, err, delay)
		c.logger.Warn("connection lost, reconnecting", "session", session, "error", err, "backoff", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(Disconnected, session, nil, 0)
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.RandomizationFactor = c.cfg.BackoffJitter
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (c *Client) prepareSymbols(symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols configured", ErrInvalidSymbol)
	}
	c.symbols = make(map[string]string, len(symbols))
	natives := make([]string, 0, len(symbols))
	for _, s := range symbols {
		native, err := c.feed.Native(s, c.deps.Resolver)
		if err != nil {
			return nil, err
		}
		key := strings.ToUpper(native)
		if first, dup := c.symbols[key]; dup {
			// Quotes for one native symbol can only be published under one
			// configured spelling.
			if !strings.EqualFold(first, s) {
				c.logger.Warn("symbol shares its exchange spelling with an earlier one, dropped",
					"symbol", s, "kept", first, "native", native)
			}
			continue
		}
		c.symbols[key] = s
		natives = append(natives, native)
	}
	return natives, nil
}

// runSession performs one connection attempt. It returns the time the
// subscription completed, zero if it never did, and the error that ended it.
func (c *Client) runSession(ctx context.Context, session string, natives []string) (time.Time, error) {
	var connectedAt time.Time

	if r, ok := c.feed.(Resetter); ok {
		r.Reset()
	}
	if p, ok := c.feed.(Preparer); ok {
		if err := p.Prepare(ctx, natives); err != nil {
			if errors.Is(err, ErrInvalidSymbol) {
				return connectedAt, backoff.Permanent(err)
			}
			return connectedAt, err
		}
	}

	url, err := c.feed.Endpoint(natives)
	if err != nil {
		return connectedAt, backoff.Permanent(err)
	}

	c.logger.Info("connecting to WebSocket", "url", url, "session", session)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return connectedAt, classifyDialError(resp, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.setConn(conn)
	defer c.setConn(nil)

	w := &connWriter{conn: conn, timeout: c.cfg.WriteTimeout}
	if err := c.subscribe(ctx, w, natives); err != nil {
		return connectedAt, err
	}

	connectedAt = time.Now()
	c.setState(Connected, session, nil, 0)
	c.logger.Info("connected successfully", "session", session, "symbols", len(natives))

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(hbCtx, w, session)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.MessageTimeout)); err != nil {
			return connectedAt, err
		}
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return connectedAt, fmt.Errorf("read: %w", err)
		}
		if err := c.handle(w, Message{Type: mt, Data: data, ReceivedAt: time.Now()}); err != nil {
			return connectedAt, err
		}
	}
}

func classifyDialError(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("dial: %w", err)
	}
	code := resp.StatusCode
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrHandshakeRejected, resp.Status))
	}
	return fmt.Errorf("dial: %s: %w", resp.Status, err)
}

func (c *Client) subscribe(ctx context.Context, w *connWriter, natives []string) error {
	frames, err := c.feed.Subscriptions(natives)
	if err != nil {
		return backoff.Permanent(err)
	}

	limit := rate.Inf
	if c.cfg.SubscribeRate > 0 {
		limit = rate.Limit(c.cfg.SubscribeRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	for _, frame := range frames {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := w.write(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	return nil
}

func (c *Client) heartbeat(ctx context.Context, w *connWriter, session string) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var payload []byte
	if h, ok := c.feed.(Heartbeater); ok {
		payload = h.Heartbeat()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if payload != nil {
				err = w.write(websocket.TextMessage, payload)
			} else {
				err = w.ping()
			}
			if err != nil {
				c.logger.Warn("heartbeat failed", "session", session, "error", err)
				w.conn.Close()
				return
			}
		}
	}
}

func (c *Client) handle(w *connWriter, msg Message) error {
	if ch, ok := c.feed.(ControlHandler); ok {
		reply, handled, err := ch.Control(msg.Data)
		if err != nil {
			return err
		}
		if reply != nil {
			if err := w.write(websocket.TextMessage, reply); err != nil {
				return err
			}
		}
		if handled {
			return nil
		}
	}

	quotes, err := c.feed.Parse(msg)
	if err != nil {
		if errors.Is(err, ErrHandshakeRejected) || errors.Is(err, ErrInvalidSymbol) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("failed to parse message", "error", err)
		return nil
	}
	for _, q := range quotes {
		c.publish(q)
	}
	return nil
}

func (c *Client) publish(q Quote) {
	sym := q.Symbol
	if configured, ok := c.symbols[strings.ToUpper(sym)]; ok {
		sym = configured
	}
	id, ok := c.deps.Resolver.Resolve(sym, c.feed.InstrumentType())
	if !ok {
		return
	}
	if err := c.deps.Writer.Update(c.feed.Name(), id, q.BBO); err != nil {
		c.logger.Warn("dropping quote", "symbol", sym, "error", err)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) setState(s State, session string, err error, delay time.Duration) {
	c.state.Store(int32(s))
	c.logger.Debug("state changed", "state", s.String(), "session", session)
	if c.deps.OnStatus != nil {
		c.deps.OnStatus(Status{
			Exchange:       c.feed.Name(),
			InstrumentType: c.feed.InstrumentType(),
			State:          s,
			Err:            err,
			Session:        session,
			Delay:          delay,
			At:             time.Now(),
		})
	}
}

// connWriter serialises writes; gorilla connections allow one concurrent writer.
type connWriter struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (w *connWriter) write(mt int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(mt, data)
}

func (w *connWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.timeout))
}
