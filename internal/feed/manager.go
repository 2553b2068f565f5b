// Package feed supervises the exchange connectors declared in a FeedConfig.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cryptofeeds/internal/config"
	"cryptofeeds/internal/exchange"
	"cryptofeeds/internal/logging"
	"cryptofeeds/internal/marketdata"
	"cryptofeeds/internal/model"
	"cryptofeeds/internal/registry"
)

var (
	// ErrShutdownTimeout marks a connector that did not stop within the grace period.
	ErrShutdownTimeout = errors.New("connector did not stop within shutdown grace period")
	// ErrWriterClosed is returned to a connector writing after it was fenced off.
	ErrWriterClosed = errors.New("store writer closed")
	// ErrClosed is returned when starting feeds on a manager that was shut down.
	ErrClosed = errors.New("feed manager is shut down")
)

const defaultShutdownGrace = 5 * time.Second

// ClientFactory builds a connector; exchange.NewClient by default.
type ClientFactory func(name string, it model.InstrumentType, deps exchange.Deps) (exchange.ExchangeClient, error)

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRegistry shares reg instead of creating a new registry.
func WithRegistry(reg *registry.Registry) Option {
	return func(m *Manager) { m.registry = reg }
}

// WithStore shares store instead of creating one over the manager's registry.
// The store must have been built over the same registry.
func WithStore(store *marketdata.Store) Option {
	return func(m *Manager) { m.store = store }
}

func WithConnection(c config.ConnectionConfig) Option {
	return func(m *Manager) { m.conn = c }
}

func WithShutdownGrace(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithStatusFunc registers a callback for every connector state transition.
func WithStatusFunc(fn func(exchange.Status)) Option {
	return func(m *Manager) { m.onStatus = fn }
}

func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

type key struct {
	exchange string
	it       model.InstrumentType
}

type connector struct {
	key    key
	client exchange.ExchangeClient
	writer *fencedWriter
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *connector) running() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Manager owns the connectors of one process along with the registry and
// store they write to.
type Manager struct {
	logger    *slog.Logger
	registry  *registry.Registry
	store     *marketdata.Store
	conn      config.ConnectionConfig
	grace     time.Duration
	onStatus  func(exchange.Status)
	newClient ClientFactory

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu         sync.Mutex
	connectors map[key]*connector
	closed     bool

	statusMu sync.RWMutex
	statuses map[key]exchange.Status
}

// NewManager creates a Manager. Without WithRegistry/WithStore it creates its own.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		grace:      defaultShutdownGrace,
		newClient:  exchange.NewClient,
		connectors: make(map[key]*connector),
		statuses:   make(map[key]exchange.Status),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Or(m.logger)
	if m.registry == nil {
		if m.store != nil {
			m.registry = m.store.Registry()
		} else {
			m.registry = registry.New()
		}
	}
	if m.store == nil {
		m.store = marketdata.NewStore(m.registry)
	}
	if m.grace < 0 {
		m.grace = 0
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// MarketData returns the shared store. It is safe for concurrent readers.
func (m *Manager) MarketData() *marketdata.Store {
	return m.store
}

func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// StartSpotFeeds starts one connector per exchange in cfg's spot section.
func (m *Manager) StartSpotFeeds(cfg *config.FeedConfig) error {
	return m.start(model.Spot, cfg)
}

// StartPerpFeeds starts one connector per exchange in cfg's perp section.
func (m *Manager) StartPerpFeeds(cfg *config.FeedConfig) error {
	return m.start(model.Perp, cfg)
}

// start spawns the connectors of one section. Pairs already running are left
// alone. An exchange that cannot be constructed is recorded as Failed and
// reported in the joined error; the others still start.
func (m *Manager) start(it model.InstrumentType, cfg *config.FeedConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil feed config", config.ErrConfig)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	section := cfg.Section(it)
	var errs []error
	for _, name := range cfg.Exchanges(it) {
		k := key{exchange: name, it: it}
		if c, ok := m.connectors[k]; ok && c.running() {
			m.logger.Debug("feed already running", "exchange", name, "instrument_type", it.String())
			continue
		}

		symbols := append([]string(nil), section[name]...)
		if err := m.spawn(k, symbols); err != nil {
			m.recordStatus(exchange.Status{
				Exchange:       name,
				InstrumentType: it,
				State:          exchange.Failed,
				Err:            err,
				At:             time.Now(),
			})
			m.logger.Error("failed to start feed", "exchange", name, "instrument_type", it.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s %s: %w", name, it, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) spawn(k key, symbols []string) error {
	w := &fencedWriter{w: m.store}
	cc := m.conn.ForExchange(k.exchange, k.it)
	client, err := m.newClient(k.exchange, k.it, exchange.Deps{
		Logger:   m.logger,
		Resolver: m.registry,
		Writer:   w,
		Config:   cc,
		OnStatus: m.recordStatus,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	c := &connector{key: k, client: client, writer: w, cancel: cancel, done: make(chan struct{})}
	m.connectors[k] = c

	m.logger.Info("starting feed", "exchange", k.exchange, "instrument_type", k.it.String(), "symbols", len(symbols))
	m.group.Go(func() error {
		defer close(c.done)
		defer cancel()
		// A failed connector must not stop its siblings; its failure is
		// already reported through its status.
		_ = client.StartStream(ctx, symbols)
		return nil
	})
	return nil
}

func (m *Manager) recordStatus(s exchange.Status) {
	m.statusMu.Lock()
	m.statuses[key{exchange: s.Exchange, it: s.InstrumentType}] = s
	m.statusMu.Unlock()
	if m.onStatus != nil {
		m.onStatus(s)
	}
}

// Status returns the last reported status of a connector.
func (m *Manager) Status(name string, it model.InstrumentType) (exchange.Status, bool) {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	s, ok := m.statuses[key{exchange: name, it: it}]
	return s, ok
}

// Statuses returns the last status of every connector, ordered by exchange
// then instrument type.
func (m *Manager) Statuses() []exchange.Status {
	m.statusMu.RLock()
	out := make([]exchange.Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	m.statusMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].InstrumentType < out[j].InstrumentType
	})
	return out
}

// Shutdown cancels every connector and waits up to the grace period, or until
// ctx is done, for them to stop. Connectors still running after that are
// fenced off from the store and their sockets closed; each one contributes
// an ErrShutdownTimeout to the returned error. When Shutdown returns no
// connector writes to the store again.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*connector, 0, len(m.connectors))
	for _, c := range m.connectors {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.logger.Info("shutting down feeds", "connectors", len(conns), "grace", m.grace)
	m.cancel()

	stopped := make(chan struct{})
	go func() {
		_ = m.group.Wait()
		close(stopped)
	}()

	timer := time.NewTimer(m.grace)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
	case <-ctx.Done():
	}

	var errs []error
	for _, c := range conns {
		c.writer.close()
		if !c.running() {
			continue
		}
		if err := c.client.Close(); err != nil {
			m.logger.Debug("close connector", "exchange", c.key.exchange, "error", err)
		}
		m.logger.Warn("connector did not stop in time, forced",
			"exchange", c.key.exchange, "instrument_type", c.key.it.String())
		errs = append(errs, fmt.Errorf("%s %s: %w", c.key.exchange, c.key.it, ErrShutdownTimeout))
	}

	m.logger.Info("feeds shut down")
	return errors.Join(errs...)
}

// fencedWriter forwards quotes to the store until closed. close waits for
// in-flight writes, so nothing reaches the store once it returns.
type fencedWriter struct {
	mu     sync.RWMutex
	closed bool
	w      exchange.QuoteWriter
}

func (f *fencedWriter) Update(name string, id model.SymbolID, q model.BBO) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrWriterClosed
	}
	return f.w.Update(name, id, q)
}

func (f *fencedWriter) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
