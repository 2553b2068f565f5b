package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cryptofeeds/internal/exchange"
	"cryptofeeds/internal/logging"
	"cryptofeeds/internal/marketdata"
	"cryptofeeds/internal/model"
	"cryptofeeds/internal/registry"
)

// ErrConfig wraps every configuration load or validation failure.
var ErrConfig = errors.New("config error")

// EnvPrefix is prepended to environment overrides, e.g. FEEDS_SHUTDOWN_GRACE.
const EnvPrefix = "FEEDS"

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Feeds         FeedConfig                `mapstructure:"-"`
	Connection    ConnectionConfig          `mapstructure:"connection"`
	MarketData    MarketDataConfig          `mapstructure:"market_data"`
	ShutdownGrace time.Duration             `mapstructure:"shutdown_grace"`
	Registry      RegistryConfig            `mapstructure:"registry"`
	Exchanges     map[string]ExchangeConfig `mapstructure:"exchanges"`
	Arbitrage     ArbitrageConfig           `mapstructure:"arbitrage"`
	Logging       logging.Options           `mapstructure:"logging"`
}

// ConnectionConfig defines the connector retry and liveness settings.
type ConnectionConfig struct {
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter"`
	StableAfter       time.Duration `mapstructure:"stable_after"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MessageTimeout    time.Duration `mapstructure:"message_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	SubscribeRate     float64       `mapstructure:"subscribe_rate"`
	// Endpoints overrides websocket URLs, keyed by "exchange" or "exchange_itype".
	Endpoints map[string]string `mapstructure:"endpoints"`
	// RESTEndpoints overrides metadata URLs, keyed the same way.
	RESTEndpoints map[string]string `mapstructure:"rest_endpoints"`
}

// MarketDataConfig defines the aggregate query policy.
type MarketDataConfig struct {
	MaxQuoteAge     time.Duration `mapstructure:"max_quote_age"`
	MinContributors int           `mapstructure:"min_contributors"`
}

// RegistryConfig adjusts the symbol registry's asset lists.
type RegistryConfig struct {
	BaseAssets  []string          `mapstructure:"base_assets"`
	QuoteAssets []string          `mapstructure:"quote_assets"`
	BaseAliases map[string]string `mapstructure:"base_aliases"`
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	Spot FeeConfig `mapstructure:"spot"`
	Perp FeeConfig `mapstructure:"perp"`
}

// FeeConfig overrides an exchange's default fee schedule. Nil fields keep the default.
type FeeConfig struct {
	TakerFeeBps *float64 `mapstructure:"taker_fee_bps"`
	MakerFeeBps *float64 `mapstructure:"maker_fee_bps"`
}

// ArbitrageConfig defines the spread scanner settings.
type ArbitrageConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MinNetBps    float64       `mapstructure:"min_net_bps"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

func setDefaults(v *viper.Viper) {
	def := exchange.DefaultConnectionConfig()
	v.SetDefault("connection.initial_backoff", def.InitialBackoff)
	v.SetDefault("connection.max_backoff", def.MaxBackoff)
	v.SetDefault("connection.backoff_jitter", def.BackoffJitter)
	v.SetDefault("connection.stable_after", def.StableAfter)
	v.SetDefault("connection.heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("connection.message_timeout", def.MessageTimeout)
	v.SetDefault("connection.handshake_timeout", def.HandshakeTimeout)
	v.SetDefault("connection.write_timeout", def.WriteTimeout)
	v.SetDefault("connection.subscribe_rate", def.SubscribeRate)

	v.SetDefault("market_data.max_quote_age", time.Duration(0))
	v.SetDefault("market_data.min_contributors", 1)

	v.SetDefault("shutdown_grace", 5*time.Second)

	v.SetDefault("arbitrage.enabled", true)
	v.SetDefault("arbitrage.min_net_bps", 0.0)
	v.SetDefault("arbitrage.scan_interval", time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)
}

// LoadConfig reads configuration from file or environment variables. path is
// either a directory holding config.yaml or the path of a config file.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	setDefaults(v)

	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(path)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err = v.ReadInConfig(); err != nil {
		return config, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("%w: decode: %v", ErrConfig, err)
	}
	feeds, err := fromViper(v)
	if err != nil {
		return config, err
	}
	config.Feeds = *feeds
	return config, config.validate()
}

func (c *Config) validate() error {
	if c.Connection.BackoffJitter < 0 || c.Connection.BackoffJitter >= 1 {
		return fmt.Errorf("%w: connection.backoff_jitter must be in [0, 1), got %v", ErrConfig, c.Connection.BackoffJitter)
	}
	if c.Connection.MaxBackoff < c.Connection.InitialBackoff {
		return fmt.Errorf("%w: connection.max_backoff is below initial_backoff", ErrConfig)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("%w: shutdown_grace must not be negative", ErrConfig)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging: %v", ErrConfig, err)
	}
	return nil
}

// ForExchange returns the connection settings of one connector, with any
// endpoint override for it applied.
func (c ConnectionConfig) ForExchange(name string, it model.InstrumentType) exchange.ConnectionConfig {
	return exchange.ConnectionConfig{
		Endpoint:          lookupEndpoint(c.Endpoints, name, it),
		RESTEndpoint:      lookupEndpoint(c.RESTEndpoints, name, it),
		InitialBackoff:    c.InitialBackoff,
		MaxBackoff:        c.MaxBackoff,
		BackoffJitter:     c.BackoffJitter,
		StableAfter:       c.StableAfter,
		HeartbeatInterval: c.HeartbeatInterval,
		MessageTimeout:    c.MessageTimeout,
		HandshakeTimeout:  c.HandshakeTimeout,
		WriteTimeout:      c.WriteTimeout,
		SubscribeRate:     c.SubscribeRate,
	}
}

func lookupEndpoint(m map[string]string, name string, it model.InstrumentType) string {
	name = strings.ToLower(name)
	if u, ok := m[name+"_"+it.String()]; ok {
		return u
	}
	return m[name]
}

// Options converts the section into store options.
func (c MarketDataConfig) Options() []marketdata.Option {
	return []marketdata.Option{
		marketdata.WithMaxQuoteAge(c.MaxQuoteAge),
		marketdata.WithMinContributors(c.MinContributors),
	}
}

// Options converts the section into registry options. Empty lists keep the
// built-in defaults.
func (c RegistryConfig) Options() []registry.Option {
	var opts []registry.Option
	if len(c.BaseAssets) > 0 {
		opts = append(opts, registry.WithBaseAssets(c.BaseAssets...))
	}
	if len(c.QuoteAssets) > 0 {
		opts = append(opts, registry.WithQuoteAssets(c.QuoteAssets...))
	}
	if len(c.BaseAliases) > 0 {
		opts = append(opts, registry.WithBaseAliases(c.BaseAliases))
	}
	return opts
}
