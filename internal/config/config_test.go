package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"cryptofeeds/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const feedsYAML = `
spot:
  binance: [BTCUSDT, ETH-USDT]
  kraken:
    - XBT/USD
perp:
  lighter: [BTC-USDC]
extra: ignored
`

func TestFeedConfig_FileAndMapAgree(t *testing.T) {
	fromFile, err := LoadFeedConfig(writeFile(t, "feeds.yaml", feedsYAML))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(feedsYAML), &raw))
	fromMap, err := FeedConfigFromMap(raw)
	require.NoError(t, err)

	assert.Equal(t, fromFile, fromMap)
	assert.Equal(t, []string{"BTCUSDT", "ETH-USDT"}, fromFile.Spot["binance"])
	assert.Equal(t, []string{"XBT/USD"}, fromFile.Spot["kraken"])
	assert.Equal(t, []string{"BTC-USDC"}, fromFile.Perp["lighter"])
	assert.Equal(t, []string{"binance", "kraken"}, fromFile.Exchanges(model.Spot))
	assert.Equal(t, []string{"lighter"}, fromFile.Exchanges(model.Perp))
}

func TestFeedConfig_RoundTrips(t *testing.T) {
	orig := &FeedConfig{
		Spot: map[string][]string{"binance": {"BTCUSDT", "SOL_USDT"}, "coinbase": {"BTC-USD"}},
		Perp: map[string][]string{"bybit": {"ETHUSDT"}},
	}

	viaMap, err := FeedConfigFromMap(orig.ToMap())
	require.NoError(t, err)
	assert.Equal(t, orig, viaMap)

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, orig.WriteFile(path))
	viaFile, err := LoadFeedConfig(path)
	require.NoError(t, err)
	assert.Equal(t, orig, viaFile)

	spotOnly := &FeedConfig{Spot: map[string][]string{"mexc": {"BTCUSDT"}}}
	m := spotOnly.ToMap()
	assert.NotContains(t, m, "perp")
	again, err := FeedConfigFromMap(m)
	require.NoError(t, err)
	assert.Equal(t, spotOnly, again)
	assert.Nil(t, again.Section(model.Perp))
}

func TestFeedConfig_AcceptsTypedMaps(t *testing.T) {
	c, err := FeedConfigFromMap(map[string]any{
		"perp": map[string]any{"MEXC": []string{"BTC_USDT"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"mexc": {"BTC_USDT"}}, c.Perp)
	assert.Nil(t, c.Spot)
}

func TestFeedConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
	}{
		{"no sections", map[string]any{"other": 1}},
		{"empty", map[string]any{}},
		{"section not a map", map[string]any{"spot": []any{"BTCUSDT"}}},
		{"symbols not a list", map[string]any{"spot": map[string]any{"binance": 5}}},
		{"symbol not a string", map[string]any{"perp": map[string]any{"bybit": []any{"BTCUSDT", 3}}}},
		{"blank symbol", map[string]any{"perp": map[string]any{"bybit": []any{" "}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FeedConfigFromMap(tt.in)
			assert.True(t, errors.Is(err, ErrConfig), "got %v", err)
		})
	}

	_, err := LoadFeedConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = LoadFeedConfig(writeFile(t, "bad.yaml", "spot: [unclosed"))
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("spot:\n  binance: [BTCUSDT]\n"), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT"}, cfg.Feeds.Spot["binance"])
	assert.Equal(t, time.Second, cfg.Connection.InitialBackoff)
	assert.Equal(t, 60*time.Second, cfg.Connection.MaxBackoff)
	assert.Equal(t, 0.5, cfg.Connection.BackoffJitter)
	assert.Equal(t, 10*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Connection.MessageTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Connection.StableAfter)
	assert.Equal(t, 5.0, cfg.Connection.SubscribeRate)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, time.Duration(0), cfg.MarketData.MaxQuoteAge)
	assert.Equal(t, 1, cfg.MarketData.MinContributors)
	assert.Equal(t, time.Second, cfg.Arbitrage.ScanInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeFile(t, "feeds.yaml", `
perp:
  bybit: [BTCUSDT]
connection:
  initial_backoff: 250ms
  max_backoff: 10s
  endpoints:
    bybit_perp: ws://localhost:9000
    kraken: ws://localhost:9001
market_data:
  max_quote_age: 2s
  min_contributors: 2
registry:
  base_assets: [BTC, ETH]
  base_aliases:
    XBT: BTC
exchanges:
  binance:
    spot:
      taker_fee_bps: 7.5
arbitrage:
  min_net_bps: 3
`)
	t.Setenv("FEEDS_SHUTDOWN_GRACE", "2s")
	t.Setenv("FEEDS_CONNECTION_MESSAGE_TIMEOUT", "30s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Nil(t, cfg.Feeds.Spot)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Feeds.Perp["bybit"])
	assert.Equal(t, 250*time.Millisecond, cfg.Connection.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Connection.MessageTimeout)
	assert.Equal(t, 2*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, 2*time.Second, cfg.MarketData.MaxQuoteAge)
	assert.Equal(t, 3.0, cfg.Arbitrage.MinNetBps)
	assert.Len(t, cfg.MarketData.Options(), 2)
	assert.Len(t, cfg.Registry.Options(), 2)

	fee := cfg.Exchanges["binance"].Spot
	require.NotNil(t, fee.TakerFeeBps)
	assert.Equal(t, 7.5, *fee.TakerFeeBps)
	assert.Nil(t, fee.MakerFeeBps)

	conn := cfg.Connection.ForExchange("bybit", model.Perp)
	assert.Equal(t, "ws://localhost:9000", conn.Endpoint)
	assert.Equal(t, 250*time.Millisecond, conn.InitialBackoff)
	assert.Empty(t, cfg.Connection.ForExchange("bybit", model.Spot).Endpoint)
	assert.Equal(t, "ws://localhost:9001", cfg.Connection.ForExchange("Kraken", model.Spot).Endpoint)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = LoadConfig(writeFile(t, "c.yaml", "connection:\n  initial_backoff: 1s\n"))
	assert.True(t, errors.Is(err, ErrConfig), "feed sections are required")

	_, err = LoadConfig(writeFile(t, "c.yaml", "spot: {binance: [BTCUSDT]}\nconnection:\n  backoff_jitter: 1.5\n"))
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = LoadConfig(writeFile(t, "c.yaml", "spot: {binance: [BTCUSDT]}\nlogging:\n  level: loud\n"))
	assert.True(t, errors.Is(err, ErrConfig))
}
