package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"Warning", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, slog.LevelWarn, "json")
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown", "exchange", "binance")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "binance", rec["exchange"])

	_, err = New(&buf, slog.LevelInfo, "xml")
	assert.Error(t, err)
}

// Init is process-wide, so all of its behaviour is checked in one test.
func TestInit(t *testing.T) {
	assert.False(t, Logger().Enabled(t.Context(), slog.LevelError), "diagnostics are off before Init")

	mine := slog.New(slog.DiscardHandler)
	assert.Same(t, mine, Or(mine))
	assert.Same(t, Logger(), Or(nil))

	path := filepath.Join(t.TempDir(), "feeds.log")
	require.NoError(t, Init(Options{Level: "debug", Format: "json", Output: path, MaxSizeMB: 1}))
	t.Cleanup(func() { _ = Close() })

	Logger().Debug("connected", "exchange", "kraken")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"exchange":"kraken"`)

	assert.ErrorIs(t, Init(Options{Level: "error"}), ErrAlreadyInitialized)
	assert.True(t, Logger().Enabled(t.Context(), slog.LevelDebug))
}
