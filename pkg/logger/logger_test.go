package logger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, Config{}.level())
	assert.Equal(t, zapcore.DebugLevel, Config{Verbose: 1}.level())
	assert.Equal(t, zapcore.WarnLevel, Config{Verbose: 2, Quiet: true}.level())
}

func TestFileOutput(t *testing.T) {
	var cfg Config
	defaults.SetDefaults(&cfg)
	cfg.NoColor = true
	cfg.File = filepath.Join(t.TempDir(), "cnic.log")

	lg, cleanup, err := NewLogger(cfg)
	require.NoError(t, err)
	lg.Debug("hidden")
	lg.Info("region configured", zap.Int("region", 2))
	require.NoError(t, cleanup(context.Background()))

	raw, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "region configured", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, float64(2), entry["region"])
}
