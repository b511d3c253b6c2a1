package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"water_monitor/config"
)

func TestInitWritesToFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.LogFile = filepath.Join(t.TempDir(), "result.log")
	cfg.Logging.LogToConsole = false
	cfg.Logging.LogLevel = WARN

	require.NoError(t, Init(cfg))

	Printf("info is filtered %d", 1)
	Warnf("sensor %s sent a decreasing volume", "7")
	LogResult("snapshot", false, "disk full")
	require.NoError(t, Close())

	data, err := os.ReadFile(cfg.Logging.LogFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "sensor 7 sent a decreasing volume")
	require.NotContains(t, string(data), "info is filtered")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "DEBUG", parseLevel("debug").String())
	require.Equal(t, "WARN", parseLevel("WARN").String())
	require.Equal(t, "INFO", parseLevel("verbose").String())
}

func TestSlogAvailableBeforeInit(t *testing.T) {
	require.NotNil(t, Slog())
}
