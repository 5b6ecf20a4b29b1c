package logging

import (
	"bytes"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, lvl)

	lvl, err = ParseLevel(" WARN ")
	require.NoError(t, err)
	require.Equal(t, zapcore.WarnLevel, lvl)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestNewWriterEmitsISO8601Timestamps(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, zapcore.InfoLevel)
	logger.Debug("hidden")
	logger.Info("started", zap.String("strategy", "s1"))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "started", entry["msg"])
	require.Equal(t, "s1", entry["strategy"])
	ts, ok := entry["ts"].(string)
	require.True(t, ok)
	require.Contains(t, ts, "T")
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	require.Error(t, err)

	logger, err := New(Options{Level: "debug", Format: "console", Environment: "dev"})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
