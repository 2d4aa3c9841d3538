package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWithWriter(t *testing.T) {
	t.Run("JSON Console", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "patrol-engine", zapcore.AddSync(&buf))

		logger.Debug("hidden")
		logger.Info("scan accepted", zap.String("scan_id", "s-1"))
		require.NoError(t, logger.Sync())

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "scan accepted", entry["msg"])
		assert.Equal(t, "patrol-engine", entry["logger"])
		assert.Equal(t, "s-1", entry["scan_id"])
		assert.Equal(t, "INFO", entry["level"])
	})

	t.Run("Invalid Level Falls Back To Info", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(config.LoggingConfig{Level: "loud"}, "svc", zapcore.AddSync(&buf))
		assert.True(t, logger.Core().Enabled(zap.InfoLevel))
		assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	})

	t.Run("File Core", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "patrol.log")
		var buf bytes.Buffer
		logger := NewWithWriter(config.LoggingConfig{Level: "debug", FilePath: path, MaxSize: 1}, "svc", zapcore.AddSync(&buf))

		logger.Warn("checkpoint overdue")
		require.NoError(t, logger.Sync())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "checkpoint overdue")
	})
}
