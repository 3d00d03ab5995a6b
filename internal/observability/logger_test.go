// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/talon-cli/internal/config"
)

// syncBuffer adapts a bytes.Buffer into a zapcore.WriteSyncer so tests can
// inspect console output without touching stdout.
type syncBuffer struct {
	bytes.Buffer
}

func (b *syncBuffer) Sync() error { return nil }

func TestInitialize(t *testing.T) {

	t.Run("console format colorizes the level", func(t *testing.T) {
		ResetForTest()
		var buf syncBuffer

		cfg := config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "talon-test",
		}
		Initialize(cfg, &buf)
		GetLogger().Info("navigation settled")

		output := buf.String()
		assert.Contains(t, output, "INFO", "output should contain the log level")
		assert.Contains(t, output, "navigation settled")
		assert.Contains(t, output, colorGreen, "info level should be colorized green")
		assert.Contains(t, output, colorReset)
		assert.Contains(t, output, "talon-test.", "logger name should render with the dot suffix")
	})

	t.Run("json format emits structured entries", func(t *testing.T) {
		ResetForTest()
		var buf syncBuffer

		cfg := config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "talon-test",
		}
		Initialize(cfg, &buf)
		GetLogger().Warn("download pending", zap.String("guid", "abc123"))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output should be valid JSON")
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "talon-test", entry["logger"])
		assert.Equal(t, "download pending", entry["msg"])
		assert.Equal(t, "abc123", entry["guid"])
	})

	t.Run("writes to a log file when configured", func(t *testing.T) {
		ResetForTest()
		logFile := filepath.Join(t.TempDir(), "talon.log")

		cfg := config.LoggerConfig{
			Level:   "debug",
			Format:  "json",
			LogFile: logFile,
			MaxSize: 1,
		}
		Initialize(cfg, zapcore.AddSync(&syncBuffer{}))
		GetLogger().Error("capture failed")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "capture failed")
	})

	t.Run("initializes exactly once", func(t *testing.T) {
		ResetForTest()
		var buf syncBuffer

		Initialize(config.LoggerConfig{Level: "info", ServiceName: "first"}, &buf)
		first := GetLogger()

		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "second"}, &buf)
		second := GetLogger()

		assert.Equal(t, first, second)
		second.Info("still the first logger")
		assert.True(t, strings.Contains(buf.String(), "first"))
		assert.False(t, strings.Contains(buf.String(), "second"))
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		ResetForTest()
		var buf syncBuffer

		Initialize(config.LoggerConfig{Level: "chatty", Format: "json"}, &buf)
		GetLogger().Debug("should be suppressed")
		GetLogger().Info("should appear")

		assert.NotContains(t, buf.String(), "should be suppressed")
		assert.Contains(t, buf.String(), "should appear")
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("returns a fallback logger before initialization", func(t *testing.T) {
		ResetForTest()
		logger := GetLogger()
		require.NotNil(t, logger)
	})

	t.Run("returns the stored logger after initialization", func(t *testing.T) {
		ResetForTest()
		Initialize(config.LoggerConfig{Level: "info", ServiceName: "global"}, zapcore.AddSync(&syncBuffer{}))

		assert.Equal(t, globalLogger.Load(), GetLogger())
	})
}
