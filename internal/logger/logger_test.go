package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileLogger(t *testing.T, cfg Config) (*Logger, string) {
	t.Helper()
	logFile := filepath.Join(t.TempDir(), "agentd.log")
	cfg.File = logFile
	cfg.Console = false

	logger, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger, logFile
}

func TestNew(t *testing.T) {
	t.Run("should log to console without a file", func(t *testing.T) {
		logger, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		defer logger.Close()

		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})

	t.Run("should write structured lines to the log file", func(t *testing.T) {
		logger, logFile := newFileLogger(t, Config{Level: "debug"})

		logger.Info().Str("session", "sess-1").Msg("query completed")
		logger.Debug().Msg("classifier scored")

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"session":"sess-1"`)
		assert.Contains(t, string(data), "classifier scored")
	})

	t.Run("should fall back to info on an unknown level", func(t *testing.T) {
		logger, err := New(Config{Level: "chatty", Console: false})
		require.NoError(t, err)
		defer logger.Close()

		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})

	t.Run("should drop lines below the configured level", func(t *testing.T) {
		logger, logFile := newFileLogger(t, Config{Level: "warn"})

		logger.Info().Msg("too quiet to land")
		logger.Warn().Msg("loud enough")
		logger.Close()

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "too quiet to land")
		assert.Contains(t, string(data), "loud enough")
	})
}

func TestRedactedOutput(t *testing.T) {
	t.Run("should scrub API keys before they reach the file", func(t *testing.T) {
		logger, logFile := newFileLogger(t, Config{Level: "info", Redaction: true})
		require.NotNil(t, logger.redactor)

		logger.Info().Msg("provider key sk-abcdefghij0123456789 rejected")
		logger.Close()

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "sk-abcdefghij0123456789")
		assert.Contains(t, string(data), "[REDACTED]")
	})
}

func TestChildLoggers(t *testing.T) {
	t.Run("should carry context fields into child lines", func(t *testing.T) {
		logger, logFile := newFileLogger(t, Config{Level: "info"})

		child := logger.With().Str("component", "executor").Logger()
		child.Info().Msg("budget exhausted")
		logger.Close()

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"component":"executor"`)
	})
}

func TestClose(t *testing.T) {
	t.Run("should be safe without a file writer", func(t *testing.T) {
		logger, err := New(Config{Level: "info", Console: false})
		require.NoError(t, err)
		assert.NoError(t, logger.Close())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.True(t, cfg.Compress)
}
