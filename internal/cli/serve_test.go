package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"serve", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Start the agentd daemon service")
	})
}

func TestGetPIDFilePath(t *testing.T) {
	path := getPIDFilePath()
	assert.NotEmpty(t, path)
	assert.Contains(t, path, "agentd.pid")
}

func TestWritePIDFile(t *testing.T) {
	tmpDir := t.TempDir()
	pidFile := filepath.Join(tmpDir, "nested", "agentd.pid")

	require.NoError(t, writePIDFile(pidFile))

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", os.Getpid()), string(data))
}

func TestIsRunning(t *testing.T) {
	t.Run("no pid file", func(t *testing.T) {
		tmpDir := t.TempDir()
		pidFile := filepath.Join(tmpDir, "nonexistent.pid")

		assert.False(t, isRunning(pidFile))
	})

	t.Run("invalid pid file", func(t *testing.T) {
		tmpDir := t.TempDir()
		pidFile := filepath.Join(tmpDir, "invalid.pid")

		err := os.WriteFile(pidFile, []byte("invalid"), 0644)
		require.NoError(t, err)

		assert.False(t, isRunning(pidFile))
	})

	t.Run("own pid counts as running", func(t *testing.T) {
		tmpDir := t.TempDir()
		pidFile := filepath.Join(tmpDir, "self.pid")

		require.NoError(t, writePIDFile(pidFile))
		assert.True(t, isRunning(pidFile))
	})
}

func TestReadPIDFile(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		tmpDir := t.TempDir()
		pidFile := filepath.Join(tmpDir, "agentd.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("12345"), 0644))

		pid, err := readPIDFile(pidFile)
		require.NoError(t, err)
		assert.Equal(t, 12345, pid)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := readPIDFile(filepath.Join(t.TempDir(), "missing.pid"))
		assert.Error(t, err)
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"5s", "5s"},
		{"2m30s", "2m30s"},
		{"1h2m3s", "1h2m3s"},
	}

	for _, tt := range tests {
		d, err := time.ParseDuration(tt.input)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, formatDuration(d))
	}
}
