package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rpc.log")

	log, err := New(Config{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	log.Debug("call handled", zap.String("method", "Echo.UnaryEcho"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"method":"Echo.UnaryEcho"`), string(data))
}

func TestNewLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.log")

	log, err := New(Config{Level: "warn", Format: "console", Output: path})
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	log, err := New(Config{})
	require.NoError(t, err)
	assert.NotNil(t, log)

	assert.NotNil(t, OrNop(nil))
	assert.Same(t, log, OrNop(log))
}
