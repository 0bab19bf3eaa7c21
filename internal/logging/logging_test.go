package logging

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestInitReturnsUsableLogger(t *testing.T) {
	f, cleanup, err := OpenLogFile(t.TempDir() + "/test.log")
	assert.NoError(t, err)
	defer cleanup()

	logger := Init(slog.LevelInfo, f, "simple")
	assert.NotNil(t, logger)
	logger.Info("hello", "key", "value")

	data, err := os.ReadFile(f.Name())
	assert.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}
