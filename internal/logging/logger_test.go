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
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warn "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestConsoleJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := New(Config{Level: "warn", JSON: true, Output: &buf})
	require.NoError(t, err)
	defer cleanup()

	logger.Info("dropped")
	logger.Warn("runtime unreachable", "host", "http://localhost:11434")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "runtime unreachable", rec["msg"])
	assert.Equal(t, "http://localhost:11434", rec["host"])
	assert.NotContains(t, buf.String(), "dropped")
}

func TestFileTee(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "bufala.log")
	logger, cleanup, err := New(Config{Level: "info", File: path, Output: &buf})
	require.NoError(t, err)

	logger.With("request_id", "abc").WithGroup("attempt").Info("request completed", "model", "gemma3n:e2b")
	cleanup()

	assert.Contains(t, buf.String(), "request_id=abc")
	assert.Contains(t, buf.String(), "attempt.model=gemma3n:e2b")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "abc", rec["request_id"])
	assert.Equal(t, map[string]any{"model": "gemma3n:e2b"}, rec["attempt"])
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing")
	assert.NotNil(t, Default())
	assert.Same(t, Default(), Default())
}
