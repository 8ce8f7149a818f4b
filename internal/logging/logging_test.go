// ABOUTME: Tests for logger construction
// ABOUTME: Checks level parsing and the output shape of each format

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/nvagent/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Debug("hidden")
	logger.Info("connected", "address", "10.0.0.5")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "connected", rec["msg"])
	assert.Equal(t, "10.0.0.5", rec["address"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	logger.Warn("connection failed", "attempt", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `msg="connection failed"`)
	assert.Contains(t, out, "attempt=2")
}

func TestNew_PrettyWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "debug", Format: "pretty"}, &buf)

	logger.Error("reset aborted", "error", errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "reset aborted")
	assert.Contains(t, out, "boom")
	assert.NotContains(t, out, "\x1b[", "no colour codes when not writing to a terminal")
}
