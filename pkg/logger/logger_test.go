package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MovieFirebots/Anime-Realm/pkg/config"
	"github.com/MovieFirebots/Anime-Realm/pkg/jsoncodec"
)

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	t.Setenv(envLevel, "")
	t.Setenv(envFormat, "")
}

func decodeLines(t *testing.T, out *bytes.Buffer) []LogEntry {
	t.Helper()

	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		require.NoError(t, jsoncodec.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}

	return entries
}

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	require.NoError(t, err)

	log.With("component", "dispatch.engine").Error("Dropping event: storage unavailable",
		"chat_id", "42",
		"event_id", "telegram:7",
		"error_kind", "storage_unavailable",
		"attempts", 3,
		"error", errors.New("connection refused"),
	)

	entries := decodeLines(t, &out)
	require.Len(t, entries, 1)
	entry := entries[0]

	assert.Equal(t, "error", entry.Level)
	assert.Equal(t, "Dropping event: storage unavailable", entry.Message)
	assert.Equal(t, "dispatch.engine", entry.Component)
	assert.Equal(t, "42", entry.ChatID)
	assert.Equal(t, "telegram:7", entry.EventID)
	assert.NotEmpty(t, entry.Timestamp)
	assert.Equal(t, "storage_unavailable", entry.Fields["error_kind"])
	assert.Equal(t, float64(3), entry.Fields["attempts"])
	assert.Equal(t, "connection refused", entry.Fields["error"])
	assert.NotContains(t, entry.Fields, "chat_id")
}

func TestLoggerGroupedKeysAreNotPromoted(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	require.NoError(t, err)

	log.WithGroup("alert").Info("Routed", "chat_id", "-100")

	entries := decodeLines(t, &out)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].ChatID)
	assert.Equal(t, "-100", entries[0].Fields["alert.chat_id"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	require.NoError(t, err)

	log.Info("Ignored")
	assert.Empty(t, strings.TrimSpace(out.String()))

	log.Error("Kept")
	assert.NotEmpty(t, strings.TrimSpace(out.String()))
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	unsetLoggingEnv(t)
	t.Setenv(envLevel, "debug")
	t.Setenv(envFormat, "text")

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	require.NoError(t, err)

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	require.NotEmpty(t, line)
	assert.False(t, strings.HasPrefix(line, "{"), "expected text format override, got %q", line)
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	require.NoError(t, err)

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	require.NotEmpty(t, line)
	assert.False(t, strings.HasPrefix(line, "{"))
}

func TestLoggerRejectsUnknownSettings(t *testing.T) {
	unsetLoggingEnv(t)

	_, err := newWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)

	_, err = newWithWriter(config.LoggingConfig{Level: "verbose"}, &bytes.Buffer{})
	require.Error(t, err)
}
