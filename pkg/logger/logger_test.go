package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), "level %q", tt.input)
	}
}

func TestSingletonEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	old := Get()
	defer Set(old)

	Set(NewLogger(&buf, slog.LevelDebug))
	Infow("hello", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	old := Get()
	defer Set(old)

	Set(NewLogger(&buf, slog.LevelWarn))
	Debugf("dropped %d", 1)
	Infof("dropped %d", 2)
	Warnf("kept %d", 3)

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept 3")
}
