package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, levelFromString(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, levelFromString("warning"))
	assert.Equal(t, slog.LevelError, levelFromString("error"))
	assert.Equal(t, slog.LevelInfo, levelFromString("bogus"))
}

func TestComponentJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Component(NewLoggerTo(&buf, "info", "json"), "tickets")
	l.Debug("hidden")
	l.Info("refreshed", "count", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "tickets", rec["component"])
	assert.Equal(t, "refreshed", rec["msg"])
	assert.EqualValues(t, 3, rec["count"])
}
