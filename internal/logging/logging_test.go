package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, Level("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, Level("warning"))
	assert.Equal(t, zerolog.ErrorLevel, Level(" error "))
	assert.Equal(t, zerolog.InfoLevel, Level("chatty"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New("warn", "json", &buf)

	log.Info().Msg("dropped")
	log.Warn().Str("key", "MySessions").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "MySessions", line["key"])
	assert.Contains(t, line, "time")
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	log := New("info", "console", &buf)
	log.Info().Str("key", "UserProfile").Msg("fetched")

	out := buf.String()
	assert.Contains(t, out, "fetched")
	assert.Contains(t, out, "key=UserProfile")
	assert.NotContains(t, out, "\x1b[", "no colour codes when not writing to a terminal")
}
