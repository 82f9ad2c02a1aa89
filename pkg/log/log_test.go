package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Logger
	Logger = zerolog.New(&buf)
	t.Cleanup(func() { Logger = prev })
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestWithComponentChained(t *testing.T) {
	buf := captureJSON(t)

	// Child loggers are used both chained and assigned to a local
	WithComponent("queue").Warn().Msg("dropping entry")

	entry := decodeLine(t, buf)
	assert.Equal(t, "queue", entry["component"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "dropping entry", entry["message"])
}

func TestWithCompilationID(t *testing.T) {
	buf := captureJSON(t)

	logger := WithCompilationID("comp-1")
	logger.Info().Str("status", "success").Msg("compilation finished")

	entry := decodeLine(t, buf)
	assert.Equal(t, "comp-1", entry["compilation_id"])
	assert.Equal(t, "success", entry["status"])
}

func TestWithProjectID(t *testing.T) {
	buf := captureJSON(t)

	WithProjectID("proj-1").Error().Msg("boom")

	entry := decodeLine(t, buf)
	assert.Equal(t, "proj-1", entry["project_id"])
	assert.Equal(t, "error", entry["level"])
}

func TestInitLevels(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Msg("filtered")
	Logger.Warn().Msg("kept")
	assert.NotContains(t, buf.String(), "filtered")
	assert.Contains(t, buf.String(), "kept")
}
