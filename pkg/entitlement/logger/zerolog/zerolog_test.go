package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func TestZerologLogger_WritesFields(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output))

	logger.Info("event processed",
		entitlement.Field{Key: "event_id", Value: "evt_1"},
		entitlement.Field{Key: "attempt", Value: 2},
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(output.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "event processed", entry["message"])
	assert.Equal(t, "evt_1", entry["event_id"])
	assert.EqualValues(t, 2, entry["attempt"])
}

func TestZerologLogger_ErrorValues(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output))

	logger.Error("store failed", entitlement.Field{Key: "error", Value: errors.New("connection refused")})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(output.Bytes(), &entry))
	assert.Equal(t, "connection refused", entry["error"])
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("debug message")
	logger.Info("info message")
	assert.Zero(t, output.Len(), "debug and info should be filtered out")

	logger.Warn("warn message")
	logger.Error("error message")
	assert.NotZero(t, output.Len())
}

func TestZerologLogger_WithComponent(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output)).With("webhook")

	logger.Warn("rejected")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(output.Bytes(), &entry))
	assert.Equal(t, "webhook", entry["component"])
}
