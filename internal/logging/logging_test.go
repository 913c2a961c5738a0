package logging

import (
	"bytes"
	"cequeue/internal/config"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSON(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	var buf bytes.Buffer
	setup(config.Log{Level: "warn", Format: "json"}, &buf)

	log.Ctx(context.Background()).Info().Msg("dropped")
	log.Ctx(context.Background()).Warn().Str("task_uuid", "u1").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "u1", line["task_uuid"])
}

func TestSetup_InvalidLevelFallsBackToInfo(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	var buf bytes.Buffer
	setup(config.Log{Level: "loud", Format: "console"}, &buf)

	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
}
