package celog

import (
	"bytes"
	"cequeue/internal/domain"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnter_ContextCarriesTaskFields(t *testing.T) {
	var out bytes.Buffer
	logs := &Logs{Out: &out}

	ctx, scope := logs.Enter(context.Background(), domain.Task{UUID: "u1", Type: "REPORT", ComponentKey: "p1"})
	log.Ctx(ctx).Info().Msg("analysing")
	require.NoError(t, scope.Exit())

	assert.Empty(t, scope.Path)
	assert.Contains(t, out.String(), `"task_uuid":"u1"`)
	assert.Contains(t, out.String(), `"component":"p1"`)
	assert.Contains(t, out.String(), `"message":"analysing"`)
}

func TestEnter_WritesTaskFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ce")
	var out bytes.Buffer
	logs := &Logs{Dir: dir, Out: &out}

	ctx, scope := logs.Enter(context.Background(), domain.Task{UUID: "u2", Type: "REPORT"})
	log.Ctx(ctx).Error().Msg("processor blew up")
	require.NoError(t, scope.Exit())
	require.NoError(t, scope.Exit(), "second exit is a no-op")

	assert.Equal(t, filepath.Join(dir, "u2.log"), scope.Path)
	assert.Equal(t, scope.Path, logs.Path("u2"))
	data, err := os.ReadFile(scope.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "processor blew up")
	assert.Contains(t, out.String(), "processor blew up")
}

func TestPath_StripsDirectories(t *testing.T) {
	logs := &Logs{Dir: "/var/ce"}
	assert.Equal(t, "/var/ce/x.log", logs.Path("../../x"))
	assert.Empty(t, (&Logs{}).Path("x"))
}
