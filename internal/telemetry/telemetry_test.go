package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/autospawn/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	tp, shutdown, err := Setup(config.TracingConfig{})
	require.NoError(t, err)

	_, span := tp.Tracer(TracerName).Start(context.Background(), "sync")
	assert.False(t, span.SpanContext().IsValid(), "disabled tracing must not record spans")
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestSetup_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.json")

	tp, shutdown, err := Setup(config.TracingConfig{Enabled: true, File: path})
	require.NoError(t, err)

	_, span := tp.Tracer(TracerName).Start(context.Background(), "spawn")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Name":"spawn"`)
}

func TestSetup_BadFile(t *testing.T) {
	_, _, err := Setup(config.TracingConfig{Enabled: true, File: filepath.Join(t.TempDir(), "missing", "spans.json")})
	require.Error(t, err)
}
