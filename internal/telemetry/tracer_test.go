package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_Stdout(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewProvider(Options{ServiceName: "chatops-test", Exporter: ExporterStdout, Writer: &buf})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "tracker.run")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"tracker.run"`)
	assert.Contains(t, buf.String(), "chatops-test")
}

func TestNewProvider_None(t *testing.T) {
	tp, err := NewProvider(Options{ServiceName: "chatops-test", Exporter: ExporterNone})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := NewProvider(Options{Exporter: "zipkin"})
	assert.Error(t, err)
}
