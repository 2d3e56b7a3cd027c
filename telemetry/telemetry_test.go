package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	p, err := Init(context.Background(), Options{})
	require.NoError(t, err)
	assert.IsType(t, tracenoop.NewTracerProvider(), otel.GetTracerProvider())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitEnabledExportsSpans(t *testing.T) {
	var out bytes.Buffer
	p, err := Init(context.Background(), Options{Enabled: true, ServiceName: "tau-test", Out: &out})
	require.NoError(t, err)

	_, span := Tracer("").Start(context.Background(), "unit-span")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, out.String(), "unit-span")
	assert.Contains(t, out.String(), "tau-test")

	var nilProviders *Providers
	assert.NoError(t, nilProviders.Shutdown(context.Background()))
}
