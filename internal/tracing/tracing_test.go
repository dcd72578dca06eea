package tracing

import (
	"context"
	"testing"

	"github.com/mattjoyce/hookwarden/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupDisabledInstallsNothing(t *testing.T) {
	tp, err := Setup(context.Background(), config.TracingConfig{Enabled: false}, "hookwarden", "test")
	require.NoError(t, err)
	assert.Nil(t, tp)
}

func TestNewProviderExportsWithServiceResource(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := NewProvider(exp, 1.0, "hookwarden", "1.2.3")

	_, span := tp.Tracer("test").Start(context.Background(), "work")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "work", spans[0].Name)

	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Resource.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "hookwarden", attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
}

func TestNewProviderZeroRatioDropsRootSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := NewProvider(exp, 0, "hookwarden", "test")

	_, span := tp.Tracer("test").Start(context.Background(), "work")
	assert.False(t, span.IsRecording())
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Empty(t, exp.GetSpans())
}
