package tracer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"trashtrack-station/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, ok := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, ok, "expected noop provider, got %T", otel.GetTracerProvider())
}

func TestSetupExporters(t *testing.T) {
	for _, exp := range []string{"noop", "", "stdout"} {
		t.Run(exp, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: exp})
			require.NoError(t, err)
			require.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOn")
	assert.Contains(t, sampler(1).Description(), "AlwaysOn")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestStartSpanAndHelpers(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	ctx, span := StartSpan(context.Background(), "station.cycle")
	require.NotNil(t, ctx)

	span.SetAttributes(
		StringAttr("session.id", "sess-1"),
		IntAttr("detections", 1),
		Int64Attr("image.bytes", 2048),
		FloatAttr("confidence", 0.82),
	)
	SetOK(span)
	RecordError(span, errors.New("test error"))
	span.End()
}

func TestAttrHelpers(t *testing.T) {
	assert.Equal(t, "sess-1", StringAttr("k", "sess-1").Value.AsString())
	assert.Equal(t, int64(3), IntAttr("k", 3).Value.AsInt64())
	assert.Equal(t, int64(7), Int64Attr("k", 7).Value.AsInt64())
	assert.InDelta(t, 0.5, FloatAttr("k", 0.5).Value.AsFloat64(), 1e-9)
}
