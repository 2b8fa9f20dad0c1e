package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prev := otel.GetTracerProvider()
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func TestRunAndNodeSpans(t *testing.T) {
	sr := recordSpans(t)

	ctx, run := StartRun(context.Background(), "daily", "run-1")
	_, ok := StartNode(ctx, "orders", "copy -> orders", 1)
	End(ok, nil, attribute.Int64("tabulify.rows", 10))
	_, bad := StartNode(ctx, "lines", "copy -> lines", 2)
	End(bad, errors.New("connection reset"))
	End(run, nil)

	spans := sr.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, "node orders", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.Int64("tabulify.rows", 10))
	assert.Equal(t, spans[2].SpanContext().SpanID(), spans[0].Parent().SpanID())

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "connection reset", spans[1].Status().Description)
	assert.Contains(t, spans[1].Attributes(), attribute.Int("tabulify.attempt", 2))

	assert.Equal(t, "run daily", spans[2].Name())
	assert.Contains(t, spans[2].Attributes(), attribute.String("tabulify.run_id", "run-1"))
}

func TestInitExportsToWriter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Writer = &buf
	shutdown, err := Init(cfg)
	require.NoError(t, err)

	_, span := StartRun(context.Background(), "exported", "run-2")
	End(span, nil)
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "run exported")
	assert.Contains(t, buf.String(), "run-2")
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1.5).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
