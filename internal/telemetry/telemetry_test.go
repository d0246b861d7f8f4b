package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/config"
)

func keepGlobals(t *testing.T) {
	t.Helper()
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func enabledConfig(service string) config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  service,
		SampleRate:   1,
		Insecure:     true,
	}
}

func shortShutdown(t *testing.T, p *Providers) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
}

func TestInit_Disabled(t *testing.T) {
	keepGlobals(t)

	p, err := Init(context.Background(), config.TelemetryConfig{}, nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_EnabledRegistersGlobals(t *testing.T) {
	keepGlobals(t)

	p, err := Init(context.Background(), enabledConfig("wayflow-test"), zap.NewNop())
	require.NoError(t, err)
	shortShutdown(t, p)

	assert.True(t, p.Enabled())
	assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
	assert.IsType(t, &sdkmetric.MeterProvider{}, otel.GetMeterProvider())

	_, span := p.Tracer().Start(context.Background(), "conversation.execute")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestProviders_NilReceiver(t *testing.T) {
	var p *Providers
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))

	_, span := p.Tracer().Start(context.Background(), "step")
	span.End()
}

func TestProviders_ShutdownTwice(t *testing.T) {
	keepGlobals(t)

	p, err := Init(context.Background(), enabledConfig("wayflow-shutdown"), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
	assert.NoError(t, p.Shutdown(ctx))
}

func TestInstruments_RecordRun(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	in, err := NewInstruments(mp.Meter(ScopeName))
	require.NoError(t, err)
	in.RecordRun(context.Background(), "ask_name", "finished", 0.25)
	in.RecordRun(context.Background(), "ask_name", "finished", 0.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}
	sum, ok := byName["wayflow.conversation.runs"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)

	hist, ok := byName["wayflow.conversation.run.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
}

func TestInstruments_NilIsNoop(t *testing.T) {
	var in *Instruments
	assert.NotPanics(t, func() { in.RecordRun(context.Background(), "f", "finished", 1) })
}

func TestBuildVersion(t *testing.T) {
	assert.Equal(t, "dev", buildVersion())
}
