package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/config"
)

// ScopeName 是 tracer 和 meter 的 instrumentation scope
const ScopeName = "github.com/BaSui01/wayflow"

// Providers 持有 SDK providers 及其关闭函数。禁用时所有方法退回全局 noop 实现。
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	mu        sync.Mutex
	shutdowns []func(context.Context) error
	closed    bool
}

// Init 按配置启动 OTLP gRPC 导出器并注册为全局 provider。
// cfg.Enabled 为 false 时不建立任何连接。
func Init(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))
	p := &Providers{}
	if !cfg.Enabled {
		logger.Debug("telemetry disabled")
		return p, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(buildVersion()),
	))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spans),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	p.shutdowns = append(p.shutdowns, p.tp.Shutdown)

	readings, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(readings)),
		sdkmetric.WithResource(res),
	)
	p.shutdowns = append(p.shutdowns, p.mp.Shutdown)

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry started",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Bool("insecure", cfg.Insecure),
	)
	return p, nil
}

// Tracer returns the tracer handed to workflow.WithTracer.
func (p *Providers) Tracer() trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.Tracer(ScopeName)
	}
	return p.tp.Tracer(ScopeName)
}

// Meter returns the meter for runtime instruments.
func (p *Providers) Meter() metric.Meter {
	if p == nil || p.mp == nil {
		return otel.Meter(ScopeName)
	}
	return p.mp.Meter(ScopeName)
}

// Enabled reports whether real exporters are running.
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// Shutdown 逆序关闭 provider 并刷新未导出的数据，重复调用无副作用。
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		if err := p.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown telemetry: %w", errors.Join(errs...))
	}
	return nil
}

// =============================================================================
// Runtime instruments
// =============================================================================

// Instruments counts conversation runs through the OTel meter, next to the
// Prometheus collector.
type Instruments struct {
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// NewInstruments registers the run counter and duration histogram on m.
func NewInstruments(m metric.Meter) (*Instruments, error) {
	runs, err := m.Int64Counter("wayflow.conversation.runs",
		metric.WithDescription("Execute calls by resulting status"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, fmt.Errorf("create run counter: %w", err)
	}
	duration, err := m.Float64Histogram("wayflow.conversation.run.duration",
		metric.WithDescription("Wall time of one Execute call"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create run histogram: %w", err)
	}
	return &Instruments{runs: runs, duration: duration}, nil
}

// RecordRun adds one run with its status and duration in seconds.
func (in *Instruments) RecordRun(ctx context.Context, flow, status string, seconds float64) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("flow", flow),
		attribute.String("status", status),
	)
	in.runs.Add(ctx, 1, attrs)
	in.duration.Record(ctx, seconds, attrs)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
