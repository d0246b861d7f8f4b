// Package wayflow assembles the execution runtime from configuration.
//
// Usage:
//
//	import "github.com/BaSui01/wayflow"
//
//	rt, err := wayflow.New(ctx, config.MustLoad("wayflow.yaml"))
//	conv, err := rt.Start(flow, map[string]any{"topic": "go"})
//	status, err := rt.Execute(ctx, conv)
//	conv, err = rt.Resume(ctx, conv.ID(), flow)
//
// The runtime owns the worker pool, the snapshot store, the metrics
// collector and the telemetry providers; Shutdown releases all of them.
package wayflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/config"
	"github.com/BaSui01/wayflow/internal/metrics"
	"github.com/BaSui01/wayflow/internal/pool"
	"github.com/BaSui01/wayflow/internal/telemetry"
	"github.com/BaSui01/wayflow/persistence"
	"github.com/BaSui01/wayflow/workflow"
)

// Option configures the Runtime created by New.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	store    persistence.Store
	dctx     *workflow.DeserializationContext
	registry *prometheus.Registry
}

// WithLogger replaces the logger built from cfg.Log.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore replaces the store built from cfg.Store. The runtime closes it
// on Shutdown.
func WithStore(store persistence.Store) Option {
	return func(o *options) { o.store = store }
}

// WithDeserializationContext sets the tools and LLMs used to decode flows
// embedded in snapshots.
func WithDeserializationContext(dctx *workflow.DeserializationContext) Option {
	return func(o *options) { o.dctx = dctx }
}

// WithMetricsRegistry registers metrics on reg instead of a private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// Runtime wires the executor to its process-scoped collaborators.
type Runtime struct {
	cfg          *config.Config
	logger       *zap.Logger
	pool         *pool.Service
	metrics      *metrics.Collector
	telemetry    *telemetry.Providers
	instruments  *telemetry.Instruments
	store        persistence.Store
	storeBackend string
	executor     *workflow.Executor
	dctx         *workflow.DeserializationContext
}

// New builds a Runtime. A nil cfg uses config.DefaultConfig.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = NewLogger(cfg.Log); err != nil {
			return nil, err
		}
	}

	rt := &Runtime{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "runtime")),
		dctx:   o.dctx,
	}

	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt.telemetry = providers
	if providers.Enabled() {
		if rt.instruments, err = telemetry.NewInstruments(providers.Meter()); err != nil {
			_ = providers.Shutdown(ctx)
			return nil, err
		}
	}

	rt.store, rt.storeBackend = o.store, "custom"
	if rt.store == nil {
		if rt.store, err = persistence.NewStore(ctx, cfg, logger); err != nil {
			_ = providers.Shutdown(ctx)
			return nil, fmt.Errorf("create store: %w", err)
		}
		rt.storeBackend = cfg.Store.Type
	}

	execOpts := []workflow.ExecutorOption{
		workflow.WithLogger(logger),
		workflow.WithTracer(providers.Tracer()),
		workflow.WithMaxEvents(cfg.Executor.MaxEvents),
	}
	if cfg.Executor.Workers > 0 {
		rt.pool = pool.NewService(pool.GoroutinePoolConfig{
			MaxWorkers: cfg.Executor.Workers,
			QueueSize:  cfg.Executor.QueueSize,
			PanicHandler: func(r any) {
				logger.Error("blocking step panicked", zap.Any("panic", r))
			},
		}, logger)
		execOpts = append(execOpts, workflow.WithWorkerPool(rt.pool))
	}
	if cfg.Metrics.Enabled {
		rt.metrics = metrics.NewCollector(cfg.Metrics.Namespace, o.registry, logger)
		execOpts = append(execOpts, workflow.WithMetrics(rt.metrics))
	}
	if interrupts := defaultInterrupts(cfg.Executor); len(interrupts) > 0 {
		execOpts = append(execOpts, workflow.WithDefaultInterrupts(interrupts...))
	}
	rt.executor = workflow.NewExecutor(execOpts...)

	rt.logger.Info("runtime ready",
		zap.String("store", rt.storeBackend),
		zap.Int("workers", cfg.Executor.Workers),
		zap.Bool("metrics", rt.metrics != nil),
		zap.Bool("telemetry", providers.Enabled()),
	)
	return rt, nil
}

func defaultInterrupts(cfg config.ExecutorConfig) []workflow.ExecutionInterrupt {
	var out []workflow.ExecutionInterrupt
	if cfg.SoftTimeout > 0 {
		out = append(out, workflow.NewSoftTimeoutInterrupt(cfg.SoftTimeout))
	}
	if cfg.TokenLimit > 0 {
		out = append(out, workflow.NewSoftTokenLimitInterrupt(cfg.TokenLimit))
	}
	return out
}

func (r *Runtime) Config() *config.Config          { return r.cfg }
func (r *Runtime) Logger() *zap.Logger             { return r.logger }
func (r *Runtime) Executor() *workflow.Executor    { return r.executor }
func (r *Runtime) Store() persistence.Store        { return r.store }
func (r *Runtime) Metrics() *metrics.Collector     { return r.metrics }
func (r *Runtime) WorkerPool() *pool.Service       { return r.pool }
func (r *Runtime) Telemetry() *telemetry.Providers { return r.telemetry }

// =============================================================================
// Conversations
// =============================================================================

// Start creates a conversation bound to the runtime executor.
func (r *Runtime) Start(flow *workflow.Flow, inputs map[string]any, opts ...workflow.ConversationOption) (*workflow.Conversation, error) {
	opts = append([]workflow.ConversationOption{workflow.WithExecutor(r.executor)}, opts...)
	return flow.StartConversation(inputs, opts...)
}

// Execute runs conv and saves its snapshot, also after a failed step.
func (r *Runtime) Execute(ctx context.Context, conv *workflow.Conversation, opts ...workflow.ExecuteOption) (workflow.ExecutionStatus, error) {
	start := time.Now()
	status, execErr := conv.Execute(ctx, opts...)
	outcome := "error"
	if execErr == nil {
		outcome = string(status.Kind())
	}
	r.instruments.RecordRun(ctx, conv.Flow().Name(), outcome, time.Since(start).Seconds())
	if err := r.Save(ctx, conv); err != nil {
		if execErr != nil {
			return nil, errors.Join(execErr, err)
		}
		return status, err
	}
	return status, execErr
}

// Save stores the conversation snapshot.
func (r *Runtime) Save(ctx context.Context, conv *workflow.Conversation) error {
	snap, err := conv.Snapshot()
	if err != nil {
		return err
	}
	start := time.Now()
	err = r.store.Save(ctx, snap)
	r.observe("save", err, start)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID(), err)
	}
	return nil
}

// Resume loads a stored conversation. fallback is used when the stored flow
// cannot be decoded, for instance when it contains FuncSteps.
func (r *Runtime) Resume(ctx context.Context, id string, fallback *workflow.Flow) (*workflow.Conversation, error) {
	start := time.Now()
	snap, err := r.store.Load(ctx, id)
	r.observe("load", err, start)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return workflow.RestoreConversation(snap, r.dctx, fallback, workflow.WithExecutor(r.executor))
}

// Delete removes a stored conversation.
func (r *Runtime) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := r.store.Delete(ctx, id)
	r.observe("delete", err, start)
	return err
}

// List returns stored conversation summaries.
func (r *Runtime) List(ctx context.Context, filter persistence.ListFilter) ([]persistence.Summary, error) {
	start := time.Now()
	out, err := r.store.List(ctx, filter)
	r.observe("list", err, start)
	return out, err
}

func (r *Runtime) observe(op string, err error, start time.Time) {
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		r.logger.Warn("store operation failed", zap.String("operation", op), zap.Error(err))
	}
	if r.metrics == nil {
		return
	}
	r.metrics.RecordStoreOperation(r.storeBackend, op, err, time.Since(start))
	if s, ok := r.store.(*persistence.SQLStore); ok {
		stats := s.Stats()
		r.metrics.RecordDBConnections(r.cfg.Database.Name, stats.OpenConnections, stats.Idle)
	}
}

// Shutdown stops the worker pool, closes the store and flushes telemetry.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if r.pool != nil {
		if err := r.pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown worker pool: %w", err))
		}
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := r.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = r.logger.Sync()
	return errors.Join(errs...)
}
