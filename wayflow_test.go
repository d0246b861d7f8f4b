package wayflow

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/config"
	"github.com/BaSui01/wayflow/persistence"
	"github.com/BaSui01/wayflow/property"
	"github.com/BaSui01/wayflow/workflow"
)

func newRuntime(t *testing.T, cfg *config.Config, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	rt, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
	return rt
}

func askFlow(t *testing.T) *workflow.Flow {
	t.Helper()
	ask, err := workflow.NewInputMessageStep("ask", "What is your name?")
	require.NoError(t, err)
	greet, err := workflow.NewOutputMessageStep("greet", "Hello {{user_provided_input}}")
	require.NoError(t, err)
	f, err := workflow.FlowFromSteps("ask_name", ask, greet)
	require.NoError(t, err)
	return f
}

func gatheredNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

// =============================================================================
// 🧪 Runtime 测试
// =============================================================================

func TestNew_Defaults(t *testing.T) {
	rt := newRuntime(t, nil)

	assert.IsType(t, &persistence.MemoryStore{}, rt.Store())
	assert.NotNil(t, rt.Executor())
	assert.NotNil(t, rt.WorkerPool())
	assert.False(t, rt.WorkerPool().Running())
	assert.Nil(t, rt.Metrics())
	assert.False(t, rt.Telemetry().Enabled())
	assert.Equal(t, "memory", rt.Config().Store.Type)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Type = "tape"

	_, err := New(context.Background(), cfg, WithLogger(zap.NewNop()))
	assert.Error(t, err)
}

func TestNew_NoWorkers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Executor.Workers = 0

	rt := newRuntime(t, cfg)
	assert.Nil(t, rt.WorkerPool())
}

func TestRuntime_SaveAndResume(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, nil)
	flow := askFlow(t)

	conv, err := rt.Start(flow, nil)
	require.NoError(t, err)
	st, err := rt.Execute(ctx, conv)
	require.NoError(t, err)
	require.IsType(t, &workflow.UserMessageRequestStatus{}, st)

	list, err := rt.List(ctx, persistence.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, conv.ID(), list[0].ID)
	assert.Equal(t, workflow.StatusUserMessageRequest, list[0].Status)

	restored, err := rt.Resume(ctx, conv.ID(), nil)
	require.NoError(t, err)
	restored.AppendUserMessage("Ada")
	st, err = rt.Execute(ctx, restored)
	require.NoError(t, err)
	fin, ok := st.(*workflow.FinishedStatus)
	require.True(t, ok)
	assert.Equal(t, "Hello Ada", fin.OutputValues[workflow.OutputMessageOutput])

	list, err = rt.List(ctx, persistence.ListFilter{Status: workflow.StatusFinished})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, rt.Delete(ctx, conv.ID()))
	_, err = rt.Resume(ctx, conv.ID(), nil)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestRuntime_ResumeFuncStepNeedsFallback(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, nil)

	double := workflow.NewFuncStep("double",
		[]property.Property{property.Integer("x")},
		[]property.Property{property.Integer("y")},
		func(_ context.Context, in map[string]any, _ *workflow.StepContext) (*workflow.StepResult, error) {
			return workflow.Next(map[string]any{"y": in["x"].(int) * 2}), nil
		})
	ask, err := workflow.NewInputMessageStep("ask", "Continue?")
	require.NoError(t, err)
	flow, err := workflow.FlowFromSteps("double", double, ask)
	require.NoError(t, err)

	conv, err := rt.Start(flow, map[string]any{"x": 21})
	require.NoError(t, err)
	_, err = rt.Execute(ctx, conv)
	require.NoError(t, err)

	_, err = rt.Resume(ctx, conv.ID(), nil)
	assert.Error(t, err)

	restored, err := rt.Resume(ctx, conv.ID(), flow)
	require.NoError(t, err)
	assert.EqualValues(t, 42, restored.IOValues()["y"])
}

func TestRuntime_DefaultInterrupts(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Executor.SoftTimeout = 1 // 1ns, trips at the first boundary

	rt := newRuntime(t, cfg)
	conv, err := rt.Start(askFlow(t), nil)
	require.NoError(t, err)

	st, err := rt.Execute(ctx, conv)
	require.NoError(t, err)
	in, ok := st.(*workflow.InterruptedExecutionStatus)
	require.True(t, ok)
	assert.Equal(t, "soft_timeout", in.Interrupt)

	st, err = rt.Execute(ctx, conv, workflow.WithInterrupts())
	require.NoError(t, err)
	assert.IsType(t, &workflow.UserMessageRequestStatus{}, st)
}

func TestRuntime_BlockingStepRunsOnPool(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, nil)

	var calls atomic.Int32
	step := workflow.NewBlockingFuncStep("work", nil,
		[]property.Property{property.String("result")},
		func(context.Context, map[string]any, *workflow.StepContext) (*workflow.StepResult, error) {
			calls.Add(1)
			return workflow.Next(map[string]any{"result": "done"}), nil
		})
	flow, err := workflow.FlowFromSteps("blocking", step)
	require.NoError(t, err)

	conv, err := rt.Start(flow, nil)
	require.NoError(t, err)
	st, err := rt.Execute(ctx, conv)
	require.NoError(t, err)

	fin, ok := st.(*workflow.FinishedStatus)
	require.True(t, ok)
	assert.Equal(t, "done", fin.OutputValues["result"])
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, rt.WorkerPool().Running())
}

func TestRuntime_Metrics(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = true
	reg := prometheus.NewRegistry()

	rt := newRuntime(t, cfg, WithMetricsRegistry(reg))
	require.NotNil(t, rt.Metrics())

	conv, err := rt.Start(askFlow(t), nil)
	require.NoError(t, err)
	_, err = rt.Execute(ctx, conv)
	require.NoError(t, err)

	names := gatheredNames(t, reg)
	assert.True(t, names["wayflow_step_executions_total"])
	assert.True(t, names["wayflow_flow_executions_total"])
	assert.True(t, names["wayflow_store_operations_total"])
}

func TestRuntime_SQLStore(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Store.Type = "database"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "wayflow.db")
	cfg.Metrics.Enabled = true
	reg := prometheus.NewRegistry()

	rt := newRuntime(t, cfg, WithMetricsRegistry(reg))
	require.IsType(t, &persistence.SQLStore{}, rt.Store())

	conv, err := rt.Start(askFlow(t), nil)
	require.NoError(t, err)
	_, err = rt.Execute(ctx, conv)
	require.NoError(t, err)

	restored, err := rt.Resume(ctx, conv.ID(), nil)
	require.NoError(t, err)
	assert.Equal(t, conv.ID(), restored.ID())

	names := gatheredNames(t, reg)
	assert.True(t, names["wayflow_db_connections_open"])
}

func TestRuntime_WithStore(t *testing.T) {
	store := persistence.NewMemoryStore(persistence.Options{})
	rt, err := New(context.Background(), nil, WithLogger(zap.NewNop()), WithStore(store))
	require.NoError(t, err)
	assert.Same(t, store, rt.Store())

	require.NoError(t, rt.Shutdown(context.Background()))
	_, err = store.Load(context.Background(), "any")
	assert.ErrorIs(t, err, persistence.ErrStoreClosed)
}

// =============================================================================
// 🧪 Logger 测试
// =============================================================================

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		wantErr bool
	}{
		{name: "defaults", cfg: config.DefaultLogConfig()},
		{name: "console debug", cfg: config.LogConfig{Level: "debug", Format: "console"}},
		{name: "empty", cfg: config.LogConfig{}},
		{name: "bad level", cfg: config.LogConfig{Level: "loud"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "warn", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))
}
