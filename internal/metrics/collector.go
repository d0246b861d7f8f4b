// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，实现 workflow.MetricsRecorder
type Collector struct {
	// 步骤指标
	stepExecutionsTotal *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec

	// 流程指标
	flowExecutionsTotal *prometheus.CounterVec
	flowDuration        *prometheus.HistogramVec

	// LLM 指标
	tokensUsed *prometheus.CounterVec

	// 快照存储指标
	storeOperationsTotal *prometheus.CounterVec
	storeDuration        *prometheus.HistogramVec

	// 数据库连接指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时使用独立 Registry，
// 避免重复注册全局指标。
func NewCollector(namespace string, reg *prometheus.Registry, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		gatherer: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.stepExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Total number of step invocations by outcome",
		},
		[]string{"step_type", "outcome"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step_type"},
	)

	c.flowExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_executions_total",
			Help:      "Total number of Execute calls by resulting status",
		},
		[]string{"flow", "status"},
	)

	c.flowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_execution_duration_seconds",
			Help:      "Execute call duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"flow"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"flow", "type"},
	)

	c.storeOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of snapshot store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	c.storeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Snapshot store operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"backend", "operation"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Gatherer 返回底层 Registry，用于导出
func (c *Collector) Gatherer() prometheus.Gatherer { return c.gatherer }

// =============================================================================
// 🎯 记录方法
// =============================================================================

// RecordStep 记录一次步骤调用，outcome 为 completed/yielded/error
func (c *Collector) RecordStep(stepType, outcome string, d time.Duration) {
	c.stepExecutionsTotal.WithLabelValues(stepType, outcome).Inc()
	c.stepDuration.WithLabelValues(stepType).Observe(d.Seconds())
}

// RecordExecution 记录一次 Execute 调用
func (c *Collector) RecordExecution(flow, status string, d time.Duration) {
	c.flowExecutionsTotal.WithLabelValues(flow, status).Inc()
	c.flowDuration.WithLabelValues(flow).Observe(d.Seconds())
}

// RecordTokens 记录 token 用量
func (c *Collector) RecordTokens(flow string, prompt, completion int) {
	if prompt > 0 {
		c.tokensUsed.WithLabelValues(flow, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		c.tokensUsed.WithLabelValues(flow, "completion").Add(float64(completion))
	}
}

// RecordStoreOperation 记录快照存储操作
func (c *Collector) RecordStoreOperation(backend, operation string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.storeOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	c.storeDuration.WithLabelValues(backend, operation).Observe(d.Seconds())
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
