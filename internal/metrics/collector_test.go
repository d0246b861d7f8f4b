package metrics

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil, zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.stepExecutionsTotal)
	assert.NotNil(t, collector.stepDuration)
	assert.NotNil(t, collector.flowExecutionsTotal)
	assert.NotNil(t, collector.tokensUsed)
	assert.NotNil(t, collector.Gatherer())
}

func TestNewCollector_SharedRegistryRejectsDuplicates(t *testing.T) {
	reg := prometheus.NewRegistry()
	ns := nextTestNamespace()
	NewCollector(ns, reg, nil)

	assert.Panics(t, func() { NewCollector(ns, reg, nil) })
	assert.NotPanics(t, func() { NewCollector(nextTestNamespace(), reg, nil) })
}

func TestCollector_RecordStep(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil, zap.NewNop())

	collector.RecordStep("InputMessageStep", "yielded", 2*time.Millisecond)
	collector.RecordStep("InputMessageStep", "completed", time.Millisecond)
	collector.RecordStep("InputMessageStep", "completed", time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.stepExecutionsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.stepExecutionsTotal.WithLabelValues("InputMessageStep", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.stepExecutionsTotal.WithLabelValues("InputMessageStep", "yielded")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.stepDuration))
}

func TestCollector_RecordExecution(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil, zap.NewNop())

	collector.RecordExecution("greeter", "user_message_request", 10*time.Millisecond)
	collector.RecordExecution("greeter", "finished", 20*time.Millisecond)
	collector.RecordExecution("other", "finished", 20*time.Millisecond)

	assert.Equal(t, 3, testutil.CollectAndCount(collector.flowExecutionsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.flowExecutionsTotal.WithLabelValues("greeter", "finished")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.flowDuration))
}

func TestCollector_RecordTokens(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil, zap.NewNop())

	collector.RecordTokens("greeter", 5, 2)
	collector.RecordTokens("greeter", 3, 0)

	assert.Equal(t, float64(8), testutil.ToFloat64(collector.tokensUsed.WithLabelValues("greeter", "prompt")))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.tokensUsed.WithLabelValues("greeter", "completion")))
}

func TestCollector_RecordTokens_SkipsZero(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil, zap.NewNop())

	collector.RecordTokens("greeter", 0, 0)

	assert.Equal(t, 0, testutil.CollectAndCount(collector.tokensUsed))
}

func TestCollector_RecordStoreOperation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil, zap.NewNop())

	collector.RecordStoreOperation("redis", "save", nil, time.Millisecond)
	collector.RecordStoreOperation("redis", "load", errors.New("boom"), time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.storeOperationsTotal.WithLabelValues("redis", "save", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.storeOperationsTotal.WithLabelValues("redis", "load", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.storeDuration))
}

func TestCollector_RecordDBConnections(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil, zap.NewNop())

	collector.RecordDBConnections("wayflow", 4, 1)
	collector.RecordDBConnections("wayflow", 6, 2)

	assert.Equal(t, float64(6), testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("wayflow")))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("wayflow")))
}

func TestCollector_Gatherer(t *testing.T) {
	ns := nextTestNamespace()
	collector := NewCollector(ns, nil, zap.NewNop())
	collector.RecordExecution("greeter", "finished", time.Millisecond)

	families, err := collector.Gatherer().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names[ns+"_flow_executions_total"])
	assert.True(t, names[ns+"_flow_execution_duration_seconds"])
}

// =============================================================================
// 🎯 并发测试
// =============================================================================

func TestCollector_Concurrent(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil, zap.NewNop())

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				collector.RecordStep("OutputMessageStep", "completed", time.Millisecond)
				collector.RecordTokens("greeter", 1, 1)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, float64(1000), testutil.ToFloat64(collector.stepExecutionsTotal.WithLabelValues("OutputMessageStep", "completed")))
	assert.Equal(t, float64(1000), testutil.ToFloat64(collector.tokensUsed.WithLabelValues("greeter", "prompt")))
}
