// Package testutil holds helpers shared by package tests: bounded contexts,
// an observed zap logger, message assertions and channel utilities.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/wayflow/llm"
	"github.com/BaSui01/wayflow/types"
)

// DefaultTestTimeout bounds every context from TestContext.
const DefaultTestTimeout = 30 * time.Second

// TestContext 在测试结束时自动取消
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext is already done; Err returns context.Canceled.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// ObservedLogger 记录 level 及以上的日志条目，供断言使用
func ObservedLogger(level zap.AtomicLevel) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

// AssertMessagesEqual compares role and content only; IDs, timestamps and
// metadata differ between runs.
func AssertMessagesEqual(t *testing.T, want, got []types.Message) {
	t.Helper()
	require.Len(t, got, len(want), "message count")
	for i, w := range want {
		assert.Equalf(t, w.Role, got[i].Role, "messages[%d].Role", i)
		assert.Equalf(t, w.Content, got[i].Content, "messages[%d].Content", i)
	}
}

// WaitForChannel reports false if nothing arrives within timeout. A closed
// channel yields the zero value and true.
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// SendChunksToChannel 返回已写满并关闭的通道
func SendChunksToChannel(chunks []llm.StreamChunk) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}
