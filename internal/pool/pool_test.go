package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// ---------------------------------------------------------------------------
// GoroutinePool
// ---------------------------------------------------------------------------

func TestGoroutinePool_SubmitWait(t *testing.T) {
	t.Parallel()

	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 4})
	defer p.Close()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.SubmitWait(context.Background(), func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	assert.Equal(t, int32(10), ran.Load())
	st := p.Stats()
	assert.Equal(t, int64(10), st.Completed)
	assert.Equal(t, int64(10), st.Submitted)
	assert.Equal(t, 2, st.Workers)
	assert.Zero(t, st.Active)
}

func TestGoroutinePool_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 3})
	defer p.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.SubmitWait(context.Background(), func(ctx context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int64(12), p.Stats().Completed)
}

func TestGoroutinePool_QueueFull(t *testing.T) {
	t.Parallel()

	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.SubmitWait(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return p.Stats().Queued == 1 }, time.Second, time.Millisecond)

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	assert.NoError(t, <-waiterDone)
}

func TestGoroutinePool_ErrorAndPanic(t *testing.T) {
	t.Parallel()

	var recovered atomic.Value
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, PanicHandler: func(v any) { recovered.Store(v) }})
	defer p.Close()

	boom := errors.New("boom")
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = p.SubmitWait(context.Background(), func(ctx context.Context) error { panic("bad step") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad step")
	assert.Equal(t, "bad step", recovered.Load())
	assert.Equal(t, int64(2), p.Stats().Failed)
}

func TestGoroutinePool_Closed(t *testing.T) {
	t.Parallel()

	p := NewGoroutinePool(DefaultGoroutinePoolConfig())
	p.Close()
	p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestGoroutinePool_CloseWaitsForRunningTasks(t *testing.T) {
	t.Parallel()

	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1})
	var finished atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		_ = p.SubmitWait(ctx, func(context.Context) error {
			close(started)
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return nil
		})
	}()
	<-started
	cancel()
	p.Close()
	assert.True(t, finished.Load())
}

func TestGoroutinePool_ContextCancelled(t *testing.T) {
	t.Parallel()

	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SubmitWait(ctx, func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

func TestService_LazyStartAndShutdown(t *testing.T) {
	t.Parallel()

	s := NewService(GoroutinePoolConfig{MaxWorkers: 2}, zap.NewNop())
	assert.False(t, s.Running())

	require.NoError(t, s.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }))
	assert.True(t, s.Running())
	assert.Equal(t, int64(1), s.Stats().Completed)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, s.Running())
	assert.Equal(t, GoroutinePoolStats{}, s.Stats())
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestService_DoubleInitializeWarns(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	s := NewService(DefaultGoroutinePoolConfig(), zap.New(core))
	defer func() { _ = s.Shutdown(context.Background()) }()

	s.Initialize()
	s.Initialize()

	assert.True(t, s.Running())
	assert.Equal(t, 1, logs.FilterMessage("worker pool already initialized, ignoring").Len())
}
