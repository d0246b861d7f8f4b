package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Service owns the process-scoped worker pool. It starts lazily on first
// use and must be shut down explicitly. Initialize on a running service only
// logs a warning.
type Service struct {
	mu     sync.Mutex
	cfg    GoroutinePoolConfig
	pool   *GoroutinePool
	logger *zap.Logger
}

// NewService creates a stopped service.
func NewService(cfg GoroutinePoolConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "worker_pool")),
	}
}

// Initialize starts the pool. Calling it again while running has no effect
// beyond a warning.
func (s *Service) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		s.logger.Warn("worker pool already initialized, ignoring")
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() *GoroutinePool {
	s.pool = NewGoroutinePool(s.cfg)
	s.logger.Info("worker pool started",
		zap.Int("max_workers", s.pool.maxWorkers),
		zap.Int64("queue_size", s.pool.queueSize),
	)
	return s.pool
}

// Running reports whether the pool is started.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool != nil
}

func (s *Service) acquire() *GoroutinePool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return s.startLocked()
	}
	return s.pool
}

// SubmitWait runs task on the pool and waits for its result, starting the
// pool if needed.
func (s *Service) SubmitWait(ctx context.Context, task Task) error {
	return s.acquire().SubmitWait(ctx, task)
}

// Stats returns statistics of the running pool, zero when stopped.
func (s *Service) Stats() GoroutinePoolStats {
	s.mu.Lock()
	p := s.pool
	s.mu.Unlock()
	if p == nil {
		return GoroutinePoolStats{}
	}
	return p.Stats()
}

// Shutdown stops the pool and waits for running tasks, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	p := s.pool
	s.pool = nil
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("worker pool stopped", zap.Int64("completed", p.completed.Load()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
