package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/types"
)

// ErrCircuitOpen 熔断期间的调用直接返回该错误
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RetryPolicy 指数退避重试。MaxRetries 不含首次调用
type RetryPolicy struct {
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier"`
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

// next returns the wait after d, capped at MaxBackoff.
func (p *RetryPolicy) next(d time.Duration) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d = time.Duration(float64(d) * mult)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// =============================================================================
// 熔断器
// =============================================================================

type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half_open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreakerConfig: FailureThreshold 次连续失败后打开，Timeout 后半开，
// 半开状态下 SuccessThreshold 次成功后关闭，任一失败重新打开
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
}

func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second}
}

type breaker struct {
	cfg    CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	probes   int
	openedAt time.Time
}

func newBreaker(cfg *CircuitBreakerConfig, logger *zap.Logger) *breaker {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig()
	}
	return &breaker{cfg: *cfg, logger: logger, now: time.Now}
}

func (b *breaker) current() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// admit 打开状态超时后转为半开并放行
func (b *breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) <= b.cfg.Timeout {
		return ErrCircuitOpen
	}
	b.state, b.probes = CircuitHalfOpen, 0
	return nil
}

// report records the outcome; cancellation by the caller is not a failure.
func (b *breaker) report(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case CircuitHalfOpen:
			if b.probes++; b.probes >= b.cfg.SuccessThreshold {
				b.state, b.failures = CircuitClosed, 0
				b.logger.Info("circuit breaker closed")
			}
		default:
			b.failures = 0
		}
		return
	}

	switch b.state {
	case CircuitHalfOpen:
		b.trip()
		b.logger.Warn("circuit breaker reopened", zap.Error(err))
	default:
		if b.failures++; b.failures >= b.cfg.FailureThreshold {
			b.trip()
			b.logger.Warn("circuit breaker opened", zap.Int("failures", b.failures), zap.Error(err))
		}
	}
}

func (b *breaker) trip() {
	b.state = CircuitOpen
	b.openedAt = b.now()
}

// =============================================================================
// ResilientProvider
// =============================================================================

// ResilientConfig 为 nil 的字段使用默认值
type ResilientConfig struct {
	RetryPolicy       *RetryPolicy
	CircuitBreaker    *CircuitBreakerConfig
	EnableIdempotency bool
	IdempotencyTTL    time.Duration
}

func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		RetryPolicy:       DefaultRetryPolicy(),
		CircuitBreaker:    DefaultCircuitBreakerConfig(),
		EnableIdempotency: true,
		IdempotencyTTL:    time.Hour,
	}
}

// ResilientProvider wraps a Provider with retries, a circuit breaker and a
// short-lived cache of identical requests. It reports the wrapped
// provider's Name, so serialized prompt steps resolve to the same entry.
type ResilientProvider struct {
	inner   Provider
	policy  *RetryPolicy
	breaker *breaker
	cache   *responseCache // nil 表示关闭幂等缓存
	logger  *zap.Logger
}

var _ Provider = (*ResilientProvider)(nil)

func NewResilientProvider(inner Provider, cfg *ResilientConfig, logger *zap.Logger) *ResilientProvider {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "resilient_provider"), zap.String("provider", inner.Name()))

	rp := &ResilientProvider{
		inner:   inner,
		policy:  cfg.RetryPolicy,
		breaker: newBreaker(cfg.CircuitBreaker, logger),
		logger:  logger,
	}
	if rp.policy == nil {
		rp.policy = DefaultRetryPolicy()
	}
	if cfg.EnableIdempotency && cfg.IdempotencyTTL > 0 {
		rp.cache = newResponseCache(cfg.IdempotencyTTL)
	}
	return rp
}

func (rp *ResilientProvider) Name() string { return rp.inner.Name() }

func (rp *ResilientProvider) CircuitState() CircuitState { return rp.breaker.current() }

// Completion retries only errors types.IsRetryable accepts. The breaker sees
// one outcome per call, after retries.
func (rp *ResilientProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var key string
	if rp.cache != nil {
		key = requestKey(req)
		if resp, ok := rp.cache.get(key); ok {
			rp.logger.Debug("idempotent response reused")
			return resp, nil
		}
	}

	if err := rp.breaker.admit(); err != nil {
		return nil, err
	}
	resp, err := rp.withRetry(ctx, req)
	rp.breaker.report(err)
	if err != nil {
		return nil, err
	}

	if rp.cache != nil {
		rp.cache.put(key, resp)
	}
	return resp, nil
}

func (rp *ResilientProvider) withRetry(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	wait := rp.policy.InitialBackoff
	for attempt := 0; ; attempt++ {
		resp, err := rp.inner.Completion(ctx, req)
		if err == nil || !types.IsRetryable(err) || attempt >= rp.policy.MaxRetries {
			return resp, err
		}
		rp.logger.Debug("retrying completion",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait = rp.policy.next(wait)
	}
}

// Stream is not retried; a half-consumed stream cannot be replayed.
func (rp *ResilientProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if err := rp.breaker.admit(); err != nil {
		return nil, err
	}
	return rp.inner.Stream(ctx, req)
}

// =============================================================================
// 幂等缓存
// =============================================================================

type cachedResponse struct {
	resp    *ChatResponse
	expires time.Time
}

type responseCache struct {
	ttl time.Duration
	mu  sync.Mutex
	m   map[string]cachedResponse
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{ttl: ttl, m: make(map[string]cachedResponse)}
}

func (c *responseCache) get(key string) (*ChatResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.m, key)
		return nil, false
	}
	return e.resp, true
}

// put 顺带清理过期条目
func (c *responseCache) put(key string, resp *ChatResponse) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.m {
		if now.After(e.expires) {
			delete(c.m, k)
		}
	}
	c.m[key] = cachedResponse{resp: resp, expires: now.Add(c.ttl)}
}

// requestKey hashes the fields that change the reply. Message IDs,
// timestamps and metadata are left out.
func requestKey(req *ChatRequest) string {
	type msg struct {
		Role    types.Role          `json:"r"`
		Content string              `json:"c,omitempty"`
		Name    string              `json:"n,omitempty"`
		Calls   []types.ToolRequest `json:"tc,omitempty"`
		Result  *types.ToolResult   `json:"tr,omitempty"`
	}
	msgs := make([]msg, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, msg{m.Role, m.Content, m.Name, m.ToolRequests, m.ToolResult})
	}
	payload, _ := json.Marshal(map[string]any{
		"model":       req.Model,
		"messages":    msgs,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"stop":        req.Stop,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
