// MockTool 的工具测试模拟实现。
//
// 支持固定结果、按调用次序的结果序列、错误注入与认证挑战场景。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/wayflow/property"
	"github.com/BaSui01/wayflow/tools"
)

// --- MockTool 结构 ---

// MockTool 是 tools.ServerTool 的模拟实现
type MockTool struct {
	mu sync.RWMutex

	spec tools.Spec

	// 结果配置
	result  any
	results []any
	err     error
	errs    []error
	fn      tools.ToolFunc

	// 认证挑战：在 Authorize 之前每次调用都返回挑战
	challenge  *tools.AuthChallengeError
	authorized bool

	// 调用记录
	calls []ToolCall
}

// ToolCall 记录单次工具调用
type ToolCall struct {
	Args   map[string]any
	Result any
	Error  error
}

// --- 构造函数和 Builder 方法 ---

// NewMockTool 创建新的 MockTool，默认返回 nil 结果
func NewMockTool(name string, inputs ...property.Property) *MockTool {
	return &MockTool{spec: tools.Spec{Name: name, Description: "Mock tool: " + name, Inputs: inputs}}
}

// WithOutputs 声明工具输出
func (m *MockTool) WithOutputs(outputs ...property.Property) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spec.Outputs = outputs
	return m
}

// WithConfirmation 要求执行前确认
func (m *MockTool) WithConfirmation() *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spec.RequiresConfirmation = true
	return m
}

// WithResult 设置固定返回结果
func (m *MockTool) WithResult(result any) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
	return m
}

// WithResults 设置按调用次序返回的结果，用尽后回落到固定结果
func (m *MockTool) WithResults(results ...any) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append([]any(nil), results...)
	return m
}

// WithError 设置固定返回错误
func (m *MockTool) WithError(err error) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithErrors 设置按调用次序返回的错误，nil 表示该次调用成功
func (m *MockTool) WithErrors(errs ...error) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append([]error(nil), errs...)
	return m
}

// WithFunc 设置自定义执行函数
func (m *MockTool) WithFunc(fn tools.ToolFunc) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// WithAuthChallenge 在 Authorize 之前返回认证挑战
func (m *MockTool) WithAuthChallenge(challengeID, url string) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenge = &tools.AuthChallengeError{ChallengeID: challengeID, AuthorizationURL: url}
	return m
}

// Authorize 标记认证挑战已完成
func (m *MockTool) Authorize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorized = true
}

// --- Tool 接口实现 ---

func (m *MockTool) Name() string { return m.spec.Name }

func (m *MockTool) Description() string { return m.spec.Description }

func (m *MockTool) InputDescriptors() []property.Property {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]property.Property(nil), m.spec.Inputs...)
}

func (m *MockTool) OutputDescriptors() []property.Property {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.spec.Outputs) == 0 {
		return []property.Property{property.Any(tools.DefaultOutputName)}
	}
	return append([]property.Property(nil), m.spec.Outputs...)
}

func (m *MockTool) RequiresConfirmation() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spec.RequiresConfirmation
}

// Run 执行工具
func (m *MockTool) Run(ctx context.Context, args map[string]any) (any, error) {
	m.mu.Lock()
	if m.challenge != nil && !m.authorized {
		err := m.challenge
		m.calls = append(m.calls, ToolCall{Args: args, Error: err})
		m.mu.Unlock()
		return nil, err
	}
	fn := m.fn
	var (
		result = m.result
		err    = m.err
	)
	if len(m.results) > 0 {
		result, m.results = m.results[0], m.results[1:]
	}
	if len(m.errs) > 0 {
		err, m.errs = m.errs[0], m.errs[1:]
	}
	m.mu.Unlock()

	if fn != nil {
		result, err = fn(ctx, args)
	}
	if err != nil {
		result = nil
	}

	m.mu.Lock()
	m.calls = append(m.calls, ToolCall{Args: args, Result: result, Error: err})
	m.mu.Unlock()
	return result, err
}

// --- 调用记录 ---

// Calls 返回所有调用记录
func (m *MockTool) Calls() []ToolCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ToolCall(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockTool) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

var _ tools.ServerTool = (*MockTool)(nil)
