// Package mocks holds scripted llm.Provider and tools.Tool doubles.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/wayflow/llm"
	"github.com/BaSui01/wayflow/types"
)

// CompletionFunc replaces the scripted reply entirely.
type CompletionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)

// MockProviderCall 一次调用的请求和结果
type MockProviderCall struct {
	Request  *llm.ChatRequest
	Response *llm.ChatResponse
	Error    error
}

// MockProvider 按脚本回复的 llm.Provider。
// 回复优先级: err > completion func > 排队回复 > 固定回复
type MockProvider struct {
	mu sync.Mutex

	name     string
	fallback string
	queue    []string
	chunks   []string
	err      error
	fn       CompletionFunc

	prompt, completion int

	calls []MockProviderCall
}

var _ llm.Provider = (*MockProvider)(nil)

func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:       "mock",
		fallback:   "Mock response",
		prompt:     10,
		completion: 20,
	}
}

// NewErrorProvider fails every call with err.
func NewErrorProvider(err error) *MockProvider {
	return NewMockProvider().WithError(err)
}

// NewStreamProvider 流式调用按 chunks 逐块发送
func NewStreamProvider(chunks ...string) *MockProvider {
	return NewMockProvider().WithStreamChunks(chunks...)
}

func (m *MockProvider) update(fn func()) *MockProvider {
	m.mu.Lock()
	fn()
	m.mu.Unlock()
	return m
}

// WithName 设置名称，序列化时按名称解析
func (m *MockProvider) WithName(name string) *MockProvider {
	return m.update(func() { m.name = name })
}

func (m *MockProvider) WithResponse(text string) *MockProvider {
	return m.update(func() { m.fallback = text })
}

// WithResponses queues replies; once drained the fixed response is used.
func (m *MockProvider) WithResponses(texts ...string) *MockProvider {
	return m.update(func() { m.queue = append(m.queue[:0:0], texts...) })
}

func (m *MockProvider) WithError(err error) *MockProvider {
	return m.update(func() { m.err = err })
}

func (m *MockProvider) WithStreamChunks(chunks ...string) *MockProvider {
	return m.update(func() { m.chunks = append(m.chunks[:0:0], chunks...) })
}

func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	return m.update(func() { m.prompt, m.completion = prompt, completion })
}

func (m *MockProvider) WithCompletionFunc(fn CompletionFunc) *MockProvider {
	return m.update(func() { m.fn = fn })
}

// =============================================================================
// llm.Provider
// =============================================================================

func (m *MockProvider) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.recordLocked(req, nil, err)
		m.mu.Unlock()
		return nil, err
	}
	if fn := m.fn; fn != nil {
		m.mu.Unlock()
		resp, err := fn(ctx, req)
		m.mu.Lock()
		m.recordLocked(req, resp, err)
		m.mu.Unlock()
		return resp, err
	}
	defer m.mu.Unlock()

	resp := &llm.ChatResponse{
		ID:       "mock-response-id",
		Provider: m.name,
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      types.NewAssistantMessage(m.popLocked()),
		}},
		Usage:     m.usageLocked(),
		CreatedAt: time.Now(),
	}
	m.recordLocked(req, resp, nil)
	return resp, nil
}

// Stream 发送 start、文本块和带用量的 end；未设置块时整段回复作为一个块
func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.recordLocked(req, nil, err)
		m.mu.Unlock()
		return nil, err
	}
	texts := m.chunks
	if len(texts) == 0 {
		texts = []string{m.popLocked()}
	}
	usage := m.usageLocked()
	base := llm.StreamChunk{Provider: m.name, Model: req.Model}
	m.recordLocked(req, nil, nil)
	m.mu.Unlock()

	ch := make(chan llm.StreamChunk, len(texts)+2)
	go func() {
		defer close(ch)
		start := base
		start.Type = llm.ChunkStart
		ch <- start
		for _, text := range texts {
			c := base
			c.Type, c.Delta = llm.ChunkText, text
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		end := base
		end.Type, end.FinishReason, end.Usage = llm.ChunkEnd, "stop", &usage
		ch <- end
	}()
	return ch, nil
}

// =============================================================================
// 调用记录
// =============================================================================

func (m *MockProvider) Calls() []MockProviderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockProviderCall(nil), m.calls...)
}

func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastPrompt 最近一次请求的最后一条消息
func (m *MockProvider) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	msgs := m.calls[len(m.calls)-1].Request.Messages
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}

func (m *MockProvider) recordLocked(req *llm.ChatRequest, resp *llm.ChatResponse, err error) {
	m.calls = append(m.calls, MockProviderCall{Request: req, Response: resp, Error: err})
}

func (m *MockProvider) popLocked() string {
	if len(m.queue) == 0 {
		return m.fallback
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	return next
}

func (m *MockProvider) usageLocked() llm.ChatUsage {
	return llm.ChatUsage{
		PromptTokens:     m.prompt,
		CompletionTokens: m.completion,
		TotalTokens:      m.prompt + m.completion,
	}
}
