package llm

import (
	"context"
	"strings"
	"time"

	"github.com/BaSui01/wayflow/types"
)

type ChatRequest struct {
	TraceID     string            `json:"trace_id,omitempty"`
	Model       string            `json:"model,omitempty"`
	Messages    []types.Message   `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"` // 以 USD 计
}

// TokenUsage converts the provider usage into the shared accounting type.
func (u ChatUsage) TokenUsage() types.TokenUsage {
	return types.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Cost:             u.Cost,
	}
}

type ChatChoice struct {
	Index        int           `json:"index"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Message      types.Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// Content returns the text of the first choice.
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ChunkType tags stream events.
type ChunkType string

const (
	ChunkStart ChunkType = "start"
	ChunkText  ChunkType = "text"
	ChunkEnd   ChunkType = "end"
)

type StreamChunk struct {
	Type         ChunkType  `json:"type"`
	ID           string     `json:"id,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Delta        string     `json:"delta,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"` // 最终 chunk 可带 usage
	Err          error      `json:"-"`
}

// Provider 定义了统一的 LLM 适配接口。
// 执行引擎只依赖 Completion / Stream 两种调用形式，具体厂商 SDK 由外部实现。
type Provider interface {
	// Completion 发起同步聊天请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式聊天请求，返回增量响应通道
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}

// CollectStream drains a chunk channel into a single response. The first
// chunk error aborts collection.
func CollectStream(ctx context.Context, ch <-chan StreamChunk) (*ChatResponse, error) {
	var (
		sb   strings.Builder
		resp = &ChatResponse{}
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				resp.Choices = []ChatChoice{{Message: types.NewAssistantMessage(sb.String())}}
				return resp, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if resp.ID == "" {
				resp.ID = chunk.ID
				resp.Provider = chunk.Provider
				resp.Model = chunk.Model
			}
			if chunk.Type == ChunkText || chunk.Type == "" {
				sb.WriteString(chunk.Delta)
			}
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
	}
}
