// Package fixtures builds canned provider replies and stream chunks.
package fixtures

import (
	"errors"
	"time"

	"github.com/BaSui01/wayflow/llm"
	"github.com/BaSui01/wayflow/types"
)

const (
	provider = "mock"
	model    = "mock-model"
	streamID = "stream-fixture"
)

// SimpleUsage is the usage SimpleResponse reports: 10 + 20 tokens.
var SimpleUsage = llm.ChatUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}

// SimpleResponse 单条 assistant 回复，用量为 SimpleUsage
func SimpleResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		ID:        "resp-fixture",
		Provider:  provider,
		Model:     model,
		Choices:   []llm.ChatChoice{{FinishReason: "stop", Message: types.NewAssistantMessage(content)}},
		Usage:     SimpleUsage,
		CreatedAt: time.Now(),
	}
}

func TextChunk(delta string) llm.StreamChunk {
	return llm.StreamChunk{Type: llm.ChunkText, ID: streamID, Provider: provider, Model: model, Delta: delta}
}

// ErrorChunk carries msg in Err, the way a provider reports a broken stream.
func ErrorChunk(msg string) llm.StreamChunk {
	return llm.StreamChunk{Provider: provider, Model: model, FinishReason: "error", Err: errors.New(msg)}
}

// SimpleStreamChunks 把 content 切成 size 字节的文本块，前后加 start 和带用量(5+7)的 end
func SimpleStreamChunks(content string, size int) []llm.StreamChunk {
	size = max(size, 1)
	out := make([]llm.StreamChunk, 0, len(content)/size+3)
	out = append(out, llm.StreamChunk{Type: llm.ChunkStart, ID: streamID, Provider: provider, Model: model})
	for rest := content; rest != ""; {
		n := min(size, len(rest))
		out = append(out, TextChunk(rest[:n]))
		rest = rest[n:]
	}
	usage := llm.ChatUsage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}
	return append(out, llm.StreamChunk{Type: llm.ChunkEnd, FinishReason: "stop", Usage: &usage})
}
