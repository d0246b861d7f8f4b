package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenUsage_Add(t *testing.T) {
	t.Parallel()

	u := TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3, Cost: 0.5}
	u.Add(TokenUsage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 5, Cost: 1.25})

	assert.Equal(t, 4, u.PromptTokens)
	assert.Equal(t, 6, u.CompletionTokens)
	assert.Equal(t, 8, u.Total())
	assert.InDelta(t, 1.75, u.Cost, 1e-9)
}

func TestTokenUsage_TotalFallback(t *testing.T) {
	t.Parallel()

	u := TokenUsage{PromptTokens: 7, CompletionTokens: 5}
	assert.Equal(t, 12, u.Total())
}

func TestToolResult_ToMessage(t *testing.T) {
	t.Parallel()

	msg := ToolResult{ToolRequestID: "r1", Name: "weather", Content: map[string]any{"temp": 21}}.ToMessage()
	assert.Equal(t, RoleTool, msg.Role)
	assert.Equal(t, `{"temp":21}`, msg.Content)
	if assert.NotNil(t, msg.ToolResult) {
		assert.Equal(t, "r1", msg.ToolResult.ToolRequestID)
	}

	failed := ToolResult{ToolRequestID: "r2", Error: "boom"}
	assert.True(t, failed.IsError())
	assert.Equal(t, "Error: boom", failed.ToMessage().Content)
}
