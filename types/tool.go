package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolRequest is a pending tool invocation.
type ToolRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	ToolRequestID string        `json:"tool_request_id"`
	Name          string        `json:"name,omitempty"`
	Content       any           `json:"content"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
}

// ToMessage converts ToolResult to a Message.
func (tr ToolResult) ToMessage() Message {
	content := ""
	switch v := tr.Content.(type) {
	case nil:
	case string:
		content = v
	default:
		if b, err := json.Marshal(v); err == nil {
			content = string(b)
		} else {
			content = fmt.Sprint(v)
		}
	}
	if tr.Error != "" {
		content = "Error: " + tr.Error
	}
	r := tr
	return Message{
		Role:       RoleTool,
		Content:    content,
		Name:       tr.Name,
		ToolResult: &r,
	}
}

// IsError returns true if the tool execution failed.
func (tr ToolResult) IsError() bool {
	return tr.Error != ""
}
