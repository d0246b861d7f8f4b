// Package types provides core types used across the wayflow module.
// This package has ZERO dependencies on other wayflow packages to avoid circular imports.
package types

import (
	"time"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message represents a conversation message.
type Message struct {
	Role         Role           `json:"role"`
	Content      string         `json:"content,omitempty"`
	Name         string         `json:"name,omitempty"`
	ToolRequests []ToolRequest  `json:"tool_requests,omitempty"`
	ToolResult   *ToolResult    `json:"tool_result,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return NewMessage(RoleAssistant, content)
}

// NewToolRequestMessage creates an assistant message carrying tool requests.
func NewToolRequestMessage(content string, requests []ToolRequest) Message {
	m := NewMessage(RoleAssistant, content)
	m.ToolRequests = requests
	return m
}

// WithMetadata adds metadata to the message.
func (m Message) WithMetadata(key string, value any) Message {
	md := make(map[string]any, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		md[k] = v
	}
	md[key] = value
	m.Metadata = md
	return m
}
