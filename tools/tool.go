// Package tools defines the tool contract consumed by ToolExecutionStep.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/wayflow/property"
)

// DefaultOutputName is the single output of a tool without declared outputs.
const DefaultOutputName = "tool_output"

// Tool is a named, described callable.
type Tool interface {
	Name() string
	Description() string
	InputDescriptors() []property.Property
	OutputDescriptors() []property.Property
	RequiresConfirmation() bool
}

// ServerTool runs inside the process.
type ServerTool interface {
	Tool
	Run(ctx context.Context, args map[string]any) (any, error)
}

// ToolFunc defines the function signature backing a FuncTool.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Spec is the static description shared by every tool kind.
type Spec struct {
	Name                 string              `json:"name"`
	Description          string              `json:"description,omitempty"`
	Inputs               []property.Property `json:"inputs,omitempty"`
	Outputs              []property.Property `json:"outputs,omitempty"`
	RequiresConfirmation bool                `json:"requires_confirmation,omitempty"`
}

func (s Spec) outputs() []property.Property {
	if len(s.Outputs) == 0 {
		return []property.Property{property.Any(DefaultOutputName)}
	}
	return append([]property.Property(nil), s.Outputs...)
}

// ClientTool is executed by the caller; the engine only emits requests for it.
type ClientTool struct {
	spec Spec
}

// NewClientTool creates a client-side tool.
func NewClientTool(spec Spec) *ClientTool { return &ClientTool{spec: spec} }

func (t *ClientTool) Name() string                           { return t.spec.Name }
func (t *ClientTool) Description() string                    { return t.spec.Description }
func (t *ClientTool) InputDescriptors() []property.Property  { return append([]property.Property(nil), t.spec.Inputs...) }
func (t *ClientTool) OutputDescriptors() []property.Property { return t.spec.outputs() }
func (t *ClientTool) RequiresConfirmation() bool             { return t.spec.RequiresConfirmation }

// Spec returns the static description.
func (t *ClientTool) Spec() Spec { return t.spec }

// FuncTool is a server tool backed by a Go function.
type FuncTool struct {
	spec Spec
	fn   ToolFunc
}

// NewFuncTool creates a server tool from fn.
func NewFuncTool(spec Spec, fn ToolFunc) *FuncTool { return &FuncTool{spec: spec, fn: fn} }

func (t *FuncTool) Name() string                           { return t.spec.Name }
func (t *FuncTool) Description() string                    { return t.spec.Description }
func (t *FuncTool) InputDescriptors() []property.Property  { return append([]property.Property(nil), t.spec.Inputs...) }
func (t *FuncTool) OutputDescriptors() []property.Property { return t.spec.outputs() }
func (t *FuncTool) RequiresConfirmation() bool             { return t.spec.RequiresConfirmation }

// Spec returns the static description.
func (t *FuncTool) Spec() Spec { return t.spec }

// Run invokes the backing function.
func (t *FuncTool) Run(ctx context.Context, args map[string]any) (any, error) {
	if t.fn == nil {
		return nil, fmt.Errorf("tool %s has no implementation", t.spec.Name)
	}
	return t.fn(ctx, args)
}

// SpecOf extracts a Spec from any tool.
func SpecOf(t Tool) Spec {
	if s, ok := t.(interface{ Spec() Spec }); ok {
		return s.Spec()
	}
	return Spec{
		Name:                 t.Name(),
		Description:          t.Description(),
		Inputs:               t.InputDescriptors(),
		Outputs:              t.OutputDescriptors(),
		RequiresConfirmation: t.RequiresConfirmation(),
	}
}

// IsClientTool reports whether t must be executed by the caller.
func IsClientTool(t Tool) bool {
	_, ok := t.(ServerTool)
	return !ok
}

// AuthChallengeError signals that a tool needs the caller to complete an
// OAuth-style challenge before it can run.
type AuthChallengeError struct {
	ChallengeID      string
	AuthorizationURL string
	Message          string
}

func (e *AuthChallengeError) Error() string {
	if e.Message != "" {
		return "auth challenge required: " + e.Message
	}
	return "auth challenge required"
}

// ErrorName names the condition for exception routing.
func (e *AuthChallengeError) ErrorName() string { return "AuthChallengeRequired" }

// AsAuthChallenge unwraps an AuthChallengeError from err.
func AsAuthChallenge(err error) (*AuthChallengeError, bool) {
	var ace *AuthChallengeError
	if errors.As(err, &ace) {
		return ace, true
	}
	return nil, false
}
