package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/BaSui01/wayflow/property"
	"github.com/BaSui01/wayflow/types"
)

// Well-known descriptor and branch names of the built-in steps.
const (
	OutputMessageOutput = "output_message"
	UserProvidedInput   = "user_provided_input"
	NextStepNameInput   = "next_step_name"
	BranchDefault       = "default"
)

// ============================================================================
// StartStep
// ============================================================================

// StartStep exposes flow inputs as outputs.
type StartStep struct {
	BaseStep
	inputs []property.Property
}

// NewStartStep creates a start step forwarding the given inputs.
func NewStartStep(name string, inputs []property.Property, opts ...StepOption) *StartStep {
	return &StartStep{BaseStep: NewBaseStep(name, opts...), inputs: append([]property.Property(nil), inputs...)}
}

func (s *StartStep) StepType() string { return "StartStep" }

func (s *StartStep) InputDescriptors() []property.Property {
	return append([]property.Property(nil), s.inputs...)
}

func (s *StartStep) OutputDescriptors() []property.Property {
	out := make([]property.Property, len(s.inputs))
	for i, p := range s.inputs {
		out[i] = p.WithoutDefault()
	}
	return out
}

func (s *StartStep) Invoke(_ context.Context, inputs map[string]any, _ *StepContext) (*StepResult, error) {
	return Next(inputs), nil
}

// ============================================================================
// CompleteStep
// ============================================================================

// CompleteStep ends the flow; its branch name becomes the flow end branch.
type CompleteStep struct {
	BaseStep
	branchName string
}

// NewCompleteStep creates a terminal step. An empty branchName means
// BranchNext.
func NewCompleteStep(name, branchName string, opts ...StepOption) *CompleteStep {
	return &CompleteStep{BaseStep: NewBaseStep(name, opts...), branchName: branchName}
}

func (s *CompleteStep) StepType() string                       { return "CompleteStep" }
func (s *CompleteStep) InputDescriptors() []property.Property  { return nil }
func (s *CompleteStep) OutputDescriptors() []property.Property { return nil }
func (s *CompleteStep) Branches() []string                     { return nil }

// EndBranch implements EndBrancher.
func (s *CompleteStep) EndBranch() string {
	if s.branchName == "" {
		return BranchNext
	}
	return s.branchName
}

func (s *CompleteStep) Invoke(context.Context, map[string]any, *StepContext) (*StepResult, error) {
	return &StepResult{}, nil
}

// ============================================================================
// OutputMessageStep
// ============================================================================

// OutputMessageStep renders a template into a message appended to the
// conversation. Inputs are the template's top-level tags.
type OutputMessageStep struct {
	BaseStep
	tmpl *template
	role types.Role
}

// NewOutputMessageStep creates an output message step posting as the
// assistant.
func NewOutputMessageStep(name, messageTemplate string, opts ...StepOption) (*OutputMessageStep, error) {
	return NewOutputMessageStepWithRole(name, messageTemplate, types.RoleAssistant, opts...)
}

// NewOutputMessageStepWithRole creates an output message step posting with
// the given role.
func NewOutputMessageStepWithRole(name, messageTemplate string, role types.Role, opts ...StepOption) (*OutputMessageStep, error) {
	t, err := parseTemplate(messageTemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: step %q: %w", ErrMissingStepConfig, name, err)
	}
	if role == "" {
		role = types.RoleAssistant
	}
	return &OutputMessageStep{BaseStep: NewBaseStep(name, opts...), tmpl: t, role: role}, nil
}

func (s *OutputMessageStep) StepType() string        { return "OutputMessageStep" }
func (s *OutputMessageStep) MessageTemplate() string { return s.tmpl.source }
func (s *OutputMessageStep) MessageRole() types.Role { return s.role }

func (s *OutputMessageStep) InputDescriptors() []property.Property {
	return append([]property.Property(nil), s.tmpl.inputs...)
}

func (s *OutputMessageStep) OutputDescriptors() []property.Property {
	return []property.Property{property.String(OutputMessageOutput)}
}

func (s *OutputMessageStep) Invoke(_ context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error) {
	text, err := s.tmpl.render(inputs)
	if err != nil {
		return nil, err
	}
	sc.AppendMessage(types.NewMessage(s.role, text))
	return Next(map[string]any{OutputMessageOutput: text}), nil
}

// ============================================================================
// InputMessageStep
// ============================================================================

// InputMessageStep optionally posts a prompt, then waits for the user.
type InputMessageStep struct {
	BaseStep
	tmpl *template
}

// NewInputMessageStep creates an input step. An empty template posts
// nothing.
func NewInputMessageStep(name, messageTemplate string, opts ...StepOption) (*InputMessageStep, error) {
	t, err := parseTemplate(messageTemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: step %q: %w", ErrMissingStepConfig, name, err)
	}
	return &InputMessageStep{BaseStep: NewBaseStep(name, opts...), tmpl: t}, nil
}

func (s *InputMessageStep) StepType() string        { return "InputMessageStep" }
func (s *InputMessageStep) MessageTemplate() string { return s.tmpl.source }

func (s *InputMessageStep) InputDescriptors() []property.Property {
	return append([]property.Property(nil), s.tmpl.inputs...)
}

func (s *InputMessageStep) OutputDescriptors() []property.Property {
	return []property.Property{property.String(UserProvidedInput)}
}

func (s *InputMessageStep) Invoke(_ context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error) {
	state := sc.State()
	if idx, asked := stateInt(state, "message_index"); asked {
		for _, m := range sc.MessagesSince(idx) {
			if m.Role == types.RoleUser {
				return Next(map[string]any{UserProvidedInput: m.Content}), nil
			}
		}
		// Resumed without a user message: ask again.
	}

	prompt := ""
	if s.tmpl.source != "" {
		text, err := s.tmpl.render(inputs)
		if err != nil {
			return nil, err
		}
		prompt = text
		sc.AppendMessage(types.NewAssistantMessage(text))
	}
	state["message_index"] = sc.MessageCount()
	return Yield(&UserMessageRequestStatus{Message: prompt}), nil
}

// ============================================================================
// BranchingStep
// ============================================================================

// BranchingStep picks a branch from the value of next_step_name, falling back
// to BranchDefault.
type BranchingStep struct {
	BaseStep
	mapping map[string]string
}

// NewBranchingStep creates a branching step; mapping maps input values to
// branch names.
func NewBranchingStep(name string, mapping map[string]string, opts ...StepOption) *BranchingStep {
	return &BranchingStep{BaseStep: NewBaseStep(name, opts...), mapping: copyStringMap(mapping)}
}

func (s *BranchingStep) StepType() string { return "BranchingStep" }

// BranchNameMapping returns a copy of the value to branch mapping.
func (s *BranchingStep) BranchNameMapping() map[string]string { return copyStringMap(s.mapping) }

func (s *BranchingStep) InputDescriptors() []property.Property {
	return []property.Property{property.String(NextStepNameInput)}
}

func (s *BranchingStep) OutputDescriptors() []property.Property { return nil }

func (s *BranchingStep) Branches() []string {
	set := map[string]bool{BranchDefault: true}
	for _, b := range s.mapping {
		set[b] = true
	}
	out := make([]string, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

func (s *BranchingStep) Invoke(_ context.Context, inputs map[string]any, _ *StepContext) (*StepResult, error) {
	value, _ := inputs[NextStepNameInput].(string)
	if b, ok := s.mapping[value]; ok {
		return &StepResult{Branch: b}, nil
	}
	return &StepResult{Branch: BranchDefault}, nil
}

// stateInt reads an integer from step state. Restored snapshots carry
// float64.
func stateInt(state map[string]any, key string) (int, bool) {
	switch v := state[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
