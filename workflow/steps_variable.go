package workflow

import (
	"context"
	"fmt"

	"github.com/BaSui01/wayflow/property"
)

// VariableWriteInput is the input of VariableWriteStep.
const VariableWriteInput = "value"

// VariableReadStep outputs the current value of a variable under the
// variable's name.
type VariableReadStep struct {
	BaseStep
	variable Variable
}

// NewVariableReadStep creates a read step.
func NewVariableReadStep(name string, v Variable, opts ...StepOption) *VariableReadStep {
	return &VariableReadStep{BaseStep: NewBaseStep(name, opts...), variable: v}
}

func (s *VariableReadStep) StepType() string                      { return "VariableReadStep" }
func (s *VariableReadStep) Variable() Variable                    { return s.variable }
func (s *VariableReadStep) InputDescriptors() []property.Property { return nil }

func (s *VariableReadStep) OutputDescriptors() []property.Property {
	return []property.Property{s.variable.Type.WithName(s.variable.Name).WithoutDefault()}
}

func (s *VariableReadStep) Invoke(_ context.Context, _ map[string]any, sc *StepContext) (*StepResult, error) {
	v, err := sc.ReadVariable(s.variable.Name)
	if err != nil {
		return nil, err
	}
	return Next(map[string]any{s.variable.Name: v}), nil
}

// VariableWriteStep writes its value input into a variable.
type VariableWriteStep struct {
	BaseStep
	variable  Variable
	operation VariableWriteOperation
}

// NewVariableWriteStep creates a write step. The operation must suit the
// variable type.
func NewVariableWriteStep(name string, v Variable, op VariableWriteOperation, opts ...StepOption) (*VariableWriteStep, error) {
	if op == "" {
		op = VariableOverwrite
	}
	if err := v.checkOperation(op); err != nil {
		return nil, fmt.Errorf("%w: step %q: %w", ErrMissingStepConfig, name, err)
	}
	return &VariableWriteStep{BaseStep: NewBaseStep(name, opts...), variable: v, operation: op}, nil
}

func (s *VariableWriteStep) StepType() string                  { return "VariableWriteStep" }
func (s *VariableWriteStep) Variable() Variable                { return s.variable }
func (s *VariableWriteStep) Operation() VariableWriteOperation { return s.operation }

func (s *VariableWriteStep) InputDescriptors() []property.Property {
	return []property.Property{s.variable.valueDescriptor(s.operation)}
}

func (s *VariableWriteStep) OutputDescriptors() []property.Property { return nil }

func (s *VariableWriteStep) Invoke(_ context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error) {
	if err := sc.WriteVariable(s.variable.Name, s.operation, inputs[VariableWriteInput]); err != nil {
		return nil, err
	}
	return Next(nil), nil
}
