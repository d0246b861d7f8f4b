package workflow

import (
	"fmt"

	"github.com/BaSui01/wayflow/property"
)

// VariableWriteOperation selects how a value is written into a variable.
type VariableWriteOperation string

const (
	VariableOverwrite VariableWriteOperation = "overwrite"
	VariableMerge     VariableWriteOperation = "merge"
	VariableInsert    VariableWriteOperation = "insert"
)

// Variable is a flow-scoped named slot, stored apart from step I/O and
// visible to the declaring flow and its sub-flows.
type Variable struct {
	Name        string            `json:"name" yaml:"name"`
	Type        property.Property `json:"type" yaml:"type"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// NewVariable creates a variable. The default value comes from the type's
// default, nil otherwise.
func NewVariable(name string, typ property.Property) Variable {
	return Variable{Name: name, Type: typ.WithName(name)}
}

// DefaultValue returns a fresh copy of the initial value.
func (v Variable) DefaultValue() any {
	if v.Type.HasDefault() {
		return v.Type.Default()
	}
	return nil
}

func (v Variable) checkOperation(op VariableWriteOperation) error {
	kind := v.Type.Kind()
	switch op {
	case VariableOverwrite, "":
		return nil
	case VariableMerge:
		if kind == property.KindList || kind == property.KindDict || kind == property.KindAny {
			return nil
		}
		return fmt.Errorf("%w: merge requires a list or dict variable, %q is %s", ErrVariableOperation, v.Name, v.Type)
	case VariableInsert:
		if kind == property.KindList || kind == property.KindDict || kind == property.KindAny {
			return nil
		}
		return fmt.Errorf("%w: insert requires a list variable, %q is %s", ErrVariableOperation, v.Name, v.Type)
	}
	return fmt.Errorf("%w: unknown operation %q", ErrVariableOperation, op)
}

// valueDescriptor is the type accepted by a write with op.
func (v Variable) valueDescriptor(op VariableWriteOperation) property.Property {
	if op == VariableInsert && v.Type.Kind() == property.KindList {
		return v.Type.Item().WithName("value")
	}
	return v.Type.WithName("value").WithoutDefault()
}

// apply computes the new variable value. current is never mutated.
func (v Variable) apply(op VariableWriteOperation, current, value any) (any, error) {
	if err := v.checkOperation(op); err != nil {
		return nil, err
	}
	switch op {
	case VariableOverwrite, "":
		return v.Type.Coerce(value)
	case VariableMerge:
		if current == nil {
			return nil, fmt.Errorf("%w: cannot merge into unset variable %q", ErrVariableOperation, v.Name)
		}
		switch cur := property.DeepCopy(current).(type) {
		case []any:
			add, ok := property.DeepCopy(value).([]any)
			if !ok {
				conv, err := property.List("", property.Any("")).Coerce(value)
				if err != nil {
					return nil, fmt.Errorf("%w: merge into list %q needs a list value", ErrVariableOperation, v.Name)
				}
				add = conv.([]any)
			}
			return v.Type.Coerce(append(cur, add...))
		case map[string]any:
			conv, err := property.Dict("", property.Any("")).Coerce(value)
			if err != nil {
				return nil, fmt.Errorf("%w: merge into dict %q needs a dict value", ErrVariableOperation, v.Name)
			}
			for k, e := range conv.(map[string]any) {
				cur[k] = e
			}
			return v.Type.Coerce(cur)
		default:
			return nil, fmt.Errorf("%w: variable %q holds %T, cannot merge", ErrVariableOperation, v.Name, current)
		}
	case VariableInsert:
		switch cur := property.DeepCopy(current).(type) {
		case nil:
			if v.Type.Kind() == property.KindDict {
				return v.insertDict(map[string]any{}, value)
			}
			return v.Type.Coerce([]any{value})
		case []any:
			return v.Type.Coerce(append(cur, value))
		case map[string]any:
			return v.insertDict(cur, value)
		default:
			return nil, fmt.Errorf("%w: variable %q holds %T, cannot insert", ErrVariableOperation, v.Name, current)
		}
	}
	return nil, fmt.Errorf("%w: unknown operation %q", ErrVariableOperation, op)
}

func (v Variable) insertDict(cur map[string]any, value any) (any, error) {
	entry, ok := value.(map[string]any)
	if !ok || len(entry) != 1 {
		return nil, fmt.Errorf("%w: insert into dict %q needs a single-entry map", ErrVariableOperation, v.Name)
	}
	for k, e := range entry {
		cur[k] = e
	}
	return v.Type.Coerce(cur)
}
