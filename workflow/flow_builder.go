package workflow

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/property"
)

// FlowBuilder assembles a flow by step name. The first error is kept and
// returned by Build; later calls are no-ops.
type FlowBuilder struct {
	cfg   FlowConfig
	steps map[string]Step
	begin string
	edges []pendingEdge
	data  []pendingDataEdge
	err   error
}

type pendingEdge struct {
	from, branch, to string
}

type pendingDataEdge struct {
	from, output, to, input string
}

// NewFlowBuilder creates a builder for a flow with the given name.
func NewFlowBuilder(name string) *FlowBuilder {
	return &FlowBuilder{cfg: FlowConfig{Name: name}, steps: make(map[string]Step)}
}

// WithID fixes the flow ID instead of a random uuid.
func (b *FlowBuilder) WithID(id string) *FlowBuilder {
	b.cfg.ID = id
	return b
}

// WithDescription sets the flow description.
func (b *FlowBuilder) WithDescription(desc string) *FlowBuilder {
	b.cfg.Description = desc
	return b
}

// WithLogger sets the logger used for construction warnings.
func (b *FlowBuilder) WithLogger(logger *zap.Logger) *FlowBuilder {
	b.cfg.Logger = logger
	return b
}

// AddStep registers steps. The first step added is the begin step unless
// SetBegin says otherwise.
func (b *FlowBuilder) AddStep(steps ...Step) *FlowBuilder {
	for _, s := range steps {
		if b.err != nil {
			return b
		}
		if s == nil {
			b.err = fmt.Errorf("%w: nil step", ErrInvalidFlow)
			return b
		}
		if _, dup := b.steps[s.Name()]; dup {
			b.err = flowError(ErrDuplicateStep, "step %q added twice", s.Name())
			return b
		}
		b.steps[s.Name()] = s
		b.cfg.Steps = append(b.cfg.Steps, s)
		if b.begin == "" {
			b.begin = s.Name()
		}
	}
	return b
}

// SetBegin selects the begin step.
func (b *FlowBuilder) SetBegin(name string) *FlowBuilder {
	b.begin = name
	return b
}

// AddEdge connects from to to on BranchNext. An empty to ends the flow.
func (b *FlowBuilder) AddEdge(from, to string) *FlowBuilder {
	return b.AddBranchEdge(from, BranchNext, to)
}

// AddBranchEdge connects a named branch of from to to.
func (b *FlowBuilder) AddBranchEdge(from, branch, to string) *FlowBuilder {
	b.edges = append(b.edges, pendingEdge{from: from, branch: branch, to: to})
	return b
}

// AddSequence chains the named steps on BranchNext.
func (b *FlowBuilder) AddSequence(names ...string) *FlowBuilder {
	for i := 0; i+1 < len(names); i++ {
		b.AddEdge(names[i], names[i+1])
	}
	return b
}

// AddDataEdge connects an output to an input. An empty step name is the
// flow boundary.
func (b *FlowBuilder) AddDataEdge(from, output, to, input string) *FlowBuilder {
	b.data = append(b.data, pendingDataEdge{from: from, output: output, to: to, input: input})
	return b
}

// AddVariable declares a flow variable.
func (b *FlowBuilder) AddVariable(v Variable) *FlowBuilder {
	b.cfg.Variables = append(b.cfg.Variables, v)
	return b
}

// WithInputs overrides the inferred flow inputs.
func (b *FlowBuilder) WithInputs(props ...property.Property) *FlowBuilder {
	b.cfg.InputDescriptors = props
	return b
}

// WithOutputs overrides the inferred flow outputs.
func (b *FlowBuilder) WithOutputs(props ...property.Property) *FlowBuilder {
	b.cfg.OutputDescriptors = props
	return b
}

// Build resolves step names and validates the flow with NewFlow.
func (b *FlowBuilder) Build() (*Flow, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.steps) == 0 {
		return nil, flowError(ErrMissingStepConfig, "flow %q has no steps", b.cfg.Name)
	}
	cfg := b.cfg
	begin, err := b.step(b.begin, false)
	if err != nil {
		return nil, err
	}
	cfg.BeginStep = begin
	cfg.ControlFlowEdges = nil
	cfg.DataFlowEdges = nil

	for _, e := range b.edges {
		src, err := b.step(e.from, false)
		if err != nil {
			return nil, err
		}
		dst, err := b.step(e.to, true)
		if err != nil {
			return nil, err
		}
		cfg.ControlFlowEdges = append(cfg.ControlFlowEdges, NewBranchEdge(src, e.branch, dst))
	}
	for _, e := range b.data {
		src, err := b.step(e.from, true)
		if err != nil {
			return nil, err
		}
		dst, err := b.step(e.to, true)
		if err != nil {
			return nil, err
		}
		cfg.DataFlowEdges = append(cfg.DataFlowEdges, NewDataFlowEdge(src, e.output, dst, e.input))
	}
	return NewFlow(cfg)
}

func (b *FlowBuilder) step(name string, allowEmpty bool) (Step, error) {
	if name == "" && allowEmpty {
		return nil, nil
	}
	s, ok := b.steps[name]
	if !ok {
		return nil, fmt.Errorf("%w: flow %q references unknown step %q", ErrInvalidFlow, b.cfg.Name, name)
	}
	return s, nil
}
