package workflow

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/wayflow/property"
)

// ============================================================================
// FlowExecutionStep
// ============================================================================

// FlowExecutionStep embeds a flow. Statuses of the sub-flow bubble up
// unchanged and the sub-flow end branch becomes the step branch.
type FlowExecutionStep struct {
	BaseStep
	flow *Flow
}

// NewFlowExecutionStep creates a flow execution step.
func NewFlowExecutionStep(name string, flow *Flow, opts ...StepOption) (*FlowExecutionStep, error) {
	if flow == nil {
		return nil, fmt.Errorf("%w: step %q has no flow", ErrMissingStepConfig, name)
	}
	return &FlowExecutionStep{BaseStep: NewBaseStep(name, opts...), flow: flow}, nil
}

func (s *FlowExecutionStep) StepType() string                       { return "FlowExecutionStep" }
func (s *FlowExecutionStep) Flow() *Flow                            { return s.flow }
func (s *FlowExecutionStep) SubFlows() []*Flow                      { return []*Flow{s.flow} }
func (s *FlowExecutionStep) InputDescriptors() []property.Property  { return s.flow.InputDescriptors() }
func (s *FlowExecutionStep) OutputDescriptors() []property.Property { return s.flow.OutputDescriptors() }
func (s *FlowExecutionStep) Branches() []string                     { return s.flow.EndBranches() }

func (s *FlowExecutionStep) Invoke(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error) {
	res, err := sc.RunSubFlow(ctx, "flow", s.flow, inputs)
	if err != nil {
		return nil, err
	}
	if !res.Finished() {
		return Yield(res.Status), nil
	}
	return &StepResult{Outputs: res.Outputs, Branch: res.Branch}, nil
}

// ============================================================================
// ParallelFlowExecutionStep
// ============================================================================

// ParallelFlowExecutionStep runs independent flows concurrently. Its inputs
// and outputs are the unions of the flows' descriptors; two flows may not
// produce the same output.
type ParallelFlowExecutionStep struct {
	BaseStep
	flows      []*Flow
	maxWorkers int
	inputs     []property.Property
	outputs    []property.Property
}

// NewParallelFlowExecutionStep creates the step. maxWorkers <= 0 runs every
// flow at once.
func NewParallelFlowExecutionStep(name string, flows []*Flow, maxWorkers int, opts ...StepOption) (*ParallelFlowExecutionStep, error) {
	if len(flows) == 0 {
		return nil, fmt.Errorf("%w: step %q has no flows", ErrMissingStepConfig, name)
	}
	s := &ParallelFlowExecutionStep{
		BaseStep:   NewBaseStep(name, opts...),
		flows:      append([]*Flow(nil), flows...),
		maxWorkers: maxWorkers,
	}
	seenIn := make(map[string]bool)
	producer := make(map[string]string)
	for _, f := range flows {
		if f == nil {
			return nil, fmt.Errorf("%w: step %q has a nil flow", ErrMissingStepConfig, name)
		}
		for _, p := range f.InputDescriptors() {
			if !seenIn[p.Name()] {
				seenIn[p.Name()] = true
				s.inputs = append(s.inputs, p)
			}
		}
		for _, p := range f.OutputDescriptors() {
			if other, dup := producer[p.Name()]; dup {
				return nil, flowError(ErrInvalidDescriptors, "step %q: output %q produced by flows %q and %q",
					name, p.Name(), other, f.Name())
			}
			producer[p.Name()] = f.Name()
			s.outputs = append(s.outputs, p)
		}
	}
	return s, nil
}

func (s *ParallelFlowExecutionStep) StepType() string  { return "ParallelFlowExecutionStep" }
func (s *ParallelFlowExecutionStep) SubFlows() []*Flow { return append([]*Flow(nil), s.flows...) }
func (s *ParallelFlowExecutionStep) MaxWorkers() int   { return s.maxWorkers }

func (s *ParallelFlowExecutionStep) InputDescriptors() []property.Property {
	return append([]property.Property(nil), s.inputs...)
}

func (s *ParallelFlowExecutionStep) OutputDescriptors() []property.Property {
	return append([]property.Property(nil), s.outputs...)
}

func (s *ParallelFlowExecutionStep) Invoke(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error) {
	results := make([]map[string]any, len(s.flows))
	g, gctx := errgroup.WithContext(ctx)
	if s.maxWorkers > 0 {
		g.SetLimit(s.maxWorkers)
	}
	child := sc.ForParallel()
	for i, f := range s.flows {
		g.Go(func() error {
			sub := make(map[string]any)
			for _, p := range f.InputDescriptors() {
				if v, ok := inputs[p.Name()]; ok {
					sub[p.Name()] = v
				}
			}
			res, err := child.RunSubFlow(gctx, strconv.Itoa(i), f, sub)
			if err != nil {
				return fmt.Errorf("flow %q: %w", f.Name(), err)
			}
			results[i] = res.Outputs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, r := range results {
		for k, v := range r {
			out[k] = v
		}
	}
	return Next(out), nil
}
