package workflow

import (
	"context"

	"github.com/BaSui01/wayflow/property"
)

// Step is a named node of a Flow. Descriptors and branches are fixed at
// construction and use the step's local names; InputMapping and
// OutputMapping translate local names to flow-level names.
type Step interface {
	Name() string
	InputDescriptors() []property.Property
	OutputDescriptors() []property.Property
	Branches() []string
	InputMapping() map[string]string
	OutputMapping() map[string]string
}

// Invoker is the context-aware, concurrency-safe invocation form. It is
// called directly on the scheduling goroutine.
type Invoker interface {
	Invoke(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error)
}

// BlockingInvoker is the synchronous invocation form. The executor runs it
// on the worker pool so it never stalls the scheduling goroutine.
type BlockingInvoker interface {
	InvokeBlocking(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error)
}

// StepResult is the outcome of one invocation. A non-nil Status suspends the
// conversation; the step is invoked again on resume.
type StepResult struct {
	Outputs map[string]any
	Branch  string
	Status  ExecutionStatus
}

// Yield builds a suspending result.
func Yield(status ExecutionStatus) *StepResult {
	return &StepResult{Status: status}
}

// Next builds a result taking the default branch.
func Next(outputs map[string]any) *StepResult {
	return &StepResult{Outputs: outputs, Branch: BranchNext}
}

// StepOption configures the shared part of a step.
type StepOption func(*BaseStep)

// WithInputMapping maps local input names to flow-level names.
func WithInputMapping(m map[string]string) StepOption {
	return func(b *BaseStep) { b.inputMapping = copyStringMap(m) }
}

// WithOutputMapping maps local output names to flow-level names.
func WithOutputMapping(m map[string]string) StepOption {
	return func(b *BaseStep) { b.outputMapping = copyStringMap(m) }
}

// BaseStep carries the name and I/O mappings. Embed it in custom steps.
type BaseStep struct {
	name          string
	inputMapping  map[string]string
	outputMapping map[string]string
}

// NewBaseStep creates the shared part of a step.
func NewBaseStep(name string, opts ...StepOption) BaseStep {
	b := BaseStep{name: name}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b BaseStep) Name() string                     { return b.name }
func (b BaseStep) InputMapping() map[string]string  { return copyStringMap(b.inputMapping) }
func (b BaseStep) OutputMapping() map[string]string { return copyStringMap(b.outputMapping) }

// Branches defaults to the single BranchNext.
func (b BaseStep) Branches() []string { return []string{BranchNext} }

func copyStringMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EndBrancher is implemented by terminal steps that name the flow end branch.
type EndBrancher interface {
	EndBranch() string
}

// SubFlowOwner is implemented by composite steps.
type SubFlowOwner interface {
	SubFlows() []*Flow
}

// ---------------------------------------------------------------------------
// Descriptor resolution
// ---------------------------------------------------------------------------

func mapName(m map[string]string, local string) string {
	if mapped, ok := m[local]; ok && mapped != "" {
		return mapped
	}
	return local
}

// resolvedInputs returns the step inputs renamed to flow-level names.
func resolvedInputs(s Step) []property.Property {
	m := s.InputMapping()
	in := s.InputDescriptors()
	out := make([]property.Property, len(in))
	for i, p := range in {
		out[i] = p.WithName(mapName(m, p.Name()))
	}
	return out
}

// resolvedOutputs returns the step outputs renamed to flow-level names.
func resolvedOutputs(s Step) []property.Property {
	m := s.OutputMapping()
	outs := s.OutputDescriptors()
	res := make([]property.Property, len(outs))
	for i, p := range outs {
		res[i] = p.WithName(mapName(m, p.Name()))
	}
	return res
}

func hasBranch(s Step, branch string) bool {
	for _, b := range s.Branches() {
		if b == branch {
			return true
		}
	}
	return false
}

type stepFunc func(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error)

type funcCore struct {
	BaseStep
	inputs   []property.Property
	outputs  []property.Property
	branches []string
	fn       stepFunc
}

func (s *funcCore) InputDescriptors() []property.Property {
	return append([]property.Property(nil), s.inputs...)
}

func (s *funcCore) OutputDescriptors() []property.Property {
	return append([]property.Property(nil), s.outputs...)
}

func (s *funcCore) Branches() []string {
	if len(s.branches) == 0 {
		return []string{BranchNext}
	}
	return append([]string(nil), s.branches...)
}

// FuncStep adapts a Go function into a step running on the scheduling
// goroutine. It cannot be serialized.
type FuncStep struct {
	funcCore
}

// NewFuncStep creates a FuncStep.
func NewFuncStep(name string, inputs, outputs []property.Property,
	fn func(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error), opts ...StepOption) *FuncStep {
	return &FuncStep{funcCore{BaseStep: NewBaseStep(name, opts...), inputs: inputs, outputs: outputs, fn: fn}}
}

// WithBranches declares named branches; the function picks one per call.
func (s *FuncStep) WithBranches(branches ...string) *FuncStep {
	s.branches = append([]string(nil), branches...)
	return s
}

func (s *FuncStep) Invoke(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error) {
	return s.fn(ctx, inputs, sc)
}

// BlockingFuncStep adapts a synchronous Go function; the executor runs it on
// the worker pool.
type BlockingFuncStep struct {
	funcCore
}

// NewBlockingFuncStep creates a BlockingFuncStep.
func NewBlockingFuncStep(name string, inputs, outputs []property.Property,
	fn func(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error), opts ...StepOption) *BlockingFuncStep {
	return &BlockingFuncStep{funcCore{BaseStep: NewBaseStep(name, opts...), inputs: inputs, outputs: outputs, fn: fn}}
}

// WithBranches declares named branches; the function picks one per call.
func (s *BlockingFuncStep) WithBranches(branches ...string) *BlockingFuncStep {
	s.branches = append([]string(nil), branches...)
	return s
}

func (s *BlockingFuncStep) InvokeBlocking(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error) {
	return s.fn(ctx, inputs, sc)
}
