package workflow

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/property"
)

// FlowConfig describes a Flow before validation.
type FlowConfig struct {
	ID          string
	Name        string
	Description string

	BeginStep Step
	// Steps is optional; every listed step must be reachable from BeginStep.
	Steps            []Step
	ControlFlowEdges []ControlFlowEdge
	DataFlowEdges    []DataFlowEdge
	Variables        []Variable

	// InputDescriptors / OutputDescriptors override inference.
	InputDescriptors  []property.Property
	OutputDescriptors []property.Property

	Logger *zap.Logger
}

// transition is the outcome of a (step, branch) pair; an empty dest is a
// terminal transition.
type transition struct {
	dest     string
	explicit bool
}

// Flow is an immutable, validated step graph. It is safe to share between
// conversations.
type Flow struct {
	id          string
	name        string
	description string

	begin       Step
	steps       map[string]Step
	order       []string
	transitions map[string]map[string]transition

	controlEdges []ControlFlowEdge
	dataEdges    []DataFlowEdge
	dataIn       map[string]map[string]DataFlowEdge
	dataOut      map[string][]DataFlowEdge

	variables []Variable
	varIndex  map[string]Variable

	inputs          []property.Property
	outputs         []property.Property
	explicitInputs  bool
	explicitOutputs bool
	endBranches     []string
}

// NewFlow validates cfg and builds the flow. All graph errors are reported
// here; missing branch edges only produce a warning.
func NewFlow(cfg FlowConfig) (*Flow, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "flow"), zap.String("flow", cfg.Name))

	if cfg.BeginStep == nil {
		return nil, flowError(ErrMissingStepConfig, "flow %q has no begin step", cfg.Name)
	}

	f := &Flow{
		id:           cfg.ID,
		name:         cfg.Name,
		description:  cfg.Description,
		begin:        cfg.BeginStep,
		steps:        make(map[string]Step),
		transitions:  make(map[string]map[string]transition),
		controlEdges: append([]ControlFlowEdge(nil), cfg.ControlFlowEdges...),
		dataEdges:    append([]DataFlowEdge(nil), cfg.DataFlowEdges...),
		dataIn:       make(map[string]map[string]DataFlowEdge),
		dataOut:      make(map[string][]DataFlowEdge),
		varIndex:     make(map[string]Variable),
	}
	if f.id == "" {
		f.id = uuid.NewString()
	}

	if err := f.buildControlFlow(cfg, logger); err != nil {
		return nil, err
	}
	if err := f.buildVariables(cfg.Variables); err != nil {
		return nil, err
	}
	if err := f.buildDataFlow(); err != nil {
		return nil, err
	}
	if err := f.buildDescriptors(cfg); err != nil {
		return nil, err
	}
	f.collectEndBranches()

	logger.Debug("flow built",
		zap.String("id", f.id),
		zap.Int("steps", len(f.order)),
		zap.Strings("inputs", property.SortedNames(f.inputs)),
		zap.Strings("outputs", property.SortedNames(f.outputs)),
		zap.Strings("end_branches", f.endBranches),
	)
	return f, nil
}

// FlowFromSteps chains steps linearly on BranchNext; the last step ends the
// flow. A step without BranchNext gets no edge, so each of its branches ends
// the flow under its own name and the steps after it are unreachable.
func FlowFromSteps(name string, steps ...Step) (*Flow, error) {
	if len(steps) == 0 {
		return nil, flowError(ErrMissingStepConfig, "flow %q has no steps", name)
	}
	edges := make([]ControlFlowEdge, 0, len(steps))
	for i, s := range steps {
		if !hasBranch(s, BranchNext) {
			continue
		}
		var next Step
		if i+1 < len(steps) {
			next = steps[i+1]
		}
		edges = append(edges, NewControlFlowEdge(s, next))
	}
	return NewFlow(FlowConfig{Name: name, BeginStep: steps[0], Steps: steps, ControlFlowEdges: edges})
}

// ============================================================================
// Control flow
// ============================================================================

func (f *Flow) addStep(s Step) error {
	if s == nil {
		return flowError(ErrInvalidFlow, "nil step")
	}
	if existing, ok := f.steps[s.Name()]; ok {
		if existing != s {
			return flowError(ErrDuplicateStep, "%q", s.Name())
		}
		return nil
	}
	f.steps[s.Name()] = s
	return nil
}

func (f *Flow) buildControlFlow(cfg FlowConfig, logger *zap.Logger) error {
	if err := f.addStep(cfg.BeginStep); err != nil {
		return err
	}
	for _, s := range cfg.Steps {
		if err := f.addStep(s); err != nil {
			return err
		}
	}

	outgoing := make(map[string][]ControlFlowEdge)
	for _, e := range cfg.ControlFlowEdges {
		if e.Source == nil {
			return flowError(ErrInvalidFlow, "control edge without source")
		}
		if err := f.addStep(e.Source); err != nil {
			return err
		}
		if e.Destination != nil {
			if err := f.addStep(e.Destination); err != nil {
				return err
			}
		}
		branch := e.branch()
		if !hasBranch(e.Source, branch) {
			return flowError(ErrUnknownBranch, "step %q has no branch %q (declared: %v)",
				e.Source.Name(), branch, e.Source.Branches())
		}
		byBranch := f.transitions[e.Source.Name()]
		if byBranch == nil {
			byBranch = make(map[string]transition)
			f.transitions[e.Source.Name()] = byBranch
		}
		if _, dup := byBranch[branch]; dup {
			return flowError(ErrAmbiguousBranch, "step %q branch %q", e.Source.Name(), branch)
		}
		byBranch[branch] = transition{dest: stepName(e.Destination), explicit: true}
		outgoing[e.Source.Name()] = append(outgoing[e.Source.Name()], e)
	}

	// BFS from the begin step gives a stable step order.
	seen := map[string]bool{cfg.BeginStep.Name(): true}
	queue := []string{cfg.BeginStep.Name()}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		f.order = append(f.order, cur)
		for _, e := range outgoing[cur] {
			if e.Destination == nil || seen[e.Destination.Name()] {
				continue
			}
			seen[e.Destination.Name()] = true
			queue = append(queue, e.Destination.Name())
		}
	}
	for name := range f.steps {
		if !seen[name] {
			return flowError(ErrUnreachableStep, "%q", name)
		}
	}

	for _, name := range f.order {
		s := f.steps[name]
		for _, b := range s.Branches() {
			if _, ok := f.transitions[name][b]; ok {
				continue
			}
			logger.Warn("branch has no control flow edge, treating it as a terminal transition",
				zap.String("step", name), zap.String("branch", b))
			if f.transitions[name] == nil {
				f.transitions[name] = make(map[string]transition)
			}
			f.transitions[name][b] = transition{}
		}
	}
	return nil
}

func (f *Flow) collectEndBranches() {
	set := make(map[string]bool)
	for _, name := range f.order {
		s := f.steps[name]
		if len(s.Branches()) == 0 {
			set[endBranchOf(s)] = true
			continue
		}
		for b, t := range f.transitions[name] {
			if t.dest == "" {
				set[b] = true
			}
		}
	}
	for b := range set {
		f.endBranches = append(f.endBranches, b)
	}
	sort.Strings(f.endBranches)
}

func endBranchOf(s Step) string {
	if eb, ok := s.(EndBrancher); ok && eb.EndBranch() != "" {
		return eb.EndBranch()
	}
	return BranchNext
}

// next resolves the transition taken when step finishes on branch.
func (f *Flow) next(s Step, branch string) (dest string, endBranch string, err error) {
	if len(s.Branches()) == 0 {
		return "", endBranchOf(s), nil
	}
	if branch == "" {
		branch = BranchNext
	}
	if !hasBranch(s, branch) {
		return "", "", fmt.Errorf("%w: step %q returned undeclared branch %q", ErrUnknownBranch, s.Name(), branch)
	}
	t := f.transitions[s.Name()][branch]
	if t.dest == "" {
		return "", branch, nil
	}
	return t.dest, "", nil
}

// ============================================================================
// Variables and data flow
// ============================================================================

func (f *Flow) buildVariables(vars []Variable) error {
	for _, v := range vars {
		if v.Name == "" {
			return flowError(ErrMissingStepConfig, "variable without name")
		}
		if _, dup := f.varIndex[v.Name]; dup {
			return flowError(ErrDuplicateVariable, "%q", v.Name)
		}
		f.varIndex[v.Name] = v
		f.variables = append(f.variables, v)
	}
	return nil
}

func (f *Flow) buildDataFlow() error {
	for _, e := range f.dataEdges {
		var srcProp, dstProp *property.Property
		if e.Source != nil {
			s, ok := f.steps[e.Source.Name()]
			if !ok || s != e.Source {
				return flowError(ErrUnknownDataName, "data edge source %q is not a step of the flow", e.Source.Name())
			}
			p, ok := property.ByName(resolvedOutputs(s))[e.SourceOutput]
			if !ok {
				return flowError(ErrUnknownDataName, "step %q has no output %q", s.Name(), e.SourceOutput)
			}
			srcProp = &p
		} else if e.SourceOutput == "" {
			return flowError(ErrUnknownDataName, "boundary data edge without a source name")
		}
		if e.Destination != nil {
			s, ok := f.steps[e.Destination.Name()]
			if !ok || s != e.Destination {
				return flowError(ErrUnknownDataName, "data edge destination %q is not a step of the flow", e.Destination.Name())
			}
			p, ok := property.ByName(resolvedInputs(s))[e.DestinationInput]
			if !ok {
				return flowError(ErrUnknownDataName, "step %q has no input %q", s.Name(), e.DestinationInput)
			}
			dstProp = &p
			byInput := f.dataIn[s.Name()]
			if byInput == nil {
				byInput = make(map[string]DataFlowEdge)
				f.dataIn[s.Name()] = byInput
			}
			if prev, dup := byInput[e.DestinationInput]; dup {
				return flowError(ErrDataFanIn, "input %q of step %q is fed by %q.%s and %q.%s",
					e.DestinationInput, s.Name(), stepName(prev.Source), prev.SourceOutput, stepName(e.Source), e.SourceOutput)
			}
			byInput[e.DestinationInput] = e
		} else if e.DestinationInput == "" {
			return flowError(ErrUnknownDataName, "boundary data edge without a destination name")
		}
		if srcProp != nil && dstProp != nil && !srcProp.IsAssignableTo(*dstProp) {
			return flowError(ErrIncompatibleTypes, "%s.%s (%s) -> %s.%s (%s)",
				e.Source.Name(), e.SourceOutput, srcProp, e.Destination.Name(), e.DestinationInput, dstProp)
		}
		if e.Source != nil {
			f.dataOut[e.Source.Name()] = append(f.dataOut[e.Source.Name()], e)
		}
	}
	return nil
}

// ============================================================================
// Descriptor inference
// ============================================================================

func (f *Flow) buildDescriptors(cfg FlowConfig) error {
	producers := make(map[string]map[string]bool)
	allOutputs := make(map[string]property.Property)
	var outputOrder []string
	consumed := make(map[string]bool)

	for _, name := range f.order {
		for _, p := range resolvedOutputs(f.steps[name]) {
			if producers[p.Name()] == nil {
				producers[p.Name()] = make(map[string]bool)
			}
			producers[p.Name()][name] = true
			if _, ok := allOutputs[p.Name()]; !ok {
				allOutputs[p.Name()] = p
				outputOrder = append(outputOrder, p.Name())
			}
		}
	}

	type candidate struct {
		prop       property.Property
		allDefault bool
	}
	candidates := make(map[string]*candidate)
	var inputOrder []string
	addCandidate := func(p property.Property) {
		c, ok := candidates[p.Name()]
		if !ok {
			candidates[p.Name()] = &candidate{prop: p, allDefault: p.HasDefault()}
			inputOrder = append(inputOrder, p.Name())
			return
		}
		if !p.HasDefault() {
			c.allDefault = false
		}
	}

	for _, name := range f.order {
		for _, p := range resolvedInputs(f.steps[name]) {
			consumed[p.Name()] = true
			if e, ok := f.dataIn[name][p.Name()]; ok {
				if e.Source == nil {
					addCandidate(p.WithName(e.SourceOutput))
				}
				continue
			}
			if otherProducer(producers[p.Name()], name) {
				continue
			}
			if _, isVar := f.varIndex[p.Name()]; isVar {
				continue
			}
			addCandidate(p)
		}
	}
	for _, e := range f.dataEdges {
		if e.Source != nil {
			consumed[e.SourceOutput] = true
		}
	}

	var inferredIn []property.Property
	for _, n := range inputOrder {
		c := candidates[n]
		p := c.prop
		if !c.allDefault {
			p = p.WithoutDefault()
		}
		inferredIn = append(inferredIn, p)
	}

	var inferredOut []property.Property
	for _, n := range outputOrder {
		if consumed[n] {
			continue
		}
		inferredOut = append(inferredOut, allOutputs[n])
	}
	for _, e := range f.dataEdges {
		if e.Destination != nil || e.Source == nil {
			continue
		}
		if _, exists := property.ByName(inferredOut)[e.DestinationInput]; exists {
			continue
		}
		src := property.ByName(resolvedOutputs(e.Source))[e.SourceOutput]
		inferredOut = append(inferredOut, src.WithName(e.DestinationInput))
		allOutputs[e.DestinationInput] = src.WithName(e.DestinationInput)
	}

	f.inputs = inferredIn
	f.outputs = inferredOut

	if len(cfg.InputDescriptors) > 0 {
		stepInputs := make(map[string]property.Property)
		for _, name := range f.order {
			for _, p := range resolvedInputs(f.steps[name]) {
				if _, ok := stepInputs[p.Name()]; !ok {
					stepInputs[p.Name()] = p
				}
			}
		}
		for _, c := range candidates {
			stepInputs[c.prop.Name()] = c.prop
		}
		for _, p := range cfg.InputDescriptors {
			target, ok := stepInputs[p.Name()]
			if !ok {
				return flowError(ErrInvalidDescriptors, "input %q is not consumed by any step", p.Name())
			}
			if !p.IsAssignableTo(target) {
				return flowError(ErrIncompatibleTypes, "flow input %s is not assignable to %s", p, target)
			}
		}
		f.inputs = append([]property.Property(nil), cfg.InputDescriptors...)
		f.explicitInputs = true
	}
	if len(cfg.OutputDescriptors) > 0 {
		for _, p := range cfg.OutputDescriptors {
			source, ok := allOutputs[p.Name()]
			if !ok {
				return flowError(ErrInvalidDescriptors, "output %q is not produced by any step", p.Name())
			}
			if !source.IsAssignableTo(p) {
				return flowError(ErrIncompatibleTypes, "step output %s is not assignable to flow output %s", source, p)
			}
		}
		f.outputs = append([]property.Property(nil), cfg.OutputDescriptors...)
		f.explicitOutputs = true
	}
	return nil
}

func otherProducer(producers map[string]bool, self string) bool {
	for name := range producers {
		if name != self {
			return true
		}
	}
	return false
}

// ============================================================================
// Accessors
// ============================================================================

func (f *Flow) ID() string          { return f.id }
func (f *Flow) Name() string        { return f.name }
func (f *Flow) Description() string { return f.description }
func (f *Flow) BeginStep() Step     { return f.begin }

// Step returns the named step.
func (f *Flow) Step(name string) (Step, bool) {
	s, ok := f.steps[name]
	return s, ok
}

// Steps returns the steps in breadth-first order from the begin step.
func (f *Flow) Steps() []Step {
	out := make([]Step, len(f.order))
	for i, name := range f.order {
		out[i] = f.steps[name]
	}
	return out
}

func (f *Flow) ControlFlowEdges() []ControlFlowEdge {
	return append([]ControlFlowEdge(nil), f.controlEdges...)
}

func (f *Flow) DataFlowEdges() []DataFlowEdge {
	return append([]DataFlowEdge(nil), f.dataEdges...)
}

func (f *Flow) Variables() []Variable {
	return append([]Variable(nil), f.variables...)
}

// Variable returns a variable declared by this flow.
func (f *Flow) Variable(name string) (Variable, bool) {
	v, ok := f.varIndex[name]
	return v, ok
}

func (f *Flow) InputDescriptors() []property.Property {
	return append([]property.Property(nil), f.inputs...)
}

func (f *Flow) OutputDescriptors() []property.Property {
	return append([]property.Property(nil), f.outputs...)
}

// EndBranches lists the branch names a finished conversation may report.
func (f *Flow) EndBranches() []string {
	return append([]string(nil), f.endBranches...)
}

// ============================================================================
// Runtime helpers
// ============================================================================

// prepareInputs coerces caller inputs against the flow inputs and fills
// defaults. Extra keys are kept for name-based resolution.
func (f *Flow) prepareInputs(inputs map[string]any) (map[string]any, error) {
	io := make(map[string]any, len(inputs)+len(f.inputs))
	for k, v := range inputs {
		io[k] = property.DeepCopy(v)
	}
	for _, p := range f.inputs {
		v, ok := io[p.Name()]
		if !ok {
			if p.HasDefault() {
				io[p.Name()] = p.Default()
				continue
			}
			return nil, fmt.Errorf("%w: flow %q requires input %q", ErrMissingInput, f.name, p.Name())
		}
		conv, err := p.Coerce(v)
		if err != nil {
			return nil, fmt.Errorf("flow %q input %q: %w", f.name, p.Name(), err)
		}
		io[p.Name()] = conv
	}
	return io, nil
}

// collectOutputs picks the declared outputs from the I/O dictionary.
func (f *Flow) collectOutputs(io map[string]any) map[string]any {
	out := make(map[string]any, len(f.outputs))
	for _, p := range f.outputs {
		if v, ok := io[p.Name()]; ok {
			out[p.Name()] = property.DeepCopy(v)
		} else if p.HasDefault() {
			out[p.Name()] = p.Default()
		}
	}
	return out
}

// subFlows lists flows owned by composite steps, depth first, deduplicated.
func (f *Flow) subFlows() []*Flow {
	seen := map[string]bool{f.id: true}
	var out []*Flow
	var walk func(*Flow)
	walk = func(fl *Flow) {
		for _, name := range fl.order {
			owner, ok := fl.steps[name].(SubFlowOwner)
			if !ok {
				continue
			}
			for _, sub := range owner.SubFlows() {
				if sub == nil || seen[sub.id] {
					continue
				}
				seen[sub.id] = true
				out = append(out, sub)
				walk(sub)
			}
		}
	}
	walk(f)
	return out
}
