package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/property"
	"github.com/BaSui01/wayflow/testutil"
)

func greetingFlow(t *testing.T) *Flow {
	t.Helper()
	start := NewStartStep("start", []property.Property{property.String("username")})
	out := must(NewOutputMessageStep("out", "Hello, {{username}}"))
	return mustFlow(t)(FlowFromSteps("greeting", start, out))
}

func TestNewFlow_InfersDescriptors(t *testing.T) {
	f := greetingFlow(t)

	assert.Equal(t, []string{"username"}, property.SortedNames(f.InputDescriptors()))
	assert.Equal(t, []string{OutputMessageOutput}, property.SortedNames(f.OutputDescriptors()))
	assert.Equal(t, []string{BranchNext}, f.EndBranches())
	assert.Equal(t, "start", f.BeginStep().Name())
	assert.Len(t, f.Steps(), 2)
	assert.NotEmpty(t, f.ID())
}

func TestNewFlow_MissingBeginStep(t *testing.T) {
	_, err := NewFlow(FlowConfig{Name: "empty"})
	assert.ErrorIs(t, err, ErrInvalidFlow)
	assert.ErrorIs(t, err, ErrMissingStepConfig)

	_, err = FlowFromSteps("empty")
	assert.ErrorIs(t, err, ErrMissingStepConfig)
}

func TestNewFlow_AmbiguousBranch(t *testing.T) {
	a := mapFunc("a", nil, property.String("x"), func(map[string]any) (any, error) { return "x", nil })
	b := must(NewOutputMessageStep("b", "b"))
	c := must(NewOutputMessageStep("c", "c"))

	_, err := NewFlow(FlowConfig{
		Name:      "ambiguous",
		BeginStep: a,
		ControlFlowEdges: []ControlFlowEdge{
			NewControlFlowEdge(a, b),
			NewControlFlowEdge(a, c),
		},
	})
	assert.ErrorIs(t, err, ErrInvalidFlow)
	assert.ErrorIs(t, err, ErrAmbiguousBranch)
}

func TestNewFlow_UnknownBranch(t *testing.T) {
	a := must(NewOutputMessageStep("a", "a"))
	b := must(NewOutputMessageStep("b", "b"))

	_, err := NewFlow(FlowConfig{
		Name:             "unknown",
		BeginStep:        a,
		ControlFlowEdges: []ControlFlowEdge{NewBranchEdge(a, "maybe", b)},
	})
	assert.ErrorIs(t, err, ErrUnknownBranch)
}

func TestNewFlow_UnreachableStep(t *testing.T) {
	a := must(NewOutputMessageStep("a", "a"))
	orphan := must(NewOutputMessageStep("orphan", "nobody calls me"))

	_, err := NewFlow(FlowConfig{
		Name:      "unreachable",
		BeginStep: a,
		Steps:     []Step{a, orphan},
	})
	assert.ErrorIs(t, err, ErrUnreachableStep)
	assert.Contains(t, err.Error(), "orphan")
}

func TestFlowFromSteps_StepWithoutNextEndsFlow(t *testing.T) {
	route := NewBranchingStep("route", map[string]string{"y": "yes"})

	f, err := FlowFromSteps("only", route)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{BranchDefault, "yes"}, f.EndBranches())

	fin := requireFinished(t, execute(t, startConversation(t, f, map[string]any{NextStepNameInput: "y"})))
	assert.Equal(t, "yes", fin.CompleteBranch)
	fin = requireFinished(t, execute(t, startConversation(t, f, map[string]any{NextStepNameInput: "n"})))
	assert.Equal(t, BranchDefault, fin.CompleteBranch)
}

func TestFlowFromSteps_StepsAfterBranchingAreUnreachable(t *testing.T) {
	route := NewBranchingStep("route", map[string]string{"y": "yes"})
	after := must(NewOutputMessageStep("after", "never"))

	_, err := FlowFromSteps("split", route, after)
	assert.ErrorIs(t, err, ErrUnreachableStep)
}

func TestNewFlow_DuplicateStepName(t *testing.T) {
	a1 := must(NewOutputMessageStep("a", "one"))
	a2 := must(NewOutputMessageStep("a", "two"))

	_, err := NewFlow(FlowConfig{
		Name:             "dup",
		BeginStep:        a1,
		ControlFlowEdges: []ControlFlowEdge{NewControlFlowEdge(a1, a2)},
	})
	assert.ErrorIs(t, err, ErrDuplicateStep)
}

func TestNewFlow_DuplicateVariable(t *testing.T) {
	a := must(NewOutputMessageStep("a", "a"))
	_, err := NewFlow(FlowConfig{
		Name:      "vars",
		BeginStep: a,
		Variables: []Variable{
			NewVariable("v", property.String("")),
			NewVariable("v", property.Integer("")),
		},
	})
	assert.ErrorIs(t, err, ErrDuplicateVariable)
}

func TestNewFlow_DataFanIn(t *testing.T) {
	p1 := mapFunc("p1", nil, property.String("x"), func(map[string]any) (any, error) { return "1", nil })
	p2 := mapFunc("p2", nil, property.String("y"), func(map[string]any) (any, error) { return "2", nil })
	c := must(NewOutputMessageStep("c", "{{value}}"))

	_, err := NewFlow(FlowConfig{
		Name:      "fan_in",
		BeginStep: p1,
		ControlFlowEdges: []ControlFlowEdge{
			NewControlFlowEdge(p1, p2),
			NewControlFlowEdge(p2, c),
		},
		DataFlowEdges: []DataFlowEdge{
			NewDataFlowEdge(p1, "x", c, "value"),
			NewDataFlowEdge(p2, "y", c, "value"),
		},
	})
	assert.ErrorIs(t, err, ErrInvalidFlow)
	assert.ErrorIs(t, err, ErrDataFanIn)
}

func TestNewFlow_IncompatibleDataEdge(t *testing.T) {
	p := mapFunc("p", nil, property.String("text"), func(map[string]any) (any, error) { return "a", nil })
	c := mapFunc("c", []property.Property{property.Integer("n")}, property.Integer("m"),
		func(in map[string]any) (any, error) { return in["n"], nil })

	_, err := NewFlow(FlowConfig{
		Name:             "types",
		BeginStep:        p,
		ControlFlowEdges: []ControlFlowEdge{NewControlFlowEdge(p, c)},
		DataFlowEdges:    []DataFlowEdge{NewDataFlowEdge(p, "text", c, "n")},
	})
	assert.ErrorIs(t, err, ErrIncompatibleTypes)
}

func TestNewFlow_UnknownDataName(t *testing.T) {
	p := mapFunc("p", nil, property.String("text"), func(map[string]any) (any, error) { return "a", nil })
	c := must(NewOutputMessageStep("c", "{{value}}"))

	_, err := NewFlow(FlowConfig{
		Name:             "names",
		BeginStep:        p,
		ControlFlowEdges: []ControlFlowEdge{NewControlFlowEdge(p, c)},
		DataFlowEdges:    []DataFlowEdge{NewDataFlowEdge(p, "missing", c, "value")},
	})
	assert.ErrorIs(t, err, ErrUnknownDataName)
}

func TestNewFlow_ExplicitDescriptors(t *testing.T) {
	start := NewStartStep("start", []property.Property{property.String("username")})
	out := must(NewOutputMessageStep("out", "Hello, {{username}}"))

	f, err := NewFlow(FlowConfig{
		Name:              "explicit",
		BeginStep:         start,
		ControlFlowEdges:  []ControlFlowEdge{NewControlFlowEdge(start, out), NewControlFlowEdge(out, nil)},
		InputDescriptors:  []property.Property{property.String("username", property.WithDefault("anon"))},
		OutputDescriptors: []property.Property{property.String(OutputMessageOutput)},
	})
	require.NoError(t, err)

	conv := startConversation(t, f, nil)
	fin := requireFinished(t, execute(t, conv))
	assert.Equal(t, "Hello, anon", fin.OutputValues[OutputMessageOutput])

	_, err = NewFlow(FlowConfig{
		Name:             "bad_input",
		BeginStep:        start,
		ControlFlowEdges: []ControlFlowEdge{NewControlFlowEdge(start, out)},
		InputDescriptors: []property.Property{property.String("nobody_reads_this")},
	})
	assert.ErrorIs(t, err, ErrInvalidDescriptors)

	_, err = NewFlow(FlowConfig{
		Name:              "bad_output",
		BeginStep:         start,
		ControlFlowEdges:  []ControlFlowEdge{NewControlFlowEdge(start, out)},
		OutputDescriptors: []property.Property{property.Integer(OutputMessageOutput)},
	})
	assert.ErrorIs(t, err, ErrIncompatibleTypes)
}

func TestNewFlow_MissingBranchEdgeWarns(t *testing.T) {
	logger, logs := testutil.ObservedLogger(zap.NewAtomicLevelAt(zap.WarnLevel))

	route := NewBranchingStep("route", map[string]string{"yes": "yes"})
	yes := must(NewOutputMessageStep("say_yes", "yes!"))

	f, err := NewFlow(FlowConfig{
		Name:      "branching",
		BeginStep: route,
		ControlFlowEdges: []ControlFlowEdge{
			NewBranchEdge(route, "yes", yes),
			NewControlFlowEdge(yes, nil),
		},
		Logger: logger,
	})
	require.NoError(t, err)

	warnings := logs.FilterMessage("branch has no control flow edge, treating it as a terminal transition")
	require.Equal(t, 1, warnings.Len())
	assert.Equal(t, 1, warnings.FilterField(zap.String("branch", BranchDefault)).Len())
	assert.Equal(t, []string{BranchDefault, BranchNext}, f.EndBranches())

	fin := requireFinished(t, execute(t, startConversation(t, f, map[string]any{NextStepNameInput: "no"})))
	assert.Equal(t, BranchDefault, fin.CompleteBranch)

	fin = requireFinished(t, execute(t, startConversation(t, f, map[string]any{NextStepNameInput: "yes"})))
	assert.Equal(t, BranchNext, fin.CompleteBranch)
	assert.Equal(t, "yes!", fin.OutputValues[OutputMessageOutput])
}

func TestNewFlow_DataEdgesWithRenaming(t *testing.T) {
	p := mapFunc("produce", nil, property.String("x"), func(map[string]any) (any, error) { return "hello", nil })
	c := mapFunc("consume", []property.Property{property.String("y")}, property.String("z"),
		func(in map[string]any) (any, error) { return in["y"].(string) + " world", nil })

	f, err := NewFlow(FlowConfig{
		Name:      "renaming",
		BeginStep: p,
		ControlFlowEdges: []ControlFlowEdge{
			NewControlFlowEdge(p, c),
			NewControlFlowEdge(c, nil),
		},
		DataFlowEdges: []DataFlowEdge{
			NewDataFlowEdge(p, "x", c, "y"),
			NewDataFlowEdge(c, "z", FlowBoundary, "result"),
		},
	})
	require.NoError(t, err)
	assert.Empty(t, f.InputDescriptors())
	assert.Equal(t, []string{"result"}, property.SortedNames(f.OutputDescriptors()))

	fin := requireFinished(t, execute(t, startConversation(t, f, nil)))
	assert.Equal(t, map[string]any{"result": "hello world"}, fin.OutputValues)
}

func TestNewFlow_BoundaryInputEdge(t *testing.T) {
	c := mapFunc("consume", []property.Property{property.String("y")}, property.String("z"),
		func(in map[string]any) (any, error) { return "got " + in["y"].(string), nil })

	f, err := NewFlow(FlowConfig{
		Name:          "boundary_in",
		BeginStep:     c,
		DataFlowEdges: []DataFlowEdge{NewDataFlowEdge(FlowBoundary, "greeting", c, "y")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"greeting"}, property.SortedNames(f.InputDescriptors()))

	_, err = f.StartConversation(nil)
	assert.ErrorIs(t, err, ErrMissingInput)

	fin := requireFinished(t, execute(t, startConversation(t, f, map[string]any{"greeting": "hi"})))
	assert.Equal(t, "got hi", fin.OutputValues["z"])
}

func TestFlow_StepLookup(t *testing.T) {
	f := greetingFlow(t)

	s, ok := f.Step("out")
	require.True(t, ok)
	assert.Equal(t, "OutputMessageStep", StepTypeOf(s))

	_, ok = f.Step("missing")
	assert.False(t, ok)

	custom := NewFuncStep("custom", nil, nil, func(context.Context, map[string]any, *StepContext) (*StepResult, error) {
		return Next(nil), nil
	})
	assert.Equal(t, "FuncStep", StepTypeOf(custom))
}

// ============================================================
// FlowBuilder
// ============================================================

func TestFlowBuilder_Build(t *testing.T) {
	start := NewStartStep("start", []property.Property{property.String("username")})
	route := NewBranchingStep("route", map[string]string{"admin": "admin"},
		WithInputMapping(map[string]string{NextStepNameInput: "username"}))
	admin := must(NewOutputMessageStep("admin", "Welcome back, boss"))
	guest := must(NewOutputMessageStep("guest", "Hello, {{username}}"))
	done := NewCompleteStep("done", "")

	f, err := NewFlowBuilder("builder").
		WithID("builder-flow").
		WithDescription("routes admins").
		AddStep(start, route, admin, guest, done).
		AddSequence("start", "route").
		AddBranchEdge("route", "admin", "admin").
		AddBranchEdge("route", BranchDefault, "guest").
		AddEdge("admin", "done").
		AddEdge("guest", "done").
		Build()
	require.NoError(t, err)

	assert.Equal(t, "builder-flow", f.ID())
	assert.Equal(t, "routes admins", f.Description())
	assert.Equal(t, []string{BranchNext}, f.EndBranches())

	fin := requireFinished(t, execute(t, startConversation(t, f, map[string]any{"username": "admin"})))
	assert.Equal(t, "Welcome back, boss", fin.OutputValues[OutputMessageOutput])

	fin = requireFinished(t, execute(t, startConversation(t, f, map[string]any{"username": "bob"})))
	assert.Equal(t, "Hello, bob", fin.OutputValues[OutputMessageOutput])
}

func TestFlowBuilder_Errors(t *testing.T) {
	a := must(NewOutputMessageStep("a", "a"))
	a2 := must(NewOutputMessageStep("a", "again"))

	_, err := NewFlowBuilder("dup").AddStep(a, a2).Build()
	assert.ErrorIs(t, err, ErrDuplicateStep)

	_, err = NewFlowBuilder("unknown").AddStep(a).AddEdge("a", "ghost").Build()
	assert.ErrorIs(t, err, ErrInvalidFlow)

	_, err = NewFlowBuilder("begin").AddStep(a).SetBegin("ghost").Build()
	assert.ErrorIs(t, err, ErrInvalidFlow)

	_, err = NewFlowBuilder("none").Build()
	assert.ErrorIs(t, err, ErrMissingStepConfig)
}

func TestFlowBuilder_DataEdgesAndVariables(t *testing.T) {
	counter := NewVariable("counter", property.Integer("", property.WithDefault(0)))
	p := mapFunc("produce", nil, property.Integer("n"), func(map[string]any) (any, error) { return 41, nil })
	write := must(NewVariableWriteStep("write", counter, VariableOverwrite))
	read := NewVariableReadStep("read", counter)

	f, err := NewFlowBuilder("data").
		AddStep(p, write, read).
		AddSequence("produce", "write", "read").
		AddDataEdge("produce", "n", "write", VariableWriteInput).
		AddVariable(counter).
		Build()
	require.NoError(t, err)

	fin := requireFinished(t, execute(t, startConversation(t, f, nil)))
	assert.Equal(t, 41, fin.OutputValues["counter"])
}
