package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/wayflow/property"
)

// ============================================================
// Shared test helpers
// ============================================================

func mustFlow(t *testing.T) func(*Flow, error) *Flow {
	t.Helper()
	return func(f *Flow, err error) *Flow {
		t.Helper()
		require.NoError(t, err)
		require.NotNil(t, f)
		return f
	}
}

// must unwraps a constructor result; a construction error is a broken test
// fixture, so it panics and the test fails at the call site.
func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func startConversation(t *testing.T, f *Flow, inputs map[string]any, opts ...ConversationOption) *Conversation {
	t.Helper()
	conv, err := f.StartConversation(inputs, opts...)
	require.NoError(t, err)
	return conv
}

func execute(t *testing.T, conv *Conversation, opts ...ExecuteOption) ExecutionStatus {
	t.Helper()
	st, err := conv.Execute(context.Background(), opts...)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func requireFinished(t *testing.T, st ExecutionStatus) *FinishedStatus {
	t.Helper()
	fin, ok := st.(*FinishedStatus)
	require.Truef(t, ok, "expected FinishedStatus, got %T", st)
	return fin
}

func requireUserRequest(t *testing.T, st ExecutionStatus) *UserMessageRequestStatus {
	t.Helper()
	req, ok := st.(*UserMessageRequestStatus)
	require.Truef(t, ok, "expected UserMessageRequestStatus, got %T", st)
	return req
}

// mapStep builds a FuncStep computing one output from its inputs.
func mapFunc(name string, inputs []property.Property, output property.Property, fn func(in map[string]any) (any, error)) *FuncStep {
	return NewFuncStep(name, inputs, []property.Property{output},
		func(_ context.Context, in map[string]any, _ *StepContext) (*StepResult, error) {
			v, err := fn(in)
			if err != nil {
				return nil, err
			}
			return Next(map[string]any{output.Name(): v}), nil
		})
}

// failingStep always fails with err.
func failingStep(name string, err error, outputs ...property.Property) *FuncStep {
	return NewFuncStep(name, nil, outputs,
		func(context.Context, map[string]any, *StepContext) (*StepResult, error) {
			return nil, err
		})
}

// countingStep counts invocations and reports the count.
type countingStep struct {
	*FuncStep
	calls int
}

func newCountingStep(name string, output property.Property, value func(call int) any) *countingStep {
	cs := &countingStep{}
	cs.FuncStep = NewFuncStep(name, nil, []property.Property{output},
		func(context.Context, map[string]any, *StepContext) (*StepResult, error) {
			cs.calls++
			return Next(map[string]any{output.Name(): value(cs.calls)}), nil
		})
	return cs
}

// askFlow asks for a name and greets the user.
func askFlow(t *testing.T) *Flow {
	t.Helper()
	ask := must(NewInputMessageStep("ask", "What is your name?"))
	greet := must(NewOutputMessageStep("greet", "Hello {{user_provided_input}}"))
	return mustFlow(t)(FlowFromSteps("ask_name", ask, greet))
}
