package workflow

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/property"
	"github.com/BaSui01/wayflow/workflow/dsl"
)

// Retry defaults and names.
const (
	DefaultMaxNumTrials  = 5
	RetryNumTrialsOutput = "retry_num_trials"
)

// RetryStepConfig configures a RetryStep. Exactly one of SuccessCondition
// and SuccessExpression is required.
type RetryStepConfig struct {
	Flow *Flow
	// SuccessCondition names a boolean output of Flow.
	SuccessCondition string
	// SuccessExpression is a dsl expression over the outputs of Flow, e.g.
	// "score >= 0.8 && valid".
	SuccessExpression string
	MaxNumTrials      int
	// FailureBranch is taken on exhaustion; without it exhaustion fails with
	// MaxNumTrialsExceededError.
	FailureBranch string
}

// RetryStep re-runs a flow until its success predicate holds. A trial that
// fails with an error counts as unsuccessful.
type RetryStep struct {
	BaseStep
	cfg  RetryStepConfig
	expr *dsl.Expression
}

// NewRetryStep creates a retry step.
func NewRetryStep(name string, cfg RetryStepConfig, opts ...StepOption) (*RetryStep, error) {
	if cfg.Flow == nil {
		return nil, fmt.Errorf("%w: step %q has no flow", ErrMissingStepConfig, name)
	}
	if (cfg.SuccessCondition == "") == (cfg.SuccessExpression == "") {
		return nil, fmt.Errorf("%w: step %q needs exactly one of success condition and success expression", ErrMissingStepConfig, name)
	}
	if cfg.MaxNumTrials <= 0 {
		cfg.MaxNumTrials = DefaultMaxNumTrials
	}
	if cfg.FailureBranch == BranchNext {
		return nil, fmt.Errorf("%w: step %q: failure branch cannot be %q", ErrMissingStepConfig, name, BranchNext)
	}
	s := &RetryStep{BaseStep: NewBaseStep(name, opts...), cfg: cfg}

	if cfg.SuccessCondition != "" {
		p, ok := property.ByName(cfg.Flow.OutputDescriptors())[cfg.SuccessCondition]
		if !ok {
			return nil, flowError(ErrUnknownDataName, "step %q: success condition %q is not an output of flow %q",
				name, cfg.SuccessCondition, cfg.Flow.Name())
		}
		if k := p.Kind(); k != property.KindBoolean && k != property.KindAny {
			return nil, flowError(ErrIncompatibleTypes, "step %q: success condition %q must be boolean, got %s",
				name, cfg.SuccessCondition, p)
		}
	} else {
		expr, err := dsl.Compile(cfg.SuccessExpression)
		if err != nil {
			return nil, fmt.Errorf("%w: step %q: %w", ErrMissingStepConfig, name, err)
		}
		s.expr = expr
	}
	return s, nil
}

func (s *RetryStep) StepType() string        { return "RetryStep" }
func (s *RetryStep) Config() RetryStepConfig { return s.cfg }
func (s *RetryStep) SubFlows() []*Flow       { return []*Flow{s.cfg.Flow} }

func (s *RetryStep) InputDescriptors() []property.Property {
	return s.cfg.Flow.InputDescriptors()
}

func (s *RetryStep) OutputDescriptors() []property.Property {
	flowOut := s.cfg.Flow.OutputDescriptors()
	out := make([]property.Property, 0, len(flowOut)+1)
	for _, p := range flowOut {
		out = append(out, p.WithDefault(nil))
	}
	return append(out, property.Integer(RetryNumTrialsOutput))
}

func (s *RetryStep) Branches() []string {
	if s.cfg.FailureBranch == "" {
		return []string{BranchNext}
	}
	return []string{BranchNext, s.cfg.FailureBranch}
}

func (s *RetryStep) Invoke(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error) {
	state := sc.State()
	trial, _ := stateInt(state, "trial")

	var (
		lastOutputs map[string]any
		lastErr     error
	)
	for trial < s.cfg.MaxNumTrials {
		res, err := sc.RunSubFlow(ctx, strconv.Itoa(trial), s.cfg.Flow, inputs)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			trial++
			state["trial"] = trial
			lastOutputs, lastErr = nil, err
			sc.Logger().Warn("retry trial failed", zap.Int("trial", trial), zap.Error(err))
			continue
		}
		if !res.Finished() {
			return Yield(res.Status), nil
		}
		trial++
		state["trial"] = trial

		ok, err := s.succeeded(res.Outputs)
		if err != nil {
			return nil, err
		}
		if ok {
			return Next(withTrials(res.Outputs, trial)), nil
		}
		lastOutputs, lastErr = res.Outputs, nil
		sc.Logger().Debug("retry condition not met", zap.Int("trial", trial))
	}

	if s.cfg.FailureBranch != "" {
		return &StepResult{Outputs: withTrials(lastOutputs, trial), Branch: s.cfg.FailureBranch}, nil
	}
	return nil, &MaxNumTrialsExceededError{Step: s.Name(), Trials: trial, Cause: lastErr}
}

func (s *RetryStep) succeeded(outputs map[string]any) (bool, error) {
	if s.expr != nil {
		return s.expr.Eval(outputs)
	}
	v, _ := outputs[s.cfg.SuccessCondition].(bool)
	return v, nil
}

func withTrials(outputs map[string]any, trials int) map[string]any {
	out := make(map[string]any, len(outputs)+1)
	for k, v := range outputs {
		out[k] = v
	}
	out[RetryNumTrialsOutput] = trials
	return out
}
