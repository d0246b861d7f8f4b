package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/property"
)

// Names used by CatchExceptionStep.
const (
	ExceptionNameOutput    = "exception_name"
	ExceptionPayloadOutput = "exception_payload_name"
	DefaultExceptionBranch = "default_exception_branch"
)

// CatchExceptionConfig configures a CatchExceptionStep.
type CatchExceptionConfig struct {
	Flow *Flow
	// ExceptOn maps an error name (see ErrorName) to the branch taken when
	// the sub-flow fails with it.
	ExceptOn map[string]string
	// CatchAllExceptions routes any other error to DefaultExceptionBranch.
	CatchAllExceptions bool
}

// CatchExceptionStep runs a flow and turns selected errors into branches.
// Either the sub-flow end branch or one exception branch is taken, never
// both.
type CatchExceptionStep struct {
	BaseStep
	cfg CatchExceptionConfig
}

// NewCatchExceptionStep creates a catch step.
func NewCatchExceptionStep(name string, cfg CatchExceptionConfig, opts ...StepOption) (*CatchExceptionStep, error) {
	if cfg.Flow == nil {
		return nil, fmt.Errorf("%w: step %q has no flow", ErrMissingStepConfig, name)
	}
	for errName, branch := range cfg.ExceptOn {
		if errName == "" || branch == "" {
			return nil, fmt.Errorf("%w: step %q: except_on entries need an error name and a branch", ErrMissingStepConfig, name)
		}
	}
	cfg.ExceptOn = copyStringMap(cfg.ExceptOn)
	return &CatchExceptionStep{BaseStep: NewBaseStep(name, opts...), cfg: cfg}, nil
}

func (s *CatchExceptionStep) StepType() string             { return "CatchExceptionStep" }
func (s *CatchExceptionStep) Config() CatchExceptionConfig { return s.cfg }
func (s *CatchExceptionStep) SubFlows() []*Flow            { return []*Flow{s.cfg.Flow} }

func (s *CatchExceptionStep) InputDescriptors() []property.Property {
	return s.cfg.Flow.InputDescriptors()
}

// OutputDescriptors are the sub-flow outputs, optional since a caught error
// leaves them unset, plus the exception name and payload.
func (s *CatchExceptionStep) OutputDescriptors() []property.Property {
	flowOut := s.cfg.Flow.OutputDescriptors()
	out := make([]property.Property, 0, len(flowOut)+2)
	for _, p := range flowOut {
		out = append(out, p.WithDefault(nil))
	}
	return append(out,
		property.String(ExceptionNameOutput, property.WithDefault("")),
		property.String(ExceptionPayloadOutput, property.WithDefault("")),
	)
}

func (s *CatchExceptionStep) Branches() []string {
	set := make(map[string]bool)
	for _, b := range s.cfg.Flow.EndBranches() {
		set[b] = true
	}
	for _, b := range s.cfg.ExceptOn {
		set[b] = true
	}
	if s.cfg.CatchAllExceptions {
		set[DefaultExceptionBranch] = true
	}
	out := make([]string, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

func (s *CatchExceptionStep) Invoke(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error) {
	res, err := sc.RunSubFlow(ctx, "flow", s.cfg.Flow, inputs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		name := ErrorName(err)
		branch, caught := s.cfg.ExceptOn[name]
		if !caught && s.cfg.CatchAllExceptions {
			branch, caught = DefaultExceptionBranch, true
		}
		if !caught {
			return nil, err
		}
		sc.Logger().Info("exception caught",
			zap.String("exception", name),
			zap.String("branch", branch),
			zap.Error(err),
		)
		return &StepResult{
			Outputs: map[string]any{
				ExceptionNameOutput:    name,
				ExceptionPayloadOutput: rootCause(err).Error(),
			},
			Branch: branch,
		}, nil
	}
	if !res.Finished() {
		return Yield(res.Status), nil
	}
	return &StepResult{Outputs: res.Outputs, Branch: res.Branch}, nil
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
