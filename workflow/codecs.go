package workflow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/BaSui01/wayflow/property"
	"github.com/BaSui01/wayflow/tools"
	"github.com/BaSui01/wayflow/types"
)

// StepCodec converts one step type to and from its config object. Decode
// must pass opts through to the step constructor.
type StepCodec struct {
	Encode func(s Step, ec *EncodeContext) (map[string]any, error)
	Decode func(name string, cfg StepConfig, dc *DecodeContext, opts ...StepOption) (Step, error)
}

// CodecRegistry maps step type names (see StepTypeOf) to codecs.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]StepCodec
}

// NewCodecRegistry creates a registry with every built-in step registered.
func NewCodecRegistry() *CodecRegistry {
	r := &CodecRegistry{codecs: make(map[string]StepCodec)}
	for typ, c := range builtinCodecs() {
		r.codecs[typ] = c
	}
	return r
}

var (
	defaultCodecsOnce sync.Once
	defaultCodecs     *CodecRegistry
)

// DefaultCodecs returns the process-wide registry used by SerializeFlow and
// by contexts without their own registry.
func DefaultCodecs() *CodecRegistry {
	defaultCodecsOnce.Do(func() { defaultCodecs = NewCodecRegistry() })
	return defaultCodecs
}

// RegisterStepCodec registers a codec in the default registry.
func RegisterStepCodec(stepType string, c StepCodec) error {
	return DefaultCodecs().RegisterStepCodec(stepType, c)
}

// RegisterStepCodec registers or replaces the codec of a step type.
func (r *CodecRegistry) RegisterStepCodec(stepType string, c StepCodec) error {
	if stepType == "" {
		return errors.New("step codec needs a type name")
	}
	if c.Encode == nil || c.Decode == nil {
		return fmt.Errorf("step codec %s needs both Encode and Decode", stepType)
	}
	r.mu.Lock()
	r.codecs[stepType] = c
	r.mu.Unlock()
	return nil
}

// Types lists the registered step types.
func (r *CodecRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codecs))
	for t := range r.codecs {
		out = append(out, t)
	}
	return out
}

func (r *CodecRegistry) lookup(stepType string) (StepCodec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[stepType]
	return c, ok
}

// ============================================================================
// Built-in codecs
// ============================================================================

func builtinCodecs() map[string]StepCodec {
	return map[string]StepCodec{
		"StartStep":                 startCodec(),
		"CompleteStep":              completeCodec(),
		"OutputMessageStep":         outputMessageCodec(),
		"InputMessageStep":          inputMessageCodec(),
		"BranchingStep":             branchingCodec(),
		"VariableReadStep":          variableReadCodec(),
		"VariableWriteStep":         variableWriteCodec(),
		"ToolExecutionStep":         toolCodec(),
		"PromptExecutionStep":       promptCodec(),
		"FlowExecutionStep":         flowExecutionCodec(),
		"MapStep":                   mapCodec(),
		"ParallelMapStep":           mapCodec(),
		"ParallelFlowExecutionStep": parallelFlowCodec(),
		"RetryStep":                 retryCodec(),
		"CatchExceptionStep":        catchCodec(),
	}
}

func wrongType(s Step, want string) error {
	return fmt.Errorf("step %q is %T, codec expects %s", s.Name(), s, want)
}

func startCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, _ *EncodeContext) (map[string]any, error) {
			st, ok := s.(*StartStep)
			if !ok {
				return nil, wrongType(s, "*StartStep")
			}
			return map[string]any{"input_descriptors": st.inputs}, nil
		},
		Decode: func(name string, cfg StepConfig, _ *DecodeContext, opts ...StepOption) (Step, error) {
			var inputs []property.Property
			if err := cfg.Decode("input_descriptors", &inputs); err != nil {
				return nil, err
			}
			return NewStartStep(name, inputs, opts...), nil
		},
	}
}

func completeCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, _ *EncodeContext) (map[string]any, error) {
			st, ok := s.(*CompleteStep)
			if !ok {
				return nil, wrongType(s, "*CompleteStep")
			}
			if st.branchName == "" {
				return nil, nil
			}
			return map[string]any{"branch_name": st.branchName}, nil
		},
		Decode: func(name string, cfg StepConfig, _ *DecodeContext, opts ...StepOption) (Step, error) {
			return NewCompleteStep(name, cfg.String("branch_name"), opts...), nil
		},
	}
}

func outputMessageCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, _ *EncodeContext) (map[string]any, error) {
			st, ok := s.(*OutputMessageStep)
			if !ok {
				return nil, wrongType(s, "*OutputMessageStep")
			}
			return map[string]any{"message_template": st.tmpl.source, "message_role": string(st.role)}, nil
		},
		Decode: func(name string, cfg StepConfig, _ *DecodeContext, opts ...StepOption) (Step, error) {
			return NewOutputMessageStepWithRole(name, cfg.String("message_template"), types.Role(cfg.String("message_role")), opts...)
		},
	}
}

func inputMessageCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, _ *EncodeContext) (map[string]any, error) {
			st, ok := s.(*InputMessageStep)
			if !ok {
				return nil, wrongType(s, "*InputMessageStep")
			}
			return map[string]any{"message_template": st.tmpl.source}, nil
		},
		Decode: func(name string, cfg StepConfig, _ *DecodeContext, opts ...StepOption) (Step, error) {
			return NewInputMessageStep(name, cfg.String("message_template"), opts...)
		},
	}
}

func branchingCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, _ *EncodeContext) (map[string]any, error) {
			st, ok := s.(*BranchingStep)
			if !ok {
				return nil, wrongType(s, "*BranchingStep")
			}
			return map[string]any{"branch_name_mapping": st.mapping}, nil
		},
		Decode: func(name string, cfg StepConfig, _ *DecodeContext, opts ...StepOption) (Step, error) {
			return NewBranchingStep(name, cfg.StringMap("branch_name_mapping"), opts...), nil
		},
	}
}

func variableReadCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, _ *EncodeContext) (map[string]any, error) {
			st, ok := s.(*VariableReadStep)
			if !ok {
				return nil, wrongType(s, "*VariableReadStep")
			}
			return map[string]any{"variable": st.variable}, nil
		},
		Decode: func(name string, cfg StepConfig, _ *DecodeContext, opts ...StepOption) (Step, error) {
			var v Variable
			if err := cfg.Decode("variable", &v); err != nil {
				return nil, err
			}
			return NewVariableReadStep(name, v, opts...), nil
		},
	}
}

func variableWriteCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, _ *EncodeContext) (map[string]any, error) {
			st, ok := s.(*VariableWriteStep)
			if !ok {
				return nil, wrongType(s, "*VariableWriteStep")
			}
			return map[string]any{"variable": st.variable, "operation": string(st.operation)}, nil
		},
		Decode: func(name string, cfg StepConfig, _ *DecodeContext, opts ...StepOption) (Step, error) {
			var v Variable
			if err := cfg.Decode("variable", &v); err != nil {
				return nil, err
			}
			return NewVariableWriteStep(name, v, VariableWriteOperation(cfg.String("operation")), opts...)
		},
	}
}

// Client tools carry their spec inline; server tools are resolved by name.
func toolCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, _ *EncodeContext) (map[string]any, error) {
			st, ok := s.(*ToolExecutionStep)
			if !ok {
				return nil, wrongType(s, "*ToolExecutionStep")
			}
			cfg := map[string]any{"tool": st.tool.Name()}
			if tools.IsClientTool(st.tool) {
				cfg["client_tool"] = tools.SpecOf(st.tool)
			}
			if st.timeout > 0 {
				cfg["timeout"] = st.timeout.String()
			}
			return cfg, nil
		},
		Decode: func(name string, cfg StepConfig, dc *DecodeContext, opts ...StepOption) (Step, error) {
			timeout, err := cfg.Duration("timeout")
			if err != nil {
				return nil, err
			}
			var tool tools.Tool
			if _, client := cfg["client_tool"]; client {
				var spec tools.Spec
				if err := cfg.Decode("client_tool", &spec); err != nil {
					return nil, err
				}
				tool = tools.NewClientTool(spec)
			} else {
				tool, err = dc.Tool(cfg.String("tool"))
				if err != nil {
					return nil, err
				}
			}
			return NewToolExecutionStep(name, tool, timeout, opts...)
		},
	}
}

func promptCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, _ *EncodeContext) (map[string]any, error) {
			st, ok := s.(*PromptExecutionStep)
			if !ok {
				return nil, wrongType(s, "*PromptExecutionStep")
			}
			cfg := map[string]any{
				"prompt_template": st.cfg.PromptTemplate,
				"llm":             st.cfg.LLM.Name(),
				"outputs":         st.outputs,
			}
			if st.cfg.Model != "" {
				cfg["model"] = st.cfg.Model
			}
			if st.cfg.Streaming {
				cfg["streaming"] = true
			}
			if st.cfg.SendMessage {
				cfg["send_message"] = true
			}
			return cfg, nil
		},
		Decode: func(name string, cfg StepConfig, dc *DecodeContext, opts ...StepOption) (Step, error) {
			provider, err := dc.LLM(cfg.String("llm"))
			if err != nil {
				return nil, err
			}
			var outputs []property.Property
			if err := cfg.Decode("outputs", &outputs); err != nil {
				return nil, err
			}
			return NewPromptExecutionStep(name, PromptExecutionConfig{
				PromptTemplate: cfg.String("prompt_template"),
				LLM:            provider,
				Model:          cfg.String("model"),
				Outputs:        outputs,
				Streaming:      cfg.Bool("streaming"),
				SendMessage:    cfg.Bool("send_message"),
			}, opts...)
		},
	}
}

func flowExecutionCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, ec *EncodeContext) (map[string]any, error) {
			st, ok := s.(*FlowExecutionStep)
			if !ok {
				return nil, wrongType(s, "*FlowExecutionStep")
			}
			id, err := ec.FlowRef(st.flow)
			if err != nil {
				return nil, err
			}
			return map[string]any{"flow": id}, nil
		},
		Decode: func(name string, cfg StepConfig, dc *DecodeContext, opts ...StepOption) (Step, error) {
			f, err := dc.Flow(cfg.String("flow"))
			if err != nil {
				return nil, err
			}
			return NewFlowExecutionStep(name, f, opts...)
		},
	}
}

func mapCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, ec *EncodeContext) (map[string]any, error) {
			st, ok := s.(*MapStep)
			if !ok {
				return nil, wrongType(s, "*MapStep")
			}
			id, err := ec.FlowRef(st.cfg.Flow)
			if err != nil {
				return nil, err
			}
			cfg := map[string]any{"flow": id}
			if len(st.cfg.UnpackInput) > 0 {
				cfg["unpack_input"] = st.cfg.UnpackInput
			}
			if len(st.cfg.Outputs) > 0 {
				cfg["outputs"] = st.cfg.Outputs
			}
			if st.cfg.ParallelExecution {
				cfg["parallel_execution"] = true
			}
			if st.cfg.MaxWorkers > 0 {
				cfg["max_workers"] = st.cfg.MaxWorkers
			}
			if st.stepType != "MapStep" {
				cfg["kind"] = st.stepType
			}
			return cfg, nil
		},
		Decode: func(name string, cfg StepConfig, dc *DecodeContext, opts ...StepOption) (Step, error) {
			f, err := dc.Flow(cfg.String("flow"))
			if err != nil {
				return nil, err
			}
			if cfg.String("kind") == "ParallelMapStep" {
				return NewParallelMapStep(name, f, cfg.StringMap("unpack_input"), cfg.Strings("outputs"), cfg.Int("max_workers"), opts...)
			}
			return NewMapStep(name, MapStepConfig{
				Flow:              f,
				UnpackInput:       cfg.StringMap("unpack_input"),
				Outputs:           cfg.Strings("outputs"),
				ParallelExecution: cfg.Bool("parallel_execution"),
				MaxWorkers:        cfg.Int("max_workers"),
			}, opts...)
		},
	}
}

func parallelFlowCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, ec *EncodeContext) (map[string]any, error) {
			st, ok := s.(*ParallelFlowExecutionStep)
			if !ok {
				return nil, wrongType(s, "*ParallelFlowExecutionStep")
			}
			ids := make([]string, len(st.flows))
			for i, f := range st.flows {
				id, err := ec.FlowRef(f)
				if err != nil {
					return nil, err
				}
				ids[i] = id
			}
			cfg := map[string]any{"flows": ids}
			if st.maxWorkers > 0 {
				cfg["max_workers"] = st.maxWorkers
			}
			return cfg, nil
		},
		Decode: func(name string, cfg StepConfig, dc *DecodeContext, opts ...StepOption) (Step, error) {
			ids := cfg.Strings("flows")
			flows := make([]*Flow, len(ids))
			for i, id := range ids {
				f, err := dc.Flow(id)
				if err != nil {
					return nil, err
				}
				flows[i] = f
			}
			return NewParallelFlowExecutionStep(name, flows, cfg.Int("max_workers"), opts...)
		},
	}
}

func retryCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, ec *EncodeContext) (map[string]any, error) {
			st, ok := s.(*RetryStep)
			if !ok {
				return nil, wrongType(s, "*RetryStep")
			}
			id, err := ec.FlowRef(st.cfg.Flow)
			if err != nil {
				return nil, err
			}
			cfg := map[string]any{"flow": id, "max_num_trials": st.cfg.MaxNumTrials}
			if st.cfg.SuccessCondition != "" {
				cfg["success_condition"] = st.cfg.SuccessCondition
			}
			if st.cfg.SuccessExpression != "" {
				cfg["success_expression"] = st.cfg.SuccessExpression
			}
			if st.cfg.FailureBranch != "" {
				cfg["failure_branch"] = st.cfg.FailureBranch
			}
			return cfg, nil
		},
		Decode: func(name string, cfg StepConfig, dc *DecodeContext, opts ...StepOption) (Step, error) {
			f, err := dc.Flow(cfg.String("flow"))
			if err != nil {
				return nil, err
			}
			return NewRetryStep(name, RetryStepConfig{
				Flow:              f,
				SuccessCondition:  cfg.String("success_condition"),
				SuccessExpression: cfg.String("success_expression"),
				MaxNumTrials:      cfg.Int("max_num_trials"),
				FailureBranch:     cfg.String("failure_branch"),
			}, opts...)
		},
	}
}

func catchCodec() StepCodec {
	return StepCodec{
		Encode: func(s Step, ec *EncodeContext) (map[string]any, error) {
			st, ok := s.(*CatchExceptionStep)
			if !ok {
				return nil, wrongType(s, "*CatchExceptionStep")
			}
			id, err := ec.FlowRef(st.cfg.Flow)
			if err != nil {
				return nil, err
			}
			cfg := map[string]any{"flow": id}
			if len(st.cfg.ExceptOn) > 0 {
				cfg["except_on"] = st.cfg.ExceptOn
			}
			if st.cfg.CatchAllExceptions {
				cfg["catch_all_exceptions"] = true
			}
			return cfg, nil
		},
		Decode: func(name string, cfg StepConfig, dc *DecodeContext, opts ...StepOption) (Step, error) {
			f, err := dc.Flow(cfg.String("flow"))
			if err != nil {
				return nil, err
			}
			return NewCatchExceptionStep(name, CatchExceptionConfig{
				Flow:               f,
				ExceptOn:           cfg.StringMap("except_on"),
				CatchAllExceptions: cfg.Bool("catch_all_exceptions"),
			}, opts...)
		},
	}
}
