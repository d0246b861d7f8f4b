package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/llm"
	"github.com/BaSui01/wayflow/property"
	"github.com/BaSui01/wayflow/types"
)

// PromptOutput is the default output of PromptExecutionStep.
const PromptOutput = "output"

// PromptExecutionConfig configures a PromptExecutionStep.
type PromptExecutionConfig struct {
	PromptTemplate string
	LLM            llm.Provider
	Model          string
	// Outputs defaults to a single string output named "output". With
	// several outputs, or a non-string one, the completion is parsed as a
	// JSON object and each output is read from the field of the same name.
	Outputs   []property.Property
	Streaming bool
	// SendMessage appends the completion to the conversation.
	SendMessage bool
}

// PromptExecutionStep renders a prompt and asks an LLM to complete it.
type PromptExecutionStep struct {
	BaseStep
	cfg     PromptExecutionConfig
	tmpl    *template
	outputs []property.Property
}

// NewPromptExecutionStep creates a prompt step.
func NewPromptExecutionStep(name string, cfg PromptExecutionConfig, opts ...StepOption) (*PromptExecutionStep, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("%w: step %q has no llm", ErrMissingStepConfig, name)
	}
	t, err := parseTemplate(cfg.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: step %q: %w", ErrMissingStepConfig, name, err)
	}
	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []property.Property{property.String(PromptOutput)}
	}
	return &PromptExecutionStep{
		BaseStep: NewBaseStep(name, opts...),
		cfg:      cfg,
		tmpl:     t,
		outputs:  append([]property.Property(nil), outputs...),
	}, nil
}

func (s *PromptExecutionStep) StepType() string              { return "PromptExecutionStep" }
func (s *PromptExecutionStep) Config() PromptExecutionConfig { return s.cfg }

func (s *PromptExecutionStep) InputDescriptors() []property.Property {
	return append([]property.Property(nil), s.tmpl.inputs...)
}

func (s *PromptExecutionStep) OutputDescriptors() []property.Property {
	return append([]property.Property(nil), s.outputs...)
}

func (s *PromptExecutionStep) Invoke(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error) {
	prompt, err := s.tmpl.render(inputs)
	if err != nil {
		return nil, err
	}
	req := &llm.ChatRequest{
		TraceID:  sc.ConversationID(),
		Model:    s.cfg.Model,
		Messages: []types.Message{types.NewUserMessage(prompt)},
	}

	var resp *llm.ChatResponse
	if s.cfg.Streaming {
		ch, err := s.cfg.LLM.Stream(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("llm %s stream: %w", s.cfg.LLM.Name(), err)
		}
		resp, err = llm.CollectStream(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("llm %s stream: %w", s.cfg.LLM.Name(), err)
		}
	} else {
		resp, err = s.cfg.LLM.Completion(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("llm %s completion: %w", s.cfg.LLM.Name(), err)
		}
	}
	sc.AddTokenUsage(resp.Usage.TokenUsage())
	sc.Logger().Debug("prompt completed",
		zap.String("provider", s.cfg.LLM.Name()),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)

	text := resp.Content()
	if s.cfg.SendMessage {
		sc.AppendMessage(types.NewAssistantMessage(text))
	}
	if len(s.outputs) == 1 && s.outputs[0].Kind() == property.KindString {
		return Next(map[string]any{s.outputs[0].Name(): text}), nil
	}
	return Next(parseStructured(text, s.outputs)), nil
}

// parseStructured reads outputs from a JSON object in text. Models often
// wrap JSON in a fenced block, so the first '{' to the last '}' is used.
func parseStructured(text string, outputs []property.Property) map[string]any {
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		text = text[i : j+1]
	}
	out := make(map[string]any, len(outputs))
	if !gjson.Valid(text) {
		return out
	}
	for _, p := range outputs {
		if r := gjson.Get(text, p.Name()); r.Exists() {
			out[p.Name()] = jsonValue(r)
		}
	}
	return out
}
