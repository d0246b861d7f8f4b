package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/property"
	"github.com/BaSui01/wayflow/tools"
	"github.com/BaSui01/wayflow/types"
)

// ToolExecutionStep runs a tool with the step inputs as arguments.
//
// Server tools run in-process, after a confirmation round trip when the tool
// requires one. Client tools suspend with ToolRequestStatus and read the
// result the caller appended. A tool failing with tools.AuthChallengeError
// suspends with AuthChallengeRequestStatus and is re-run once the challenge
// is completed.
type ToolExecutionStep struct {
	BaseStep
	tool    tools.Tool
	timeout time.Duration
}

// NewToolExecutionStep creates a tool step. timeout bounds server tool runs;
// zero means no bound.
func NewToolExecutionStep(name string, tool tools.Tool, timeout time.Duration, opts ...StepOption) (*ToolExecutionStep, error) {
	if tool == nil {
		return nil, fmt.Errorf("%w: step %q has no tool", ErrMissingStepConfig, name)
	}
	return &ToolExecutionStep{BaseStep: NewBaseStep(name, opts...), tool: tool, timeout: timeout}, nil
}

func (s *ToolExecutionStep) StepType() string       { return "ToolExecutionStep" }
func (s *ToolExecutionStep) Tool() tools.Tool       { return s.tool }
func (s *ToolExecutionStep) Timeout() time.Duration { return s.timeout }

func (s *ToolExecutionStep) InputDescriptors() []property.Property {
	return s.tool.InputDescriptors()
}

func (s *ToolExecutionStep) OutputDescriptors() []property.Property {
	return s.tool.OutputDescriptors()
}

func (s *ToolExecutionStep) Invoke(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error) {
	state := sc.State()
	requestID, _ := state["request_id"].(string)
	if requestID == "" {
		requestID = uuid.NewString()
		state["request_id"] = requestID
	}
	request := types.ToolRequest{ID: requestID, Name: s.tool.Name(), Arguments: inputs}

	if tools.IsClientTool(s.tool) {
		return s.invokeClient(request, state, sc)
	}

	if s.tool.RequiresConfirmation() {
		decision, decided := sc.ToolConfirmation(requestID)
		if !decided {
			return Yield(&ToolExecutionConfirmationStatus{
				Requests: []types.ToolRequest{request},
				conv:     sc.conv(),
			}), nil
		}
		if !decision.Confirmed {
			reason := decision.Reason
			if reason == "" {
				reason = "rejected by user"
			}
			return nil, fmt.Errorf("%w: %s: %s", ErrToolRejected, s.tool.Name(), reason)
		}
	}

	start := time.Now()
	out, err := tools.Run(ctx, s.tool.(tools.ServerTool), inputs, s.timeout)
	if ace, ok := tools.AsAuthChallenge(err); ok {
		sc.Logger().Info("tool requires authorization",
			zap.String("tool", s.tool.Name()),
			zap.String("challenge_id", ace.ChallengeID),
		)
		return Yield(&AuthChallengeRequestStatus{
			ChallengeID:      ace.ChallengeID,
			AuthorizationURL: ace.AuthorizationURL,
			ToolName:         s.tool.Name(),
			conv:             sc.conv(),
		}), nil
	}
	if err != nil {
		return nil, err
	}
	sc.Logger().Debug("tool executed",
		zap.String("tool", s.tool.Name()),
		zap.Duration("duration", time.Since(start)),
	)
	return Next(s.outputs(out)), nil
}

func (s *ToolExecutionStep) invokeClient(request types.ToolRequest, state map[string]any, sc *StepContext) (*StepResult, error) {
	if sent, _ := state["requested"].(bool); sent {
		if res, ok := sc.ToolResult(request.ID); ok {
			if res.IsError() {
				return nil, NewNamedError("ToolExecutionError", fmt.Sprintf("tool %s: %s", s.tool.Name(), res.Error))
			}
			return Next(s.outputs(res.Content)), nil
		}
	}
	state["requested"] = true
	sc.AppendMessage(types.NewToolRequestMessage("", []types.ToolRequest{request}))
	return Yield(&ToolRequestStatus{Requests: []types.ToolRequest{request}}), nil
}

// outputs maps a tool result onto the declared outputs: a single output
// takes the whole value, several outputs are read from a result object.
func (s *ToolExecutionStep) outputs(result any) map[string]any {
	declared := s.tool.OutputDescriptors()
	if len(declared) == 1 {
		return map[string]any{declared[0].Name(): result}
	}
	out := make(map[string]any, len(declared))
	if m, ok := result.(map[string]any); ok {
		for _, p := range declared {
			if v, ok := m[p.Name()]; ok {
				out[p.Name()] = v
			}
		}
	}
	return out
}
