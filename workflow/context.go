package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/types"
)

// execution is the per-Execute run state shared by every frame it drives.
type execution struct {
	conv          *Conversation
	interrupts    []ExecutionInterrupt
	started       time.Time
	tokensAtStart int
	// allowYield is false inside parallel fan-out, where a child cannot be
	// resumed individually.
	allowYield bool
}

func (r *execution) parallel() *execution {
	cp := *r
	cp.interrupts = nil
	cp.allowYield = false
	return &cp
}

func (r *execution) interruptState(path, next string) InterruptState {
	r.conv.mu.Lock()
	used := r.conv.usage.Total() - r.tokensAtStart
	r.conv.mu.Unlock()
	return InterruptState{
		Elapsed:    time.Since(r.started),
		TokensUsed: used,
		Path:       path,
		NextStep:   next,
	}
}

// SubFlowResult is the outcome of StepContext.RunSubFlow. Exactly one of
// Status (suspended) or Outputs/Branch (finished) is meaningful.
type SubFlowResult struct {
	Outputs map[string]any
	Branch  string
	Status  ExecutionStatus
}

// Finished reports whether the sub-flow ran to completion.
func (r *SubFlowResult) Finished() bool { return r.Status == nil }

// StepContext gives a running step access to its conversation.
type StepContext struct {
	exec   *Executor
	run    *execution
	frame  *Frame
	flow   *Flow
	step   Step
	logger *zap.Logger
}

func (sc *StepContext) conv() *Conversation { return sc.run.conv }

// Logger returns a logger annotated with the step and frame path.
func (sc *StepContext) Logger() *zap.Logger { return sc.logger }

// Path is the path of the frame running the step.
func (sc *StepContext) Path() string { return sc.frame.Path }

// StepName is the name of the running step.
func (sc *StepContext) StepName() string { return sc.step.Name() }

// ConversationID identifies the owning conversation.
func (sc *StepContext) ConversationID() string { return sc.conv().id }

// Parallel reports whether the step runs inside a parallel fan-out, where
// yielding is not allowed.
func (sc *StepContext) Parallel() bool { return !sc.run.allowYield }

// State returns the step-local state persisted across yields of the same
// step. Values must be JSON-serializable; after a snapshot restore numbers
// come back as float64.
func (sc *StepContext) State() map[string]any {
	c := sc.conv()
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc.frame.StepStates == nil {
		sc.frame.StepStates = make(map[string]map[string]any)
	}
	st := sc.frame.StepStates[sc.step.Name()]
	if st == nil {
		st = make(map[string]any)
		sc.frame.StepStates[sc.step.Name()] = st
	}
	return st
}

// ClearState drops the step-local state.
func (sc *StepContext) ClearState() {
	c := sc.conv()
	c.mu.Lock()
	delete(sc.frame.StepStates, sc.step.Name())
	c.mu.Unlock()
}

// AppendMessage adds a message to the shared message list.
func (sc *StepContext) AppendMessage(msg types.Message) {
	sc.conv().AppendMessage(msg)
}

// Messages returns a copy of the shared message list.
func (sc *StepContext) Messages() []types.Message { return sc.conv().Messages() }

// MessageCount returns the number of messages.
func (sc *StepContext) MessageCount() int {
	c := sc.conv()
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// MessagesSince returns the messages appended at or after index i.
func (sc *StepContext) MessagesSince(i int) []types.Message {
	c := sc.conv()
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Message(nil), c.messagesSinceLocked(i)...)
}

// ToolResult finds the result appended for a tool request.
func (sc *StepContext) ToolResult(requestID string) (*types.ToolResult, bool) {
	c := sc.conv()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolResultLocked(requestID)
}

// ToolConfirmation returns the caller decision for a tool request.
func (sc *StepContext) ToolConfirmation(requestID string) (Confirmation, bool) {
	c := sc.conv()
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.confirmations[requestID]
	return d, ok
}

// AuthChallengeCompleted reports whether the challenge was completed.
func (sc *StepContext) AuthChallengeCompleted(challengeID string) bool {
	c := sc.conv()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authCompleted[challengeID]
}

// AddTokenUsage accounts tokens consumed by the step.
func (sc *StepContext) AddTokenUsage(u types.TokenUsage) {
	c := sc.conv()
	c.mu.Lock()
	c.usage.Add(u)
	c.mu.Unlock()
	if sc.exec.metrics != nil {
		sc.exec.metrics.RecordTokens(sc.flow.name, u.PromptTokens, u.CompletionTokens)
	}
}

// ReadVariable reads a variable declared by this flow or an enclosing one.
func (sc *StepContext) ReadVariable(name string) (any, error) {
	c := sc.conv()
	c.mu.Lock()
	defer c.mu.Unlock()
	fr, _, err := c.lookupVariableLocked(sc.frame.Path, name)
	if err != nil {
		return nil, err
	}
	return fr.Variables[name], nil
}

// WriteVariable applies op to a variable declared by this flow or an
// enclosing one.
func (sc *StepContext) WriteVariable(name string, op VariableWriteOperation, value any) error {
	c := sc.conv()
	c.mu.Lock()
	defer c.mu.Unlock()
	fr, v, err := c.lookupVariableLocked(sc.frame.Path, name)
	if err != nil {
		return err
	}
	next, err := v.apply(op, fr.Variables[name], value)
	if err != nil {
		return err
	}
	fr.Variables[name] = next
	return nil
}

// RunSubFlow creates or resumes the child frame identified by key and drives
// it. A finished child frame is dropped; a suspended one stays in the arena
// so the same call resumes it on the next Execute.
func (sc *StepContext) RunSubFlow(ctx context.Context, key string, flow *Flow, inputs map[string]any) (*SubFlowResult, error) {
	c := sc.conv()
	path := childPath(sc.frame.Path, sc.step.Name(), key)

	child := c.frame(path)
	if child == nil {
		io, err := flow.prepareInputs(inputs)
		if err != nil {
			return nil, err
		}
		c.registerFlow(flow)
		child = newFrame(path, sc.frame.Path, flow, io)
		c.putFrame(child)
	} else if child.FlowID != flow.id {
		return nil, fmt.Errorf("frame %q runs flow %s, not %s", path, child.FlowID, flow.id)
	}

	status, err := sc.exec.runFrame(ctx, sc.run, child, flow)
	if err != nil {
		c.dropFrames(path)
		return nil, err
	}
	if fin, ok := status.(*FinishedStatus); ok {
		c.dropFrames(path)
		return &SubFlowResult{Outputs: fin.OutputValues, Branch: fin.CompleteBranch}, nil
	}
	if !sc.run.allowYield {
		c.dropFrames(path)
		return nil, fmt.Errorf("%w: %s returned %s", ErrParallelYield, path, status.Kind())
	}
	return &SubFlowResult{Status: status}, nil
}

// ForParallel derives a context for one branch of a parallel fan-out:
// interrupts are not checked and yielding fails with ErrParallelYield.
func (sc *StepContext) ForParallel() *StepContext {
	cp := *sc
	cp.run = sc.run.parallel()
	return &cp
}
