package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/types"
)

// Frame is the execution state of one (sub-)flow run inside a conversation.
// Frames live in an arena keyed by path; the root frame has the empty path
// and a child frame is addressed as "<parent>/<step>/<key>".
type Frame struct {
	Path       string                    `json:"path"`
	FlowID     string                    `json:"flow_id"`
	Parent     string                    `json:"parent,omitempty"`
	Cursor     string                    `json:"cursor"`
	IO         map[string]any            `json:"io"`
	EdgeValues map[string]map[string]any `json:"edge_values,omitempty"`
	Variables  map[string]any            `json:"variables,omitempty"`
	StepStates map[string]map[string]any `json:"step_states,omitempty"`
	Finished   bool                      `json:"finished,omitempty"`
	EndBranch  string                    `json:"end_branch,omitempty"`
}

func newFrame(path, parent string, flow *Flow, io map[string]any) *Frame {
	f := &Frame{
		Path:      path,
		FlowID:    flow.id,
		Parent:    parent,
		Cursor:    flow.begin.Name(),
		IO:        io,
		Variables: make(map[string]any, len(flow.variables)),
	}
	for _, v := range flow.variables {
		f.Variables[v.Name] = v.DefaultValue()
	}
	return f
}

func childPath(parent, step, key string) string {
	if parent == "" {
		return step + "/" + key
	}
	return parent + "/" + step + "/" + key
}

// Confirmation is the caller decision on a tool execution request.
type Confirmation struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason,omitempty"`
}

// ConversationOption configures a conversation at start.
type ConversationOption func(*Conversation)

// WithConversationID sets the conversation ID instead of a random uuid.
func WithConversationID(id string) ConversationOption {
	return func(c *Conversation) { c.id = id }
}

// WithExecutor sets the executor driving the conversation.
func WithExecutor(e *Executor) ConversationOption {
	return func(c *Conversation) { c.exec = e }
}

// WithMessages seeds the message list.
func WithMessages(msgs ...types.Message) ConversationOption {
	return func(c *Conversation) { c.messages = append(c.messages, msgs...) }
}

// Conversation is the mutable run of a Flow. Only one Execute call may be
// active at a time.
type Conversation struct {
	running sync.Mutex
	mu      sync.Mutex

	id    string
	flow  *Flow
	flows map[string]*Flow
	exec  *Executor

	messages      []types.Message
	frames        map[string]*Frame
	events        *eventLog
	usage         types.TokenUsage
	pending       *StatusRecord
	confirmations map[string]Confirmation
	authCompleted map[string]bool

	logger    *zap.Logger
	createdAt time.Time
	updatedAt time.Time
}

// StartConversation validates inputs against the flow inputs and creates a
// conversation positioned on the begin step.
func (f *Flow) StartConversation(inputs map[string]any, opts ...ConversationOption) (*Conversation, error) {
	io, err := f.prepareInputs(inputs)
	if err != nil {
		return nil, err
	}
	c := newConversation(f, opts...)
	c.frames[""] = newFrame("", "", f, io)
	c.logger.Debug("conversation started", zap.Strings("inputs", sortedKeys(io)))
	return c, nil
}

func newConversation(f *Flow, opts ...ConversationOption) *Conversation {
	c := &Conversation{
		flow:          f,
		frames:        make(map[string]*Frame),
		confirmations: make(map[string]Confirmation),
		authCompleted: make(map[string]bool),
		createdAt:     time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.exec == nil {
		c.exec = NewExecutor()
	}
	c.events = newEventLog(c.exec.maxEvents)
	c.updatedAt = c.createdAt
	c.flows = map[string]*Flow{f.id: f}
	for _, sub := range f.subFlows() {
		c.flows[sub.id] = sub
	}
	c.logger = c.exec.logger.With(
		zap.String("component", "conversation"),
		zap.String("conversation_id", c.id),
		zap.String("flow", f.name),
	)
	return c
}

// ============================================================================
// Public surface
// ============================================================================

func (c *Conversation) ID() string  { return c.id }
func (c *Conversation) Flow() *Flow { return c.flow }

// Status returns the status of the last Execute call, nil before the first.
func (c *Conversation) Status() ExecutionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	return c.pending.status(c)
}

// Messages returns a copy of the message list.
func (c *Conversation) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Message(nil), c.messages...)
}

// LastMessage returns the most recent message, nil when there is none.
func (c *Conversation) LastMessage() *types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return nil
	}
	m := c.messages[len(c.messages)-1]
	return &m
}

// AppendUserMessage adds a user message.
func (c *Conversation) AppendUserMessage(text string) {
	c.AppendMessage(types.NewUserMessage(text))
}

// AppendToolResult adds the result of a client-side tool.
func (c *Conversation) AppendToolResult(result types.ToolResult) {
	c.AppendMessage(result.ToMessage())
}

// AppendMessage adds an arbitrary message.
func (c *Conversation) AppendMessage(msg types.Message) {
	c.mu.Lock()
	c.appendLocked(msg)
	c.mu.Unlock()
}

func (c *Conversation) appendLocked(msg types.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.messages = append(c.messages, msg)
	c.updatedAt = time.Now()
	c.events.record(Event{Type: EventMessage, Detail: string(msg.Role)})
}

// ConfirmToolExecution approves a request of the pending confirmation.
func (c *Conversation) ConfirmToolExecution(requestID string) error {
	return c.decide(requestID, Confirmation{Confirmed: true})
}

// RejectToolExecution denies a request of the pending confirmation; the
// tool step then fails with ErrToolRejected.
func (c *Conversation) RejectToolExecution(requestID, reason string) error {
	return c.decide(requestID, Confirmation{Reason: reason})
}

func (c *Conversation) decide(requestID string, d Confirmation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.pending.Kind != StatusToolExecutionConfirmation {
		return fmt.Errorf("%w: no tool execution awaits confirmation", ErrResumePrecondition)
	}
	for _, r := range c.pending.Requests {
		if r.ID == requestID {
			c.confirmations[requestID] = d
			return nil
		}
	}
	return fmt.Errorf("%w: unknown tool request %q", ErrResumePrecondition, requestID)
}

// CompleteAuthChallenge records that the pending challenge was solved.
func (c *Conversation) CompleteAuthChallenge(challengeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.pending.Kind != StatusAuthChallengeRequest || c.pending.ChallengeID != challengeID {
		return fmt.Errorf("%w: no pending auth challenge %q", ErrResumePrecondition, challengeID)
	}
	c.authCompleted[challengeID] = true
	return nil
}

// TokenUsage returns the tokens consumed so far.
func (c *Conversation) TokenUsage() types.TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Events returns the event log, oldest first.
func (c *Conversation) Events() []Event { return c.events.list() }

// IOValues returns a copy of the root I/O dictionary.
func (c *Conversation) IOValues() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	root := c.frames[""]
	if root == nil {
		return nil
	}
	out := make(map[string]any, len(root.IO))
	for k, v := range root.IO {
		out[k] = v
	}
	return out
}

// ============================================================================
// Execution
// ============================================================================

// ExecuteOption configures a single Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	interrupts []ExecutionInterrupt
	explicit   bool
}

// WithInterrupts registers interrupts for this Execute call. They replace
// the executor defaults; calling it with no argument disables them.
func WithInterrupts(interrupts ...ExecutionInterrupt) ExecuteOption {
	return func(o *executeOptions) {
		o.interrupts = append(o.interrupts, interrupts...)
		o.explicit = true
	}
}

// Execute advances the conversation until it suspends, finishes or fails.
func (c *Conversation) Execute(ctx context.Context, opts ...ExecuteOption) (ExecutionStatus, error) {
	if !c.running.TryLock() {
		return nil, ErrConversationBusy
	}
	defer c.running.Unlock()

	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !o.explicit {
		o.interrupts = c.exec.defaultInterrupts
	}

	c.mu.Lock()
	if err := c.checkResumeLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.pending = nil
	tokensAtStart := c.usage.Total()
	c.mu.Unlock()

	run := &execution{
		conv:          c,
		interrupts:    o.interrupts,
		started:       time.Now(),
		tokensAtStart: tokensAtStart,
		allowYield:    true,
	}
	status, err := c.exec.execute(ctx, run)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.updatedAt = time.Now()
	if err != nil {
		c.logger.Warn("execution failed", zap.Error(err))
		return nil, err
	}
	c.pending = recordOf(status, len(c.messages))
	return status, nil
}

// checkResumeLocked enforces the precondition of the pending status.
func (c *Conversation) checkResumeLocked() error {
	p := c.pending
	if p == nil {
		return nil
	}
	switch p.Kind {
	case StatusFinished:
		return ErrConversationFinished
	case StatusInterrupted:
		return nil
	case StatusUserMessageRequest:
		for _, m := range c.messagesSinceLocked(p.MessageIndex) {
			if m.Role == types.RoleUser {
				return nil
			}
		}
		return fmt.Errorf("%w: a user message must be appended before resuming", ErrResumePrecondition)
	case StatusToolRequest:
		for _, r := range p.Requests {
			if _, ok := c.toolResultLocked(r.ID); !ok {
				return fmt.Errorf("%w: missing tool result for request %q (%s)", ErrResumePrecondition, r.ID, r.Name)
			}
		}
		return nil
	case StatusToolExecutionConfirmation:
		for _, r := range p.Requests {
			if _, ok := c.confirmations[r.ID]; !ok {
				return fmt.Errorf("%w: tool request %q (%s) is neither confirmed nor rejected", ErrResumePrecondition, r.ID, r.Name)
			}
		}
		return nil
	case StatusAuthChallengeRequest:
		if !c.authCompleted[p.ChallengeID] {
			return fmt.Errorf("%w: auth challenge %q not completed", ErrResumePrecondition, p.ChallengeID)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown pending status %q", ErrResumePrecondition, p.Kind)
}

func (c *Conversation) messagesSinceLocked(i int) []types.Message {
	if i < 0 || i > len(c.messages) {
		i = 0
	}
	return c.messages[i:]
}

func (c *Conversation) toolResultLocked(requestID string) (*types.ToolResult, bool) {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if r := c.messages[i].ToolResult; r != nil && r.ToolRequestID == requestID {
			res := *r
			return &res, true
		}
	}
	return nil, false
}

// ============================================================================
// Frame arena
// ============================================================================

func (c *Conversation) frame(path string) *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[path]
}

func (c *Conversation) putFrame(f *Frame) {
	c.mu.Lock()
	c.frames[f.Path] = f
	c.mu.Unlock()
}

// dropFrames removes the frame at path and every descendant.
func (c *Conversation) dropFrames(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := path + "/"
	for p := range c.frames {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(c.frames, p)
		}
	}
}

// resetStep forgets everything a failed step kept between invocations: its
// local state, the caller decision on its pending tool request and any child
// frames it left behind. The next Execute starts the step from scratch.
func (c *Conversation) resetStep(fr *Frame, step string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := fr.StepStates[step]["request_id"].(string); ok {
		delete(c.confirmations, id)
	}
	delete(fr.StepStates, step)
	prefix := childPath(fr.Path, step, "")
	for p := range c.frames {
		if strings.HasPrefix(p, prefix) {
			delete(c.frames, p)
		}
	}
}

func (c *Conversation) flowByID(id string) (*Flow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flows[id]
	return f, ok
}

func (c *Conversation) registerFlow(f *Flow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.flows[f.id]; ok {
		return
	}
	c.flows[f.id] = f
	for _, sub := range f.subFlows() {
		if _, ok := c.flows[sub.id]; !ok {
			c.flows[sub.id] = sub
		}
	}
}

// lookupVariableLocked finds the nearest frame, from path up to the root,
// whose flow declares name.
func (c *Conversation) lookupVariableLocked(path, name string) (*Frame, Variable, error) {
	for fr := c.frames[path]; fr != nil; {
		if fl := c.flows[fr.FlowID]; fl != nil {
			if v, ok := fl.varIndex[name]; ok {
				return fr, v, nil
			}
		}
		if fr.Path == "" {
			break
		}
		fr = c.frames[fr.Parent]
	}
	return nil, Variable{}, fmt.Errorf("%w: %q", ErrUnknownVariable, name)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
