package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/internal/pool"
	"github.com/BaSui01/wayflow/property"
)

const instrumentationName = "github.com/BaSui01/wayflow/workflow"

// MetricsRecorder receives execution measurements. internal/metrics.Collector
// implements it.
type MetricsRecorder interface {
	RecordStep(stepType, outcome string, d time.Duration)
	RecordExecution(flow, status string, d time.Duration)
	RecordTokens(flow string, prompt, completion int)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithWorkerPool runs blocking steps on the given pool service.
func WithWorkerPool(s *pool.Service) ExecutorOption {
	return func(e *Executor) { e.pool = s }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithMaxEvents sets the event log capacity of new conversations.
func WithMaxEvents(n int) ExecutorOption {
	return func(e *Executor) { e.maxEvents = n }
}

// WithDefaultInterrupts registers interrupts checked by every Execute call
// that does not pass its own.
func WithDefaultInterrupts(interrupts ...ExecutionInterrupt) ExecutorOption {
	return func(e *Executor) { e.defaultInterrupts = interrupts }
}

// WithCodecs sets the codec registry used by Conversation.Snapshot.
func WithCodecs(r *CodecRegistry) ExecutorOption {
	return func(e *Executor) { e.codecRegistry = r }
}

// Executor drives conversations step by step. It holds no per-conversation
// state and can be shared.
type Executor struct {
	logger            *zap.Logger
	pool              *pool.Service
	metrics           MetricsRecorder
	tracer            trace.Tracer
	maxEvents         int
	defaultInterrupts []ExecutionInterrupt
	codecRegistry     *CodecRegistry
}

// NewExecutor creates an executor. Without a worker pool, blocking steps
// run on a dedicated goroutine.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:    zap.NewNop(),
		maxEvents: DefaultMaxEvents,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}
	return e
}

func (e *Executor) codecs() *CodecRegistry {
	if e.codecRegistry == nil {
		return DefaultCodecs()
	}
	return e.codecRegistry
}

// execute runs the root frame for one Execute call.
func (e *Executor) execute(ctx context.Context, run *execution) (ExecutionStatus, error) {
	c := run.conv
	ctx, span := e.tracer.Start(ctx, "wayflow.conversation.execute",
		trace.WithAttributes(
			attribute.String("wayflow.conversation_id", c.id),
			attribute.String("wayflow.flow", c.flow.name),
		))
	defer span.End()

	root := c.frame("")
	if root == nil {
		return nil, fmt.Errorf("%w: conversation %s has no root frame", ErrConversationFinished, c.id)
	}
	status, err := e.runFrame(ctx, run, root, c.flow)

	outcome := "error"
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		outcome = string(status.Kind())
		span.SetAttributes(attribute.String("wayflow.status", outcome))
	}
	if e.metrics != nil {
		e.metrics.RecordExecution(c.flow.name, outcome, time.Since(run.started))
	}
	return status, err
}

// runFrame is the driving loop of one frame: interrupt check, input
// resolution, invocation, output recording, transition.
func (e *Executor) runFrame(ctx context.Context, run *execution, fr *Frame, flow *Flow) (ExecutionStatus, error) {
	c := run.conv
	for {
		if fr.Finished {
			return &FinishedStatus{
				statusBase:     statusBase{path: fr.Path},
				OutputValues:   flow.collectOutputs(fr.IO),
				CompleteBranch: fr.EndBranch,
			}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step, ok := flow.steps[fr.Cursor]
		if !ok {
			return nil, fmt.Errorf("frame %q: cursor on unknown step %q", fr.Path, fr.Cursor)
		}

		if st := checkInterrupts(run.interrupts, run.interruptState(fr.Path, step.Name())); st != nil {
			c.events.record(Event{Type: EventInterrupted, Path: fr.Path, Step: step.Name(), Detail: st.Reason})
			c.logger.Info("execution interrupted",
				zap.String("path", fr.Path),
				zap.String("step", step.Name()),
				zap.String("interrupt", st.Interrupt),
			)
			return st, nil
		}

		res, err := e.runStep(ctx, run, fr, flow, step)
		if err != nil {
			return nil, err
		}
		if res.Status != nil {
			return withPath(res.Status, fr.Path), nil
		}

		dest, endBranch, err := flow.next(step, res.Branch)
		if err != nil {
			return nil, &StepError{Step: step.Name(), Path: fr.Path, Err: err}
		}
		if dest != "" {
			fr.Cursor = dest
			continue
		}
		fr.Finished = true
		fr.EndBranch = endBranch
		c.events.record(Event{Type: EventFlowFinished, Path: fr.Path, Step: step.Name(), Detail: endBranch})
		c.logger.Debug("flow finished",
			zap.String("path", fr.Path),
			zap.String("flow", flow.name),
			zap.String("end_branch", endBranch),
		)
	}
}

// runStep invokes one step and records its outputs. A yielding result is
// returned untouched.
func (e *Executor) runStep(ctx context.Context, run *execution, fr *Frame, flow *Flow, step Step) (*StepResult, error) {
	c := run.conv
	stepType := StepTypeOf(step)
	logger := c.logger.With(zap.String("step", step.Name()), zap.String("path", fr.Path))

	ctx, span := e.tracer.Start(ctx, "wayflow.step",
		trace.WithAttributes(
			attribute.String("wayflow.step", step.Name()),
			attribute.String("wayflow.step_type", stepType),
			attribute.String("wayflow.path", fr.Path),
		))
	defer span.End()

	start := time.Now()
	c.events.record(Event{Type: EventStepStarted, Path: fr.Path, Step: step.Name(), Time: start})

	fail := func(err error) (*StepResult, error) {
		d := time.Since(start)
		var se *StepError
		if !errors.As(err, &se) || se.Step != step.Name() || se.Path != fr.Path {
			err = &StepError{Step: step.Name(), Path: fr.Path, Err: err}
		}
		c.resetStep(fr, step.Name())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.events.record(Event{Type: EventStepFailed, Path: fr.Path, Step: step.Name(), Duration: d, Detail: err.Error()})
		if e.metrics != nil {
			e.metrics.RecordStep(stepType, "error", d)
		}
		logger.Debug("step failed", zap.Duration("duration", d), zap.Error(err))
		return nil, err
	}

	inputs, err := e.resolveInputs(c, fr, flow, step)
	if err != nil {
		return fail(err)
	}
	sc := &StepContext{exec: e, run: run, frame: fr, flow: flow, step: step, logger: logger}
	res, err := e.invoke(ctx, step, inputs, sc)
	if err != nil {
		return fail(err)
	}
	if res == nil {
		res = &StepResult{Branch: BranchNext}
	}

	d := time.Since(start)
	if res.Status != nil {
		c.events.record(Event{Type: EventStepYielded, Path: fr.Path, Step: step.Name(), Duration: d, Detail: string(res.Status.Kind())})
		if e.metrics != nil {
			e.metrics.RecordStep(stepType, "yielded", d)
		}
		span.SetAttributes(attribute.String("wayflow.status", string(res.Status.Kind())))
		logger.Debug("step yielded", zap.String("status", string(res.Status.Kind())))
		return res, nil
	}

	outputs, err := finalizeOutputs(step, res.Outputs, logger)
	if err != nil {
		return fail(err)
	}
	e.recordOutputs(c, fr, flow, step, outputs)

	c.events.record(Event{Type: EventStepCompleted, Path: fr.Path, Step: step.Name(), Duration: d, Detail: res.Branch})
	if e.metrics != nil {
		e.metrics.RecordStep(stepType, "completed", d)
	}
	logger.Debug("step completed", zap.Duration("duration", d), zap.String("branch", res.Branch))
	return res, nil
}

// invoke adapts the invocation forms: Invoker runs inline, BlockingInvoker
// runs on the worker pool.
func (e *Executor) invoke(ctx context.Context, step Step, inputs map[string]any, sc *StepContext) (res *StepResult, err error) {
	switch s := step.(type) {
	case Invoker:
		defer func() {
			if r := recover(); r != nil {
				res, err = nil, fmt.Errorf("step panicked: %v", r)
			}
		}()
		return s.Invoke(ctx, inputs, sc)
	case BlockingInvoker:
		var out *StepResult
		task := func(ctx context.Context) error {
			var terr error
			out, terr = s.InvokeBlocking(ctx, inputs, sc)
			return terr
		}
		if e.pool != nil {
			if err := e.pool.SubmitWait(ctx, task); err != nil {
				return nil, err
			}
			return out, nil
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("step panicked: %v", r)
				}
			}()
			done <- task(ctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				return nil, err
			}
			return out, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: %T", ErrStepNotInvocable, step)
}

// resolveInputs looks up each input by priority: explicit data edge, I/O
// dictionary, visible variable, declared default.
func (e *Executor) resolveInputs(c *Conversation, fr *Frame, flow *Flow, step Step) (map[string]any, error) {
	mapping := step.InputMapping()
	inputs := make(map[string]any)
	for _, p := range step.InputDescriptors() {
		name := mapName(mapping, p.Name())
		v, ok := lookupInput(c, fr, flow, step, name)
		if !ok {
			if !p.HasDefault() {
				return nil, fmt.Errorf("%w: %q", ErrMissingInput, name)
			}
			inputs[p.Name()] = p.Default()
			continue
		}
		conv, err := p.Coerce(v)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		inputs[p.Name()] = conv
	}
	return inputs, nil
}

func lookupInput(c *Conversation, fr *Frame, flow *Flow, step Step, name string) (any, bool) {
	if edge, ok := flow.dataIn[step.Name()][name]; ok {
		if edge.Source == nil {
			if v, ok := fr.IO[edge.SourceOutput]; ok {
				return property.DeepCopy(v), true
			}
		} else if v, ok := fr.EdgeValues[step.Name()][name]; ok {
			return property.DeepCopy(v), true
		}
	}
	if v, ok := fr.IO[name]; ok {
		return property.DeepCopy(v), true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if vf, _, err := c.lookupVariableLocked(fr.Path, name); err == nil {
		return property.DeepCopy(vf.Variables[name]), true
	}
	return nil, false
}

// finalizeOutputs fills defaults, rejects missing outputs and drops
// undeclared keys.
func finalizeOutputs(step Step, raw map[string]any, logger *zap.Logger) (map[string]any, error) {
	declared := step.OutputDescriptors()
	out := make(map[string]any, len(declared))
	known := make(map[string]bool, len(declared))
	for _, p := range declared {
		known[p.Name()] = true
		v, ok := raw[p.Name()]
		if !ok {
			if !p.HasDefault() {
				return nil, fmt.Errorf("%w: %q", ErrMissingOutput, p.Name())
			}
			out[p.Name()] = p.Default()
			continue
		}
		conv, err := p.Coerce(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", p.Name(), err)
		}
		out[p.Name()] = conv
	}
	for k := range raw {
		if !known[k] {
			logger.Debug("dropping undeclared output", zap.String("output", k))
		}
	}
	return out, nil
}

// recordOutputs writes outputs into the I/O dictionary under their mapped
// names and forwards them along outgoing data edges.
func (e *Executor) recordOutputs(c *Conversation, fr *Frame, flow *Flow, step Step, outputs map[string]any) {
	mapping := step.OutputMapping()
	c.mu.Lock()
	defer c.mu.Unlock()
	for local, v := range outputs {
		name := mapName(mapping, local)
		fr.IO[name] = v
		for _, edge := range flow.dataOut[step.Name()] {
			if edge.SourceOutput != name {
				continue
			}
			if edge.Destination == nil {
				fr.IO[edge.DestinationInput] = property.DeepCopy(v)
				continue
			}
			if fr.EdgeValues == nil {
				fr.EdgeValues = make(map[string]map[string]any)
			}
			dst := edge.Destination.Name()
			if fr.EdgeValues[dst] == nil {
				fr.EdgeValues[dst] = make(map[string]any)
			}
			fr.EdgeValues[dst][edge.DestinationInput] = property.DeepCopy(v)
		}
	}
	delete(fr.StepStates, step.Name())
}

// StepTypeOf returns the registered type name of a step, or its Go type
// name.
func StepTypeOf(s Step) string {
	if t, ok := s.(interface{ StepType() string }); ok {
		return t.StepType()
	}
	name := reflect.TypeOf(s).String()
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
