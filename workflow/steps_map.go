package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/wayflow/property"
)

// Names used by MapStep.
const (
	IteratedInput = "iterated_input"
	MapKeyField   = "_key"
	MapValueField = "_value"
)

// MapStepConfig configures a MapStep.
type MapStepConfig struct {
	Flow *Flow
	// UnpackInput maps a sub-flow input name to a path into the iterated
	// element: "." is the whole element, ".a.b" a nested field. Dict inputs
	// are iterated as {"_key": k, "_value": v} items in key order.
	UnpackInput map[string]string
	// Outputs selects the sub-flow outputs to collect; empty means all.
	Outputs           []string
	ParallelExecution bool
	MaxWorkers        int
}

// MapStep runs a flow once per element of iterated_input and collects each
// selected output into a list ordered like the input.
type MapStep struct {
	BaseStep
	cfg       MapStepConfig
	collected []property.Property
	forwarded []property.Property
	stepType  string
}

// NewMapStep creates a map step.
func NewMapStep(name string, cfg MapStepConfig, opts ...StepOption) (*MapStep, error) {
	if cfg.Flow == nil {
		return nil, fmt.Errorf("%w: step %q has no flow", ErrMissingStepConfig, name)
	}
	s := &MapStep{BaseStep: NewBaseStep(name, opts...), cfg: cfg, stepType: "MapStep"}
	s.cfg.UnpackInput = copyStringMap(cfg.UnpackInput)
	s.cfg.Outputs = append([]string(nil), cfg.Outputs...)

	subInputs := property.ByName(cfg.Flow.InputDescriptors())
	for in, path := range s.cfg.UnpackInput {
		if _, ok := subInputs[in]; !ok {
			return nil, flowError(ErrUnknownDataName, "step %q unpacks into unknown sub-flow input %q", name, in)
		}
		if !strings.HasPrefix(path, ".") {
			return nil, flowError(ErrMissingStepConfig, "step %q: unpack path %q must start with '.'", name, path)
		}
	}
	for _, p := range cfg.Flow.InputDescriptors() {
		if _, unpacked := s.cfg.UnpackInput[p.Name()]; !unpacked {
			s.forwarded = append(s.forwarded, p)
		}
	}

	subOutputs := cfg.Flow.OutputDescriptors()
	if len(s.cfg.Outputs) == 0 {
		s.collected = subOutputs
	} else {
		byName := property.ByName(subOutputs)
		for _, n := range s.cfg.Outputs {
			p, ok := byName[n]
			if !ok {
				return nil, flowError(ErrUnknownDataName, "step %q collects unknown sub-flow output %q", name, n)
			}
			s.collected = append(s.collected, p)
		}
	}
	return s, nil
}

// NewParallelMapStep creates a map step that always runs elements
// concurrently, at most maxWorkers at a time.
func NewParallelMapStep(name string, flow *Flow, unpackInput map[string]string, outputs []string, maxWorkers int, opts ...StepOption) (*MapStep, error) {
	s, err := NewMapStep(name, MapStepConfig{
		Flow:              flow,
		UnpackInput:       unpackInput,
		Outputs:           outputs,
		ParallelExecution: true,
		MaxWorkers:        maxWorkers,
	}, opts...)
	if err != nil {
		return nil, err
	}
	s.stepType = "ParallelMapStep"
	return s, nil
}

func (s *MapStep) StepType() string      { return s.stepType }
func (s *MapStep) Config() MapStepConfig { return s.cfg }
func (s *MapStep) SubFlows() []*Flow     { return []*Flow{s.cfg.Flow} }

func (s *MapStep) InputDescriptors() []property.Property {
	iterated := property.Union(IteratedInput, []property.Property{
		property.List("", property.Any("")),
		property.Dict("", property.Any("")),
	}, property.WithDescription("collection to iterate"))
	return append([]property.Property{iterated}, s.forwarded...)
}

func (s *MapStep) OutputDescriptors() []property.Property {
	out := make([]property.Property, len(s.collected))
	for i, p := range s.collected {
		out[i] = property.List(p.Name(), p.WithName("").WithoutDefault())
	}
	return out
}

func (s *MapStep) Invoke(ctx context.Context, inputs map[string]any, sc *StepContext) (*StepResult, error) {
	elements, err := iterate(inputs[IteratedInput])
	if err != nil {
		return nil, err
	}
	subInputs := make([]map[string]any, len(elements))
	for i, el := range elements {
		sub, err := s.unpack(el, inputs)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		subInputs[i] = sub
	}

	var results []map[string]any
	if s.cfg.ParallelExecution {
		results, err = s.runParallel(ctx, subInputs, sc)
	} else {
		var status ExecutionStatus
		results, status, err = s.runSequential(ctx, subInputs, sc)
		if status != nil {
			return Yield(status), nil
		}
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(s.collected))
	for _, p := range s.collected {
		list := make([]any, len(results))
		for i, r := range results {
			list[i] = r[p.Name()]
		}
		out[p.Name()] = list
	}
	return Next(out), nil
}

// runSequential keeps the next index and the finished results in step state
// so a suspended element resumes where it stopped.
func (s *MapStep) runSequential(ctx context.Context, subInputs []map[string]any, sc *StepContext) ([]map[string]any, ExecutionStatus, error) {
	state := sc.State()
	next, _ := stateInt(state, "index")
	done, _ := state["results"].([]any)

	results := make([]map[string]any, len(subInputs))
	for i := 0; i < next && i < len(done); i++ {
		results[i], _ = done[i].(map[string]any)
	}
	for i := next; i < len(subInputs); i++ {
		res, err := sc.RunSubFlow(ctx, strconv.Itoa(i), s.cfg.Flow, subInputs[i])
		if err != nil {
			return nil, nil, fmt.Errorf("element %d: %w", i, err)
		}
		if !res.Finished() {
			return nil, res.Status, nil
		}
		results[i] = res.Outputs
		done = append(done[:i:i], res.Outputs)
		state["index"] = i + 1
		state["results"] = done
	}
	return results, nil, nil
}

func (s *MapStep) runParallel(ctx context.Context, subInputs []map[string]any, sc *StepContext) ([]map[string]any, error) {
	results := make([]map[string]any, len(subInputs))
	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.MaxWorkers > 0 {
		g.SetLimit(s.cfg.MaxWorkers)
	}
	child := sc.ForParallel()
	for i := range subInputs {
		g.Go(func() error {
			res, err := child.RunSubFlow(gctx, strconv.Itoa(i), s.cfg.Flow, subInputs[i])
			if err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
			results[i] = res.Outputs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// unpack builds the sub-flow inputs of one element.
func (s *MapStep) unpack(element any, inputs map[string]any) (map[string]any, error) {
	sub := make(map[string]any, len(s.cfg.UnpackInput)+len(s.forwarded))
	for _, p := range s.forwarded {
		if v, ok := inputs[p.Name()]; ok {
			sub[p.Name()] = v
		}
	}
	if len(s.cfg.UnpackInput) == 0 {
		return sub, nil
	}
	var raw []byte
	for in, path := range s.cfg.UnpackInput {
		if path == "." {
			sub[in] = property.DeepCopy(element)
			continue
		}
		if raw == nil {
			b, err := json.Marshal(element)
			if err != nil {
				return nil, fmt.Errorf("encode element: %w", err)
			}
			raw = b
		}
		r := gjson.GetBytes(raw, strings.TrimPrefix(path, "."))
		if !r.Exists() {
			return nil, fmt.Errorf("%w: path %q not found for sub-flow input %q", ErrMissingInput, path, in)
		}
		sub[in] = jsonValue(r)
	}
	return sub, nil
}

// jsonValue is gjson.Result.Value with integer literals kept as int, the
// way property coercion and the "." path produce them.
func jsonValue(r gjson.Result) any {
	switch {
	case r.Type == gjson.Number:
		if !strings.ContainsAny(r.Raw, ".eE") {
			if i, err := strconv.ParseInt(r.Raw, 10, 0); err == nil {
				return int(i)
			}
		}
		return r.Num
	case r.IsArray():
		out := make([]any, 0)
		r.ForEach(func(_, v gjson.Result) bool {
			out = append(out, jsonValue(v))
			return true
		})
		return out
	case r.IsObject():
		out := make(map[string]any)
		r.ForEach(func(k, v gjson.Result) bool {
			out[k.String()] = jsonValue(v)
			return true
		})
		return out
	}
	return r.Value()
}

// iterate turns the iterated input into elements. Dicts yield key/value
// items sorted by key.
func iterate(v any) ([]any, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return c, nil
	case map[string]any:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = map[string]any{MapKeyField: k, MapValueField: c[k]}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s must be a list or a dict, got %T", ErrMissingInput, IteratedInput, v)
}
