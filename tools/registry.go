package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/property"
	"github.com/BaSui01/wayflow/types"
)

// Registry resolves tools by name, both for execution and for flow
// deserialization where executable code cannot travel with the definition.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry 创建工具注册中心。
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: 30 * time.Second,
		logger:  logger.With(zap.String("component", "tool_registry")),
	}
}

// WithTimeout sets the per-call timeout used by Run.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds tools; names must be unique.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		if t == nil || t.Name() == "" {
			return fmt.Errorf("tool must have a name")
		}
		if _, exists := r.tools[t.Name()]; exists {
			return fmt.Errorf("tool %s already registered", t.Name())
		}
		r.tools[t.Name()] = t
		r.logger.Debug("tool registered",
			zap.String("name", t.Name()),
			zap.Bool("client", IsClientTool(t)),
			zap.Bool("requires_confirmation", t.RequiresConfirmation()),
		)
	}
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}
	delete(r.tools, name)
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Run validates args against the tool inputs and executes a server tool
// with the registry timeout.
func Run(ctx context.Context, t ServerTool, args map[string]any, timeout time.Duration) (any, error) {
	coerced, err := CoerceArgs(t, args)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return t.Run(ctx, coerced)
}

// Run executes the named server tool.
func (r *Registry) Run(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("tool %s not found", name)
	}
	st, ok := t.(ServerTool)
	if !ok {
		return nil, fmt.Errorf("tool %s is a client tool and cannot run server-side", name)
	}
	start := time.Now()
	out, err := Run(ctx, st, args, r.timeout)
	r.logger.Debug("tool executed",
		zap.String("name", name),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return out, err
}

// CoerceArgs coerces args against the declared inputs, filling defaults.
// Unknown arguments are passed through untouched.
func CoerceArgs(t Tool, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, in := range t.InputDescriptors() {
		v, ok := out[in.Name()]
		if !ok {
			if in.HasDefault() {
				out[in.Name()] = in.Default()
				continue
			}
			return nil, types.NewError(types.ErrToolExecution,
				fmt.Sprintf("tool %s: missing argument", t.Name())).WithField(in.Name())
		}
		conv, err := in.Coerce(v)
		if err != nil {
			return nil, types.NewError(types.ErrToolExecution,
				fmt.Sprintf("tool %s: invalid argument", t.Name())).WithField(in.Name()).WithCause(err)
		}
		out[in.Name()] = conv
	}
	return out, nil
}

// Schema returns the JSON schema of the tool arguments.
func Schema(t Tool) *types.JSONSchema {
	s := property.ObjectSchema(t.InputDescriptors())
	s.Title = t.Name()
	s.Description = t.Description()
	return s
}
