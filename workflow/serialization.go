package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/wayflow/llm"
	"github.com/BaSui01/wayflow/property"
	"github.com/BaSui01/wayflow/tools"
	"github.com/BaSui01/wayflow/types"
)

// Format selects the encoding of a serialized flow.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// SerializationVersion is written into every flow document.
const SerializationVersion = "1"

// SerializationError reports a component that could not be encoded or
// decoded. Field is a dotted path into the document.
type SerializationError struct {
	Field string
	Err   error
}

func (e *SerializationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("serialization: %v", e.Err)
	}
	return fmt.Sprintf("serialization: %s: %v", e.Field, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// AsTypesError converts to the cross-package error type.
func (e *SerializationError) AsTypesError() *types.Error {
	return types.NewError(types.ErrSerialization, e.Error()).WithField(e.Field).WithCause(e.Err)
}

func serialErr(field string, format string, args ...any) error {
	return &SerializationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// ============================================================================
// Document model
// ============================================================================

type flowDocument struct {
	Version string              `json:"version" yaml:"version"`
	Flow    string              `json:"flow" yaml:"flow"`
	Flows   map[string]*flowDoc `json:"flows" yaml:"flows"`
}

type flowDoc struct {
	ID                string              `json:"id" yaml:"id"`
	Name              string              `json:"name" yaml:"name"`
	Description       string              `json:"description,omitempty" yaml:"description,omitempty"`
	BeginStep         string              `json:"begin_step" yaml:"begin_step"`
	Steps             []stepDoc           `json:"steps" yaml:"steps"`
	ControlFlowEdges  []controlEdgeDoc    `json:"control_flow_edges,omitempty" yaml:"control_flow_edges,omitempty"`
	DataFlowEdges     []dataEdgeDoc       `json:"data_flow_edges,omitempty" yaml:"data_flow_edges,omitempty"`
	Variables         []Variable          `json:"variables,omitempty" yaml:"variables,omitempty"`
	InputDescriptors  []property.Property `json:"input_descriptors,omitempty" yaml:"input_descriptors,omitempty"`
	OutputDescriptors []property.Property `json:"output_descriptors,omitempty" yaml:"output_descriptors,omitempty"`
}

type stepDoc struct {
	Name          string            `json:"name" yaml:"name"`
	Type          string            `json:"type" yaml:"type"`
	InputMapping  map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
	Config        map[string]any    `json:"config,omitempty" yaml:"config,omitempty"`
}

type controlEdgeDoc struct {
	Source       string `json:"source" yaml:"source"`
	SourceBranch string `json:"source_branch,omitempty" yaml:"source_branch,omitempty"`
	Destination  string `json:"destination,omitempty" yaml:"destination,omitempty"`
}

// dataEdgeDoc uses empty step names for the flow boundary.
type dataEdgeDoc struct {
	Source           string `json:"source,omitempty" yaml:"source,omitempty"`
	SourceOutput     string `json:"source_output" yaml:"source_output"`
	Destination      string `json:"destination,omitempty" yaml:"destination,omitempty"`
	DestinationInput string `json:"destination_input" yaml:"destination_input"`
}

// ============================================================================
// Encoding
// ============================================================================

// EncodeContext is handed to step codecs while encoding.
type EncodeContext struct {
	enc *flowEncoder
}

// FlowRef schedules a sub-flow for inline encoding and returns the ID that
// refers to it.
func (ec *EncodeContext) FlowRef(f *Flow) (string, error) {
	if f == nil {
		return "", errors.New("nil flow")
	}
	return ec.enc.encodeFlow(f)
}

type flowEncoder struct {
	codecs *CodecRegistry
	flows  map[string]*flowDoc
}

// SerializeFlow encodes a flow with the default codec registry.
func SerializeFlow(f *Flow, format Format) ([]byte, error) {
	return DefaultCodecs().SerializeFlow(f, format)
}

// SerializeFlow encodes f and every flow reachable through composite steps.
// Steps without a registered codec fail with ErrNotSerializable.
func (r *CodecRegistry) SerializeFlow(f *Flow, format Format) ([]byte, error) {
	doc, err := r.encodeDocument(f)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatYAML:
		data, err := yaml.Marshal(doc)
		if err != nil {
			return nil, &SerializationError{Err: fmt.Errorf("marshal yaml: %w", err)}
		}
		return data, nil
	case FormatJSON, "":
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, &SerializationError{Err: fmt.Errorf("marshal json: %w", err)}
		}
		return data, nil
	}
	return nil, serialErr("", "unknown format %q", format)
}

func (r *CodecRegistry) encodeDocument(f *Flow) (*flowDocument, error) {
	if f == nil {
		return nil, serialErr("flow", "nil flow")
	}
	enc := &flowEncoder{codecs: r, flows: make(map[string]*flowDoc)}
	id, err := enc.encodeFlow(f)
	if err != nil {
		return nil, err
	}
	return &flowDocument{Version: SerializationVersion, Flow: id, Flows: enc.flows}, nil
}

func (e *flowEncoder) encodeFlow(f *Flow) (string, error) {
	if _, seen := e.flows[f.id]; seen {
		return f.id, nil
	}
	doc := &flowDoc{
		ID:          f.id,
		Name:        f.name,
		Description: f.description,
		BeginStep:   f.begin.Name(),
		Variables:   f.Variables(),
	}
	// Registered before the steps so that a self-reference terminates.
	e.flows[f.id] = doc

	ec := &EncodeContext{enc: e}
	for _, s := range f.Steps() {
		sd, err := e.encodeStep(s, ec)
		if err != nil {
			delete(e.flows, f.id)
			return "", err
		}
		doc.Steps = append(doc.Steps, sd)
	}
	for _, edge := range f.controlEdges {
		doc.ControlFlowEdges = append(doc.ControlFlowEdges, controlEdgeDoc{
			Source:       stepName(edge.Source),
			SourceBranch: edge.branch(),
			Destination:  stepName(edge.Destination),
		})
	}
	for _, edge := range f.dataEdges {
		doc.DataFlowEdges = append(doc.DataFlowEdges, dataEdgeDoc{
			Source:           stepName(edge.Source),
			SourceOutput:     edge.SourceOutput,
			Destination:      stepName(edge.Destination),
			DestinationInput: edge.DestinationInput,
		})
	}
	if f.explicitInputs {
		doc.InputDescriptors = f.InputDescriptors()
	}
	if f.explicitOutputs {
		doc.OutputDescriptors = f.OutputDescriptors()
	}
	return f.id, nil
}

func (e *flowEncoder) encodeStep(s Step, ec *EncodeContext) (stepDoc, error) {
	typ := StepTypeOf(s)
	field := "steps." + s.Name()
	codec, ok := e.codecs.lookup(typ)
	if !ok {
		return stepDoc{}, &SerializationError{Field: field, Err: fmt.Errorf("%w: step type %s", ErrNotSerializable, typ)}
	}
	cfg, err := codec.Encode(s, ec)
	if err != nil {
		var se *SerializationError
		if errors.As(err, &se) {
			return stepDoc{}, err
		}
		return stepDoc{}, &SerializationError{Field: field, Err: err}
	}
	plain, err := toPlain(cfg)
	if err != nil {
		return stepDoc{}, &SerializationError{Field: field + ".config", Err: err}
	}
	return stepDoc{
		Name:          s.Name(),
		Type:          typ,
		InputMapping:  s.InputMapping(),
		OutputMapping: s.OutputMapping(),
		Config:        plain,
	}, nil
}

// toPlain normalizes codec output to JSON-compatible maps so that YAML and
// JSON documents carry the same shapes.
func toPlain(cfg map[string]any) (map[string]any, error) {
	if len(cfg) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// Decoding
// ============================================================================

// DeserializationContext resolves references that a document cannot carry
// inline: server tools by name and LLM providers by name.
type DeserializationContext struct {
	Tools  *tools.Registry
	LLMs   map[string]llm.Provider
	Codecs *CodecRegistry
	Logger *zap.Logger
}

// NewDeserializationContext creates a context using the default codecs.
func NewDeserializationContext(registry *tools.Registry, providers ...llm.Provider) *DeserializationContext {
	dctx := &DeserializationContext{Tools: registry, LLMs: make(map[string]llm.Provider, len(providers))}
	for _, p := range providers {
		dctx.LLMs[p.Name()] = p
	}
	return dctx
}

func (d *DeserializationContext) codecs() *CodecRegistry {
	if d == nil || d.Codecs == nil {
		return DefaultCodecs()
	}
	return d.Codecs
}

func (d *DeserializationContext) logger() *zap.Logger {
	if d == nil || d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// DecodeContext is handed to step codecs while decoding.
type DecodeContext struct {
	dec   *flowDecoder
	field string
}

// Flow decodes (once) the flow document with the given ID.
func (dc *DecodeContext) Flow(id string) (*Flow, error) {
	return dc.dec.flow(id)
}

// Tool resolves a server tool from the tool registry.
func (dc *DecodeContext) Tool(name string) (tools.Tool, error) {
	if dc.dec.dctx == nil || dc.dec.dctx.Tools == nil {
		return nil, serialErr(dc.field, "tool %q: no tool registry", name)
	}
	t, ok := dc.dec.dctx.Tools.Get(name)
	if !ok {
		return nil, serialErr(dc.field, "tool %q not registered", name)
	}
	return t, nil
}

// LLM resolves a provider by name.
func (dc *DecodeContext) LLM(name string) (llm.Provider, error) {
	if dc.dec.dctx != nil {
		if p, ok := dc.dec.dctx.LLMs[name]; ok && p != nil {
			return p, nil
		}
	}
	return nil, serialErr(dc.field, "llm %q not registered", name)
}

type flowDecoder struct {
	dctx     *DeserializationContext
	docs     map[string]*flowDoc
	built    map[string]*Flow
	building map[string]bool
}

// DeserializeFlow decodes a document produced by SerializeFlow. The format
// is detected from the first non-blank byte.
func DeserializeFlow(data []byte, dctx *DeserializationContext) (*Flow, error) {
	var doc flowDocument
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &SerializationError{Err: fmt.Errorf("unmarshal json: %w", err)}
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &SerializationError{Err: fmt.Errorf("unmarshal yaml: %w", err)}
	}
	return decodeDocument(&doc, dctx)
}

func decodeDocument(doc *flowDocument, dctx *DeserializationContext) (*Flow, error) {
	if doc.Version != SerializationVersion {
		return nil, serialErr("version", "unsupported version %q", doc.Version)
	}
	if doc.Flow == "" {
		return nil, serialErr("flow", "missing root flow id")
	}
	dec := &flowDecoder{
		dctx:     dctx,
		docs:     doc.Flows,
		built:    make(map[string]*Flow),
		building: make(map[string]bool),
	}
	return dec.flow(doc.Flow)
}

func (d *flowDecoder) flow(id string) (*Flow, error) {
	if f, ok := d.built[id]; ok {
		return f, nil
	}
	field := "flows." + id
	doc, ok := d.docs[id]
	if !ok || doc == nil {
		return nil, serialErr(field, "flow not found in document")
	}
	if d.building[id] {
		return nil, serialErr(field, "flow references itself")
	}
	d.building[id] = true
	defer delete(d.building, id)

	steps := make(map[string]Step, len(doc.Steps))
	list := make([]Step, 0, len(doc.Steps))
	for i, sd := range doc.Steps {
		stepField := fmt.Sprintf("%s.steps[%d]", field, i)
		if sd.Name == "" {
			return nil, serialErr(stepField, "step has no name")
		}
		if _, dup := steps[sd.Name]; dup {
			return nil, serialErr(stepField, "duplicate step %q", sd.Name)
		}
		s, err := d.step(sd, stepField)
		if err != nil {
			return nil, err
		}
		steps[sd.Name] = s
		list = append(list, s)
	}

	lookup := func(edgeField, name string) (Step, error) {
		if name == "" {
			return nil, nil
		}
		s, ok := steps[name]
		if !ok {
			return nil, serialErr(edgeField, "unknown step %q", name)
		}
		return s, nil
	}

	begin, ok := steps[doc.BeginStep]
	if !ok {
		return nil, serialErr(field+".begin_step", "unknown step %q", doc.BeginStep)
	}
	cfg := FlowConfig{
		ID:                doc.ID,
		Name:              doc.Name,
		Description:       doc.Description,
		BeginStep:         begin,
		Steps:             list,
		Variables:         doc.Variables,
		InputDescriptors:  doc.InputDescriptors,
		OutputDescriptors: doc.OutputDescriptors,
		Logger:            d.dctx.logger(),
	}
	for i, e := range doc.ControlFlowEdges {
		ef := fmt.Sprintf("%s.control_flow_edges[%d]", field, i)
		src, err := lookup(ef, e.Source)
		if err != nil {
			return nil, err
		}
		if src == nil {
			return nil, serialErr(ef, "control edge has no source")
		}
		dst, err := lookup(ef, e.Destination)
		if err != nil {
			return nil, err
		}
		cfg.ControlFlowEdges = append(cfg.ControlFlowEdges, ControlFlowEdge{Source: src, SourceBranch: e.SourceBranch, Destination: dst})
	}
	for i, e := range doc.DataFlowEdges {
		ef := fmt.Sprintf("%s.data_flow_edges[%d]", field, i)
		src, err := lookup(ef, e.Source)
		if err != nil {
			return nil, err
		}
		dst, err := lookup(ef, e.Destination)
		if err != nil {
			return nil, err
		}
		cfg.DataFlowEdges = append(cfg.DataFlowEdges, NewDataFlowEdge(src, e.SourceOutput, dst, e.DestinationInput))
	}

	f, err := NewFlow(cfg)
	if err != nil {
		return nil, &SerializationError{Field: field, Err: err}
	}
	d.built[id] = f
	return f, nil
}

func (d *flowDecoder) step(sd stepDoc, field string) (Step, error) {
	codec, ok := d.dctx.codecs().lookup(sd.Type)
	if !ok {
		return nil, &SerializationError{Field: field, Err: fmt.Errorf("%w: unknown step type %q", ErrNotSerializable, sd.Type)}
	}
	var opts []StepOption
	if len(sd.InputMapping) > 0 {
		opts = append(opts, WithInputMapping(sd.InputMapping))
	}
	if len(sd.OutputMapping) > 0 {
		opts = append(opts, WithOutputMapping(sd.OutputMapping))
	}
	dc := &DecodeContext{dec: d, field: field}
	s, err := codec.Decode(sd.Name, StepConfig(sd.Config), dc, opts...)
	if err != nil {
		var se *SerializationError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &SerializationError{Field: field, Err: err}
	}
	return s, nil
}

// ============================================================================
// StepConfig
// ============================================================================

// StepConfig is the decoded config object of one step. Accessors tolerate
// both JSON (float64) and YAML (int) number shapes.
type StepConfig map[string]any

// String returns a string field, "" when absent.
func (c StepConfig) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Bool returns a boolean field.
func (c StepConfig) Bool(key string) bool {
	b, _ := c[key].(bool)
	return b
}

// Int returns an integer field, 0 when absent.
func (c StepConfig) Int(key string) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Duration reads a duration written as a Go duration string.
func (c StepConfig) Duration(key string) (time.Duration, error) {
	s := c.String(key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// Strings returns a string list field.
func (c StepConfig) Strings(key string) []string {
	raw, _ := c[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// StringMap returns a string to string map field.
func (c StepConfig) StringMap(key string) map[string]string {
	raw, _ := c[key].(map[string]any)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Decode converts one field into out through its JSON form.
func (c StepConfig) Decode(key string, out any) error {
	raw, ok := c[key]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// ============================================================================
// Files
// ============================================================================

// SaveFlowFile writes f to path; the format follows the file extension.
func SaveFlowFile(f *Flow, path string) error {
	format := FormatJSON
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		format = FormatYAML
	}
	data, err := SerializeFlow(f, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write flow file: %w", err)
	}
	return nil
}

// LoadFlowFile reads a flow written by SaveFlowFile.
func LoadFlowFile(path string, dctx *DeserializationContext) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	return DeserializeFlow(data, dctx)
}
