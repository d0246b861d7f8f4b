package types

import "slices"

// SchemaType JSON Schema 基本类型
type SchemaType string

const (
	SchemaTypeString  SchemaType = "string"
	SchemaTypeNumber  SchemaType = "number"
	SchemaTypeInteger SchemaType = "integer"
	SchemaTypeBoolean SchemaType = "boolean"
	SchemaTypeNull    SchemaType = "null"
	SchemaTypeObject  SchemaType = "object"
	SchemaTypeArray   SchemaType = "array"
)

// JSONSchema 是 property 描述符导出的 schema 子集，
// 工具参数和流程输入都以 object 形式暴露。
type JSONSchema struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Type        SchemaType `json:"type,omitempty"`
	Default     any        `json:"default,omitempty"`
	Enum        []any      `json:"enum,omitempty"`

	Properties           map[string]*JSONSchema `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	AdditionalProperties *JSONSchema            `json:"additionalProperties,omitempty"`
	Items                *JSONSchema            `json:"items,omitempty"`
	AnyOf                []*JSONSchema          `json:"anyOf,omitempty"`
}

// NewObjectSchema 创建空 object schema
func NewObjectSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeObject, Properties: map[string]*JSONSchema{}}
}

// SetProperty adds or replaces a field. Required names stay unique and in
// insertion order.
func (s *JSONSchema) SetProperty(name string, prop *JSONSchema, required bool) *JSONSchema {
	if s.Properties == nil {
		s.Properties = map[string]*JSONSchema{}
	}
	s.Properties[name] = prop
	idx := slices.Index(s.Required, name)
	switch {
	case required && idx < 0:
		s.Required = append(s.Required, name)
	case !required && idx >= 0:
		s.Required = slices.Delete(s.Required, idx, idx+1)
	}
	return s
}

func (s *JSONSchema) IsRequired(name string) bool {
	return slices.Contains(s.Required, name)
}
