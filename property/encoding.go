package property

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/wayflow/types"
)

// ToMap renders the descriptor as a JSON-schema-like document.
func (p Property) ToMap() map[string]any {
	m := map[string]any{"type": string(p.Kind())}
	if p.name != "" {
		m["title"] = p.name
	}
	if p.description != "" {
		m["description"] = p.description
	}
	if p.hasDefault {
		m["default"] = deepCopy(p.def)
	}
	switch p.Kind() {
	case KindList:
		m["items"] = p.Item().ToMap()
	case KindDict:
		m["additionalProperties"] = p.Value().ToMap()
	case KindObject:
		fields := make(map[string]any, len(p.properties))
		for _, f := range p.properties {
			fields[f.name] = f.ToMap()
		}
		m["properties"] = fields
	case KindUnion:
		members := make([]any, 0, len(p.anyOf))
		for _, a := range p.anyOf {
			members = append(members, a.ToMap())
		}
		m["anyOf"] = members
	}
	return m
}

// FromMap parses a document produced by ToMap. Defaults are coerced through
// the parsed descriptor so decoded numbers regain their declared kind.
func FromMap(m map[string]any) (Property, error) {
	return fromMap(m, "")
}

func fromMap(m map[string]any, path string) (Property, error) {
	kindStr, _ := m["type"].(string)
	if kindStr == "" {
		kindStr = string(KindAny)
	}
	kind := Kind(kindStr)
	if !kind.valid() {
		return Property{}, serializationError(path, fmt.Sprintf("unknown property type %q", kindStr))
	}
	p := Property{kind: kind}
	p.name, _ = m["title"].(string)
	p.description, _ = m["description"].(string)
	if path == "" {
		path = p.name
	}

	switch kind {
	case KindList:
		sub, err := childMap(m, "items", path)
		if err != nil {
			return Property{}, err
		}
		item, err := fromMap(sub, path+"[]")
		if err != nil {
			return Property{}, err
		}
		p.item = &item
	case KindDict:
		sub, err := childMap(m, "additionalProperties", path)
		if err != nil {
			return Property{}, err
		}
		value, err := fromMap(sub, path+".*")
		if err != nil {
			return Property{}, err
		}
		p.value = &value
	case KindObject:
		raw, _ := m["properties"].(map[string]any)
		names := make([]string, 0, len(raw))
		for name := range raw {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sub, ok := raw[name].(map[string]any)
			if !ok {
				return Property{}, serializationError(joinPath(path, name), "property must be an object")
			}
			field, err := fromMap(sub, joinPath(path, name))
			if err != nil {
				return Property{}, err
			}
			p.properties = append(p.properties, field.WithName(name))
		}
	case KindUnion:
		raw, _ := m["anyOf"].([]any)
		for i, r := range raw {
			sub, ok := r.(map[string]any)
			if !ok {
				return Property{}, serializationError(fmt.Sprintf("%s.anyOf[%d]", path, i), "member must be an object")
			}
			member, err := fromMap(sub, fmt.Sprintf("%s.anyOf[%d]", path, i))
			if err != nil {
				return Property{}, err
			}
			p.anyOf = append(p.anyOf, member)
		}
	}

	if def, ok := m["default"]; ok {
		p.hasDefault = true
		if def != nil {
			conv, err := p.WithoutDefault().Coerce(def)
			if err != nil {
				return Property{}, serializationError(path+".default", err.Error())
			}
			def = conv
		}
		p.def = def
	}
	return p, nil
}

func childMap(m map[string]any, key, path string) (map[string]any, error) {
	raw, ok := m[key]
	if !ok {
		return map[string]any{}, nil
	}
	sub, ok := raw.(map[string]any)
	if !ok {
		return nil, serializationError(path+"."+key, "must be an object")
	}
	return sub, nil
}

func serializationError(field, msg string) error {
	return types.NewError(types.ErrSerialization, msg).WithField(field)
}

// MarshalJSON implements json.Marshaler.
func (p Property) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.ToMap())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Property) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode property: %w", err)
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (p Property) MarshalYAML() (any, error) {
	return p.ToMap(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Property) UnmarshalYAML(node *yaml.Node) error {
	var m map[string]any
	if err := node.Decode(&m); err != nil {
		return fmt.Errorf("decode property: %w", err)
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// JSONSchema converts the descriptor into a JSON schema.
func (p Property) JSONSchema() *types.JSONSchema {
	s := &types.JSONSchema{Title: p.name, Description: p.description}
	if p.hasDefault {
		s.Default = deepCopy(p.def)
	}
	switch p.Kind() {
	case KindString:
		s.Type = types.SchemaTypeString
	case KindInteger:
		s.Type = types.SchemaTypeInteger
	case KindFloat:
		s.Type = types.SchemaTypeNumber
	case KindBoolean:
		s.Type = types.SchemaTypeBoolean
	case KindNull:
		s.Type = types.SchemaTypeNull
	case KindList:
		s.Type = types.SchemaTypeArray
		s.Items = p.Item().JSONSchema()
	case KindDict:
		s.Type = types.SchemaTypeObject
		s.AdditionalProperties = p.Value().JSONSchema()
	case KindObject:
		s.Type = types.SchemaTypeObject
		s.Properties = make(map[string]*types.JSONSchema, len(p.properties))
		for _, f := range p.properties {
			s.Properties[f.name] = f.JSONSchema()
			if !f.hasDefault {
				s.Required = append(s.Required, f.name)
			}
		}
	case KindUnion:
		for _, m := range p.anyOf {
			s.AnyOf = append(s.AnyOf, m.JSONSchema())
		}
	}
	return s
}

// ObjectSchema builds an object schema out of a descriptor list, the shape
// tools and flows expose for their inputs.
func ObjectSchema(props []Property) *types.JSONSchema {
	s := types.NewObjectSchema()
	for _, p := range props {
		s.SetProperty(p.name, p.JSONSchema(), !p.hasDefault)
	}
	return s
}
