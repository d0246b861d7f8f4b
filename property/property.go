// Package property describes typed values exchanged between steps and flows.
package property

import (
	"fmt"
	"sort"
	"strings"
)

// Kind 描述符的值类型
type Kind string

const (
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindFloat   Kind = "float"
	KindBoolean Kind = "boolean"
	KindList    Kind = "list"
	KindDict    Kind = "dict"
	KindObject  Kind = "object"
	KindUnion   Kind = "union"
	KindAny     Kind = "any"
	KindNull    Kind = "null"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindInteger, KindFloat, KindBoolean, KindList,
		KindDict, KindObject, KindUnion, KindAny, KindNull:
		return true
	}
	return false
}

// Property is an immutable, named value descriptor. The zero value is an
// unnamed "any" descriptor.
type Property struct {
	kind        Kind
	name        string
	description string

	def        any
	hasDefault bool

	item       *Property  // list
	value      *Property  // dict
	properties []Property // object, sorted by name
	anyOf      []Property // union
}

// Option customizes a Property at construction time.
type Option func(*Property)

// WithDescription sets a human readable description.
func WithDescription(desc string) Option {
	return func(p *Property) { p.description = desc }
}

// WithDefault marks the property optional with the given default value.
// A nil default is allowed and means "defaults to null".
func WithDefault(v any) Option {
	return func(p *Property) {
		p.def = deepCopy(v)
		p.hasDefault = true
	}
}

func newProperty(kind Kind, name string, opts []Option) Property {
	p := Property{kind: kind, name: name}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// String creates a string descriptor.
func String(name string, opts ...Option) Property { return newProperty(KindString, name, opts) }

// Integer creates an integer descriptor.
func Integer(name string, opts ...Option) Property { return newProperty(KindInteger, name, opts) }

// Float creates a float descriptor.
func Float(name string, opts ...Option) Property { return newProperty(KindFloat, name, opts) }

// Boolean creates a boolean descriptor.
func Boolean(name string, opts ...Option) Property { return newProperty(KindBoolean, name, opts) }

// Any creates a descriptor accepting every value.
func Any(name string, opts ...Option) Property { return newProperty(KindAny, name, opts) }

// Null creates a descriptor accepting only nil.
func Null(name string, opts ...Option) Property { return newProperty(KindNull, name, opts) }

// List creates a list descriptor whose elements conform to item.
func List(name string, item Property, opts ...Option) Property {
	p := newProperty(KindList, name, opts)
	it := item
	p.item = &it
	return p
}

// Dict creates a string-keyed dictionary descriptor whose values conform to value.
func Dict(name string, value Property, opts ...Option) Property {
	p := newProperty(KindDict, name, opts)
	v := value
	p.value = &v
	return p
}

// Object creates an object descriptor with the given named fields.
func Object(name string, fields []Property, opts ...Option) Property {
	p := newProperty(KindObject, name, opts)
	p.properties = append([]Property(nil), fields...)
	sort.Slice(p.properties, func(i, j int) bool { return p.properties[i].name < p.properties[j].name })
	return p
}

// Union creates a descriptor accepting values matching any member, tried in order.
func Union(name string, members []Property, opts ...Option) Property {
	p := newProperty(KindUnion, name, opts)
	p.anyOf = append([]Property(nil), members...)
	return p
}

// Name returns the descriptor name.
func (p Property) Name() string { return p.name }

// Kind returns the value kind. The zero Property reports KindAny.
func (p Property) Kind() Kind {
	if p.kind == "" {
		return KindAny
	}
	return p.kind
}

// Description returns the human readable description.
func (p Property) Description() string { return p.description }

// HasDefault reports whether the property carries a default value.
func (p Property) HasDefault() bool { return p.hasDefault }

// Default returns a deep copy of the default value.
func (p Property) Default() any { return deepCopy(p.def) }

// Item returns the element descriptor of a list.
func (p Property) Item() Property {
	if p.item == nil {
		return Any("")
	}
	return *p.item
}

// Value returns the value descriptor of a dict.
func (p Property) Value() Property {
	if p.value == nil {
		return Any("")
	}
	return *p.value
}

// Properties returns the fields of an object, sorted by name.
func (p Property) Properties() []Property {
	return append([]Property(nil), p.properties...)
}

// AnyOf returns the members of a union.
func (p Property) AnyOf() []Property {
	return append([]Property(nil), p.anyOf...)
}

// WithName returns a copy of p under a new name.
func (p Property) WithName(name string) Property {
	p.name = name
	return p
}

// WithDefault returns a copy of p carrying the given default.
func (p Property) WithDefault(v any) Property {
	p.def = deepCopy(v)
	p.hasDefault = true
	return p
}

// WithoutDefault returns a copy of p with the default removed.
func (p Property) WithoutDefault() Property {
	p.def = nil
	p.hasDefault = false
	return p
}

// WithDescription returns a copy of p with a new description.
func (p Property) WithDescription(desc string) Property {
	p.description = desc
	return p
}

// String renders the type, e.g. "list<dict<string>>".
func (p Property) String() string {
	switch p.Kind() {
	case KindList:
		return fmt.Sprintf("list<%s>", p.Item())
	case KindDict:
		return fmt.Sprintf("dict<%s>", p.Value())
	case KindObject:
		names := make([]string, 0, len(p.properties))
		for _, f := range p.properties {
			names = append(names, f.name+":"+f.String())
		}
		return "object{" + strings.Join(names, ",") + "}"
	case KindUnion:
		names := make([]string, 0, len(p.anyOf))
		for _, m := range p.anyOf {
			names = append(names, m.String())
		}
		return strings.Join(names, "|")
	default:
		return string(p.Kind())
	}
}

// IsAssignableTo reports whether every value conforming to p also fits dst.
// Integers widen to floats; "any" is compatible in both directions.
func (p Property) IsAssignableTo(dst Property) bool {
	src := p.Kind()
	dk := dst.Kind()
	if src == KindAny || dk == KindAny {
		return true
	}
	if src == KindUnion {
		for _, m := range p.anyOf {
			if !m.IsAssignableTo(dst) {
				return false
			}
		}
		return true
	}
	if dk == KindUnion {
		for _, m := range dst.anyOf {
			if p.IsAssignableTo(m) {
				return true
			}
		}
		return false
	}
	if src == KindInteger && dk == KindFloat {
		return true
	}
	if src != dk {
		return false
	}
	switch src {
	case KindList:
		return p.Item().IsAssignableTo(dst.Item())
	case KindDict:
		return p.Value().IsAssignableTo(dst.Value())
	case KindObject:
		have := make(map[string]Property, len(p.properties))
		for _, f := range p.properties {
			have[f.name] = f
		}
		for _, want := range dst.properties {
			got, ok := have[want.name]
			if !ok {
				if want.hasDefault {
					continue
				}
				return false
			}
			if !got.IsAssignableTo(want) {
				return false
			}
		}
		return true
	}
	return true
}

// Equal reports structural equality including names and defaults.
func (p Property) Equal(o Property) bool {
	if p.Kind() != o.Kind() || p.name != o.name || p.description != o.description || p.hasDefault != o.hasDefault {
		return false
	}
	if p.hasDefault && !valuesEqual(p.def, o.def) {
		return false
	}
	switch p.Kind() {
	case KindList:
		return p.Item().Equal(o.Item())
	case KindDict:
		return p.Value().Equal(o.Value())
	case KindObject:
		return equalSlices(p.properties, o.properties)
	case KindUnion:
		return equalSlices(p.anyOf, o.anyOf)
	}
	return true
}

func equalSlices(a, b []Property) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// ByName indexes descriptors by name. Later duplicates are ignored.
func ByName(props []Property) map[string]Property {
	out := make(map[string]Property, len(props))
	for _, p := range props {
		if _, ok := out[p.name]; !ok {
			out[p.name] = p
		}
	}
	return out
}
