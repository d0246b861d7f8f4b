package property

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/BaSui01/wayflow/types"
)

// ValidationError reports a value that does not fit a descriptor.
type ValidationError struct {
	Path     string
	Expected string
	Got      string
	Reason   string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("expected %s, got %s", e.Expected, e.Got)
	if e.Reason != "" {
		msg = e.Reason
	}
	if e.Path == "" {
		return "invalid value: " + msg
	}
	return fmt.Sprintf("invalid value at %q: %s", e.Path, msg)
}

// AsTypesError converts the error into the shared structured error type.
func (e *ValidationError) AsTypesError() *types.Error {
	return types.NewError(types.ErrPropertyValidation, e.Error()).WithField(e.Path)
}

// Conforms reports whether v structurally matches p without conversion.
func (p Property) Conforms(v any) bool {
	_, err := p.convert(v, p.name, true)
	return err == nil
}

// Validate is Conforms with the failure reason.
func (p Property) Validate(v any) error {
	_, err := p.convert(v, p.name, true)
	return err
}

// Coerce converts v into the canonical representation of p: integers become
// int, floats float64, lists []any, dicts and objects map[string]any. Numeric
// strings are parsed, integral floats narrowed. Missing object fields with a
// default are filled in.
func (p Property) Coerce(v any) (any, error) {
	return p.convert(v, p.name, false)
}

func (p Property) convert(v any, path string, strict bool) (any, error) {
	kind := p.Kind()
	if kind == KindAny {
		if strict {
			return v, nil
		}
		return normalize(v), nil
	}
	if v == nil {
		if kind == KindNull {
			return nil, nil
		}
		if kind == KindUnion {
			for _, m := range p.anyOf {
				if m.Kind() == KindNull || m.Kind() == KindAny {
					return nil, nil
				}
			}
		}
		return nil, p.mismatch(path, v)
	}
	switch kind {
	case KindNull:
		return nil, p.mismatch(path, v)
	case KindString:
		switch s := v.(type) {
		case string:
			return s, nil
		case json.Number:
			if !strict {
				return s.String(), nil
			}
		}
		return nil, p.mismatch(path, v)
	case KindBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if !strict {
				if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
					return parsed, nil
				}
			}
		}
		return nil, p.mismatch(path, v)
	case KindInteger:
		return p.toInteger(v, path, strict)
	case KindFloat:
		return p.toFloat(v, path, strict)
	case KindList:
		return p.toList(v, path, strict)
	case KindDict:
		return p.toDict(v, path, strict)
	case KindObject:
		return p.toObject(v, path, strict)
	case KindUnion:
		for _, m := range p.anyOf {
			if out, err := m.convert(v, path, strict); err == nil {
				return out, nil
			}
		}
		return nil, &ValidationError{Path: path, Expected: p.String(), Got: describe(v),
			Reason: fmt.Sprintf("value of type %s matches no member of %s", describe(v), p.String())}
	}
	return nil, p.mismatch(path, v)
}

func (p Property) mismatch(path string, v any) error {
	return &ValidationError{Path: path, Expected: p.String(), Got: describe(v)}
}

func (p Property) toInteger(v any, path string, strict bool) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt {
			return nil, p.outOfRange(path, v)
		}
		return int(u), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if !strict && f == math.Trunc(f) && !math.IsInf(f, 0) {
			return p.floatToInt(f, path, v)
		}
	case reflect.String:
		if strict {
			break
		}
		s := strings.TrimSpace(rv.String())
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			if i < math.MinInt || i > math.MaxInt {
				return nil, p.outOfRange(path, v)
			}
			return int(i), nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
			return p.floatToInt(f, path, v)
		}
	}
	return nil, p.mismatch(path, v)
}

// minIntFloat is -2^63 on 64-bit platforms; int covers [minIntFloat, -minIntFloat).
const minIntFloat = float64(math.MinInt)

// floatToInt converts an integral f, rejecting values outside int.
func (p Property) floatToInt(f float64, path string, v any) (any, error) {
	if f < minIntFloat || f >= -minIntFloat {
		return nil, p.outOfRange(path, v)
	}
	return int(f), nil
}

func (p Property) outOfRange(path string, v any) error {
	return &ValidationError{Path: path, Expected: p.String(), Got: describe(v),
		Reason: fmt.Sprintf("%v overflows int", v)}
}

func (p Property) toFloat(v any, path string, strict bool) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.String:
		if strict {
			break
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(rv.String()), 64); err == nil {
			return f, nil
		}
	}
	return nil, p.mismatch(path, v)
}

func (p Property) toList(v any, path string, strict bool) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, p.mismatch(path, v)
	}
	item := p.Item()
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem, err := item.convert(rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i), strict)
		if err != nil {
			return nil, err
		}
		out[i] = elem
	}
	return out, nil
}

func (p Property) toDict(v any, path string, strict bool) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, p.mismatch(path, v)
	}
	value := p.Value()
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key := iter.Key().String()
		elem, err := value.convert(iter.Value().Interface(), joinPath(path, key), strict)
		if err != nil {
			return nil, err
		}
		out[key] = elem
	}
	return out, nil
}

func (p Property) toObject(v any, path string, strict bool) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, p.mismatch(path, v)
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	for _, field := range p.properties {
		raw, ok := out[field.name]
		fieldPath := joinPath(path, field.name)
		if !ok {
			if field.hasDefault {
				out[field.name] = field.Default()
				continue
			}
			return nil, &ValidationError{Path: fieldPath, Expected: field.String(), Got: "nothing",
				Reason: "missing required field"}
		}
		conv, err := field.convert(raw, fieldPath, strict)
		if err != nil {
			return nil, err
		}
		out[field.name] = conv
	}
	return out, nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	return reflect.TypeOf(v).String()
}

// normalize converts typed containers into []any / map[string]any.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface())
		}
		return out
	}
	return v
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	}
	return v
}

// DeepCopy copies nested []any / map[string]any containers.
func DeepCopy(v any) any { return deepCopy(v) }

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// SortedNames returns descriptor names in ascending order.
func SortedNames(props []Property) []string {
	names := make([]string, 0, len(props))
	for _, p := range props {
		names = append(names, p.name)
	}
	sort.Strings(names)
	return names
}
