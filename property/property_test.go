package property

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Conformance
// ---------------------------------------------------------------------------

func TestConforms_Scalars(t *testing.T) {
	t.Parallel()

	assert.True(t, String("s").Conforms("x"))
	assert.False(t, String("s").Conforms(1))
	assert.True(t, Integer("i").Conforms(int64(3)))
	assert.False(t, Integer("i").Conforms("3"))
	assert.True(t, Float("f").Conforms(2))
	assert.True(t, Boolean("b").Conforms(false))
	assert.True(t, Null("n").Conforms(nil))
	assert.False(t, String("s").Conforms(nil))
	assert.True(t, Any("a").Conforms(struct{}{}))
}

func TestConforms_Containers(t *testing.T) {
	t.Parallel()

	articles := List("articles", String(""))
	assert.True(t, articles.Conforms([]string{"a", "b"}))
	assert.True(t, articles.Conforms([]any{"a"}))
	assert.False(t, articles.Conforms([]any{"a", 2}))

	scores := Dict("scores", Integer(""))
	assert.True(t, scores.Conforms(map[string]int{"x": 1}))
	assert.False(t, scores.Conforms(map[int]int{1: 1}))

	user := Object("user", []Property{String("name"), Integer("age", WithDefault(0))})
	assert.True(t, user.Conforms(map[string]any{"name": "ann"}))
	assert.False(t, user.Conforms(map[string]any{"age": 3}))
}

func TestConforms_Union(t *testing.T) {
	t.Parallel()

	p := Union("id", []Property{Integer(""), String("")})
	assert.True(t, p.Conforms(3))
	assert.True(t, p.Conforms("abc"))
	assert.False(t, p.Conforms(true))

	nullable := Union("opt", []Property{String(""), Null("")})
	assert.True(t, nullable.Conforms(nil))
}

// ---------------------------------------------------------------------------
// Coercion
// ---------------------------------------------------------------------------

func TestCoerce_NumericStrings(t *testing.T) {
	t.Parallel()

	v, err := Integer("n").Coerce("42")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = Integer("n").Coerce(float64(7))
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = Integer("n").Coerce(7.5)
	assert.Error(t, err)

	v, err = Float("f").Coerce("1.25")
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)

	v, err = Boolean("b").Coerce("true")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestCoerce_IntegerOverflow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
	}{
		{"uint above max int", uint64(math.MaxUint64)},
		{"float at -min int", -float64(math.MinInt)},
		{"float below min int", -math.Ldexp(1, 64)},
		{"huge numeric string", "1e30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Integer("n").Coerce(tt.in)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "n", verr.Path)
			assert.Contains(t, verr.Error(), "overflows int")
		})
	}

	assert.False(t, Integer("n").Conforms(uint64(math.MaxUint64)))

	v, err := Integer("n").Coerce(uint64(math.MaxInt))
	require.NoError(t, err)
	assert.Equal(t, math.MaxInt, v)

	v, err = Integer("n").Coerce(float64(math.MinInt))
	require.NoError(t, err)
	assert.Equal(t, math.MinInt, v)
}

func TestCoerce_FieldPath(t *testing.T) {
	t.Parallel()

	_, err := List("articles", Integer("")).Coerce([]any{1, "2", "three"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "articles[2]", verr.Path)

	user := Object("user", []Property{String("name")})
	_, err = user.Coerce(map[string]any{"name": 5})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "user.name", verr.Path)
	assert.Equal(t, "user.name", verr.AsTypesError().Field)
}

func TestCoerce_ObjectDefaults(t *testing.T) {
	t.Parallel()

	user := Object("user", []Property{String("name"), List("tags", String(""), WithDefault([]any{"new"}))})
	v, err := user.Coerce(map[string]any{"name": "ann"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ann", "tags": []any{"new"}}, v)
}

func TestDefault_IsCopied(t *testing.T) {
	t.Parallel()

	p := List("l", String(""), WithDefault([]any{"a"}))
	d := p.Default().([]any)
	d[0] = "mutated"
	assert.Equal(t, []any{"a"}, p.Default())
}

// ---------------------------------------------------------------------------
// Type compatibility
// ---------------------------------------------------------------------------

func TestIsAssignableTo(t *testing.T) {
	t.Parallel()

	assert.True(t, Integer("").IsAssignableTo(Float("")))
	assert.False(t, Float("").IsAssignableTo(Integer("")))
	assert.True(t, String("").IsAssignableTo(Any("")))
	assert.True(t, Any("").IsAssignableTo(Integer("")))
	assert.True(t, List("", Integer("")).IsAssignableTo(List("", Float(""))))
	assert.False(t, List("", String("")).IsAssignableTo(Dict("", String(""))))
	assert.True(t, String("").IsAssignableTo(Union("", []Property{Integer(""), String("")})))
	assert.False(t, Union("", []Property{Integer(""), String("")}).IsAssignableTo(String("")))
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

func TestProperty_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	original := Object("payload", []Property{
		List("items", Dict("", Integer("")), WithDescription("batch")),
		Integer("count", WithDefault(3)),
		Union("id", []Property{String(""), Null("")}, WithDefault(nil)),
	})

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Property
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, original.Equal(decoded), "decoded %s", decoded)
	assert.Equal(t, 3, decoded.Properties()[0].Default())
}

func TestProperty_YAMLRoundTrip(t *testing.T) {
	t.Parallel()

	original := List("feedback", String(""), WithDefault([]any{}))
	data, err := yaml.Marshal(original)
	require.NoError(t, err)

	var decoded Property
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.True(t, original.Equal(decoded))
}

func TestProperty_UnknownType(t *testing.T) {
	t.Parallel()

	var p Property
	err := json.Unmarshal([]byte(`{"type":"tensor","title":"x"}`), &p)
	assert.Error(t, err)
}

func TestObjectSchema(t *testing.T) {
	t.Parallel()

	s := ObjectSchema([]Property{String("query"), Integer("limit", WithDefault(10))})
	assert.Equal(t, []string{"query"}, s.Required)
	assert.Equal(t, 10, s.Properties["limit"].Default)
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func TestProperty_IntegerStringCoercion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("decimal strings coerce to the integer they spell", prop.ForAll(
		func(n int) bool {
			v, err := Integer("n").Coerce(strconv.Itoa(n))
			return err == nil && v == n
		},
		gen.IntRange(-1_000_000, 1_000_000),
	))

	properties.Property("coerced lists keep length and order", prop.ForAll(
		func(xs []int) bool {
			raw := make([]any, len(xs))
			for i, x := range xs {
				raw[i] = strconv.Itoa(x)
			}
			v, err := List("l", Integer("")).Coerce(raw)
			if err != nil {
				return false
			}
			out := v.([]any)
			if len(out) != len(xs) {
				return false
			}
			for i := range xs {
				if out[i] != xs[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}
