package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_Substitution(t *testing.T) {
	ctx := map[string]any{
		"p": map[string]any{"n": "Bob"},
		"s": map[string]any{"x": map[string]any{"v": 42}},
	}

	out, err := Render(map[string]any{
		"a": "hi ${p.n}",
		"b": "${s.x.v}",
	}, ctx)
	require.NoError(t, err)

	rendered := out.(map[string]any)
	assert.Equal(t, "hi Bob", rendered["a"])
	assert.Equal(t, "42", rendered["b"])
}

func TestRender_MissingPathIsNull(t *testing.T) {
	out, err := Render("${missing.path}", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "null", out)
}

func TestRender_InvalidExpression(t *testing.T) {
	_, err := Render("${bad..expr}", map[string]any{})
	require.Error(t, err)
	assert.True(t, IsTemplateError(err))
}

func TestRender_ScalarSerialization(t *testing.T) {
	ctx := map[string]any{
		"v": map[string]any{
			"t":    true,
			"f":    false,
			"s":    "str",
			"n":    3.5,
			"i":    7,
			"list": []any{1, 2},
			"obj":  map[string]any{"k": "v"},
		},
	}

	cases := map[string]string{
		"${v.t}":    "true",
		"${v.f}":    "false",
		"${v.s}":    "str",
		"${v.n}":    "3.5",
		"${v.i}":    "7",
		"${v.list}": "[1,2]",
		"${v.obj}":  `{"k":"v"}`,
	}
	for in, want := range cases {
		out, err := Render(in, ctx)
		require.NoError(t, err, in)
		assert.Equal(t, want, out, in)
	}
}

func TestRender_MultiplePlaceholders(t *testing.T) {
	ctx := map[string]any{"a": "x", "b": "y"}
	out, err := Render("${a}-${b}-${a}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "x-y-x", out)
}

func TestRender_BracketIndexAndLength(t *testing.T) {
	ctx := map[string]any{
		"items": []any{"first", "second"},
	}

	out, err := Render("${items[1]}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	out, err = Render("${length(items)}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", out)
}

func TestRender_StructuralRecursion(t *testing.T) {
	ctx := map[string]any{"name": "tempo"}

	out, err := Render(map[string]any{
		"nested": map[string]any{"greeting": "hi ${name}"},
		"list":   []any{"${name}", 5, true},
		"number": 12,
	}, ctx)
	require.NoError(t, err)

	rendered := out.(map[string]any)
	assert.Equal(t, "hi tempo", rendered["nested"].(map[string]any)["greeting"])
	assert.Equal(t, []any{"tempo", 5, true}, rendered["list"])
	assert.Equal(t, 12, rendered["number"])
}

// Rendering fully-resolved output again is a no-op.
func TestRender_Idempotent(t *testing.T) {
	ctx := map[string]any{"p": map[string]any{"n": "Bob"}}

	once, err := Render("hi ${p.n}", ctx)
	require.NoError(t, err)

	twice, err := Render(once, ctx)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestRender_UnterminatedPlaceholderIsLiteral(t *testing.T) {
	out, err := Render("hi ${p.n", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "hi ${p.n", out)
}

func TestEvalCondition_Truthiness(t *testing.T) {
	ctx := map[string]any{
		"flags": map[string]any{
			"yes":   true,
			"no":    false,
			"empty": "",
			"zero":  0.0,
			"str":   "ok",
			"list":  []any{1},
		},
	}

	cases := map[string]bool{
		"flags.yes":     true,
		"${flags.yes}":  true,
		"flags.no":      false,
		"flags.empty":   false,
		"flags.zero":    false,
		"flags.str":     true,
		"flags.list":    true,
		"flags.missing": false,
	}
	for expr, want := range cases {
		got, err := EvalCondition(expr, ctx)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}
}

func TestEvalCondition_InvalidExpression(t *testing.T) {
	_, err := EvalCondition("a..b", map[string]any{})
	require.Error(t, err)
	assert.True(t, IsTemplateError(err))
}
