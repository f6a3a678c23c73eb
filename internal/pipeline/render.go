package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// Template rendering contract:
//
// Strings are scanned for ${EXPR} occurrences; EXPR is a JMESPath
// expression evaluated against the execution context. Maps and lists are
// rewritten structurally (keys are never rendered), other scalars pass
// through untouched. Missing paths resolve to null and render as "null" -
// deliberately not an error, so conditions can guard on existence.
// Syntactically invalid expressions are TemplateErrors.

// Render rewrites an arbitrary nested value against the context.
func Render(v any, ctx map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return renderString(val, ctx)

	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := Render(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil

	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := Render(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil

	default:
		return v, nil
	}
}

// renderString substitutes every ${EXPR} in s. Expressions do not nest
// and there are no escape sequences; a string that is exactly one
// ${EXPR} still renders to its string form.
func renderString(s string, ctx map[string]any) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			// Unterminated placeholder is literal text.
			b.WriteString(rest)
			return b.String(), nil
		}

		b.WriteString(rest[:start])
		expr := rest[start+2 : start+end]
		rest = rest[start+end+1:]

		value, err := evalExpr(expr, ctx)
		if err != nil {
			return "", err
		}
		b.WriteString(stringify(value))
	}
}

// evalExpr evaluates a path expression against the context. A nil result
// with nil error means the path did not resolve.
func evalExpr(expr string, ctx map[string]any) (any, error) {
	compiled, err := jmespath.Compile(expr)
	if err != nil {
		return nil, TemplateError{Expr: expr, Err: err}
	}
	value, err := compiled.Search(any(ctx))
	if err != nil {
		return nil, TemplateError{Expr: expr, Err: err}
	}
	return value, nil
}

// EvalCondition evaluates a step guard. The expression may be written
// bare or wrapped in ${}; either way it is resolved against the context
// directly, never against rendered string output. The result is coerced:
// null, false, empty, and zero are falsey.
func EvalCondition(expr string, ctx map[string]any) (bool, error) {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
		trimmed = trimmed[2 : len(trimmed)-1]
	}
	if trimmed == "" {
		return false, nil
	}

	value, err := evalExpr(trimmed, ctx)
	if err != nil {
		return false, err
	}
	return truthy(value), nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		return true
	}
}

// stringify serializes an evaluated expression result into a string slot.
// Booleans render as true/false, null as "null", numbers in their natural
// form, and structured values as canonical JSON.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}
