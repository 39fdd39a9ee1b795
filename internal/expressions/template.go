package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaypoint/draftpipe/pkg/schema"
)

// RenderTemplate resolves ${{...}} references in a prompt template against
// the given scope. References are dotted paths rooted at the scope's
// namespaces (e.g. "input.company", "steps.enrich.summary"). String values
// are written verbatim; other values are JSON-encoded.
func RenderTemplate(template string, scope map[string]any) (string, error) {
	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 3 // skip "${{"

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression in prompt template")
		}
		end += start

		ref := strings.TrimSpace(template[start:end])
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty variable reference: ${{  }}")
		}
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := resolvePath(ref, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// HasInterpolation reports whether the template contains ${{...}} references.
func HasInterpolation(template string) bool {
	return strings.Contains(template, "${{")
}

// resolvePath walks a dotted path through nested maps.
func resolvePath(path string, scope map[string]any) (any, error) {
	parts := strings.Split(path, ".")
	var current any = scope
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot resolve %q: %q is not an object", path, part)
		}
		current, ok = m[part]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown reference %q in prompt template", path)
		}
	}
	return current, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// Render whole floats without a trailing ".0" (JSON numbers).
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
