// Package prompt provides prompt template rendering and the template library
// that resolves a node's prompt_template reference to raw template text.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"
)

// RenderError reports a placeholder with no corresponding context key.
type RenderError struct {
	Placeholder string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("prompt render: no value for placeholder $%s", e.Placeholder)
}

// Render substitutes $name and ${name} placeholders from vars into the
// template. Every placeholder must resolve; the first missing one fails with
// a RenderError naming it, and no partially-substituted text is returned.
// Rendering is pure: it reads nothing beyond the supplied vars.
func Render(template string, vars map[string]any) (string, error) {
	var missing *RenderError
	out := os.Expand(template, func(name string) string {
		if name == "$" {
			// $$ escapes a literal dollar sign.
			return "$"
		}
		if !identifier(name) {
			return "$" + name
		}
		v, ok := vars[name]
		if !ok {
			if missing == nil {
				missing = &RenderError{Placeholder: name}
			}
			return ""
		}
		return stringify(v)
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

func identifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// stringify renders a context value for embedding in a prompt. Composite
// values become JSON so model-facing prompts stay parseable.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any, []string:
		if data, err := json.Marshal(t); err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("%v", v)
}
