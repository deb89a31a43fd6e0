package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"buildtriage/backend/pkg/models"
)

// ExtractJSON pulls the first JSON object out of a model response. Models
// routinely wrap their output in markdown fences or surround it with prose,
// so the text is fence-stripped and then scanned for a balanced top-level
// object before decoding.
func ExtractJSON(text string) (map[string]any, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil, fmt.Errorf("empty model response")
	}

	t = stripFences(t)

	var obj map[string]any
	if err := json.Unmarshal([]byte(t), &obj); err == nil {
		return obj, nil
	}

	// Fall back to scanning for the first balanced object.
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(t); i++ {
		ch := t[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := t[start : i+1]
					if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
						return obj, nil
					}
				}
			}
		}
	}
	return nil, fmt.Errorf("no JSON object found in model response")
}

func stripFences(t string) string {
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if strings.HasPrefix(strings.ToLower(t), "json") {
		t = t[len("json"):]
	}
	t = strings.TrimSpace(t)
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

// DecodeDecision decodes a model response into a Decision. Unrecognized
// decision values are normalized to notify; confidence is clamped to [0, 1].
// A response with no decodable object or a schema-violating shape is an
// error, never a partial result.
func DecodeDecision(text string) (models.Decision, error) {
	obj, err := ExtractJSON(text)
	if err != nil {
		return models.Decision{}, err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return models.Decision{}, err
	}
	var d models.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return models.Decision{}, fmt.Errorf("decision schema violation: %w", err)
	}
	if d.Decision == "" {
		return models.Decision{}, fmt.Errorf("decision schema violation: missing decision field")
	}
	if !models.KnownDecision(d.Decision) {
		d.Decision = models.DecisionNotify
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	return d, nil
}
