// Package condition implements the restricted expression language used by
// edge conditions. An expression is a conjunction of comparisons between a
// named field and a literal:
//
//	decision == "retry"
//	confidence >= 0.7 && category != "network"
//
// Fields resolve against the most recent step output first, then the run
// context. A comparison against a missing field is false. Conditions never
// execute code and never reach outside the supplied values.
package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Expr is a parsed, reusable condition expression.
type Expr struct {
	source  string
	clauses []clause
}

type clause struct {
	field string
	op    string
	value literal
}

type literal struct {
	str    string
	num    float64
	boolV  bool
	isStr  bool
	isNum  bool
	isBool bool
}

// Lookup resolves a field name to a value; ok is false when absent.
type Lookup func(field string) (any, bool)

// MapLookup adapts value maps to a Lookup, earlier maps shadowing later ones.
func MapLookup(maps ...map[string]any) Lookup {
	return func(field string) (any, bool) {
		for _, m := range maps {
			if m == nil {
				continue
			}
			if v, ok := m[field]; ok {
				return v, true
			}
		}
		return nil, false
	}
}

var comparators = []string{"==", "!=", ">=", "<=", ">", "<"}

// Parse compiles an expression. Parsing happens at workflow load time so a
// malformed condition is a definition problem, never a run-time one.
func Parse(src string) (*Expr, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, fmt.Errorf("empty condition")
	}
	parts := strings.Split(trimmed, "&&")
	expr := &Expr{source: trimmed, clauses: make([]clause, 0, len(parts))}
	for _, part := range parts {
		c, err := parseClause(part)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", trimmed, err)
		}
		expr.clauses = append(expr.clauses, c)
	}
	return expr, nil
}

func parseClause(src string) (clause, error) {
	s := strings.TrimSpace(src)
	for _, op := range comparators {
		idx := strings.Index(s, op)
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(s[:idx])
		rhs := strings.TrimSpace(s[idx+len(op):])
		if !validField(field) {
			return clause{}, fmt.Errorf("invalid field %q", field)
		}
		lit, err := parseLiteral(rhs)
		if err != nil {
			return clause{}, err
		}
		if lit.isStr || lit.isBool {
			if op != "==" && op != "!=" {
				return clause{}, fmt.Errorf("operator %s requires a numeric literal", op)
			}
		}
		return clause{field: field, op: op, value: lit}, nil
	}
	return clause{}, fmt.Errorf("no comparison operator in %q", s)
}

// validField accepts flat identifiers only. Dotted paths are rejected here
// because lookups resolve single context keys; accepting them would parse a
// condition that can never match at run time.
func validField(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
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

func parseLiteral(s string) (literal, error) {
	if s == "" {
		return literal{}, fmt.Errorf("missing literal")
	}
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return literal{str: s[1 : len(s)-1], isStr: true}, nil
		}
	}
	switch s {
	case "true":
		return literal{boolV: true, isBool: true}, nil
	case "false":
		return literal{isBool: true}, nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return literal{}, fmt.Errorf("invalid literal %q", s)
	}
	return literal{num: n, isNum: true}, nil
}

// String returns the original expression text.
func (e *Expr) String() string { return e.source }

// Eval reports whether every clause holds for the given lookup. Evaluation
// is pure and deterministic.
func (e *Expr) Eval(lookup Lookup) bool {
	for _, c := range e.clauses {
		if !c.eval(lookup) {
			return false
		}
	}
	return true
}

func (c clause) eval(lookup Lookup) bool {
	v, ok := lookup(c.field)
	if !ok {
		return false
	}
	switch {
	case c.value.isStr:
		s, ok := v.(string)
		if !ok {
			return false
		}
		if c.op == "==" {
			return s == c.value.str
		}
		return s != c.value.str
	case c.value.isBool:
		b, ok := v.(bool)
		if !ok {
			return false
		}
		if c.op == "==" {
			return b == c.value.boolV
		}
		return b != c.value.boolV
	default:
		n, ok := asFloat(v)
		if !ok {
			return false
		}
		switch c.op {
		case "==":
			return n == c.value.num
		case "!=":
			return n != c.value.num
		case ">":
			return n > c.value.num
		case ">=":
			return n >= c.value.num
		case "<":
			return n < c.value.num
		case "<=":
			return n <= c.value.num
		}
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
