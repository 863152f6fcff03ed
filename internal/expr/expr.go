// Package expr evaluates the ${{ ... }} expression dialect used in workflow
// files.
//
// Supported: 'single quoted' strings (doubled quote escapes), numbers,
// booleans, null, context lookups (github.*, matrix.*, env.*, secrets.*,
// runner.*), the operators == != < <= > >= && || !, parentheses, and the
// functions success(), failure(), cancelled(), always(), contains(),
// startsWith() and endsWith(). Lookups that resolve nowhere yield null
// rather than an error, so a filter can probe contexts that are absent for
// its event type.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the outcome of the enclosing scope, feeding success() and
// friends. For a job condition it reflects the job's prerequisites; for a
// step condition, the steps that ran before it.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusCancelled
)

// Context supplies the values expressions can reference.
type Context struct {
	GitHub  map[string]string
	Runner  map[string]string
	Matrix  map[string]string
	Env     map[string]string
	Secrets map[string]string
	Status  Status
}

// lookup resolves a dotted reference. The root selects a context map;
// anything unresolved is null.
func (c *Context) lookup(path []string) any {
	if len(path) == 0 {
		return nil
	}
	var m map[string]string
	switch strings.ToLower(path[0]) {
	case "github":
		m = c.GitHub
	case "runner":
		m = c.Runner
	case "matrix":
		m = c.Matrix
	case "env":
		m = c.Env
	case "secrets":
		m = c.Secrets
	default:
		return nil
	}
	if len(path) != 2 {
		return nil
	}
	v, ok := m[path[1]]
	if !ok {
		// Context keys are written in lowercase by convention, but accept
		// any casing the workflow author used.
		for k, mv := range m {
			if strings.EqualFold(k, path[1]) {
				return mv
			}
		}
		return nil
	}
	return v
}

// Expand replaces every ${{ ... }} region in s with the stringified value of
// the enclosed expression. Text outside the markers passes through
// untouched.
func Expand(s string, ctx *Context) (string, error) {
	var b strings.Builder
	for {
		start := strings.Index(s, "${{")
		if start < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		b.WriteString(s[:start])
		rest := s[start+3:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return "", fmt.Errorf("unterminated ${{ in %q", s)
		}
		v, err := Eval(rest[:end], ctx)
		if err != nil {
			return "", err
		}
		b.WriteString(stringify(v))
		s = rest[end+2:]
	}
}

// ExpandMap applies Expand to every value of in, returning a new map.
func ExpandMap(in map[string]string, ctx *Context) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		ev, err := Expand(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("expanding %s: %w", k, err)
		}
		out[k] = ev
	}
	return out, nil
}

// Eval parses and evaluates a single expression.
func Eval(src string, ctx *Context) (any, error) {
	p := newParser(src)
	node, err := p.parse()
	if err != nil {
		return nil, fmt.Errorf("parsing expression %q: %w", strings.TrimSpace(src), err)
	}
	return node.eval(ctx)
}

// EvalBool evaluates a condition string. The optional ${{ }} wrapper is
// stripped first; an empty condition is true. The result follows expression
// truthiness, so a condition reducing to the string "false" is still true
// because it is a non-empty string.
func EvalBool(src string, ctx *Context) (bool, error) {
	cond := strings.TrimSpace(src)
	if cond == "" {
		return true, nil
	}
	if strings.HasPrefix(cond, "${{") && strings.HasSuffix(cond, "}}") {
		inner := cond[3 : len(cond)-2]
		if !strings.Contains(inner, "${{") {
			cond = inner
		}
	}
	v, err := Eval(cond, ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// truthy follows the expression dialect's coercion rules.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	}
	return false
}

// stringify renders a value the way interpolation splices it into text.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		return t
	}
	return fmt.Sprintf("%v", v)
}

// equals implements ==. Same-kind values compare directly; mixed kinds
// compare by their numeric coercion, with strings that do not parse as
// numbers never equal to a number.
func equals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case bool:
		if bv, ok := b.(bool); ok {
			return av == bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av == bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av == bv
		}
	}
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	return aok && bok && af == bf
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// compare implements the ordering operators. Two strings order
// lexicographically; everything else orders by numeric coercion.
func compare(a, b any) (int, error) {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	af, aok2 := toNumber(a)
	bf, bok2 := toNumber(b)
	if !aok2 || !bok2 {
		return 0, fmt.Errorf("cannot order %v and %v", a, b)
	}
	switch {
	case af < bf:
		return -1, nil
	case af > bf:
		return 1, nil
	}
	return 0, nil
}
