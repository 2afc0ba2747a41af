package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BaSui01/orchestra/types"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Renderer turns a template string plus a context map into text.
type Renderer interface {
	Render(tmpl string, vars map[string]any) (string, error)
}

// Engine is the default placeholder renderer.
//
// A placeholder is either a dot path ({{ draft.title }}) or a condition
// expression ({{ score >= 0.8 && approved }}). Strings render verbatim,
// other values render as JSON. In strict mode a placeholder whose path does
// not resolve is a TemplateError; otherwise it renders as the empty string.
type Engine struct {
	Strict bool
	eval   evaluator
}

// NewEngine returns a strict engine, used for step intents.
func NewEngine() *Engine {
	return &Engine{Strict: true}
}

// NewLenientEngine returns an engine that renders missing keys as empty,
// used for loop and terminate conditions.
func NewLenientEngine() *Engine {
	return &Engine{}
}

// Render implements Renderer.
func (e *Engine) Render(tmpl string, vars map[string]any) (string, error) {
	var sb strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			return "", types.NewTemplateError("unterminated placeholder at offset %d", len(tmpl)-len(rest)+start)
		}
		sb.WriteString(rest[:start])

		inner := strings.TrimSpace(rest[start+len(openDelim) : start+len(openDelim)+end])
		out, err := e.renderPlaceholder(inner, vars)
		if err != nil {
			return "", err
		}
		sb.WriteString(out)
		rest = rest[start+len(openDelim)+end+len(closeDelim):]
	}
}

func (e *Engine) renderPlaceholder(inner string, vars map[string]any) (string, error) {
	if inner == "" {
		return "", types.NewTemplateError("empty placeholder")
	}
	if isPath(inner) {
		v, ok := lookup(inner, vars)
		if !ok {
			if e.Strict {
				return "", types.NewTemplateError("unresolved placeholder %q", inner)
			}
			return "", nil
		}
		return Stringify(v), nil
	}

	if e.Strict {
		idents, err := identifiers(inner)
		if err != nil {
			return "", types.NewTemplateError("invalid expression %q", inner).WithCause(err)
		}
		for _, id := range idents {
			if _, ok := lookup(id, vars); !ok {
				return "", types.NewTemplateError("unresolved placeholder %q in expression %q", id, inner)
			}
		}
	}
	v, err := e.eval.Eval(inner, vars)
	if err != nil {
		return "", types.NewTemplateError("invalid expression %q", inner).WithCause(err)
	}
	return Stringify(v), nil
}

// Stringify renders a context value as template text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Placeholders returns the root context keys referenced by tmpl, deduplicated
// in order of first appearance. For {{ draft.title }} the root key is "draft".
func Placeholders(tmpl string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(path string) {
		root := rootKey(path)
		if !seen[root] {
			seen[root] = true
			out = append(out, root)
		}
	}

	rest := tmpl
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			return out, nil
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			return nil, types.NewTemplateError("unterminated placeholder in %q", tmpl)
		}
		inner := strings.TrimSpace(rest[start+len(openDelim) : start+len(openDelim)+end])
		rest = rest[start+len(openDelim)+end+len(closeDelim):]

		if inner == "" {
			continue
		}
		if isPath(inner) {
			add(inner)
			continue
		}
		idents, err := identifiers(inner)
		if err != nil {
			return nil, types.NewTemplateError("invalid expression %q", inner).WithCause(err)
		}
		for _, id := range idents {
			add(id)
		}
	}
}

// Truthy interprets rendered text as a condition: true unless it is empty or
// the literal "false" (case-insensitive, surrounding spaces ignored).
func Truthy(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !strings.EqualFold(s, "false")
}

// EvaluateCondition renders a condition template and interprets the result.
// An empty template is always true.
func EvaluateCondition(r Renderer, tmpl string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(tmpl) == "" {
		return true, nil
	}
	out, err := r.Render(tmpl, vars)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

func isPath(s string) bool {
	if s == "" || !isIdentStart([]rune(s)[0]) || isKeyword(s) {
		return false
	}
	for _, r := range s {
		if !isIdentPart(r) {
			return false
		}
	}
	return true
}

// rootKey returns the first segment of a dot path.
func rootKey(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}
