// Package template renders `{{ expr }}` placeholders in project and role files.
//
// Expressions are Starlark expressions extended with Jinja-style filter
// pipelines (`name | default('x') | upper`), `is defined` tests and the
// `lookup(kind, key)` function.
package template

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.starlark.net/starlark"
)

// Templater renders text against a variable scope.
type Templater interface {
	Render(text string, scope map[string]interface{}) (string, error)
}

// Evaluator is a Templater that can also evaluate one expression to a value.
type Evaluator interface {
	Templater
	Evaluate(expr string, scope map[string]interface{}) (interface{}, error)
}

// Error reports a failed expression.
type Error struct {
	Expr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("template expression {{ %s }}: %v", e.Expr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options configure a Jinja templater.
type Options struct {
	// Environ resolves lookup('env', ...). Defaults to os.LookupEnv.
	Environ func(string) (string, bool)

	// BaseDir resolves relative paths for lookup('file', ...).
	BaseDir string

	// DeferLookups leaves expressions that call lookup() untouched, so they
	// can be resolved later in another environment.
	DeferLookups bool

	// MaxSteps bounds the work of one expression. Zero means 1e6.
	MaxSteps uint64
}

// Jinja is the `{{ }}` dialect.
type Jinja struct {
	opts     Options
	builtins starlark.StringDict
}

var _ Evaluator = (*Jinja)(nil)

// NewJinja creates a templater.
func NewJinja(opts Options) *Jinja {
	if opts.Environ == nil {
		opts.Environ = os.LookupEnv
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = 1_000_000
	}
	j := &Jinja{opts: opts}
	j.builtins = starlark.StringDict{
		"true":   starlark.True,
		"false":  starlark.False,
		"none":   starlark.None,
		"lookup": starlark.NewBuiltin("lookup", j.lookup),
	}
	return j
}

// segment is either literal text or an expression.
type segment struct {
	text string
	expr bool
}

// Render replaces every `{{ expr }}` in text with the rendered value.
func (j *Jinja) Render(text string, scope map[string]interface{}) (string, error) {
	segments, err := parse(text)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, seg := range segments {
		if !seg.expr {
			sb.WriteString(seg.text)
			continue
		}
		if j.deferred(seg.text) {
			sb.WriteString("{{ " + seg.text + " }}")
			continue
		}
		v, err := j.eval(seg.text, scope)
		if err != nil {
			return "", err
		}
		sb.WriteString(stringify(v))
	}
	return sb.String(), nil
}

// Evaluate evaluates a single expression (without braces) to a Go value.
func (j *Jinja) Evaluate(expr string, scope map[string]interface{}) (interface{}, error) {
	v, err := j.eval(strings.TrimSpace(expr), scope)
	if err != nil {
		return nil, err
	}
	out, err := fromStarlarkValue(v)
	if err != nil {
		return nil, &Error{Expr: expr, Err: err}
	}
	return out, nil
}

// IsTemplated reports whether text contains a placeholder.
func IsTemplated(text string) bool {
	return strings.Contains(text, "{{")
}

// RenderValue renders every string inside v. A string that is exactly one
// placeholder becomes the expression's native value.
func RenderValue(t Templater, v interface{}, scope map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		if !IsTemplated(val) {
			return val, nil
		}
		if ev, ok := t.(Evaluator); ok {
			if expr, single := singleExpression(val); single {
				if j, ok := t.(*Jinja); ok && j.deferred(expr) {
					return val, nil
				}
				return ev.Evaluate(expr, scope)
			}
		}
		return t.Render(val, scope)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			r, err := RenderValue(t, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			r, err := RenderValue(t, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			r, err := RenderValue(t, item, scope)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (j *Jinja) deferred(expr string) bool {
	return j.opts.DeferLookups && strings.Contains(expr, "lookup(")
}

var definedTest = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)\s+is\s+(not\s+)?(defined|undefined)$`)

// eval evaluates an expression with its filter pipeline.
func (j *Jinja) eval(expr string, scope map[string]interface{}) (starlark.Value, error) {
	env, err := j.environment(scope)
	if err != nil {
		return nil, &Error{Expr: expr, Err: err}
	}
	thread := &starlark.Thread{Name: "template"}
	thread.SetMaxExecutionSteps(j.opts.MaxSteps)

	if m := definedTest.FindStringSubmatch(expr); m != nil {
		_, err := starlark.Eval(thread, "template", m[1], env)
		defined := err == nil
		if err != nil && !isUndefined(err) {
			return nil, &Error{Expr: expr, Err: err}
		}
		want := m[3] == "defined"
		if m[2] != "" {
			want = !want
		}
		return starlark.Bool(defined == want), nil
	}

	stages := splitPipeline(expr)
	base := strings.TrimSpace(stages[0])

	var value starlark.Value
	undefined := false
	value, err = starlark.Eval(thread, "template", base, env)
	if err != nil {
		if !isUndefined(err) || len(stages) < 2 || !isDefaultFilter(stages[1]) {
			return nil, &Error{Expr: expr, Err: err}
		}
		undefined = true
		value = starlark.None
	}

	for _, stage := range stages[1:] {
		name, args, err := j.filterCall(thread, strings.TrimSpace(stage), env)
		if err != nil {
			return nil, &Error{Expr: expr, Err: err}
		}
		value, err = applyFilter(name, value, args, undefined)
		if err != nil {
			return nil, &Error{Expr: expr, Err: err}
		}
		undefined = false
	}

	return value, nil
}

// environment builds the predeclared names for one evaluation.
func (j *Jinja) environment(scope map[string]interface{}) (starlark.StringDict, error) {
	env := make(starlark.StringDict, len(scope)+len(j.builtins))
	for k, v := range j.builtins {
		env[k] = v
	}
	for k, v := range scope {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", k, err)
		}
		env[k] = sv
	}
	return env, nil
}

// filterCall parses `name` or `name(args...)` and evaluates the arguments.
func (j *Jinja) filterCall(thread *starlark.Thread, stage string, env starlark.StringDict) (string, starlark.Tuple, error) {
	open := strings.IndexByte(stage, '(')
	if open < 0 {
		return stage, nil, nil
	}
	if !strings.HasSuffix(stage, ")") {
		return "", nil, fmt.Errorf("malformed filter %q", stage)
	}
	name := strings.TrimSpace(stage[:open])
	inner := strings.TrimSpace(stage[open+1 : len(stage)-1])
	if inner == "" {
		return name, nil, nil
	}
	v, err := starlark.Eval(thread, "filter", "("+inner+",)", env)
	if err != nil {
		return "", nil, fmt.Errorf("filter %s arguments: %w", name, err)
	}
	args, ok := v.(starlark.Tuple)
	if !ok {
		return "", nil, fmt.Errorf("filter %s arguments must be positional", name)
	}
	return name, args, nil
}

// lookup implements lookup(kind, key, default=None).
func (j *Jinja) lookup(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var kind, key string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "kind", &kind, "key", &key, "default?", &def); err != nil {
		return nil, err
	}

	switch kind {
	case "env":
		if v, ok := j.opts.Environ(key); ok {
			return starlark.String(v), nil
		}
		if def != starlark.None {
			return def, nil
		}
		return starlark.String(""), nil
	case "file":
		path := key
		if !strings.HasPrefix(path, "/") && j.opts.BaseDir != "" {
			path = j.opts.BaseDir + "/" + path
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if def != starlark.None {
				return def, nil
			}
			return nil, fmt.Errorf("lookup file %s: %w", key, err)
		}
		return starlark.String(strings.TrimRight(string(data), "\n")), nil
	default:
		return nil, fmt.Errorf("unsupported lookup %q", kind)
	}
}

func isUndefined(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "undefined: ") || strings.Contains(msg, "has no .")
}

func isDefaultFilter(stage string) bool {
	name := strings.TrimSpace(stage)
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	return name == "default" || name == "d"
}

// parse splits text into literal and expression segments.
func parse(text string) ([]segment, error) {
	segments := make([]segment, 0)
	rest := text
	for {
		start := strings.Index(rest, "{{")
		if stmt := strings.Index(rest, "{%"); stmt >= 0 && (start < 0 || stmt < start) {
			return nil, &Error{Expr: rest[stmt:], Err: fmt.Errorf("template statements are not supported")}
		}
		if start < 0 {
			if rest != "" {
				segments = append(segments, segment{text: rest})
			}
			return segments, nil
		}
		if start > 0 {
			segments = append(segments, segment{text: rest[:start]})
		}

		end := findClose(rest, start+2)
		if end < 0 {
			return nil, &Error{Expr: rest[start:], Err: fmt.Errorf("unterminated placeholder")}
		}
		expr := strings.TrimSpace(rest[start+2 : end])
		if expr == "" {
			return nil, &Error{Expr: "", Err: fmt.Errorf("empty placeholder")}
		}
		segments = append(segments, segment{text: expr, expr: true})
		rest = rest[end+2:]
	}
}

// findClose returns the index of the `}}` closing a placeholder, skipping
// quoted strings.
func findClose(s string, from int) int {
	var quote byte
	for i := from; i < len(s)-1; i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '}' && s[i+1] == '}':
			return i
		}
	}
	return -1
}

// singleExpression reports whether text is exactly one placeholder.
func singleExpression(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{{") {
		return "", false
	}
	segments, err := parse(trimmed)
	if err != nil || len(segments) != 1 || !segments[0].expr {
		return "", false
	}
	return segments[0].text, true
}

// splitPipeline splits an expression on top-level '|' characters.
func splitPipeline(expr string) []string {
	stages := make([]string, 0, 2)
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == '|' && depth == 0:
			stages = append(stages, expr[last:i])
			last = i + 1
		}
	}
	return append(stages, expr[last:])
}

// stringify renders a value the way it appears in text output.
func stringify(v starlark.Value) string {
	switch val := v.(type) {
	case starlark.NoneType:
		return ""
	case starlark.String:
		return string(val)
	default:
		goVal, err := fromStarlarkValue(v)
		if err != nil {
			return v.String()
		}
		switch goVal.(type) {
		case []interface{}, map[string]interface{}:
			return toJSON(goVal)
		}
		return v.String()
	}
}
