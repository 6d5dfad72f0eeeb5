package template

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"gopkg.in/yaml.v3"
)

type filterFunc func(v starlark.Value, args starlark.Tuple, undefined bool) (starlark.Value, error)

var filters map[string]filterFunc

func init() {
	filters = map[string]filterFunc{
		"default":       filterDefault,
		"d":             filterDefault,
		"mandatory":     filterMandatory,
		"upper":         stringFilter(strings.ToUpper),
		"lower":         stringFilter(strings.ToLower),
		"trim":          stringFilter(strings.TrimSpace),
		"basename":      stringFilter(path.Base),
		"dirname":       stringFilter(path.Dir),
		"quote":         stringFilter(shellQuote),
		"b64encode":     stringFilter(func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }),
		"b64decode":     filterB64Decode,
		"replace":       filterReplace,
		"regex_replace": filterRegexReplace,
		"join":          filterJoin,
		"length":        filterLength,
		"count":         filterLength,
		"first":         filterFirst,
		"last":          filterLast,
		"sort":          filterSort,
		"unique":        filterUnique,
		"list":          filterList,
		"int":           filterInt,
		"float":         filterFloat,
		"string":        stringFilter(func(s string) string { return s }),
		"bool":          filterBool,
		"to_json":       filterToJSON,
		"to_yaml":       filterToYAML,
		"from_json":     filterFromJSON,
		"combine":       filterCombine,
		"dict2items":    filterDict2Items,
	}
}

// applyFilter applies a named filter to v.
func applyFilter(name string, v starlark.Value, args starlark.Tuple, undefined bool) (starlark.Value, error) {
	fn, ok := filters[name]
	if !ok {
		return nil, fmt.Errorf("unknown filter %q", name)
	}
	return fn(v, args, undefined)
}

func filterDefault(v starlark.Value, args starlark.Tuple, undefined bool) (starlark.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("default requires a value")
	}
	falsy := len(args) > 1 && bool(args[1].Truth())
	if undefined || (falsy && !bool(v.Truth())) {
		return args[0], nil
	}
	return v, nil
}

func filterMandatory(v starlark.Value, _ starlark.Tuple, undefined bool) (starlark.Value, error) {
	if undefined || v == starlark.None {
		return nil, fmt.Errorf("mandatory variable is not defined")
	}
	return v, nil
}

func stringFilter(fn func(string) string) filterFunc {
	return func(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
		return starlark.String(fn(asString(v))), nil
	}
}

func filterB64Decode(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	data, err := base64.StdEncoding.DecodeString(asString(v))
	if err != nil {
		return nil, fmt.Errorf("b64decode: %w", err)
	}
	return starlark.String(data), nil
}

func filterReplace(v starlark.Value, args starlark.Tuple, _ bool) (starlark.Value, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("replace requires old and new")
	}
	return starlark.String(strings.ReplaceAll(asString(v), asString(args[0]), asString(args[1]))), nil
}

func filterRegexReplace(v starlark.Value, args starlark.Tuple, _ bool) (starlark.Value, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("regex_replace requires pattern and replacement")
	}
	re, err := regexp.Compile(asString(args[0]))
	if err != nil {
		return nil, fmt.Errorf("regex_replace: %w", err)
	}
	// Python style backreferences
	repl := regexp.MustCompile(`\\(\d+)`).ReplaceAllString(asString(args[1]), `$${$1}`)
	return starlark.String(re.ReplaceAllString(asString(v), repl)), nil
}

func filterJoin(v starlark.Value, args starlark.Tuple, _ bool) (starlark.Value, error) {
	sep := ""
	if len(args) > 0 {
		sep = asString(args[0])
	}
	items, err := iterate(v)
	if err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = asString(item)
	}
	return starlark.String(strings.Join(parts, sep)), nil
}

func filterLength(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	if s, ok := v.(starlark.String); ok {
		return starlark.MakeInt(len(s)), nil
	}
	if seq, ok := v.(starlark.Sequence); ok {
		return starlark.MakeInt(seq.Len()), nil
	}
	if d, ok := v.(attrDict); ok {
		return starlark.MakeInt(d.Len()), nil
	}
	return nil, fmt.Errorf("length: unsupported type %s", v.Type())
}

func filterFirst(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	items, err := iterate(v)
	if err != nil || len(items) == 0 {
		return starlark.None, err
	}
	return items[0], nil
}

func filterLast(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	items, err := iterate(v)
	if err != nil || len(items) == 0 {
		return starlark.None, err
	}
	return items[len(items)-1], nil
}

func filterSort(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	items, err := iterate(v)
	if err != nil {
		return nil, fmt.Errorf("sort: %w", err)
	}
	var sortErr error
	sort.SliceStable(items, func(i, j int) bool {
		less, err := starlark.Compare(syntax.LT, items[i], items[j])
		if err != nil && sortErr == nil {
			sortErr = err
		}
		return less
	})
	if sortErr != nil {
		return nil, fmt.Errorf("sort: %w", sortErr)
	}
	return starlark.NewList(items), nil
}

func filterUnique(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	items, err := iterate(v)
	if err != nil {
		return nil, fmt.Errorf("unique: %w", err)
	}
	out := make([]starlark.Value, 0, len(items))
	for _, item := range items {
		dup := false
		for _, seen := range out {
			if eq, _ := starlark.Equal(item, seen); eq {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, item)
		}
	}
	return starlark.NewList(out), nil
}

func filterList(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	items, err := iterate(v)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return starlark.NewList(items), nil
}

func filterInt(v starlark.Value, args starlark.Tuple, _ bool) (starlark.Value, error) {
	switch val := v.(type) {
	case starlark.Int:
		return val, nil
	case starlark.Float:
		return starlark.MakeInt64(int64(val)), nil
	case starlark.Bool:
		if val {
			return starlark.MakeInt(1), nil
		}
		return starlark.MakeInt(0), nil
	}
	i, err := strconv.ParseInt(strings.TrimSpace(asString(v)), 10, 64)
	if err != nil {
		if len(args) > 0 {
			return args[0], nil
		}
		return starlark.MakeInt(0), nil
	}
	return starlark.MakeInt64(i), nil
}

func filterFloat(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	switch val := v.(type) {
	case starlark.Float:
		return val, nil
	case starlark.Int:
		return starlark.Float(float64(val.BigInt().Int64())), nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(asString(v)), 64)
	if err != nil {
		return starlark.Float(0), nil
	}
	return starlark.Float(f), nil
}

func filterBool(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	if s, ok := v.(starlark.String); ok {
		switch strings.ToLower(strings.TrimSpace(string(s))) {
		case "yes", "true", "on", "1", "y":
			return starlark.True, nil
		default:
			return starlark.False, nil
		}
	}
	return v.Truth(), nil
}

func filterToJSON(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("to_json: %w", err)
	}
	return starlark.String(toJSON(goVal)), nil
}

func filterToYAML(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("to_yaml: %w", err)
	}
	data, err := yaml.Marshal(goVal)
	if err != nil {
		return nil, fmt.Errorf("to_yaml: %w", err)
	}
	return starlark.String(strings.TrimRight(string(data), "\n")), nil
}

func filterFromJSON(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	var out interface{}
	if err := json.Unmarshal([]byte(asString(v)), &out); err != nil {
		return nil, fmt.Errorf("from_json: %w", err)
	}
	return toStarlarkValue(out)
}

func filterCombine(v starlark.Value, args starlark.Tuple, _ bool) (starlark.Value, error) {
	base, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("combine: %w", err)
	}
	out, ok := base.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("combine: expected dict, got %s", v.Type())
	}
	for _, arg := range args {
		over, err := fromStarlarkValue(arg)
		if err != nil {
			return nil, fmt.Errorf("combine: %w", err)
		}
		m, ok := over.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("combine: expected dict argument, got %s", arg.Type())
		}
		for k, val := range m {
			out[k] = val
		}
	}
	return toStarlarkValue(out)
}

func filterDict2Items(v starlark.Value, _ starlark.Tuple, _ bool) (starlark.Value, error) {
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("dict2items: %w", err)
	}
	m, ok := goVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("dict2items: expected dict, got %s", v.Type())
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]interface{}, len(keys))
	for i, k := range keys {
		items[i] = map[string]interface{}{"key": k, "value": m[k]}
	}
	return toStarlarkValue(items)
}

// iterate collects the elements of an iterable value.
func iterate(v starlark.Value) ([]starlark.Value, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s is not iterable", v.Type())
	}
	iter := iterable.Iterate()
	defer iter.Done()

	items := make([]starlark.Value, 0)
	var x starlark.Value
	for iter.Next(&x) {
		items = append(items, x)
	}
	return items, nil
}

func asString(v starlark.Value) string {
	if s, ok := v.(starlark.String); ok {
		return string(s)
	}
	if v == starlark.None {
		return ""
	}
	return v.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func toJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
