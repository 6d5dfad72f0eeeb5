package template

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// attrDict is a dict whose keys are also reachable as attributes, so both
// `svc.port` and `svc['port']` work in expressions.
type attrDict struct {
	*starlark.Dict
}

var _ starlark.HasAttrs = attrDict{}

// Attr returns the value stored under name, falling back to dict methods.
func (d attrDict) Attr(name string) (starlark.Value, error) {
	v, found, err := d.Dict.Get(starlark.String(name))
	if err != nil {
		return nil, err
	}
	if found {
		return v, nil
	}
	return d.Dict.Attr(name)
}

// AttrNames lists string keys plus the dict methods.
func (d attrDict) AttrNames() []string {
	names := d.Dict.AttrNames()
	for _, k := range d.Dict.Keys() {
		if s, ok := k.(starlark.String); ok {
			names = append(names, string(s))
		}
	}
	sort.Strings(names)
	return names
}

// CompareSameType compares against plain or attribute dicts.
func (d attrDict) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	switch other := y.(type) {
	case attrDict:
		return d.Dict.CompareSameType(op, other.Dict, depth)
	case *starlark.Dict:
		return d.Dict.CompareSameType(op, other, depth)
	default:
		return false, fmt.Errorf("cannot compare dict with %s", y.Type())
	}
}

// toStarlarkValue converts decoded YAML/JSON values to Starlark values.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(item)); err != nil {
				return nil, err
			}
		}
		return attrDict{dict}, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return attrDict{dict}, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value back to plain Go values.
// Integers come back as int when they fit, matching YAML decoding.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		if int64(int(i)) == i {
			return int(i), nil
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case attrDict:
		return dictToMap(val.Dict)
	case *starlark.Dict:
		return dictToMap(val)
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func dictToMap(d *starlark.Dict) (map[string]interface{}, error) {
	out := make(map[string]interface{}, d.Len())
	for _, item := range d.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("dict key must be string")
		}
		value, err := fromStarlarkValue(item[1])
		if err != nil {
			return nil, err
		}
		out[string(key)] = value
	}
	return out, nil
}

// ToStarlark converts a Go value decoded from YAML or JSON to Starlark.
func ToStarlark(v interface{}) (starlark.Value, error) {
	return toStarlarkValue(v)
}

// FromStarlark converts a Starlark value back to plain Go values.
func FromStarlark(v starlark.Value) (interface{}, error) {
	return fromStarlarkValue(v)
}
