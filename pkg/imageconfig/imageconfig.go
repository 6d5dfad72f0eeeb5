// Package imageconfig translates role metadata into engine image config and back.
package imageconfig

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/go-connections/nat"
)

// DefaultEnv is injected into every committed layer when the metadata does not
// set the variable, so search paths extended during the build do not leak
// into the image.
var DefaultEnv = map[string]string{
	"PATH":            "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"LD_LIBRARY_PATH": "",
	"CPATH":           "",
	"PYTHONPATH":      "",
}

// Keys lists the metadata keys the translation understands.
var Keys = []string{
	"hostname", "domainname", "user", "ports", "environment", "command",
	"working_dir", "entrypoint", "labels", "onbuild", "volumes",
}

// Result is the outcome of translating metadata.
type Result struct {
	// Config is the image config to commit with.
	Config *container.Config

	// Changes are Dockerfile instructions applied on commit (VOLUME).
	Changes []string
}

// FromMetadata translates role metadata to image config.
// Unknown keys are ignored.
func FromMetadata(meta map[string]interface{}) (*Result, error) {
	cfg := &container.Config{}

	var err error
	if cfg.Hostname, err = stringKey(meta, "hostname"); err != nil {
		return nil, err
	}
	if cfg.Domainname, err = stringKey(meta, "domainname"); err != nil {
		return nil, err
	}
	if cfg.User, err = stringKey(meta, "user"); err != nil {
		return nil, err
	}
	if cfg.WorkingDir, err = stringKey(meta, "working_dir"); err != nil {
		return nil, err
	}

	if raw, ok := meta["ports"]; ok {
		list, err := stringList(raw, "ports")
		if err != nil {
			return nil, err
		}
		if cfg.ExposedPorts, err = ExposedPorts(list); err != nil {
			return nil, err
		}
	}

	env, err := environment(meta["environment"])
	if err != nil {
		return nil, err
	}
	cfg.Env = env

	if raw, ok := meta["command"]; ok {
		cmd, err := command(raw, "command")
		if err != nil {
			return nil, err
		}
		cfg.Cmd = cmd
	}
	if raw, ok := meta["entrypoint"]; ok {
		ep, err := command(raw, "entrypoint")
		if err != nil {
			return nil, err
		}
		cfg.Entrypoint = ep
	}

	if raw, ok := meta["labels"]; ok {
		labels, err := stringMap(raw, "labels")
		if err != nil {
			return nil, err
		}
		cfg.Labels = labels
	}

	if raw, ok := meta["onbuild"]; ok {
		if cfg.OnBuild, err = stringList(raw, "onbuild"); err != nil {
			return nil, err
		}
	}

	result := &Result{Config: cfg}
	if raw, ok := meta["volumes"]; ok {
		list, err := stringList(raw, "volumes")
		if err != nil {
			return nil, err
		}
		result.Changes = VolumeChanges(list)
	}

	return result, nil
}

// ExposedPorts converts port specs to an exposed port set.
// Accepted forms: port, port/proto, host:port[/proto], ip:host:port[/proto],
// and lo-hi ranges in the container part. The protocol defaults to tcp.
func ExposedPorts(specs []string) (nat.PortSet, error) {
	set := make(nat.PortSet)
	for _, spec := range specs {
		portPart, proto, found := strings.Cut(spec, "/")
		if !found || proto == "" {
			proto = "tcp"
		}
		if i := strings.LastIndex(portPart, ":"); i >= 0 {
			portPart = portPart[i+1:]
		}

		start, end, err := nat.ParsePortRangeToInt(portPart)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", spec, err)
		}
		for p := start; p <= end; p++ {
			port, err := nat.NewPort(proto, strconv.Itoa(p))
			if err != nil {
				return nil, fmt.Errorf("invalid port %q: %w", spec, err)
			}
			set[port] = struct{}{}
		}
	}
	return set, nil
}

// VolumeChanges renders volume specs as VOLUME instructions on the container path.
func VolumeChanges(specs []string) []string {
	changes := make([]string, 0, len(specs))
	for _, spec := range specs {
		path := ContainerPath(spec)
		quoted, _ := json.Marshal([]string{path})
		changes = append(changes, "VOLUME "+string(quoted))
	}
	return changes
}

// ContainerPath returns the container side of a host:container[:mode] spec.
func ContainerPath(spec string) string {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 1:
		return parts[0]
	case 2:
		if parts[1] == "ro" || parts[1] == "rw" {
			return parts[0]
		}
		return parts[1]
	default:
		return parts[1]
	}
}

// ToMetadata is the inverse of FromMetadata for the keys in Keys.
// Injected default environment entries are dropped again.
func ToMetadata(res *Result) map[string]interface{} {
	meta := make(map[string]interface{})
	if res == nil || res.Config == nil {
		return meta
	}
	cfg := res.Config

	for key, val := range map[string]string{
		"hostname":    cfg.Hostname,
		"domainname":  cfg.Domainname,
		"user":        cfg.User,
		"working_dir": cfg.WorkingDir,
	} {
		if val != "" {
			meta[key] = val
		}
	}

	if len(cfg.ExposedPorts) > 0 {
		ports := make([]string, 0, len(cfg.ExposedPorts))
		for p := range cfg.ExposedPorts {
			ports = append(ports, string(p))
		}
		sort.Strings(ports)
		meta["ports"] = ports
	}

	env := make(map[string]string)
	for _, entry := range cfg.Env {
		k, v, _ := strings.Cut(entry, "=")
		if def, ok := DefaultEnv[k]; ok && def == v {
			continue
		}
		env[k] = v
	}
	if len(env) > 0 {
		meta["environment"] = env
	}

	if len(cfg.Cmd) > 0 {
		meta["command"] = []string(cfg.Cmd)
	}
	if len(cfg.Entrypoint) > 0 {
		meta["entrypoint"] = []string(cfg.Entrypoint)
	}
	if len(cfg.Labels) > 0 {
		meta["labels"] = cfg.Labels
	}
	if len(cfg.OnBuild) > 0 {
		meta["onbuild"] = cfg.OnBuild
	}

	volumes := make([]string, 0)
	for _, change := range res.Changes {
		rest, ok := strings.CutPrefix(change, "VOLUME ")
		if !ok {
			continue
		}
		var paths []string
		if err := json.Unmarshal([]byte(rest), &paths); err != nil {
			paths = strings.Fields(rest)
		}
		volumes = append(volumes, paths...)
	}
	if len(volumes) > 0 {
		meta["volumes"] = volumes
	}

	return meta
}

func environment(raw interface{}) ([]string, error) {
	env := make(map[string]string)
	switch v := raw.(type) {
	case nil:
	case map[string]interface{}:
		for k, val := range v {
			env[k] = scalar(val)
		}
	case map[string]string:
		for k, val := range v {
			env[k] = val
		}
	case []interface{}, []string:
		list, err := stringList(v, "environment")
		if err != nil {
			return nil, err
		}
		for _, entry := range list {
			k, val, _ := strings.Cut(entry, "=")
			env[k] = val
		}
	default:
		return nil, fmt.Errorf("environment must be a mapping or list, got %T", raw)
	}

	for k, v := range DefaultEnv {
		if _, ok := env[k]; !ok {
			env[k] = v
		}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + env[k]
	}
	return out, nil
}

func command(raw interface{}, key string) (strslice.StrSlice, error) {
	if s, ok := raw.(string); ok {
		return strslice.StrSlice{"/bin/sh", "-c", s}, nil
	}
	list, err := stringList(raw, key)
	if err != nil {
		return nil, err
	}
	return strslice.StrSlice(list), nil
}

func stringKey(meta map[string]interface{}, key string) (string, error) {
	raw, ok := meta[key]
	if !ok || raw == nil {
		return "", nil
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case int, int64, float64:
		return scalar(v), nil
	default:
		return "", fmt.Errorf("%s must be a string, got %T", key, raw)
	}
}

func stringList(raw interface{}, key string) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch item.(type) {
			case string, int, int64, float64:
				out = append(out, scalar(item))
			default:
				return nil, fmt.Errorf("%s entries must be scalars, got %T", key, item)
			}
		}
		return out, nil
	case string:
		return []string{v}, nil
	default:
		return nil, fmt.Errorf("%s must be a list, got %T", key, raw)
	}
}

func stringMap(raw interface{}, key string) (map[string]string, error) {
	switch v := raw.(type) {
	case map[string]string:
		return v, nil
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = scalar(val)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a mapping, got %T", key, raw)
	}
}

func scalar(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
