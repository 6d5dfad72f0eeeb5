package docker

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
)

// natPorts parses compose-style port specs.
func natPorts(specs []string) (nat.PortSet, nat.PortMap, error) {
	exposed, bindings, err := nat.ParsePortSpecs(specs)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ports: %w", err)
	}
	return exposed, bindings, nil
}

// applyOptions maps the pass-through compose options onto container config.
// It returns the keys the daemon has no equivalent for.
func applyOptions(cfg *container.Config, hostCfg *container.HostConfig, opts map[string]interface{}) ([]string, error) {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var skipped []string
	for _, key := range keys {
		raw := opts[key]
		var err error
		switch key {
		case "cap_add":
			hostCfg.CapAdd, err = stringList(raw, key)
		case "cap_drop":
			hostCfg.CapDrop, err = stringList(raw, key)
		case "devices":
			var devices []string
			if devices, err = stringList(raw, key); err == nil {
				for _, spec := range devices {
					hostCfg.Devices = append(hostCfg.Devices, parseDevice(spec))
				}
			}
		case "dns":
			hostCfg.DNS, err = stringList(raw, key)
		case "dns_search":
			hostCfg.DNSSearch, err = stringList(raw, key)
		case "domainname":
			cfg.Domainname = fmt.Sprint(raw)
		case "hostname":
			cfg.Hostname = fmt.Sprint(raw)
		case "expose":
			err = exposePorts(cfg, raw)
		case "extra_hosts":
			hostCfg.ExtraHosts, err = stringList(raw, key)
		case "healthcheck":
			cfg.Healthcheck, err = healthcheck(raw)
		case "init":
			var v bool
			if v, err = boolValue(raw, key); err == nil {
				hostCfg.Init = &v
			}
		case "ipc":
			hostCfg.IpcMode = container.IpcMode(fmt.Sprint(raw))
		case "links":
			hostCfg.Links, err = stringList(raw, key)
		case "mem_limit":
			hostCfg.Memory, err = units.RAMInBytes(fmt.Sprint(raw))
		case "pid":
			hostCfg.PidMode = container.PidMode(fmt.Sprint(raw))
		case "privileged":
			hostCfg.Privileged, err = boolValue(raw, key)
		case "read_only":
			hostCfg.ReadonlyRootfs, err = boolValue(raw, key)
		case "security_opt":
			hostCfg.SecurityOpt, err = stringList(raw, key)
		case "shm_size":
			hostCfg.ShmSize, err = units.RAMInBytes(fmt.Sprint(raw))
		case "stop_grace_period":
			var d time.Duration
			if d, err = time.ParseDuration(fmt.Sprint(raw)); err == nil {
				seconds := int(d.Seconds())
				cfg.StopTimeout = &seconds
			}
		case "stop_signal":
			cfg.StopSignal = fmt.Sprint(raw)
		case "sysctls":
			hostCfg.Sysctls, err = stringMap(raw, key)
		case "tmpfs":
			var paths []string
			if paths, err = stringList(raw, key); err == nil {
				hostCfg.Tmpfs = make(map[string]string, len(paths))
				for _, p := range paths {
					dst, mountOpts, _ := strings.Cut(p, ":")
					hostCfg.Tmpfs[dst] = mountOpts
				}
			}
		case "volumes_from":
			hostCfg.VolumesFrom, err = stringList(raw, key)
		default:
			skipped = append(skipped, key)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return skipped, nil
}

func exposePorts(cfg *container.Config, raw interface{}) error {
	ports, err := stringList(raw, "expose")
	if err != nil {
		return err
	}
	exposed, _, err := natPorts(ports)
	if err != nil {
		return err
	}
	if cfg.ExposedPorts == nil {
		cfg.ExposedPorts = nat.PortSet{}
	}
	for p := range exposed {
		cfg.ExposedPorts[p] = struct{}{}
	}
	return nil
}

// parseDevice parses host[:container[:permissions]].
func parseDevice(spec string) container.DeviceMapping {
	parts := strings.SplitN(spec, ":", 3)
	dev := container.DeviceMapping{PathOnHost: parts[0], PathInContainer: parts[0], CgroupPermissions: "rwm"}
	if len(parts) > 1 {
		dev.PathInContainer = parts[1]
	}
	if len(parts) > 2 {
		dev.CgroupPermissions = parts[2]
	}
	return dev
}

func healthcheck(raw interface{}) (*container.HealthConfig, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("healthcheck must be a mapping")
	}

	hc := &container.HealthConfig{}
	switch test := m["test"].(type) {
	case nil:
	case string:
		hc.Test = strslice.StrSlice{"CMD-SHELL", test}
	default:
		list, err := stringList(test, "test")
		if err != nil {
			return nil, err
		}
		hc.Test = list
	}

	durations := map[string]*time.Duration{
		"interval":     &hc.Interval,
		"timeout":      &hc.Timeout,
		"start_period": &hc.StartPeriod,
	}
	for key, dst := range durations {
		v, ok := m[key]
		if !ok {
			continue
		}
		d, err := time.ParseDuration(fmt.Sprint(v))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	switch retries := m["retries"].(type) {
	case nil:
	case int:
		hc.Retries = retries
	case float64:
		hc.Retries = int(retries)
	default:
		return nil, fmt.Errorf("retries must be a number")
	}
	return hc, nil
}

// stringList accepts a string or a list of scalars.
func stringList(raw interface{}, key string) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a string or a list", key)
	}
}

func boolValue(raw interface{}, key string) (bool, error) {
	v, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return v, nil
}

// stringMap accepts a mapping or a list of key=value entries.
func stringMap(raw interface{}, key string) (map[string]string, error) {
	switch v := raw.(type) {
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = fmt.Sprint(val)
		}
		return out, nil
	case map[string]string:
		return v, nil
	}

	entries, err := stringList(raw, key)
	if err != nil {
		return nil, fmt.Errorf("%s must be a mapping or a list", key)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		k, val, _ := strings.Cut(e, "=")
		out[k] = val
	}
	return out, nil
}
