package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuntimeRole tells a component which side of the host/builder split it runs on.
type RuntimeRole string

const (
	// RoleHost is the user's machine, driving the builder container.
	RoleHost RuntimeRole = "host"

	// RoleBuilder is the conductor container, driving the engine recursively.
	RoleBuilder RuntimeRole = "builder"
)

// Reserved image labels written by the build pipeline.
const (
	LabelFingerprint = "fingerprint"
	LabelRole        = "role"
)

// Project is a fully loaded project: its identity plus the resolved configuration.
type Project struct {
	// Name is the project name, defaulting to the base name of Path.
	Name string `json:"name" validate:"required"`

	// Path is the absolute project directory on the side that loaded it.
	Path string `json:"path"`

	// Config is the resolved, templated configuration.
	Config *Config `json:"config"`
}

// ImageName returns the repository name of a service's images: <project>-<service>.
func (p *Project) ImageName(service string) string {
	return ImageName(p.Name, service)
}

// ImageName returns the repository name for a project service.
func ImageName(project, service string) string {
	return fmt.Sprintf("%s-%s", project, service)
}

// ImagePrefix is the repository prefix shared by every image of a project.
func ImagePrefix(project string) string {
	return project + "-"
}

// ConductorImage returns the builder image reference for a project.
func ConductorImage(project string) string {
	return ImageName(project, "conductor") + ":latest"
}

// ConductorContainerName returns the builder container name for a project.
func ConductorContainerName(project string) string {
	return project + "_conductor"
}

// ServiceContainerName returns the container name of a running service.
func ServiceContainerName(project, service string) string {
	return project + "_" + service
}

// LayerContainerName returns the name of the intermediate container that
// applies role on top of the layer identified by fingerprint. A crashed build
// leaves it behind under this name.
func LayerContainerName(project, service, fingerprint, role string) string {
	prefix := fingerprint
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, role)
	return fmt.Sprintf("%s_%s_%s_%s", project, service, prefix, safe)
}

// Config is the resolved project configuration. It is also the wire schema
// passed from host to builder.
type Config struct {
	// Version is the project file format version.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Settings holds runtime settings.
	Settings Settings `yaml:"settings,omitempty" json:"settings,omitempty"`

	// Defaults is the flattened variable scope after defaults, vars files and AC_ variables.
	Defaults map[string]interface{} `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Services lists services in declaration order.
	Services Services `yaml:"services" json:"services"`

	// Volumes maps named volumes to driver options.
	Volumes map[string]map[string]interface{} `yaml:"volumes,omitempty" json:"volumes,omitempty"`

	// Registries maps registry names to their coordinates.
	Registries map[string]Registry `yaml:"registries,omitempty" json:"registries,omitempty"`

	// Secrets maps secret names to their sources.
	Secrets map[string]Secret `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

// Service returns the named service or nil.
func (c *Config) Service(name string) *Service {
	for _, s := range c.Services {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// PushTarget resolves the registry of a push or deploy. target is a
// registry name from the project or a registry URL; url is used when target
// is empty. Both empty selects the default registry with no URL.
func (c *Config) PushTarget(target, url string) (Registry, error) {
	if target != "" {
		if reg, ok := c.Registries[target]; ok {
			return reg, nil
		}
		if !strings.ContainsAny(target, ".:/") {
			return Registry{}, ErrConfigInvalid("registries."+target, fmt.Errorf("unknown registry %q", target))
		}
		return Registry{URL: target}, nil
	}
	return Registry{URL: url}, nil
}

// Settings holds the `settings:` block of the project file.
type Settings struct {
	// ProjectName overrides the directory-derived project name.
	ProjectName string `yaml:"project_name,omitempty" json:"project_name,omitempty"`

	// ConductorBase is the base image of the builder image.
	ConductorBase string `yaml:"conductor_base,omitempty" json:"conductor_base,omitempty"`

	// RolesPath lists extra directories searched for roles.
	RolesPath []string `yaml:"roles_path,omitempty" json:"roles_path,omitempty"`

	// K8sNamespace is the namespace used by the cluster driver.
	K8sNamespace string `yaml:"k8s_namespace,omitempty" json:"k8s_namespace,omitempty"`

	// Policies lists extra .rego files or directories evaluated against the project.
	Policies []string `yaml:"policies,omitempty" json:"policies,omitempty"`

	// MetricsFile is where build metrics are written in text exposition format.
	MetricsFile string `yaml:"metrics_file,omitempty" json:"metrics_file,omitempty"`

	// Tracing configures span export.
	Tracing TracingSettings `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

// TracingSettings configures the span exporter.
type TracingSettings struct {
	Exporter string `yaml:"exporter,omitempty" json:"exporter,omitempty" validate:"omitempty,oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// Registry holds the coordinates of a push target.
type Registry struct {
	URL       string `yaml:"url" json:"url" validate:"required"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	// RepositoryPrefix replaces the project name in pushed repository names.
	RepositoryPrefix string `yaml:"repository_prefix,omitempty" json:"repository_prefix,omitempty"`
}

// Secret is a named secret source. Exactly one of File or Value is set.
type Secret struct {
	File  string `yaml:"file,omitempty" json:"file,omitempty"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// Service is one buildable and runnable unit of a project.
type Service struct {
	// Name is the service key in the project file.
	Name string `yaml:"-" json:"-" validate:"required"`

	// From is the base image reference (tag or digest).
	From string `yaml:"from" json:"from" validate:"required"`

	// Roles is the ordered list of roles applied on top of From.
	Roles []RoleRef `yaml:"roles,omitempty" json:"roles,omitempty"`

	Command     ShellCommand      `yaml:"command,omitempty" json:"command,omitempty"`
	Entrypoint  ShellCommand      `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Environment Environment       `yaml:"environment,omitempty" json:"environment,omitempty"`
	Ports       []string          `yaml:"ports,omitempty" json:"ports,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	WorkingDir  string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	User        string            `yaml:"user,omitempty" json:"user,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	StdinOpen   bool              `yaml:"stdin_open,omitempty" json:"stdin_open,omitempty"`
	Tty         bool              `yaml:"tty,omitempty" json:"tty,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Networks    []string          `yaml:"networks,omitempty" json:"networks,omitempty"`
	Restart     string            `yaml:"restart,omitempty" json:"restart,omitempty"`

	// Secrets binds secret names to a mount path (absolute) or an env var name.
	Secrets map[string]string `yaml:"secrets,omitempty" json:"secrets,omitempty"`

	// Vars are service-level variable overrides, the last layer of the scope.
	Vars map[string]interface{} `yaml:"vars,omitempty" json:"vars,omitempty"`

	// Extra carries keys the model does not name. The planner filters them
	// against its whitelist.
	Extra map[string]interface{} `yaml:",inline" json:"-"`
}

// RoleNames returns the names of the service's roles in order.
func (s *Service) RoleNames() []string {
	names := make([]string, len(s.Roles))
	for i, r := range s.Roles {
		names[i] = r.Name
	}
	return names
}

// serviceJSON is Service without its custom marshalers.
type serviceJSON Service

// MarshalJSON flattens Extra next to the named keys.
func (s Service) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(serviceJSON(s))
	if err != nil || len(s.Extra) == 0 {
		return data, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON restores named keys and collects the rest into Extra.
func (s *Service) UnmarshalJSON(data []byte) error {
	var plain serviceJSON
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for _, k := range serviceKeys {
		delete(m, k)
	}
	if len(m) > 0 {
		plain.Extra = m
	}
	name := s.Name
	*s = Service(plain)
	s.Name = name
	return nil
}

// serviceKeys are the keys Service names explicitly.
var serviceKeys = []string{
	"from", "roles", "command", "entrypoint", "environment", "ports", "volumes",
	"working_dir", "user", "labels", "stdin_open", "tty", "depends_on", "networks",
	"restart", "secrets", "vars",
}

// Services is an ordered list of services that encodes as a mapping keyed by name.
type Services []*Service

// Names returns service names in declaration order.
func (s Services) Names() []string {
	names := make([]string, len(s))
	for i, svc := range s {
		names[i] = svc.Name
	}
	return names
}

// MarshalJSON encodes the services as an object, preserving order.
func (s Services) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, svc := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(svc.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(svc)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object of services, preserving key order.
func (s *Services) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*s = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("services must be an object")
	}

	out := make(Services, 0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("invalid service key %v", tok)
		}
		svc := &Service{Name: name}
		if err := dec.Decode(svc); err != nil {
			return fmt.Errorf("failed to decode service %s: %w", name, err)
		}
		out = append(out, svc)
	}
	*s = out
	return nil
}

// MarshalYAML encodes the services as a mapping, preserving order.
func (s Services) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, svc := range s {
		val := &yaml.Node{}
		if err := val.Encode(svc); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: svc.Name}, val)
	}
	return node, nil
}

// UnmarshalYAML decodes a mapping of services, preserving key order.
func (s *Services) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: services must be a mapping", value.Line)
	}
	out := make(Services, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		name := value.Content[i].Value
		svc := &Service{}
		if err := value.Content[i+1].Decode(svc); err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}
		svc.Name = name
		out = append(out, svc)
	}
	*s = out
	return nil
}

// RoleRef references a role by name, optionally with parameter overrides.
type RoleRef struct {
	Name   string
	Params map[string]interface{}
}

// String returns the role name.
func (r RoleRef) String() string {
	return r.Name
}

// MarshalJSON encodes a bare name as a string and a parametrized role as a mapping.
// encoding/json sorts map keys, so the output is canonical.
func (r RoleRef) MarshalJSON() ([]byte, error) {
	if len(r.Params) == 0 {
		return json.Marshal(r.Name)
	}
	m := make(map[string]interface{}, len(r.Params)+1)
	for k, v := range r.Params {
		m[k] = v
	}
	m["role"] = r.Name
	return json.Marshal(m)
}

// UnmarshalJSON accepts a string or a mapping with a role (or name) key.
func (r *RoleRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*r = RoleRef{Name: name}
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("role reference must be a string or mapping: %w", err)
	}
	return r.fromMap(m)
}

// MarshalYAML mirrors MarshalJSON.
func (r RoleRef) MarshalYAML() (interface{}, error) {
	if len(r.Params) == 0 {
		return r.Name, nil
	}
	m := make(map[string]interface{}, len(r.Params)+1)
	for k, v := range r.Params {
		m[k] = v
	}
	m["role"] = r.Name
	return m, nil
}

// UnmarshalYAML accepts a scalar or a mapping with a role (or name) key.
func (r *RoleRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*r = RoleRef{Name: value.Value}
		return nil
	}
	var m map[string]interface{}
	if err := value.Decode(&m); err != nil {
		return fmt.Errorf("line %d: role reference must be a string or mapping: %w", value.Line, err)
	}
	return r.fromMap(m)
}

func (r *RoleRef) fromMap(m map[string]interface{}) error {
	key := "role"
	if _, ok := m[key]; !ok {
		key = "name"
	}
	name, ok := m[key].(string)
	if !ok || name == "" {
		return fmt.Errorf("role reference mapping requires a role key")
	}
	delete(m, key)
	*r = RoleRef{Name: name}
	if len(m) > 0 {
		r.Params = m
	}
	return nil
}

// ShellCommand is a command in exec form. A scalar is wrapped as /bin/sh -c.
type ShellCommand []string

// UnmarshalYAML accepts a list of strings or a single shell string.
func (c *ShellCommand) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		if value.Value == "" {
			*c = nil
			return nil
		}
		*c = ShellCommand{"/bin/sh", "-c", value.Value}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return fmt.Errorf("line %d: command must be a string or list: %w", value.Line, err)
	}
	*c = list
	return nil
}

// Environment maps variable names to values.
type Environment map[string]string

// UnmarshalYAML accepts a mapping or a list of K=V entries.
func (e *Environment) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*e = ParseEnvList(list)
		return nil
	case yaml.MappingNode:
		raw := make(map[string]interface{})
		if err := value.Decode(&raw); err != nil {
			return err
		}
		out := make(Environment, len(raw))
		for k, v := range raw {
			if v == nil {
				out[k] = ""
				continue
			}
			out[k] = fmt.Sprint(v)
		}
		*e = out
		return nil
	default:
		return fmt.Errorf("line %d: environment must be a mapping or list", value.Line)
	}
}

// List returns the environment as sorted K=V entries.
func (e Environment) List() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + e[k]
	}
	return out
}

// ParseEnvList converts K=V entries into an Environment. Entries without '=' map to "".
func ParseEnvList(list []string) Environment {
	out := make(Environment, len(list))
	for _, entry := range list {
		k, v, _ := strings.Cut(entry, "=")
		out[k] = v
	}
	return out
}
