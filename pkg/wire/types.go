// Package wire defines what the host passes to the builder container: the
// resolved project configuration and the invocation parameters, each
// serialized as one command-line argument.
package wire

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Encoding identifies a wire codec.
type Encoding string

const (
	// EncodingB64JSON is base64 (standard alphabet) over JSON.
	EncodingB64JSON Encoding = "b64json"
	// EncodingJSON is plain JSON, useful when invoking the builder by hand.
	EncodingJSON Encoding = "json"
)

// Validate checks if the encoding is known.
func (e Encoding) Validate() error {
	switch e {
	case EncodingB64JSON, EncodingJSON:
		return nil
	default:
		return fmt.Errorf("unknown encoding: %s", e)
	}
}

// Command is a builder subcommand.
type Command string

const (
	CommandBuild   Command = "build"
	CommandRun     Command = "run"
	CommandRestart Command = "restart"
	CommandStop    Command = "stop"
	CommandDestroy Command = "destroy"
	CommandPush    Command = "push"
	CommandDeploy  Command = "deploy"
	CommandInstall Command = "install"
)

// Commands lists every builder subcommand.
var Commands = []Command{
	CommandBuild, CommandRun, CommandRestart, CommandStop,
	CommandDestroy, CommandPush, CommandDeploy, CommandInstall,
}

// Validate checks if the command is known.
func (c Command) Validate() error {
	for _, known := range Commands {
		if c == known {
			return nil
		}
	}
	return fmt.Errorf("unknown command: %s", c)
}

// WritesProject reports whether the command needs the project source mounted read-write.
func (c Command) WritesProject() bool {
	return c == CommandInstall
}

// Params are the flat CLI options of one invocation.
type Params struct {
	// RunID correlates host and builder logs.
	RunID string `json:"run_id,omitempty"`

	Command     Command `json:"command"`
	ProjectName string  `json:"project_name"`
	Engine      string  `json:"engine"`
	Debug       bool    `json:"debug,omitempty"`

	// HostPath is the project directory on the host. Relative volume
	// sources of runtime plans expand against it.
	HostPath string `json:"host_path,omitempty"`

	// MetricsFile is an absolute host path the builder writes its metrics
	// textfile to. Its directory is mounted read-write at the same path.
	MetricsFile string `json:"metrics_file,omitempty"`

	VarFiles   []string `json:"var_files,omitempty"`
	VaultFiles []string `json:"vault_files,omitempty"`
	RolesPath  []string `json:"roles_path,omitempty"`

	// Build options
	NoCache            bool     `json:"no_cache,omitempty"`
	Services           []string `json:"services,omitempty"`
	SaveBuildContainer bool     `json:"save_build_container,omitempty"`
	WithVariables      []string `json:"with_variables,omitempty"`
	WithVolumes        []string `json:"with_volumes,omitempty"`

	// Push and login options
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Email      string `json:"email,omitempty"`
	URL        string `json:"url,omitempty"`
	PushTo     string `json:"push_to,omitempty"`
	Tag        string `json:"tag,omitempty"`
	ConfigPath string `json:"config_path,omitempty"`

	// Install options
	Roles []string `json:"roles,omitempty"`
	Force bool     `json:"force,omitempty"`
}

// Validate checks the parameters.
func (p *Params) Validate() error {
	if err := p.Command.Validate(); err != nil {
		return err
	}
	if p.ProjectName == "" {
		return fmt.Errorf("project name is required")
	}
	if p.Engine == "" {
		return fmt.Errorf("engine is required")
	}
	if p.MetricsFile != "" && !filepath.IsAbs(p.MetricsFile) {
		return fmt.Errorf("metrics file %q must be an absolute path", p.MetricsFile)
	}
	for _, v := range p.WithVariables {
		if !strings.Contains(v, "=") {
			return fmt.Errorf("variable %q must have the form KEY=VALUE", v)
		}
	}
	for _, v := range p.WithVolumes {
		parts := strings.Split(v, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("volume %q must have the form SRC:DST[:MODE]", v)
		}
	}
	return nil
}

// Variables returns WithVariables as a mapping. Later entries win.
func (p *Params) Variables() map[string]interface{} {
	if len(p.WithVariables) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(p.WithVariables))
	for _, v := range p.WithVariables {
		k, val, _ := strings.Cut(v, "=")
		out[k] = val
	}
	return out
}
