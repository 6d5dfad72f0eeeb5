package rolerunner

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

// DefaultInterpreter is the python interpreter inside the runtime overlay.
const DefaultInterpreter = "/_usr/bin/python3"

// inventory is a single-host inventory binding the service name to a container.
type inventory struct {
	All inventoryGroup `yaml:"all"`
}

type inventoryGroup struct {
	Hosts map[string]inventoryHost `yaml:"hosts"`
}

type inventoryHost struct {
	Host        string `yaml:"ansible_host"`
	Connection  string `yaml:"ansible_connection"`
	Interpreter string `yaml:"ansible_python_interpreter"`
}

// play is one play of the generated playbook.
type play struct {
	Hosts       string                 `yaml:"hosts"`
	GatherFacts bool                   `yaml:"gather_facts"`
	Vars        map[string]interface{} `yaml:"vars,omitempty"`
	Roles       []engine.RoleRef       `yaml:"roles"`
}

// Inventory renders the inventory for one service container.
func Inventory(service, containerID, interpreter string) ([]byte, error) {
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	inv := inventory{All: inventoryGroup{Hosts: map[string]inventoryHost{
		service: {
			Host:        containerID,
			Connection:  "docker",
			Interpreter: interpreter,
		},
	}}}
	return yaml.Marshal(inv)
}

// Playbook renders a playbook with a single play applying role to service.
func Playbook(service string, role engine.RoleRef, vars map[string]interface{}) ([]byte, error) {
	return yaml.Marshal([]play{{
		Hosts:       service,
		GatherFacts: true,
		Vars:        vars,
		Roles:       []engine.RoleRef{role},
	}})
}

// workspace is the temporary directory holding one invocation's files.
type workspace struct {
	dir       string
	inventory string
	playbook  string
}

// prepareWorkspace writes the inventory and playbook into a fresh directory
// and links files/ and templates/ to the project source, so relative src
// arguments resolve against the user's tree.
func prepareWorkspace(baseDir string, req Request) (*workspace, error) {
	dir, err := os.MkdirTemp(baseDir, "rolecraft-play-")
	if err != nil {
		return nil, fmt.Errorf("failed to create playbook directory: %w", err)
	}

	ws := &workspace{
		dir:       dir,
		inventory: filepath.Join(dir, "inventory.yml"),
		playbook:  filepath.Join(dir, "playbook.yml"),
	}

	inv, err := Inventory(req.Service, req.ContainerID, req.Interpreter)
	if err != nil {
		ws.cleanup()
		return nil, fmt.Errorf("failed to render inventory: %w", err)
	}
	if err := os.WriteFile(ws.inventory, inv, 0o600); err != nil {
		ws.cleanup()
		return nil, fmt.Errorf("failed to write inventory: %w", err)
	}

	pb, err := Playbook(req.Service, req.Role, req.Vars)
	if err != nil {
		ws.cleanup()
		return nil, fmt.Errorf("failed to render playbook: %w", err)
	}
	if err := os.WriteFile(ws.playbook, pb, 0o600); err != nil {
		ws.cleanup()
		return nil, fmt.Errorf("failed to write playbook: %w", err)
	}

	if req.ProjectPath != "" {
		for _, name := range []string{"files", "templates"} {
			if err := os.Symlink(req.ProjectPath, filepath.Join(dir, name)); err != nil {
				ws.cleanup()
				return nil, fmt.Errorf("failed to link %s: %w", name, err)
			}
		}
	}

	return ws, nil
}

func (w *workspace) cleanup() {
	os.RemoveAll(w.dir)
}
