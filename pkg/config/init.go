package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

const skeletonProject = `# Project file. Values may use {{ var }} placeholders resolved against
# defaults, var files and AC_ environment variables.
version: "2"

settings:
  # project_name: myproject
  # conductor_base: python:3.11-slim
  roles_path:
    - roles

defaults: {}

services: {}
  # web:
  #   from: alpine:3.19
  #   roles:
  #     - nginx
  #   ports:
  #     - "80:80"
  #   command: ["nginx", "-g", "daemon off;"]

registries: {}
  # example:
  #   url: https://registry.example.com
  #   namespace: myteam
`

const skeletonRequirements = `# Roles installed by "rolecraft install".
# - src: geerlingguy.nginx
#   version: 3.1.4
`

// InitOptions control project initialization.
type InitOptions struct {
	// Force overwrites an existing project file.
	Force bool
}

// Init writes a skeleton project into dir.
func Init(dir string, opts InitOptions) error {
	if existing, err := FindProjectFile(dir); err == nil && !opts.Force {
		return engine.ErrAlreadyInitialized(existing)
	}

	if err := os.MkdirAll(filepath.Join(dir, "roles"), 0o755); err != nil {
		return fmt.Errorf("failed to create roles directory: %w", err)
	}

	files := map[string]string{
		ProjectFiles[0]:     skeletonProject,
		"requirements.yml": skeletonRequirements,
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil && name != ProjectFiles[0] {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}
