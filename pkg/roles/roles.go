// Package roles loads roles from disk: their defaults, image metadata,
// dependencies and task lists.
package roles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

// Role is a role resolved on disk.
type Role struct {
	// Name is the name the role was referenced by.
	Name string

	// Path is the absolute role directory.
	Path string

	// Defaults are the variables from defaults/main.yml.
	Defaults map[string]interface{}

	// Metadata holds image-level directives from meta/container.yml.
	Metadata map[string]interface{}

	// Dependencies are the roles listed under dependencies in meta/main.yml.
	Dependencies []engine.RoleRef
}

// Resolver finds role directories by name.
type Resolver struct {
	projectPath string
	searchPaths []string
}

// NewResolver creates a resolver. Search paths are tried in order, followed
// by <project>/roles. Relative search paths are taken from the project path.
func NewResolver(projectPath string, searchPaths ...string) *Resolver {
	paths := make([]string, 0, len(searchPaths)+1)
	for _, p := range searchPaths {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(projectPath, p)
		}
		paths = append(paths, p)
	}
	paths = append(paths, filepath.Join(projectPath, "roles"))

	return &Resolver{
		projectPath: projectPath,
		searchPaths: paths,
	}
}

// SearchPaths returns the directories roles are looked up in.
func (r *Resolver) SearchPaths() []string {
	return append([]string(nil), r.searchPaths...)
}

// Resolve returns the absolute directory of the named role. A name containing
// a path separator is taken as a path relative to the project.
func (r *Resolver) Resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("role name is empty")
	}

	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.projectPath, path)
		}
		if isDir(path) {
			return filepath.Clean(path), nil
		}
		return "", fmt.Errorf("role %s not found at %s", name, path)
	}

	for _, dir := range r.searchPaths {
		path := filepath.Join(dir, name)
		if isDir(path) {
			return path, nil
		}
	}

	return "", fmt.Errorf("role %s not found in %s", name, strings.Join(r.searchPaths, ":"))
}

// Load resolves a role reference and reads its defaults, metadata and
// dependencies. Missing files are treated as empty.
func (r *Resolver) Load(ref engine.RoleRef) (*Role, error) {
	path, err := r.Resolve(ref.Name)
	if err != nil {
		return nil, err
	}

	role := &Role{
		Name:     filepath.Base(ref.Name),
		Path:     path,
		Defaults: make(map[string]interface{}),
		Metadata: make(map[string]interface{}),
	}

	if err := readYAMLFile(path, []string{"defaults/main.yml", "defaults/main.yaml"}, &role.Defaults); err != nil {
		return nil, fmt.Errorf("failed to read defaults of role %s: %w", ref.Name, err)
	}
	if err := readYAMLFile(path, []string{"meta/container.yml", "meta/container.yaml"}, &role.Metadata); err != nil {
		return nil, fmt.Errorf("failed to read metadata of role %s: %w", ref.Name, err)
	}

	var meta struct {
		Dependencies []engine.RoleRef `yaml:"dependencies"`
	}
	if err := readYAMLFile(path, []string{"meta/main.yml", "meta/main.yaml"}, &meta); err != nil {
		return nil, fmt.Errorf("failed to read meta of role %s: %w", ref.Name, err)
	}
	role.Dependencies = meta.Dependencies

	if role.Defaults == nil {
		role.Defaults = make(map[string]interface{})
	}
	if role.Metadata == nil {
		role.Metadata = make(map[string]interface{})
	}

	return role, nil
}

// Scope returns the variables visible while the role runs. Later layers win:
// project scope, role defaults, role metadata, service variables and finally
// the reference's parameters.
func (r *Role) Scope(project, service map[string]interface{}, ref engine.RoleRef) map[string]interface{} {
	scope := make(map[string]interface{}, len(project)+len(r.Defaults)+len(service)+len(ref.Params))
	for _, layer := range []map[string]interface{}{project, r.Defaults, r.Metadata, service, ref.Params} {
		for k, v := range layer {
			scope[k] = v
		}
	}
	return scope
}

// readYAMLFile decodes the first candidate that exists.
func readYAMLFile(dir string, candidates []string, out interface{}) error {
	for _, name := range candidates {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
