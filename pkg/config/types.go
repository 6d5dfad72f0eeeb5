package config

import (
	"fmt"
	"strings"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

// ProjectFiles are the accepted project file names, in lookup order.
var ProjectFiles = []string{"container.yml", "container.yaml"}

// EnvPrefix marks environment variables that feed the variable scope.
const EnvPrefix = "AC_"

// LoadOptions control how a project is loaded.
type LoadOptions struct {
	// Path is the project directory.
	Path string

	// ProjectName overrides settings.project_name and the directory name.
	ProjectName string

	// VarFiles are YAML, JSON or Starlark files merged into the scope in order.
	// Relative paths resolve against Path.
	VarFiles []string

	// Environ is the environment scanned for AC_ variables. Defaults to os.Environ().
	Environ []string

	// Role selects host or builder behavior. The host leaves lookup()
	// expressions for the builder to resolve.
	Role engine.RuntimeRole
}

// ValidationError describes one schema or struct validation failure.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the dotted key path of the failing value (e.g., "services.web.from").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	var sb strings.Builder
	if e.File != "" {
		sb.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&sb, ":%d:%d", e.Line, e.Column)
		}
		sb.WriteString(": ")
	}
	if e.Path != "" {
		sb.WriteString(e.Path)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	return sb.String()
}

// ValidationErrors is a list of validation failures.
type ValidationErrors []ValidationError

// Error joins the failures.
func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// asConfigInvalid wraps failures as ConfigInvalid at the first failing path.
func (v ValidationErrors) asConfigInvalid() error {
	if len(v) == 0 {
		return nil
	}
	return engine.ErrConfigInvalid(v[0].Path, v)
}
