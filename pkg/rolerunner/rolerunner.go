// Package rolerunner applies one role to a running container by invoking
// ansible-playbook against a generated single-host inventory.
package rolerunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/logmux"
)

// DefaultBinary is the playbook runner executable.
const DefaultBinary = "ansible-playbook"

// Request describes one role application.
type Request struct {
	// ContainerID is the intermediate container the role runs against.
	ContainerID string

	// Service names the inventory host.
	Service string

	// Role is the role reference, with parameters.
	Role engine.RoleRef

	// RolesPath is the role search path exported as ANSIBLE_ROLES_PATH.
	RolesPath []string

	// ProjectPath is the working directory, also linked as files/ and templates/.
	ProjectPath string

	// Interpreter is the python interpreter inside the container.
	Interpreter string

	// Vars are play-level variables.
	Vars map[string]interface{}

	// Debug raises playbook verbosity.
	Debug bool

	// VaultFiles are passed as --vault-password-file.
	VaultFiles []string

	// Env is added to the runner's environment.
	Env map[string]string
}

// Runner applies a role to a container.
type Runner interface {
	Run(ctx context.Context, req Request) error
}

// ExitError reports a non-zero exit of the playbook runner.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", DefaultBinary, e.Code)
}

// Ansible runs roles with ansible-playbook.
type Ansible struct {
	// Binary overrides the ansible-playbook executable.
	Binary string

	// TempDir is where playbook directories are created; empty means os.TempDir.
	TempDir string

	// Mux receives the runner's output. Nil logs through Logger.
	Mux *logmux.Multiplexer

	logger zerolog.Logger
}

// NewAnsible creates an ansible-playbook runner.
func NewAnsible(logger zerolog.Logger, mux *logmux.Multiplexer) *Ansible {
	return &Ansible{
		Binary: DefaultBinary,
		Mux:    mux,
		logger: logger.With().Str("component", "rolerunner").Logger(),
	}
}

// Args returns the command line for a request, excluding the binary.
func Args(req Request, inventory, playbook string) []string {
	args := []string{"-i", inventory}
	if req.Debug {
		args = append(args, "-vvv")
	}
	for _, f := range req.VaultFiles {
		args = append(args, "--vault-password-file", f)
	}
	return append(args, playbook)
}

// Run applies req.Role to req.ContainerID and waits for the runner to exit.
func (a *Ansible) Run(ctx context.Context, req Request) error {
	if req.ContainerID == "" {
		return fmt.Errorf("container id is required")
	}
	if req.Role.Name == "" {
		return fmt.Errorf("role name is required")
	}
	if req.Service == "" {
		return fmt.Errorf("service name is required")
	}

	ws, err := prepareWorkspace(a.TempDir, req)
	if err != nil {
		return err
	}
	defer ws.cleanup()

	binary := a.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	cmd := exec.CommandContext(ctx, binary, Args(req, ws.inventory, ws.playbook)...)
	cmd.Dir = req.ProjectPath
	cmd.Env = a.environ(req)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stderr: %w", err)
	}

	mux := a.Mux
	if mux == nil {
		mux = logmux.New(logmux.LoggerSink(a.logger), a.logger, 0)
		defer mux.Close()
	}

	logger := a.logger.With().
		Str("service", req.Service).
		Str("role", req.Role.Name).
		Logger()
	logger.Info().Str("container", req.ContainerID).Msg("Applying role")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", binary, err)
	}

	stream := req.Service + "/" + req.Role.Name
	outDone := mux.Forward(stream, stdout)
	errDone := mux.Forward(stream, stderr)
	<-outDone
	<-errDone

	err = cmd.Wait()
	duration := time.Since(start)

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			logger.Error().
				Int("exit_code", exitErr.ExitCode()).
				Dur("duration", duration).
				Msg("Role failed")
			return &ExitError{Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("failed to run %s: %w", binary, err)
	}

	logger.Info().Dur("duration", duration).Msg("Role applied")
	return nil
}

func (a *Ansible) environ(req Request) []string {
	env := os.Environ()
	if len(req.RolesPath) > 0 {
		env = append(env, "ANSIBLE_ROLES_PATH="+strings.Join(req.RolesPath, ":"))
	}
	env = append(env, "ANSIBLE_RETRY_FILES_ENABLED=false")
	for k, v := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// InstallRequest describes a role installation from a galaxy.
type InstallRequest struct {
	// RequirementsFile is a requirements.yml to install from.
	RequirementsFile string

	// Roles are additional role names to install.
	Roles []string

	// RolesPath is the install destination.
	RolesPath string

	// Force reinstalls roles that are already present.
	Force bool
}

// Install runs ansible-galaxy install, streaming its output to w.
func Install(ctx context.Context, req InstallRequest, w io.Writer) error {
	if req.RequirementsFile == "" && len(req.Roles) == 0 {
		return fmt.Errorf("nothing to install")
	}

	args := []string{"install"}
	if req.RolesPath != "" {
		args = append(args, "-p", req.RolesPath)
	}
	if req.Force {
		args = append(args, "--force")
	}
	if req.RequirementsFile != "" {
		args = append(args, "-r", req.RequirementsFile)
	}
	args = append(args, req.Roles...)

	cmd := exec.CommandContext(ctx, "ansible-galaxy", args...)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("ansible-galaxy exited with code %d", exitErr.ExitCode())
		}
		return fmt.Errorf("failed to run ansible-galaxy: %w", err)
	}
	return nil
}
