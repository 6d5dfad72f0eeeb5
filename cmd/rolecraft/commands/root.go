package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

// Exit codes of the host CLI. A failed builder propagates its own code.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitUsageErr = 2
)

var (
	// Global flags
	engineName  string
	projectName string
	projectPath string
	debug       bool
	varFiles    []string
	vaultFiles  []string

	buildVersion = "dev"
)

// usageError marks argument and flag errors.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "rolecraft",
		Short: "Build container images from roles and orchestrate them",
		Long: `rolecraft builds container images by applying configuration roles to a
base image, one cached layer per role, and runs the result on a container engine.

The host CLI never builds anything itself. Every command launches a builder
container (the conductor) with the project mounted and the engine socket
forwarded, and waits for it to finish.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				log.Logger = log.With().Caller().Logger()
			}
		},
	}

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&engineName, "engine", "docker", "container engine (docker, k8s)")
	rootCmd.PersistentFlags().StringVar(&projectName, "project-name", "", "override the project name")
	rootCmd.PersistentFlags().StringVar(&projectPath, "project-path", "", "project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug output and detailed errors")
	rootCmd.PersistentFlags().StringArrayVar(&varFiles, "var-file", nil, "variable file merged into the scope (repeatable)")
	rootCmd.PersistentFlags().StringArrayVar(&vaultFiles, "vault-files", nil, "vault file passed to the role runner (repeatable)")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newLifecycleCommand(lifecycleRun))
	rootCmd.AddCommand(newLifecycleCommand(lifecycleRestart))
	rootCmd.AddCommand(newLifecycleCommand(lifecycleStop))
	rootCmd.AddCommand(newLifecycleCommand(lifecycleDestroy))
	rootCmd.AddCommand(newPushCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newImportCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// noArgs rejects positional arguments as a usage error.
func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return &usageError{err: fmt.Errorf("unexpected argument %q for %q", args[0], cmd.CommandPath())}
	}
	return nil
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var uerr *usageError
	if errors.As(err, &uerr) || strings.HasPrefix(err.Error(), "unknown command") {
		return ExitUsageErr
	}
	return engine.ExitCode(err)
}

// ReportError prints err for the user. Without --debug it is a single line;
// with --debug the structured context of the error is logged as well.
func ReportError(err error) {
	if !debug {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}

	event := log.Error().Err(err)
	var e *engine.EngineError
	if errors.As(err, &e) {
		event = event.Str("class", string(e.Class)).Str("code", e.Code)
		if e.Service != "" {
			event = event.Str("service", e.Service)
		}
		if e.Role != "" {
			event = event.Str("role", e.Role)
		}
		if e.Operation != "" {
			event = event.Str("operation", e.Operation)
		}
		if len(e.Details) > 0 {
			event = event.Fields(e.Details)
		}
	}
	event.Msg("Command failed")
}
