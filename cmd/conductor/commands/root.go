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

	"github.com/rolecraft/rolecraft/pkg/conductor"
	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/drivers/docker"
	"github.com/rolecraft/rolecraft/pkg/drivers/k8s"
	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/wire"
)

var (
	// Global flags
	projectName   string
	engineName    string
	paramsPayload string
	configPayload string
	encoding      string
	debug         bool

	buildVersion = "dev"

	// sourceDir is where the host mounts the project.
	sourceDir = conductor.SourceDir

	// newRegistry returns the drivers the builder can open.
	newRegistry = func() *drivers.Registry {
		registry := drivers.NewRegistry()
		docker.Register(registry)
		k8s.Register(registry)
		return registry
	}
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
		Use:   "conductor",
		Short: "rolecraft builder, run inside the builder container",
		Long: `conductor runs inside the builder container launched by rolecraft. It
receives the resolved project and the invocation parameters as encoded
payloads and drives the container engine through the forwarded socket.

It is not meant to be invoked by hand; use --encoding json to do so anyway.`,
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

	rootCmd.PersistentFlags().StringVar(&projectName, "project-name", "", "project name")
	rootCmd.PersistentFlags().StringVar(&engineName, "engine", "docker", "container engine")
	rootCmd.PersistentFlags().StringVar(&paramsPayload, "params", "", "encoded invocation parameters")
	rootCmd.PersistentFlags().StringVar(&configPayload, "config", "", "encoded project configuration")
	rootCmd.PersistentFlags().StringVar(&encoding, "encoding", string(wire.EncodingB64JSON), "payload encoding (b64json, json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug output")

	for _, c := range wire.Commands {
		rootCmd.AddCommand(newCommand(c))
	}

	return rootCmd
}

// newCommand returns the builder side of one host command.
func newCommand(command wire.Command) *cobra.Command {
	return &cobra.Command{
		Use:   string(command),
		Short: fmt.Sprintf("Run the %s step of an invocation", command),
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &usageError{err: fmt.Errorf("unexpected argument %q", args[0])}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if paramsPayload == "" || configPayload == "" {
				return &usageError{err: errors.New("--params and --config are required")}
			}
			if role := os.Getenv("ROLECRAFT_ROLE"); role != "" && role != string(engine.RoleBuilder) {
				return fmt.Errorf("conductor must run in the builder role, got %q", role)
			}

			inv, ctx, err := newInvocation(cmd.Context(), command)
			if err != nil {
				return err
			}
			defer inv.close()
			return inv.run(ctx)
		},
	}
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var uerr *usageError
	if errors.As(err, &uerr) || strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return engine.ExitCode(err)
}

// ReportError prints err for the user.
func ReportError(err error) {
	if !debug {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}
	var e *engine.EngineError
	event := log.Error().Err(err)
	if errors.As(err, &e) {
		event = event.Str("code", e.Code).Str("service", e.Service).Str("role", e.Role)
		if len(e.Details) > 0 {
			event = event.Fields(e.Details)
		}
	}
	event.Msg("Builder failed")
}
