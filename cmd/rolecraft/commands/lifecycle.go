package commands

import (
	"github.com/spf13/cobra"

	"github.com/rolecraft/rolecraft/pkg/wire"
)

// lifecycleSpec describes one of the orchestration commands.
type lifecycleSpec struct {
	command wire.Command
	short   string
	long    string
	example string
}

var (
	lifecycleRun = lifecycleSpec{
		command: wire.CommandRun,
		short:   "Start the project's services",
		long: `Start every service from its built image, in dependency order.

Services that are already running with the same definition are left alone.`,
		example: `  rolecraft run
  rolecraft run --engine k8s --tag 1.4.0`,
	}
	lifecycleRestart = lifecycleSpec{
		command: wire.CommandRestart,
		short:   "Restart the project's services",
		long:    `Restart every running service, in dependency order.`,
		example: `  rolecraft restart`,
	}
	lifecycleStop = lifecycleSpec{
		command: wire.CommandStop,
		short:   "Stop the project's services",
		long: `Stop every service in reverse dependency order. Containers are kept and
a later run reuses them.`,
		example: `  rolecraft stop`,
	}
	lifecycleDestroy = lifecycleSpec{
		command: wire.CommandDestroy,
		short:   "Remove the project's services, volumes and images",
		long: `Remove every service container, the project's volumes and every image
the project built, in reverse dependency order. Running destroy twice is safe;
the second run changes nothing.`,
		example: `  rolecraft destroy`,
	}
)

func newLifecycleCommand(spec lifecycleSpec) *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:     string(spec.command),
		Short:   spec.short,
		Long:    spec.long,
		Example: spec.example,
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, spec.command)
			if err != nil {
				return err
			}
			defer s.close()

			params := s.params()
			params.Tag = tag
			return s.conduct(ctx, params)
		},
	}

	if spec.command == wire.CommandRun || spec.command == wire.CommandRestart {
		cmd.Flags().StringVar(&tag, "tag", "", "image tag to run (default: latest)")
	}

	return cmd
}
