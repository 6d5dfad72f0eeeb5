package commands

import (
	"github.com/spf13/cobra"

	"github.com/rolecraft/rolecraft/pkg/wire"
)

func newInstallCommand() *cobra.Command {
	var (
		roles []string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install roles into the project",
		Long: `Install roles from a galaxy into the project's roles directory.

Roles listed in requirements.yml are installed together with any role named
with --roles. The project is mounted writable for this command only.`,
		Example: `  # Install everything in requirements.yml
  rolecraft install

  # Add a role
  rolecraft install --roles geerlingguy.nginx,3.1.4`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, wire.CommandInstall)
			if err != nil {
				return err
			}
			defer s.close()

			params := s.params()
			params.Roles = roles
			params.Force = force
			return s.conduct(ctx, params)
		},
	}

	cmd.Flags().StringArrayVar(&roles, "roles", nil, "role to install, as name[,version] (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "reinstall roles that are already present")

	return cmd
}
