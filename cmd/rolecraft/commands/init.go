package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rolecraft/rolecraft/pkg/config"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a project",
		Long: `Write a skeleton container.yml, an empty requirements.yml and a roles/
directory into the project directory.

init refuses to overwrite an existing project file unless --force is given.`,
		Example: `  # Initialize the current directory
  rolecraft init

  # Initialize another directory, replacing its project file
  rolecraft init --project-path ./app --force`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := projectDir()
			if err != nil {
				return err
			}

			log.Debug().Str("path", dir).Bool("force", force).Msg("Initializing project")
			if err := config.Init(dir, config.InitOptions{Force: force}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Initialized project in %s\n", dir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing project file")

	return cmd
}
