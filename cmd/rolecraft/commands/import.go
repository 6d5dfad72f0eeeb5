package commands

import (
	"github.com/spf13/cobra"

	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/engine"
)

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Convert a foreign build file into a project",
		Long: `Convert a Dockerfile-based project into a role-based project.

Import needs the IMPORT capability, which no built-in engine provides.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return &usageError{err: cobra.ExactArgs(1)(cmd, args)}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newRegistry().Check(engineName, drivers.CommandCapabilities["import"]); err != nil {
				return err
			}
			return engine.ErrCapabilityUnsupported(engineName, drivers.CapImport.String())
		},
	}
}
