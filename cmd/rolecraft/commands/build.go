package commands

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/rolecraft/rolecraft/pkg/config"
	"github.com/rolecraft/rolecraft/pkg/wire"
	"github.com/rolecraft/rolecraft/pkg/watch"
)

// buildFlags are the options of the build command.
type buildFlags struct {
	noCache            bool
	services           []string
	saveBuildContainer bool
	withVariables      []string
	withVolumes        []string
	rolesPath          []string
	watch              bool
}

func newBuildCommand() *cobra.Command {
	var flags buildFlags

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build service images",
		Long: `Build an image for every service by applying its roles to its base image.

Each role produces one layer. A layer whose fingerprint (the role's tasks,
files, defaults and variables) matches an existing image is reused instead
of being rebuilt.`,
		Example: `  # Build every service
  rolecraft build

  # Rebuild one service from scratch
  rolecraft build --services web --no-cache

  # Rebuild whenever the project or its roles change
  rolecraft build --watch`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !flags.watch {
				return runBuild(ctx, flags)
			}

			dir, err := projectDir()
			if err != nil {
				return err
			}
			targets, err := watchTargets(dir, flags)
			if err != nil {
				return err
			}
			return watch.New(log.Logger, targets, watch.DefaultDebounce).Run(ctx, func(ctx context.Context) error {
				return runBuild(ctx, flags)
			})
		},
	}

	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "ignore cached layers and rebuild the builder image")
	cmd.Flags().StringSliceVar(&flags.services, "services", nil, "build only these services")
	cmd.Flags().BoolVar(&flags.saveBuildContainer, "save-build-container", false, "keep the builder container after it exits")
	cmd.Flags().StringArrayVar(&flags.withVariables, "with-variables", nil, "extra variable KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&flags.withVolumes, "with-volumes", nil, "extra mount SRC:DST[:MODE] for build containers (repeatable)")
	cmd.Flags().StringArrayVar(&flags.rolesPath, "roles-path", nil, "extra directory searched for roles (repeatable)")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "rebuild when the project, var files or roles change")

	return cmd
}

// runBuild loads the project and runs one build in the builder. The project
// is reloaded on every call so a watch loop sees edits.
func runBuild(ctx context.Context, flags buildFlags) error {
	s, err := openSession(ctx, wire.CommandBuild)
	if err != nil {
		return err
	}
	defer s.close()

	params := s.params()
	params.NoCache = flags.noCache
	params.Services = flags.services
	params.SaveBuildContainer = flags.saveBuildContainer
	params.WithVariables = flags.withVariables
	params.WithVolumes = flags.withVolumes
	params.RolesPath = lo.Uniq(append(params.RolesPath, flags.rolesPath...))
	if err := params.Validate(); err != nil {
		return &usageError{err: err}
	}

	return s.conduct(ctx, params)
}

// watchTargets lists the inputs of a build: the project file, the var files
// and every role directory.
func watchTargets(dir string, flags buildFlags) ([]string, error) {
	projectFile, err := config.FindProjectFile(dir)
	if err != nil {
		return nil, err
	}
	vars := lo.Map(varFiles, func(v string, _ int) string { return absolute(dir, v) })
	roleDirs := []string{filepath.Join(dir, "roles")}
	for _, p := range flags.rolesPath {
		roleDirs = append(roleDirs, absolute(dir, p))
	}
	return watch.ProjectTargets(projectFile, vars, lo.Uniq(roleDirs)), nil
}
