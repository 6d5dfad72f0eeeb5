package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/policy"
	"github.com/rolecraft/rolecraft/pkg/wire"
)

// registryFlags are the login and push options shared by push and deploy.
type registryFlags struct {
	username   string
	password   string
	email      string
	url        string
	pushTo     string
	tag        string
	configPath string
	services   []string
}

func (f *registryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.username, "username", "", "registry username")
	cmd.Flags().StringVar(&f.password, "password", "", "registry password")
	cmd.Flags().StringVar(&f.email, "email", "", "registry account email")
	cmd.Flags().StringVar(&f.url, "url", "", "registry URL (default: Docker Hub)")
	cmd.Flags().StringVar(&f.pushTo, "push-to", "", "registry name from the project, or a registry URL")
	cmd.Flags().StringVar(&f.tag, "tag", "", "tag of the pushed images (default: latest)")
	cmd.Flags().StringVar(&f.configPath, "config-path", "", "docker config file holding registry credentials")
	cmd.Flags().StringSliceVar(&f.services, "services", nil, "push only these services")
}

// apply copies the flags into params.
func (f *registryFlags) apply(s *session, params *wire.Params) {
	params.Username = f.username
	params.Password = f.password
	params.Email = f.email
	params.URL = f.url
	params.PushTo = f.pushTo
	params.Tag = f.tag
	params.Services = f.services
	if f.configPath != "" {
		params.ConfigPath = absolute(s.project.Path, f.configPath)
	}
}

func newPushCommand() *cobra.Command {
	var flags registryFlags

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push service images to a registry",
		Long: `Log in to a registry and push the latest image of every service.

Credentials come from --username and --password, or from the docker
credential files when they are omitted.`,
		Example: `  # Push to a registry declared in container.yml
  rolecraft push --push-to corp --tag 1.4.0

  # Push to Docker Hub with explicit credentials
  rolecraft push --username me --password "$HUB_TOKEN"`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, wire.CommandPush)
			if err != nil {
				return err
			}
			defer s.close()

			params := s.params()
			flags.apply(s, params)
			return s.conduct(ctx, params)
		},
	}

	flags.register(cmd)
	return cmd
}

func newDeployCommand() *cobra.Command {
	var flags registryFlags

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Push images and write a deployment plan",
		Long: `Push every service image to a registry, then write the orchestration plan
that runs the pushed images to deploy/<engine>.yml in the project.`,
		Example: `  rolecraft deploy --push-to corp --tag 1.4.0
  rolecraft deploy --engine k8s --push-to corp`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, wire.CommandDeploy)
			if err != nil {
				return err
			}
			defer s.close()

			reg, err := s.project.Config.PushTarget(flags.pushTo, flags.url)
			if err != nil {
				return err
			}

			params := s.params()
			flags.apply(s, params)
			if err := s.conduct(ctx, params); err != nil {
				return err
			}

			path, err := writeDeployPlan(ctx, s.project, s.policies, engineName, reg, flags.tag, s.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote deployment plan to %s\n", path)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

// writeDeployPlan plans the project against the pushed images and writes the
// plan to <project>/deploy/<engine>.yml.
func writeDeployPlan(ctx context.Context, project *engine.Project, policies *policy.Engine, engineName string, reg engine.Registry, tag string, logger zerolog.Logger) (string, error) {
	plan, err := engine.NewPlanner(logger).Plan(project, engine.PlanOptions{
		Registry:    &reg,
		Tag:         tag,
		ProjectPath: project.Path,
	})
	if err != nil {
		return "", err
	}

	result, err := policies.EvaluatePlan(ctx, plan)
	if err != nil {
		return "", err
	}
	if err := policy.Enforce(result, logger); err != nil {
		return "", err
	}

	data, err := yaml.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("failed to marshal plan: %w", err)
	}

	dir := filepath.Join(project.Path, "deploy")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, engineName+".yml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write plan: %w", err)
	}
	return path, nil
}
