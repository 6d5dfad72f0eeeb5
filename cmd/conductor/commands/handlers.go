package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"

	"github.com/rolecraft/rolecraft/pkg/build"
	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/drivers/docker"
	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/policy"
	"github.com/rolecraft/rolecraft/pkg/rolerunner"
	"github.com/rolecraft/rolecraft/pkg/roles"
	"github.com/rolecraft/rolecraft/pkg/telemetry"
	"github.com/rolecraft/rolecraft/pkg/template"
)

// build runs the layer-cached build of the selected services.
func (inv *invocation) build(ctx context.Context) error {
	d, err := inv.open(ctx, inv.params.Engine, drivers.CapBuild)
	if err != nil {
		return err
	}
	defer d.Close()

	builder, err := drivers.AsBuilder(d)
	if err != nil {
		return err
	}

	searchPaths := rolesPath()
	logger := inv.logger.Zerolog()
	pipeline := build.NewPipeline(inv.project, build.Dependencies{
		Builder:   builder,
		Runner:    rolerunner.NewAnsible(logger, inv.mux),
		Resolver:  roles.NewResolver(inv.project.Path, searchPaths...),
		Templater: template.NewJinja(template.Options{BaseDir: sourceDir}),
		Tracer:    inv.tel.Tracer,
		Metrics:   inv.tel.Metrics,
		Logger:    logger,
	}, build.Options{
		NoCache:     inv.params.NoCache,
		Services:    inv.params.Services,
		OverlayFrom: engine.ConductorContainerName(inv.project.Name),
		Volumes:     inv.params.WithVolumes,
		Vars:        inv.params.Variables(),
		RolesPath:   searchPaths,
		ProjectPath: sourceDir,
		Debug:       inv.params.Debug,
		VaultFiles:  inv.params.VaultFiles,
	})

	results, err := pipeline.Run(ctx)
	for _, res := range results {
		cached := lo.CountBy(res.Layers, func(l build.Layer) bool { return l.Cached })
		logger.Info().
			Str("service", res.Service).
			Str("status", res.Status).
			Str("image", res.Image).
			Int("layers", len(res.Layers)).
			Int("cached", cached).
			Msg("Service built")
	}
	return err
}

// apply runs the project's plan for one lifecycle against the engine.
func (inv *invocation) apply(ctx context.Context, lc engine.Lifecycle) error {
	d, err := inv.open(ctx, inv.params.Engine, drivers.CapRun)
	if err != nil {
		return err
	}
	defer d.Close()

	orchestrator, err := drivers.AsOrchestrator(d)
	if err != nil {
		return err
	}

	if lc == engine.LifecycleStart || lc == engine.LifecycleRestart {
		if err := inv.checkBuilt(ctx, d); err != nil {
			return err
		}
	}

	logger := inv.logger.Zerolog()
	plan, err := engine.NewPlanner(logger).Plan(inv.project, engine.PlanOptions{
		Tag:         inv.params.Tag,
		ProjectPath: lo.Ternary(inv.params.HostPath != "", inv.params.HostPath, inv.project.Path),
	})
	if err != nil {
		return err
	}

	result, err := inv.policies.EvaluatePlan(ctx, plan)
	if err != nil {
		return err
	}
	if err := policy.Enforce(result, logger); err != nil {
		return err
	}

	ctx, span := inv.tel.Tracer.StartPlanSpan(ctx, plan.ID, string(lc))
	inv.tel.Events.SetLifecycle(string(lc))
	executor := engine.NewPlanExecutor(orchestrator, inv.tel.Events, logger, engine.ExecutorOptions{
		BaseDir: sourceDir,
	})
	run, err := executor.Apply(ctx, plan, lc)
	telemetry.EndSpan(span, err)
	if run != nil {
		logger.Info().
			Str("lifecycle", string(lc)).
			Int("tasks", len(run.Tasks)).
			Int("changed", run.Changed()).
			Int("failed", run.Failed()).
			Msg("Plan applied")
	}
	return err
}

// checkBuilt fails with MissingImage unless every service with roles has a
// built image, before any container is created. Engines that cannot build
// hold no local images and are not checked.
func (inv *invocation) checkBuilt(ctx context.Context, d drivers.Driver) error {
	builder, err := drivers.AsBuilder(d)
	if err != nil {
		return nil
	}
	for _, svc := range inv.project.Config.Services {
		if len(svc.Roles) == 0 {
			continue
		}
		img, err := builder.GetLatestImageForService(ctx, svc.Name)
		if err != nil {
			return err
		}
		if img == nil {
			return engine.ErrMissingImage(svc.Name)
		}
	}
	return nil
}

// push logs in to the target registry and pushes the latest image of every
// selected service. Engines that cannot push, like a cluster, push through
// the local daemon.
func (inv *invocation) push(ctx context.Context) error {
	required := drivers.CapBuild | drivers.CapPush | drivers.CapLogin
	name := inv.params.Engine
	if caps, err := inv.registry.Capabilities(name); err != nil || !caps.Has(required) {
		name = docker.Name
	}

	d, err := inv.open(ctx, name, required)
	if err != nil {
		return err
	}
	defer d.Close()

	builder, err := drivers.AsBuilder(d)
	if err != nil {
		return err
	}
	pusher, err := drivers.AsPusher(d)
	if err != nil {
		return err
	}
	auth, err := drivers.AsAuthenticator(d)
	if err != nil {
		return err
	}

	return inv.pushImages(ctx, builder, pusher, auth)
}

func (inv *invocation) pushImages(ctx context.Context, builder drivers.Builder, pusher drivers.Pusher, auth drivers.Authenticator) error {
	p := inv.params
	reg, err := inv.project.Config.PushTarget(p.PushTo, p.URL)
	if err != nil {
		return err
	}

	username, password, err := auth.Login(ctx, drivers.LoginRequest{
		Username:   p.Username,
		Password:   p.Password,
		Email:      p.Email,
		URL:        lo.Ternary(reg.URL != "", reg.URL, p.URL),
		ConfigPath: p.ConfigPath,
	})
	if err != nil {
		return err
	}

	services, err := inv.selectServices()
	if err != nil {
		return err
	}

	logger := inv.logger.Zerolog()
	for _, svc := range services {
		if len(inv.project.Config.Service(svc).Roles) == 0 {
			logger.Debug().Str("service", svc).Msg("Service has no roles, nothing to push")
			continue
		}
		img, err := builder.GetLatestImageForService(ctx, svc)
		if err != nil {
			return err
		}
		if img == nil {
			return engine.ErrMissingImage(svc)
		}

		if err := pusher.Push(ctx, drivers.PushRequest{
			ImageID:          img.ID,
			Service:          svc,
			Tag:              p.Tag,
			Namespace:        reg.Namespace,
			URL:              reg.URL,
			Username:         username,
			Password:         password,
			RepositoryPrefix: reg.RepositoryPrefix,
		}); err != nil {
			return err
		}
		logger.Info().
			Str("service", svc).
			Str("image", engine.RemoteImage(reg, inv.project.Name, svc, p.Tag)).
			Msg("Service pushed")
	}
	return nil
}

// selectServices returns the requested services in project order.
func (inv *invocation) selectServices() ([]string, error) {
	all := inv.project.Config.Services.Names()
	if len(inv.params.Services) == 0 {
		return all, nil
	}
	for _, name := range inv.params.Services {
		if !lo.Contains(all, name) {
			return nil, engine.ErrConfigInvalid("services."+name, fmt.Errorf("no such service"))
		}
	}
	return lo.Filter(all, func(name string, _ int) bool {
		return lo.Contains(inv.params.Services, name)
	}), nil
}

// install installs galaxy roles into the project's roles directory.
func (inv *invocation) install(ctx context.Context) error {
	req := rolerunner.InstallRequest{
		Roles:     inv.params.Roles,
		RolesPath: filepath.Join(sourceDir, "roles"),
		Force:     inv.params.Force,
	}
	requirements := filepath.Join(sourceDir, "requirements.yml")
	if _, err := os.Stat(requirements); err == nil {
		req.RequirementsFile = requirements
	}

	inv.logger.WithField("roles", len(req.Roles)).Info("Installing roles")
	return rolerunner.Install(ctx, req, os.Stdout)
}
