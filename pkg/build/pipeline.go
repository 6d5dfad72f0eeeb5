// Package build implements the layer-cached build pipeline. Each service is
// built by replaying its roles against an intermediate container, committing
// one layer per role and skipping every role whose layer fingerprint is
// already in the engine's image store.
package build

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rolecraft/rolecraft/pkg/cache"
	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/fingerprint"
	"github.com/rolecraft/rolecraft/pkg/rolerunner"
	"github.com/rolecraft/rolecraft/pkg/roles"
	"github.com/rolecraft/rolecraft/pkg/telemetry"
	"github.com/rolecraft/rolecraft/pkg/template"
)

// Paths of the runtime overlay the conductor shares with intermediate containers.
const (
	OverlayRoot = "/_usr"

	overlayPath           = "/_usr/bin:/_usr/sbin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	overlayLibraryPath    = "/_usr/lib:/_usr/lib64"
	overlayPythonPath     = "/_usr/lib/python3/dist-packages"
	overlayIncludePath    = "/_usr/include"
	defaultPollInterval   = 200 * time.Millisecond
	maxPollInterval       = 2 * time.Second
	containerStartTimeout = 2 * time.Minute
)

// Status values reported per service.
const (
	StatusBuilt   = "built"
	StatusCached  = "cached"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Options control one build run.
type Options struct {
	// NoCache disables cache lookups; every role runs.
	NoCache bool

	// Services restricts the build to the named services, in project order.
	Services []string

	// OverlayFrom is the container whose volumes provide the runtime overlay,
	// mounted read-only into intermediate containers.
	OverlayFrom string

	// Volumes are extra bind mounts for intermediate containers.
	Volumes []string

	// Vars are extra variables layered over the project scope.
	Vars map[string]interface{}

	// RolesPath is passed to the role runner.
	RolesPath []string

	// ProjectPath is the runner's working directory.
	ProjectPath string

	// Interpreter is the python interpreter inside intermediate containers.
	Interpreter string

	// Debug raises the role runner's verbosity.
	Debug bool

	// VaultFiles are passed to the role runner.
	VaultFiles []string

	// PollInterval is the initial wait-for-running interval.
	PollInterval time.Duration
}

// Dependencies are the collaborators of a pipeline.
type Dependencies struct {
	Builder   drivers.Builder
	Runner    rolerunner.Runner
	Resolver  *roles.Resolver
	Templater template.Templater
	Tracer    *telemetry.Tracer
	Metrics   *telemetry.Metrics
	Logger    zerolog.Logger
}

// Layer describes one role layer of a built service.
type Layer struct {
	Role        string
	Fingerprint string
	Image       string
	Cached      bool
}

// Result describes the outcome for one service.
type Result struct {
	Service     string
	Status      string
	Image       string
	Fingerprint string
	Layers      []Layer
}

// Pipeline builds the services of a project.
type Pipeline struct {
	project   *engine.Project
	builder   drivers.Builder
	cache     *cache.Index
	calc      *fingerprint.Calculator
	resolver  *roles.Resolver
	runner    rolerunner.Runner
	templater template.Templater
	tracer    *telemetry.Tracer
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	opts      Options
}

// NewPipeline creates a pipeline for project.
func NewPipeline(project *engine.Project, deps Dependencies, opts Options) *Pipeline {
	resolver := deps.Resolver
	if resolver == nil {
		resolver = roles.NewResolver(project.Path, project.Config.Settings.RolesPath...)
	}
	if opts.ProjectPath == "" {
		opts.ProjectPath = project.Path
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if len(opts.RolesPath) == 0 {
		opts.RolesPath = resolver.SearchPaths()
	}

	logger := deps.Logger.With().Str("component", "build").Logger()
	return &Pipeline{
		project:   project,
		builder:   deps.Builder,
		cache:     cache.New(deps.Builder, deps.Metrics, deps.Logger),
		calc:      fingerprint.NewCalculator(resolver, deps.Templater, project.Path, deps.Logger),
		resolver:  resolver,
		runner:    deps.Runner,
		templater: deps.Templater,
		tracer:    deps.Tracer,
		metrics:   deps.Metrics,
		logger:    logger,
		opts:      opts,
	}
}

// Run builds the selected services sequentially. The first failure aborts
// the run; results of services built before it are returned with the error.
func (p *Pipeline) Run(ctx context.Context) ([]Result, error) {
	services, err := p.selectServices()
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(services))
	for _, svc := range services {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := p.BuildService(ctx, svc)
		if err != nil {
			p.metrics.RecordServiceBuilt(StatusFailed)
			return results, err
		}
		p.metrics.RecordServiceBuilt(res.Status)
		results = append(results, *res)
	}
	return results, nil
}

func (p *Pipeline) selectServices() ([]*engine.Service, error) {
	all := p.project.Config.Services
	if len(p.opts.Services) == 0 {
		return all, nil
	}

	wanted := make(map[string]bool, len(p.opts.Services))
	for _, name := range p.opts.Services {
		if p.project.Config.Service(name) == nil {
			return nil, engine.ErrConfigInvalid("services."+name, fmt.Errorf("no such service"))
		}
		wanted[name] = true
	}

	out := make([]*engine.Service, 0, len(wanted))
	for _, svc := range all {
		if wanted[svc.Name] {
			out = append(out, svc)
		}
	}
	return out, nil
}

// BuildService builds one service and tags its final layer as latest.
func (p *Pipeline) BuildService(ctx context.Context, svc *engine.Service) (res *Result, err error) {
	ctx, span := p.tracer.StartBuildSpan(ctx, svc.Name)
	defer func() { telemetry.EndSpan(span, err) }()

	logger := p.logger.With().Str("service", svc.Name).Logger()
	res = &Result{Service: svc.Name}

	base, err := p.builder.ResolveImage(ctx, svc.From)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base image %s of %s: %w", svc.From, svc.Name, err)
	}

	p.removeContainer(ctx, engine.ServiceContainerName(p.project.Name, svc.Name), logger)

	if len(svc.Roles) == 0 {
		logger.Info().Msg("No roles defined, skipping build")
		res.Status = StatusSkipped
		return res, nil
	}

	chain := fingerprint.NewChain(base)
	current := base
	caching := !p.opts.NoCache
	allCached := true

	for i, ref := range svc.Roles {
		last := i == len(svc.Roles)-1
		layer, err := p.buildLayer(ctx, svc, ref, chain, current, &caching, last, logger)
		if err != nil {
			return nil, err
		}
		allCached = allCached && layer.Cached
		current = layer.Image
		res.Layers = append(res.Layers, *layer)
	}

	if err := p.builder.TagImageAsLatest(ctx, svc.Name, current); err != nil {
		return nil, fmt.Errorf("failed to tag %s as latest: %w", svc.Name, err)
	}

	res.Image = current
	res.Fingerprint = chain.Hex()
	res.Status = StatusBuilt
	if allCached {
		res.Status = StatusCached
	}

	logger.Info().
		Str("image", current).
		Str("fingerprint", short(res.Fingerprint)).
		Str("status", res.Status).
		Msg("Service built")
	return res, nil
}

// buildLayer produces the layer of one role: a cache hit when caching is
// still live, otherwise a fresh commit. The first miss turns caching off for
// the rest of the service.
func (p *Pipeline) buildLayer(ctx context.Context, svc *engine.Service, ref engine.RoleRef, chain *fingerprint.Chain, current string, caching *bool, last bool, logger zerolog.Logger) (layer *Layer, err error) {
	ctx, span := p.tracer.StartRoleSpan(ctx, svc.Name, ref.Name)
	defer func() { telemetry.EndSpan(span, err) }()

	logger = logger.With().Str("role", ref.Name).Logger()
	start := time.Now()

	role, err := p.resolver.Load(ref)
	if err != nil {
		return nil, engine.ErrConfigInvalid("services."+svc.Name+".roles", err).
			WithService(svc.Name).
			WithRole(ref.Name)
	}
	scope := p.scope(role, svc, ref)

	digest, err := p.calc.RoleDigest(ref, svc.Name, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint role %s of %s: %w", ref.Name, svc.Name, err)
	}
	fp := chain.Fold(digest)
	logger = logger.With().Str("fingerprint", short(fp)).Logger()

	if *caching {
		cached, err := p.cache.Lookup(ctx, fp)
		if err != nil {
			return nil, err
		}
		if cached != "" {
			span.SetAttributes(telemetry.AttrCached.Bool(true))
			logger.Info().Str("image", cached).Msg("cached")
			p.metrics.RecordRole(svc.Name, ref.Name, time.Since(start), nil)
			return &Layer{Role: ref.Name, Fingerprint: fp, Image: cached, Cached: true}, nil
		}
		*caching = false
	}
	span.SetAttributes(telemetry.AttrCached.Bool(false))

	image, err := p.applyRole(ctx, svc, ref, role, scope, fp, current, last, logger)
	p.metrics.RecordRole(svc.Name, ref.Name, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return &Layer{Role: ref.Name, Fingerprint: fp, Image: image}, nil
}

// applyRole runs the role against a container started from current and
// commits the result.
func (p *Pipeline) applyRole(ctx context.Context, svc *engine.Service, ref engine.RoleRef, role *roles.Role, scope map[string]interface{}, fp, current string, last bool, logger zerolog.Logger) (string, error) {
	name := engine.LayerContainerName(p.project.Name, svc.Name, fp, ref.Name)
	p.removeContainer(ctx, name, logger)

	containerID, err := p.builder.RunContainer(ctx, drivers.RunRequest{
		Image:      current,
		Name:       name,
		Service:    svc.Name,
		Overrides:  p.layerSpec(),
		StreamLogs: false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start build container for %s: %w", ref.Name, err)
	}

	if err := p.waitRunning(ctx, containerID); err != nil {
		p.stopContainer(ctx, containerID, logger)
		return "", err
	}

	logger.Info().Str("container", name).Msg("Applying role")
	err = p.runner.Run(ctx, rolerunner.Request{
		ContainerID: containerID,
		Service:     svc.Name,
		Role:        ref,
		RolesPath:   p.opts.RolesPath,
		ProjectPath: p.opts.ProjectPath,
		Interpreter: p.opts.Interpreter,
		Vars:        p.playVars(role, svc),
		Debug:       p.opts.Debug,
		VaultFiles:  p.opts.VaultFiles,
	})
	if err != nil {
		p.stopContainer(ctx, containerID, logger)
		return "", engine.ErrBuildFailed(svc.Name, ref.Name, err).
			WithDetail("fingerprint", fp).
			WithDetail("container", name)
	}

	p.stopContainer(ctx, containerID, logger)

	metadata := role.Metadata
	if p.templater != nil && len(metadata) > 0 {
		rendered, err := template.RenderValue(p.templater, metadata, scope)
		if err != nil {
			return "", engine.ErrConfigInvalid("roles."+ref.Name+".meta", err).WithService(svc.Name)
		}
		if m, ok := rendered.(map[string]interface{}); ok {
			metadata = m
		}
	}

	commitCtx, span := p.tracer.StartCommitSpan(ctx, svc.Name, ref.Name, fp)
	image, err := p.cache.Insert(commitCtx, drivers.CommitRequest{
		ContainerID: containerID,
		Service:     svc.Name,
		Fingerprint: fp,
		Role:        ref.Name,
		Metadata:    metadata,
		WithName:    last,
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		return "", fmt.Errorf("failed to commit layer %s of %s: %w", ref.Name, svc.Name, err)
	}

	if err := p.builder.DeleteContainer(ctx, containerID, true); err != nil {
		logger.Warn().Err(err).Str("container", name).Msg("Failed to delete build container")
	}
	return image, nil
}

// layerSpec is the container configuration of every intermediate container.
func (p *Pipeline) layerSpec() drivers.ContainerSpec {
	spec := drivers.ContainerSpec{
		Command:         []string{"sh", "-c", "while true; do sleep 1000; done"},
		ClearEntrypoint: true,
		User:            "root",
		WorkingDir:      "/",
		Env: map[string]string{
			"PATH":            overlayPath,
			"LD_LIBRARY_PATH": overlayLibraryPath,
			"CPATH":           overlayIncludePath,
			"PYTHONPATH":      overlayPythonPath,
		},
		Volumes: p.opts.Volumes,
	}
	if p.opts.OverlayFrom != "" {
		spec.VolumesFrom = []string{p.opts.OverlayFrom + ":ro"}
	}
	return spec
}

// waitRunning polls until the container reports running, backing off from
// the poll interval up to two seconds between polls.
func (p *Pipeline) waitRunning(ctx context.Context, id string) error {
	interval := p.opts.PollInterval
	deadline := time.Now().Add(containerStartTimeout)

	for {
		rec, err := p.builder.InspectContainer(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to inspect container %s: %w", id, err)
		}
		if rec == nil {
			return engine.ErrEngine("inspect container", 404, fmt.Errorf("container %s disappeared", id))
		}
		if rec.Running {
			return nil
		}
		if rec.Status == "exited" || rec.Status == "dead" {
			return fmt.Errorf("container %s exited with code %d before the role ran", id, rec.ExitCode)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for container %s to start", id)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = interval * 3 / 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

// scope is the variable scope a role sees during fingerprinting and metadata rendering.
func (p *Pipeline) scope(role *roles.Role, svc *engine.Service, ref engine.RoleRef) map[string]interface{} {
	return role.Scope(p.projectScope(), svc.Vars, ref)
}

// playVars are the play-level variables. Role parameters travel on the role
// entry itself, so they are left out here.
func (p *Pipeline) playVars(role *roles.Role, svc *engine.Service) map[string]interface{} {
	return role.Scope(p.projectScope(), svc.Vars, engine.RoleRef{})
}

func (p *Pipeline) projectScope() map[string]interface{} {
	if len(p.opts.Vars) == 0 {
		return p.project.Config.Defaults
	}
	out := make(map[string]interface{}, len(p.project.Config.Defaults)+len(p.opts.Vars))
	for k, v := range p.project.Config.Defaults {
		out[k] = v
	}
	for k, v := range p.opts.Vars {
		out[k] = v
	}
	return out
}

// removeContainer stops and deletes a container left over by an earlier run.
// Failures are logged and swallowed.
func (p *Pipeline) removeContainer(ctx context.Context, name string, logger zerolog.Logger) {
	rec, err := p.builder.InspectContainer(ctx, name)
	if err != nil {
		logger.Warn().Err(err).Str("container", name).Msg("Failed to inspect previous container")
		return
	}
	if rec == nil {
		return
	}
	logger.Info().Str("container", name).Msg("Removing previous container")
	p.stopContainer(ctx, rec.ID, logger)
	if err := p.builder.DeleteContainer(ctx, rec.ID, true); err != nil {
		logger.Warn().Err(err).Str("container", name).Msg("Failed to delete previous container")
	}
}

func (p *Pipeline) stopContainer(ctx context.Context, id string, logger zerolog.Logger) {
	if err := p.builder.StopContainer(ctx, id, true); err != nil {
		logger.Warn().Err(err).Str("container", id).Msg("Failed to stop container")
	}
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
