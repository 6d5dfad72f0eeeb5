package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/rolecraft/rolecraft/pkg/conductor"
	"github.com/rolecraft/rolecraft/pkg/config"
	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/drivers/docker"
	"github.com/rolecraft/rolecraft/pkg/drivers/k8s"
	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/logmux"
	"github.com/rolecraft/rolecraft/pkg/policy"
	"github.com/rolecraft/rolecraft/pkg/telemetry"
	"github.com/rolecraft/rolecraft/pkg/wire"
)

// conductorEngine runs the builder container. The builder itself drives the
// engine selected with --engine.
const conductorEngine = docker.Name

// logDrainTimeout bounds how long builder output is flushed after it exits.
const logDrainTimeout = 2 * time.Second

// newRegistry returns a registry with every built-in driver.
func newRegistry() *drivers.Registry {
	registry := drivers.NewRegistry()
	docker.Register(registry)
	k8s.Register(registry)
	return registry
}

// projectDir returns the absolute project directory.
func projectDir() (string, error) {
	dir := projectPath
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project path: %w", err)
	}
	return abs, nil
}

// session is one host invocation against a loaded project.
type session struct {
	command  wire.Command
	project  *engine.Project
	registry *drivers.Registry
	policies *policy.Engine
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
}

// openSession checks the engine supports the command, loads the project on
// the host and evaluates policies against it.
func openSession(ctx context.Context, command wire.Command) (*session, error) {
	registry := newRegistry()
	if err := registry.Check(engineName, drivers.CommandCapabilities[string(command)]); err != nil {
		return nil, err
	}

	dir, err := projectDir()
	if err != nil {
		return nil, err
	}
	project, err := config.NewLoader(config.LoadOptions{
		Path:        dir,
		ProjectName: projectName,
		VarFiles:    varFiles,
		Role:        engine.RoleHost,
	}, log.Logger).Load(ctx)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("project", project.Name).Str("command", string(command)).Logger()

	policies, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	paths := lo.Map(project.Config.Settings.Policies, func(p string, _ int) string {
		return absolute(project.Path, p)
	})
	if err := policies.LoadPolicies(ctx, paths); err != nil {
		return nil, err
	}
	result, err := policies.Evaluate(ctx, project.Name, project.Config)
	if err != nil {
		return nil, err
	}
	if err := policy.Enforce(result, logger); err != nil {
		return nil, err
	}

	tracer, err := newTracer(project, "rolecraft")
	if err != nil {
		return nil, err
	}

	return &session{
		command:  command,
		project:  project,
		registry: registry,
		policies: policies,
		tracer:   tracer,
		logger:   logger,
	}, nil
}

// newTracer builds the span exporter selected by settings.tracing.
func newTracer(project *engine.Project, service string) (*telemetry.Tracer, error) {
	cfg := telemetry.DefaultConfig().Tracing
	settings := project.Config.Settings.Tracing
	if settings.Exporter != "" {
		cfg.Exporter = settings.Exporter
	}
	cfg.Endpoint = settings.Endpoint
	cfg.Insecure = settings.Insecure
	return telemetry.NewTracer(cfg, service, buildVersion, project.Name)
}

// close flushes pending spans.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tracer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to flush traces")
	}
}

// params returns the invocation parameters shared by every command. Host
// paths are made absolute so the builder sees them where they are mounted.
func (s *session) params() *wire.Params {
	p := &wire.Params{
		RunID:       uuid.NewString(),
		Command:     s.command,
		ProjectName: s.project.Name,
		Engine:      engineName,
		Debug:       debug,
		HostPath:    s.project.Path,
		VarFiles:    varFiles,
		VaultFiles: lo.Map(vaultFiles, func(v string, _ int) string {
			return absolute(s.project.Path, v)
		}),
		RolesPath: s.project.Config.Settings.RolesPath,
	}
	if mf := s.project.Config.Settings.MetricsFile; mf != "" {
		p.MetricsFile = absolute(s.project.Path, mf)
	}
	return p
}

// conduct runs one builder invocation and blocks until it exits.
func (s *session) conduct(ctx context.Context, params *wire.Params) error {
	mux := logmux.New(logmux.WriterSink(os.Stdout), s.logger, 0)
	defer mux.Close()

	d, err := s.registry.Open(ctx, conductorEngine, drivers.CapBuild, drivers.Options{
		Project: s.project.Name,
		Logger:  s.logger,
		Mux:     mux,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	builder, err := drivers.AsBuilder(d)
	if err != nil {
		return err
	}

	runner := conductor.New(builder, s.tracer, s.logger, conductor.Options{
		Project:     s.project.Name,
		ProjectPath: s.project.Path,
		Engine:      engineName,
		Base:        s.project.Config.Settings.ConductorBase,
	})

	s.logger.Debug().Str("run_id", params.RunID).Msg("Launching builder")
	err = runner.Run(ctx, s.project.Config, params)
	drain(mux)
	return err
}

// drain waits briefly for the builder's log stream to end.
func drain(mux *logmux.Multiplexer) {
	done := make(chan struct{})
	go func() {
		mux.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(logDrainTimeout):
	}
}

func absolute(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}
