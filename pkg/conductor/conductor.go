// Package conductor runs the builder container from the host. Each
// invocation replaces any builder left by a previous one, builds the builder
// image when needed, launches the builder with the project mounted and the
// engine socket forwarded, follows its logs and waits for it to exit.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/telemetry"
	"github.com/rolecraft/rolecraft/pkg/wire"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	maxPollInterval     = 2 * time.Second
)

// Options configure a Runner.
type Options struct {
	Project     string
	ProjectPath string
	Engine      string

	// Base is the builder image base; empty means DefaultBase.
	Base string

	// Binary is the conductor executable copied into the builder image.
	// Empty means a "conductor" binary next to the running executable.
	Binary string

	// Kubeconfig is forwarded to the builder for the k8s engine.
	Kubeconfig string

	// CredentialPaths override the registry credential file cascade.
	CredentialPaths []string

	// Encoding is the wire codec; empty means b64json.
	Encoding wire.Encoding

	PollInterval time.Duration

	// Getenv reads the host environment; nil means os.Getenv.
	Getenv func(string) string
}

// Runner launches and supervises the builder container.
type Runner struct {
	builder drivers.Builder
	tracer  *telemetry.Tracer
	logger  zerolog.Logger
	opts    Options
	getenv  func(string) string
}

// New creates a Runner.
func New(builder drivers.Builder, tracer *telemetry.Tracer, logger zerolog.Logger, opts Options) *Runner {
	if opts.Encoding == "" {
		opts.Encoding = wire.EncodingB64JSON
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return &Runner{
		builder: builder,
		tracer:  tracer,
		logger:  logger.With().Str("component", "conductor").Logger(),
		opts:    opts,
		getenv:  getenv,
	}
}

// Run executes one builder invocation and blocks until the builder exits.
// A non-zero exit fails with ConductorFailed carrying the exit code.
func (r *Runner) Run(ctx context.Context, cfg *engine.Config, params *wire.Params) (err error) {
	ctx, span := r.tracer.StartSpan(ctx, "conductor.run",
		telemetry.AttrProject.String(r.opts.Project),
		telemetry.AttrCommand.String(string(params.Command)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	name := engine.ConductorContainerName(r.opts.Project)
	logger := r.logger.With().Str("command", string(params.Command)).Str("container", name).Logger()

	if err := r.removePrevious(ctx, name); err != nil {
		return err
	}

	rebuild := params.Command == wire.CommandBuild && params.NoCache
	if err := r.ensureImage(ctx, rebuild); err != nil {
		return err
	}

	command, err := r.command(cfg, params)
	if err != nil {
		return err
	}

	id, err := r.builder.RunContainer(ctx, drivers.RunRequest{
		Image:   engine.ConductorImage(r.opts.Project),
		Name:    name,
		Service: "conductor",
		Overrides: drivers.ContainerSpec{
			Command:    command,
			WorkingDir: SourceDir,
			Env:        r.env(params),
			Volumes:    r.mounts(params),
			Labels: map[string]string{
				"rolecraft.project": r.opts.Project,
				"rolecraft.command": string(params.Command),
			},
		},
		StreamLogs: true,
	})
	if err != nil {
		var e *engine.EngineError
		if errors.As(err, &e) && e.Status == 409 {
			return engine.ErrConductorAlreadyRunning(name, err)
		}
		return err
	}
	logger.Info().Str("id", id).Msg("Builder started")

	code, err := r.wait(ctx, id)
	if err != nil {
		r.cleanup(id, params, logger)
		return err
	}
	r.cleanup(id, params, logger)

	if code != 0 {
		logger.Error().Int("exit_code", code).Msg("Builder failed")
		return engine.ErrConductorFailed(code)
	}
	logger.Info().Msg("Builder finished")
	return nil
}

// command renders the builder command line with the encoded payloads.
func (r *Runner) command(cfg *engine.Config, params *wire.Params) ([]string, error) {
	encodedParams, err := wire.EncodeParams(r.opts.Encoding, params)
	if err != nil {
		return nil, err
	}
	encodedConfig, err := wire.EncodeConfig(r.opts.Encoding, cfg)
	if err != nil {
		return nil, err
	}

	command := []string{
		"conductor", string(params.Command),
		"--project-name", r.opts.Project,
		"--engine", r.opts.Engine,
		"--params", encodedParams,
		"--config", encodedConfig,
		"--encoding", string(r.opts.Encoding),
	}
	if params.Debug {
		command = append(command, "--debug")
	}
	return command, nil
}

// removePrevious stops and deletes a builder left by an earlier invocation.
func (r *Runner) removePrevious(ctx context.Context, name string) error {
	rec, err := r.builder.InspectContainer(ctx, name)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	r.logger.Info().Str("container", name).Msg("Removing previous builder")
	if err := r.builder.StopContainer(ctx, rec.ID, true); err != nil {
		r.logger.Warn().Err(err).Str("container", name).Msg("Failed to stop previous builder")
	}
	return r.builder.DeleteContainer(ctx, rec.ID, true)
}

// wait polls until the builder stops running and returns its exit code.
func (r *Runner) wait(ctx context.Context, id string) (int, error) {
	interval := r.opts.PollInterval
	for {
		rec, err := r.builder.InspectContainer(ctx, id)
		if err != nil {
			return 0, err
		}
		if rec == nil {
			return 0, engine.ErrEngine("inspect container", 404, fmt.Errorf("builder %s disappeared", id))
		}
		if !rec.Running && rec.Status != "created" {
			return rec.ExitCode, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
		interval = interval * 3 / 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

// cleanup deletes the builder unless the user asked to keep it. Failures are
// logged, never returned.
func (r *Runner) cleanup(id string, params *wire.Params, logger zerolog.Logger) {
	if params.SaveBuildContainer {
		logger.Info().Str("id", id).Msg("Keeping builder container")
		return
	}
	ctx := context.Background()
	if err := r.builder.StopContainer(ctx, id, true); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop builder")
	}
	if err := r.builder.DeleteContainer(ctx, id, true); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove builder")
	}
}
