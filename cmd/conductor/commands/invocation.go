package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/rolecraft/rolecraft/pkg/config"
	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/logmux"
	"github.com/rolecraft/rolecraft/pkg/policy"
	"github.com/rolecraft/rolecraft/pkg/telemetry"
	"github.com/rolecraft/rolecraft/pkg/wire"
)

// invocation is one decoded builder run.
type invocation struct {
	command  wire.Command
	params   *wire.Params
	project  *engine.Project
	registry *drivers.Registry
	policies *policy.Engine
	tel      *telemetry.Telemetry
	mux      *logmux.Multiplexer
	logger   *telemetry.Logger
}

// newInvocation decodes the payloads, resolves deferred lookups against the
// builder environment and sets up telemetry.
func newInvocation(ctx context.Context, command wire.Command) (*invocation, context.Context, error) {
	enc := wire.Encoding(encoding)
	params, err := wire.DecodeParams(enc, paramsPayload)
	if err != nil {
		return nil, ctx, &usageError{err: err}
	}
	if params.Command != command {
		return nil, ctx, &usageError{err: fmt.Errorf("params are for %q, not %q", params.Command, command)}
	}
	cfg, err := wire.DecodeConfig(enc, configPayload)
	if err != nil {
		return nil, ctx, err
	}
	if err := config.Finalize(cfg, os.Environ(), sourceDir); err != nil {
		return nil, ctx, err
	}

	name := lo.Ternary(projectName != "", projectName, params.ProjectName)
	if engineName != "" {
		params.Engine = engineName
	}
	project := &engine.Project{Name: name, Path: sourceDir, Config: cfg}

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = "conductor"
	tcfg.ServiceVersion = buildVersion
	tcfg.Project = name
	if cfg.Settings.Tracing.Exporter != "" {
		tcfg.Tracing.Exporter = cfg.Settings.Tracing.Exporter
	}
	tcfg.Tracing.Endpoint = cfg.Settings.Tracing.Endpoint
	tcfg.Tracing.Insecure = cfg.Settings.Tracing.Insecure
	tcfg.Metrics.TextfilePath = params.MetricsFile

	base := telemetry.WrapLogger(log.With().
		Str("project", name).
		Str("command", string(command)).
		Str("run_id", params.RunID).
		Logger())
	tel, err := telemetry.NewTelemetryWithLogger(tcfg, base)
	if err != nil {
		return nil, ctx, err
	}

	policies, err := policy.NewEngine(base.Zerolog())
	if err != nil {
		return nil, ctx, err
	}
	paths := lo.Map(cfg.Settings.Policies, func(p string, _ int) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(sourceDir, p)
	})
	if err := policies.LoadPolicies(ctx, paths); err != nil {
		return nil, ctx, err
	}

	inv := &invocation{
		command:  command,
		params:   params,
		project:  project,
		registry: newRegistry(),
		policies: policies,
		tel:      tel,
		mux:      logmux.New(logmux.LoggerSink(base.Zerolog()), base.Zerolog(), 0),
		logger:   base,
	}
	return inv, tel.WithContext(ctx), nil
}

// run dispatches the command inside an instrumented operation.
func (inv *invocation) run(ctx context.Context) (err error) {
	op := telemetry.StartOperation(ctx, "conductor."+string(inv.command),
		telemetry.AttrProject.String(inv.project.Name),
		telemetry.AttrCommand.String(string(inv.command)),
	)
	defer func() {
		op.End(err)
		if err == nil {
			op.Logger.WithField("duration", op.Timer.Duration().String()).Info("Builder finished")
		}
	}()

	switch inv.command {
	case wire.CommandBuild:
		return inv.build(op.Ctx)
	case wire.CommandRun:
		return inv.apply(op.Ctx, engine.LifecycleStart)
	case wire.CommandRestart:
		return inv.apply(op.Ctx, engine.LifecycleRestart)
	case wire.CommandStop:
		return inv.apply(op.Ctx, engine.LifecycleStop)
	case wire.CommandDestroy:
		return inv.apply(op.Ctx, engine.LifecycleDestroy)
	case wire.CommandPush, wire.CommandDeploy:
		return inv.push(op.Ctx)
	case wire.CommandInstall:
		return inv.install(op.Ctx)
	default:
		return fmt.Errorf("unsupported command %q", inv.command)
	}
}

// open constructs the named engine's driver, requiring the given capabilities.
func (inv *invocation) open(ctx context.Context, name string, required drivers.Capability) (drivers.Driver, error) {
	return inv.registry.Open(ctx, name, required, drivers.Options{
		Project:    inv.project.Name,
		Logger:     inv.logger.Zerolog(),
		Mux:        inv.mux,
		Namespace:  inv.project.Config.Settings.K8sNamespace,
		Kubeconfig: os.Getenv("KUBECONFIG"),
	})
}

// rolesPath is the role search path the host set for this builder.
func rolesPath() []string {
	return lo.Filter(strings.Split(os.Getenv("ANSIBLE_ROLES_PATH"), ":"), func(p string, _ int) bool {
		return p != ""
	})
}

// close drains logs and events, writes metrics and flushes spans.
func (inv *invocation) close() {
	done := make(chan struct{})
	go func() {
		inv.mux.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	inv.mux.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := inv.tel.Shutdown(ctx); err != nil {
		inv.logger.WithError(err).Warn("Failed to flush telemetry")
	}
}
