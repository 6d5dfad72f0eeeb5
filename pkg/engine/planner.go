package engine

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// composeOptions are the compose keys passed through to executors verbatim.
// Keys outside this list and the named ServiceDefinition fields are dropped.
var composeOptions = map[string]bool{
	"cap_add":           true,
	"cap_drop":          true,
	"devices":           true,
	"dns":               true,
	"dns_search":        true,
	"domainname":        true,
	"expose":            true,
	"extra_hosts":       true,
	"healthcheck":       true,
	"hostname":          true,
	"init":              true,
	"ipc":               true,
	"links":             true,
	"logging":           true,
	"mem_limit":         true,
	"pid":               true,
	"privileged":        true,
	"read_only":         true,
	"security_opt":      true,
	"shm_size":          true,
	"stop_grace_period": true,
	"stop_signal":       true,
	"sysctls":           true,
	"tmpfs":             true,
	"ulimits":           true,
	"volumes_from":      true,
}

// PlanOptions control image references and host paths in generated plans.
type PlanOptions struct {
	// Registry, when set, makes service images refer to the pushed repositories.
	Registry *Registry

	// Tag is the image tag to run; defaults to latest.
	Tag string

	// ProjectPath is the host path relative volume sources are expanded against.
	// Defaults to the project's own path.
	ProjectPath string
}

// Planner emits lifecycle plans from a resolved project.
type Planner struct {
	logger zerolog.Logger
}

// NewPlanner creates a new planner.
func NewPlanner(logger zerolog.Logger) *Planner {
	return &Planner{logger: logger}
}

// Plan builds the orchestration plan for a project.
// The plan is a pure function of its inputs; re-emitting it is always safe.
func (p *Planner) Plan(project *Project, opts PlanOptions) (*Plan, error) {
	if project == nil || project.Config == nil {
		return nil, NewPermanentError("project is nil", nil).WithCode(ErrCodeValidation)
	}
	if opts.Tag == "" {
		opts.Tag = "latest"
	}
	if opts.ProjectPath == "" {
		opts.ProjectPath = project.Path
	}

	cfg := project.Config
	secretsVolume := ""
	if len(cfg.Secrets) > 0 {
		secretsVolume = SecretsVolumeName(project.Name)
	}

	// Build the canonical definition of every service
	defs := make([]ServiceDefinition, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		def, err := p.Definition(project, svc, opts)
		if err != nil {
			return nil, err
		}
		if len(def.Secrets) > 0 {
			if secretsVolume == "" {
				return nil, ErrConfigInvalid(fmt.Sprintf("services.%s.secrets", svc.Name),
					fmt.Errorf("service binds secrets but the project declares none"))
			}
			for name := range def.Secrets {
				if _, ok := cfg.Secrets[name]; !ok {
					return nil, ErrConfigInvalid(fmt.Sprintf("services.%s.secrets.%s", svc.Name, name),
						fmt.Errorf("undeclared secret"))
				}
			}
			def.SecretsVolume = secretsVolume
		}
		defs = append(defs, def)
	}

	// Validate depends_on before handing the plan to an executor
	if _, err := NewDAGBuilder().Build(defs); err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		Project:   project.Name,
		CreatedAt: time.Now().UTC(),
		Tasks:     make([]Task, 0, len(Lifecycles)+len(defs)+3),
	}

	// Secrets are written before any service task of start or restart runs
	if secretsVolume != "" {
		plan.Tasks = append(plan.Tasks, Task{
			ID:      "secrets-write",
			Name:    "write project secrets",
			Kind:    TaskWriteSecrets,
			Tags:    []Lifecycle{LifecycleStart, LifecycleRestart},
			Volume:  secretsVolume,
			Secrets: cfg.Secrets,
		})
	}

	for _, lc := range Lifecycles {
		task := Task{
			ID:       fmt.Sprintf("%s-services", lc),
			Name:     fmt.Sprintf("%s services", lc),
			Kind:     TaskServices,
			Tags:     []Lifecycle{lc},
			State:    StatePresent,
			Services: defs,
		}
		switch lc {
		case LifecycleRestart:
			task.Restarted = true
		case LifecycleStop:
			task.Stopped = true
		case LifecycleDestroy:
			task.State = StateAbsent
			task.RemoveVolumes = true
		}
		plan.Tasks = append(plan.Tasks, task)
	}

	// Remove every <project>-* image, the builder image and images of
	// services no longer declared included
	prefix := ImagePrefix(project.Name)
	plan.Tasks = append(plan.Tasks, Task{
		ID:    "remove-images",
		Name:  "remove images " + prefix + "*",
		Kind:  TaskRemoveImages,
		Tags:  []Lifecycle{LifecycleDestroy},
		Image: prefix,
	})

	if secretsVolume != "" {
		plan.Tasks = append(plan.Tasks, Task{
			ID:     "secrets-remove",
			Name:   "remove secrets volume",
			Kind:   TaskRemoveVolume,
			Tags:   []Lifecycle{LifecycleDestroy},
			Volume: secretsVolume,
		})
	}

	p.logger.Debug().
		Str("plan_id", plan.ID).
		Int("services", len(defs)).
		Int("tasks", len(plan.Tasks)).
		Msg("Generated orchestration plan")

	return plan, nil
}

// Definition trims a service to the canonical definition executors accept.
// A service without roles is never built and runs its base image.
func (p *Planner) Definition(project *Project, svc *Service, opts PlanOptions) (ServiceDefinition, error) {
	image := svc.From
	if len(svc.Roles) > 0 {
		image = ImageName(project.Name, svc.Name) + ":" + lo.Ternary(opts.Tag == "", "latest", opts.Tag)
		if opts.Registry != nil {
			image = RemoteImage(*opts.Registry, project.Name, svc.Name, opts.Tag)
		}
	}

	projectPath := lo.Ternary(opts.ProjectPath == "", project.Path, opts.ProjectPath)
	volumes := make([]string, 0, len(svc.Volumes))
	for _, v := range svc.Volumes {
		volumes = append(volumes, ExpandVolume(v, projectPath))
	}

	def := ServiceDefinition{
		Name:        svc.Name,
		Image:       image,
		Command:     svc.Command,
		Entrypoint:  svc.Entrypoint,
		Environment: svc.Environment,
		Ports:       svc.Ports,
		Volumes:     volumes,
		WorkingDir:  svc.WorkingDir,
		User:        svc.User,
		Labels:      svc.Labels,
		DependsOn:   svc.DependsOn,
		Networks:    svc.Networks,
		Restart:     svc.Restart,
		StdinOpen:   svc.StdinOpen,
		Tty:         svc.Tty,
		Secrets:     svc.Secrets,
	}

	keys := make([]string, 0, len(svc.Extra))
	for k := range svc.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !composeOptions[k] {
			p.logger.Warn().
				Str("service", svc.Name).
				Str("key", k).
				Msg("Dropping unsupported service option")
			continue
		}
		if def.Options == nil {
			def.Options = make(map[string]interface{})
		}
		def.Options[k] = svc.Extra[k]
	}

	return def, nil
}

// SecretsVolumeName returns the volume holding a project's secrets.
func SecretsVolumeName(project string) string {
	return project + "_secrets"
}

// RepositoryName returns the pushed repository path of a service, without a tag.
func RepositoryName(reg Registry, project, service string) string {
	prefix := lo.Ternary(reg.RepositoryPrefix == "", project, reg.RepositoryPrefix)
	name := prefix + "-" + service
	host := RegistryHost(reg.URL)

	parts := make([]string, 0, 3)
	if host != "" {
		parts = append(parts, host)
	}
	if reg.Namespace != "" {
		parts = append(parts, reg.Namespace)
	}
	parts = append(parts, name)
	return strings.Join(parts, "/")
}

// RemoteImage returns the pushed image reference of a service.
func RemoteImage(reg Registry, project, service, tag string) string {
	return RepositoryName(reg, project, service) + ":" + lo.Ternary(tag == "", "latest", tag)
}

// RegistryHost strips the scheme and path from a registry URL.
func RegistryHost(url string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	host, _, _ = strings.Cut(host, "/")
	return host
}

// ExpandVolume expands a relative bind source against the project path.
// Named volumes and absolute paths are returned unchanged.
func ExpandVolume(spec, projectPath string) string {
	src, rest, found := strings.Cut(spec, ":")
	if !found {
		return spec
	}
	if src == "." || strings.HasPrefix(src, "./") || strings.HasPrefix(src, "../") {
		src = filepath.Clean(filepath.Join(projectPath, src))
	}
	return src + ":" + rest
}
