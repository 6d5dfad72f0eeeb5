package engine

import (
	"context"
	"fmt"
	"time"
)

// Lifecycle is a lifecycle state a plan can be applied for.
type Lifecycle string

const (
	// LifecycleStart brings services up.
	LifecycleStart Lifecycle = "start"

	// LifecycleRestart restarts running services.
	LifecycleRestart Lifecycle = "restart"

	// LifecycleStop stops services but keeps their containers.
	LifecycleStop Lifecycle = "stop"

	// LifecycleDestroy removes containers, volumes and images.
	LifecycleDestroy Lifecycle = "destroy"
)

// Lifecycles lists lifecycle states in plan order.
var Lifecycles = []Lifecycle{LifecycleStart, LifecycleRestart, LifecycleStop, LifecycleDestroy}

// Validate checks if the lifecycle is known.
func (l Lifecycle) Validate() error {
	switch l {
	case LifecycleStart, LifecycleRestart, LifecycleStop, LifecycleDestroy:
		return nil
	default:
		return fmt.Errorf("invalid lifecycle: %s", l)
	}
}

// Reverse reports whether services are processed in reverse dependency order.
func (l Lifecycle) Reverse() bool {
	return l == LifecycleStop || l == LifecycleDestroy
}

// ServiceState is the desired state of a service after a task runs.
type ServiceState string

const (
	StatePresent ServiceState = "present"
	StateAbsent  ServiceState = "absent"
)

// Action is the effective action of a service task.
type Action string

const (
	ActionPresent   Action = "present"
	ActionAbsent    Action = "absent"
	ActionStopped   Action = "stopped"
	ActionRestarted Action = "restarted"
)

// TaskKind identifies what a plan task operates on.
type TaskKind string

const (
	// TaskServices reconciles every service definition of the project.
	TaskServices TaskKind = "services"

	// TaskRemoveImages removes every image whose repository has a prefix.
	TaskRemoveImages TaskKind = "remove_images"

	// TaskWriteSecrets populates the secrets volume.
	TaskWriteSecrets TaskKind = "write_secrets"

	// TaskRemoveVolume removes a named volume.
	TaskRemoveVolume TaskKind = "remove_volume"
)

// Task is one step of an orchestration plan.
type Task struct {
	// ID is the stable task identifier within the plan.
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable description.
	Name string `yaml:"name" json:"name"`

	// Kind is what the task operates on.
	Kind TaskKind `yaml:"kind" json:"kind"`

	// Tags are the lifecycles the task runs under.
	Tags []Lifecycle `yaml:"tags" json:"tags"`

	// State is present or absent for service tasks.
	State ServiceState `yaml:"state,omitempty" json:"state,omitempty"`

	Restarted     bool `yaml:"restarted,omitempty" json:"restarted,omitempty"`
	Stopped       bool `yaml:"stopped,omitempty" json:"stopped,omitempty"`
	RemoveVolumes bool `yaml:"remove_volumes,omitempty" json:"remove_volumes,omitempty"`

	// Services are the canonical definitions reconciled by a services task.
	Services []ServiceDefinition `yaml:"services,omitempty" json:"services,omitempty"`

	// Image is the repository prefix removed by a remove_images task.
	Image string `yaml:"image,omitempty" json:"image,omitempty"`

	// Volume is the volume written or removed by a secrets or volume task.
	Volume string `yaml:"volume,omitempty" json:"volume,omitempty"`

	// Secrets maps secret names to their sources for a write_secrets task.
	Secrets map[string]Secret `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

// Action derives the effective action from the task's state flags.
func (t *Task) Action() Action {
	switch {
	case t.State == StateAbsent:
		return ActionAbsent
	case t.Restarted:
		return ActionRestarted
	case t.Stopped:
		return ActionStopped
	default:
		return ActionPresent
	}
}

// HasTag reports whether the task runs under the given lifecycle.
func (t *Task) HasTag(l Lifecycle) bool {
	for _, tag := range t.Tags {
		if tag == l {
			return true
		}
	}
	return false
}

// ServiceDefinition is a service trimmed to the keys an executor understands.
type ServiceDefinition struct {
	Name        string            `yaml:"name" json:"name"`
	Image       string            `yaml:"image" json:"image"`
	Command     []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Entrypoint  []string          `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Ports       []string          `yaml:"ports,omitempty" json:"ports,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	WorkingDir  string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	User        string            `yaml:"user,omitempty" json:"user,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Networks    []string          `yaml:"networks,omitempty" json:"networks,omitempty"`
	Restart     string            `yaml:"restart,omitempty" json:"restart,omitempty"`
	StdinOpen   bool              `yaml:"stdin_open,omitempty" json:"stdin_open,omitempty"`
	Tty         bool              `yaml:"tty,omitempty" json:"tty,omitempty"`

	// Secrets binds secret names to a mount path or an env var name.
	Secrets map[string]string `yaml:"secrets,omitempty" json:"secrets,omitempty"`

	// SecretsVolume is the volume holding the project's secrets.
	SecretsVolume string `yaml:"secrets_volume,omitempty" json:"secrets_volume,omitempty"`

	// Options carries the remaining whitelisted compose keys verbatim.
	Options map[string]interface{} `yaml:"options,omitempty" json:"options,omitempty"`
}

// Plan is an ordered, idempotent sequence of lifecycle tasks.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `yaml:"id" json:"id"`

	// Project is the project the plan was generated for.
	Project string `yaml:"project" json:"project"`

	// CreatedAt is when the plan was generated.
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`

	// Tasks are the ordered plan tasks.
	Tasks []Task `yaml:"tasks" json:"tasks"`
}

// TasksFor returns the tasks tagged with the given lifecycle, in plan order.
func (p *Plan) TasksFor(l Lifecycle) []Task {
	out := make([]Task, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.HasTag(l) {
			out = append(out, t)
		}
	}
	return out
}

// Orchestrator applies plan tasks to an engine. Every method is idempotent and
// reports whether it changed engine state.
type Orchestrator interface {
	// EnsureService reconciles one service to the task's action.
	EnsureService(ctx context.Context, project string, def ServiceDefinition, action Action) (bool, error)

	// RemoveService removes a service's containers, optionally with their volumes.
	RemoveService(ctx context.Context, project, service string, removeVolumes bool) (bool, error)

	// RemoveImages removes every tag whose repository starts with prefix.
	RemoveImages(ctx context.Context, prefix string) (bool, error)

	// WriteSecrets stores secret payloads in the named volume.
	WriteSecrets(ctx context.Context, project, volume string, secrets map[string][]byte) (bool, error)

	// RemoveVolume removes a named volume.
	RemoveVolume(ctx context.Context, project, volume string) (bool, error)
}

// TaskResult is the outcome of applying one task.
type TaskResult struct {
	TaskID   string        `json:"task_id"`
	Name     string        `json:"name"`
	Changed  bool          `json:"changed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`

	// Services lists the services the task changed.
	Services []string `json:"services,omitempty"`

	err error
}

// RunResult is the outcome of applying a plan for one lifecycle.
type RunResult struct {
	PlanID      string       `json:"plan_id"`
	Lifecycle   Lifecycle    `json:"lifecycle"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	Tasks       []TaskResult `json:"tasks"`
}

// Changed returns the number of tasks that changed engine state.
func (r *RunResult) Changed() int {
	n := 0
	for _, t := range r.Tasks {
		if t.Changed {
			n++
		}
	}
	return n
}

// Failed returns the number of tasks that failed.
func (r *RunResult) Failed() int {
	n := 0
	for _, t := range r.Tasks {
		if t.Error != "" {
			n++
		}
	}
	return n
}
