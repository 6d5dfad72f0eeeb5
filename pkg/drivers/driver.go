// Package drivers defines the engine driver contract: a capability-tagged
// Driver plus one interface per capability group, and the registry that
// constructs drivers by engine name.
package drivers

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/logmux"
	"github.com/rs/zerolog"
)

// Driver is a container engine backend.
type Driver interface {
	// Name returns the engine name, e.g. "docker".
	Name() string

	// Capabilities returns what the driver supports.
	Capabilities() Capability

	// Close releases the engine connection.
	Close() error
}

// Builder is implemented by drivers with CapBuild.
type Builder interface {
	Driver

	// RunContainer starts a detached container and returns its id.
	RunContainer(ctx context.Context, req RunRequest) (string, error)

	// StopContainer stops a container. Absent containers are tolerated.
	StopContainer(ctx context.Context, id string, force bool) error

	// DeleteContainer removes a container. Absent containers are tolerated.
	DeleteContainer(ctx context.Context, id string, removeVolumes bool) error

	// InspectContainer returns the container record, or nil if absent.
	InspectContainer(ctx context.Context, id string) (*ContainerRecord, error)

	// CommitRoleAsLayer stops the container and commits it as a labeled layer.
	CommitRoleAsLayer(ctx context.Context, req CommitRequest) (string, error)

	// GetImageIDByFingerprint returns the id of an image carrying the
	// fingerprint label, or "" when none does.
	GetImageIDByFingerprint(ctx context.Context, fingerprint string) (string, error)

	// GetLatestImageForService returns the newest image of a service, or nil.
	GetLatestImageForService(ctx context.Context, service string) (*ImageRecord, error)

	// TagImageAsLatest moves the service's latest tag to imageID.
	TagImageAsLatest(ctx context.Context, service, imageID string) error

	// BuildImageFromContext builds an image from a tar build context.
	BuildImageFromContext(ctx context.Context, buildContext io.Reader, tag string, noCache bool) (string, error)

	// ResolveImage returns the id of an image reference, pulling it if missing.
	ResolveImage(ctx context.Context, ref string) (string, error)
}

// Pusher is implemented by drivers with CapPush.
type Pusher interface {
	Driver

	// Push tags an image into a registry repository and pushes it.
	Push(ctx context.Context, req PushRequest) error
}

// Authenticator is implemented by drivers with CapLogin.
type Authenticator interface {
	Driver

	// Login authenticates against a registry and returns the credentials used.
	Login(ctx context.Context, req LoginRequest) (string, string, error)
}

// Orchestrator is implemented by drivers with CapRun or CapDeploy.
type Orchestrator interface {
	Driver
	engine.Orchestrator
}

// Options configure driver construction.
type Options struct {
	// Project is the project name used in image and container names.
	Project string

	// Logger is the driver's logger.
	Logger zerolog.Logger

	// Mux receives container log streams. Nil disables streaming.
	Mux *logmux.Multiplexer

	// Namespace is the cluster namespace.
	Namespace string

	// Kubeconfig is the cluster config path; empty means in-cluster or $KUBECONFIG.
	Kubeconfig string

	// CredentialPaths override the registry credential file cascade.
	CredentialPaths []string

	// PollInterval is the initial container state poll interval.
	PollInterval time.Duration
}

// RunRequest describes a container to start.
type RunRequest struct {
	// Image is the image reference or id. Required.
	Image string

	// Name is the container name; empty lets the engine choose.
	Name string

	// Service is the service the container belongs to, used for log stream naming.
	Service string

	// Base is the resolved service spec the overrides are merged onto, if any.
	Base *engine.Service

	// Overrides win over Base.
	Overrides ContainerSpec

	// StreamLogs forwards the container output to the log multiplexer.
	StreamLogs bool
}

// ContainerSpec is the container-level configuration of a run.
type ContainerSpec struct {
	Command    []string
	Entrypoint []string
	// ClearEntrypoint runs the container with no entrypoint at all.
	ClearEntrypoint bool
	Env             map[string]string
	User            string
	WorkingDir      string
	Labels          map[string]string
	Tty             bool
	StdinOpen       bool

	// Host-level settings. A service spec never contributes these.
	Volumes     []string
	VolumesFrom []string
	Ports       []string
	NetworkMode string
	Privileged  bool
}

// SpecFromService extracts the container-level keys of a service spec.
// Host-level keys (ports, volumes) are left out.
func SpecFromService(svc *engine.Service) ContainerSpec {
	if svc == nil {
		return ContainerSpec{}
	}
	spec := ContainerSpec{
		Command:    svc.Command,
		Entrypoint: svc.Entrypoint,
		User:       svc.User,
		WorkingDir: svc.WorkingDir,
		Tty:        svc.Tty,
		StdinOpen:  svc.StdinOpen,
	}
	if len(svc.Environment) > 0 {
		spec.Env = make(map[string]string, len(svc.Environment))
		for k, v := range svc.Environment {
			spec.Env[k] = v
		}
	}
	if len(svc.Labels) > 0 {
		spec.Labels = make(map[string]string, len(svc.Labels))
		for k, v := range svc.Labels {
			spec.Labels[k] = v
		}
	}
	return spec
}

// Merge returns s with every set field of o applied on top.
func (s ContainerSpec) Merge(o ContainerSpec) ContainerSpec {
	out := s
	if o.Command != nil {
		out.Command = o.Command
	}
	if o.Entrypoint != nil {
		out.Entrypoint = o.Entrypoint
	}
	if o.ClearEntrypoint {
		out.ClearEntrypoint = true
		out.Entrypoint = nil
	}
	if o.User != "" {
		out.User = o.User
	}
	if o.WorkingDir != "" {
		out.WorkingDir = o.WorkingDir
	}
	out.Tty = out.Tty || o.Tty
	out.StdinOpen = out.StdinOpen || o.StdinOpen
	out.Env = mergeMaps(s.Env, o.Env)
	out.Labels = mergeMaps(s.Labels, o.Labels)
	out.Volumes = append(append([]string{}, s.Volumes...), o.Volumes...)
	out.VolumesFrom = append(append([]string{}, s.VolumesFrom...), o.VolumesFrom...)
	out.Ports = append(append([]string{}, s.Ports...), o.Ports...)
	if o.NetworkMode != "" {
		out.NetworkMode = o.NetworkMode
	}
	out.Privileged = out.Privileged || o.Privileged
	return out
}

// EnvList returns the environment as sorted K=V entries.
func (s ContainerSpec) EnvList() []string {
	return engine.Environment(s.Env).List()
}

func mergeMaps(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// ContainerRecord is the engine's view of a container.
type ContainerRecord struct {
	ID       string
	Name     string
	Image    string
	Status   string
	Running  bool
	ExitCode int
	Labels   map[string]string
}

// ImageRecord is the engine's view of an image.
type ImageRecord struct {
	ID      string
	Tags    []string
	Labels  map[string]string
	Created int64
}

// Fingerprint returns the reserved fingerprint label.
func (i *ImageRecord) Fingerprint() string {
	return i.Labels[engine.LabelFingerprint]
}

// HighestTag returns the lexically highest tag with the given repository
// prefix, or "".
func HighestTag(images []ImageRecord, repository string) (string, *ImageRecord) {
	type candidate struct {
		tag   string
		image *ImageRecord
	}
	candidates := make([]candidate, 0)
	for i := range images {
		for _, tag := range images[i].Tags {
			if len(tag) > len(repository) && tag[:len(repository)+1] == repository+":" {
				candidates = append(candidates, candidate{tag, &images[i]})
			}
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].tag < candidates[b].tag })
	best := candidates[len(candidates)-1]
	return best.tag, best.image
}

// CommitRequest describes one role layer commit.
type CommitRequest struct {
	ContainerID string
	Service     string
	Fingerprint string
	Role        string

	// Metadata is the role's image-level metadata, translated to image config.
	Metadata map[string]interface{}

	// WithName also tags the layer <project>-<service>:<timestamp>.
	WithName bool
}

// PushRequest describes one image push.
type PushRequest struct {
	ImageID          string
	Service          string
	Tag              string
	Namespace        string
	URL              string
	Username         string
	Password         string
	RepositoryPrefix string
}

// LoginRequest describes a registry login. Empty credentials are read from
// the credential file cascade.
type LoginRequest struct {
	Username   string
	Password   string
	Email      string
	URL        string
	ConfigPath string
}
