// Package docker implements the engine driver for a local Docker daemon.
package docker

import (
	"context"
	"io"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/rolecraft/rolecraft/pkg/credentials"
	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/logmux"
)

// Name is the engine name the driver registers under.
const Name = "docker"

// Capabilities lists what the driver supports.
const Capabilities = drivers.CapBuild | drivers.CapRun | drivers.CapPush | drivers.CapLogin |
	drivers.CapDeploy | drivers.CapInstall

// Labels set on service containers and the resources created for them.
const (
	LabelProject    = "rolecraft.project"
	LabelService    = "rolecraft.service"
	LabelConfigHash = "rolecraft.config-hash"
)

// SecretsDir is where the secrets volume is mounted in service containers.
const SecretsDir = "/run/secrets"

const stopTimeout = 10

// apiClient is the subset of the Engine API the driver calls.
type apiClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	Close() error

	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (container.CommitResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error

	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageTag(ctx context.Context, source, target string) error
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)

	RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error)

	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkRemove(ctx context.Context, networkID string) error

	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeInspect(ctx context.Context, volumeID string) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// Driver talks to a Docker daemon through the Engine API.
type Driver struct {
	api     apiClient
	project string
	mux     *logmux.Multiplexer
	creds   *credentials.Store
	logger  zerolog.Logger

	// now stamps named layers.
	now func() time.Time
}

var (
	_ drivers.Builder       = (*Driver)(nil)
	_ drivers.Pusher        = (*Driver)(nil)
	_ drivers.Authenticator = (*Driver)(nil)
	_ drivers.Orchestrator  = (*Driver)(nil)
)

// Register adds the docker driver to a registry.
func Register(r *drivers.Registry) {
	r.Register(Name, Capabilities, Factory)
}

// Factory connects to the daemon selected by DOCKER_HOST, DOCKER_TLS_VERIFY
// and DOCKER_CERT_PATH, negotiating the API version.
func Factory(ctx context.Context, opts drivers.Options) (drivers.Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, engine.ErrEngineUnreachable(err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, wrapErr("ping", err)
	}
	return newDriver(cli, opts), nil
}

func newDriver(api apiClient, opts drivers.Options) *Driver {
	return &Driver{
		api:     api,
		project: opts.Project,
		mux:     opts.Mux,
		creds:   credentials.NewStore(opts.CredentialPaths...),
		logger:  opts.Logger.With().Str("component", "docker").Logger(),
		now:     time.Now,
	}
}

// Name returns the engine name.
func (d *Driver) Name() string { return Name }

// Capabilities returns the driver's capabilities.
func (d *Driver) Capabilities() drivers.Capability { return Capabilities }

// Close releases the daemon connection.
func (d *Driver) Close() error {
	return d.api.Close()
}

// wrapErr maps an Engine API error to an engine error, keeping its status.
func wrapErr(operation string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return engine.ErrEngineUnreachable(err)
	}
	return engine.ErrEngine(operation, errhttp.ToHTTP(err), err)
}

// ignoreNotFound drops not-found errors.
func ignoreNotFound(err error) error {
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}
