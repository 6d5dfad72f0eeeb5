package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	dockerspec "github.com/moby/docker-image-spec/specs-go/v1"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeContainer is a container held by fakeAPI.
type fakeContainer struct {
	id       string
	name     string
	config   *container.Config
	host     *container.HostConfig
	network  *network.NetworkingConfig
	running  bool
	exitCode int
}

// fakeImage is an image held by fakeAPI.
type fakeImage struct {
	id      string
	tags    []string
	labels  map[string]string
	created int64
	commit  container.CommitOptions
}

// fakeAPI is an in-memory Engine API.
type fakeAPI struct {
	mu sync.Mutex

	seq        int
	containers map[string]*fakeContainer
	images     map[string]*fakeImage
	networks   map[string]map[string]bool
	volumes    map[string]volume.Volume

	pulled    []string
	pushed    []string
	pushAuth  []string
	logins    []registry.AuthConfig
	restarts  []string
	connected []string

	// copied holds files copied into containers, by container path.
	copied map[string][]byte

	// pushStream replaces the push progress stream.
	pushStream string

	// createErr fails every ContainerCreate.
	createErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]*fakeImage),
		networks:   make(map[string]map[string]bool),
		volumes:    make(map[string]volume.Volume),
		copied:     make(map[string][]byte),
	}
}

func (f *fakeAPI) addImage(tag string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addImageLocked(tag, labels)
}

func (f *fakeAPI) addImageLocked(tag string, labels map[string]string) string {
	f.seq++
	id := fmt.Sprintf("sha256:%064d", f.seq)
	f.images[id] = &fakeImage{id: id, labels: labels, created: int64(f.seq)}
	if tag != "" {
		f.tagLocked(id, tag)
	}
	return id
}

func (f *fakeAPI) tagLocked(id, tag string) {
	for _, img := range f.images {
		img.tags = without(img.tags, tag)
	}
	f.images[id].tags = append(f.images[id].tags, tag)
}

func (f *fakeAPI) imageLocked(ref string) *fakeImage {
	if img, ok := f.images[ref]; ok {
		return img
	}
	if !strings.Contains(ref, ":") {
		ref += ":latest"
	}
	for _, img := range f.images {
		for _, t := range img.tags {
			if t == ref {
				return img
			}
		}
	}
	return nil
}

func (f *fakeAPI) containerLocked(idOrName string) *fakeContainer {
	if c, ok := f.containers[idOrName]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.name == idOrName {
			return c
		}
	}
	return nil
}

func notFound(what string) error {
	return fmt.Errorf("no such %s: %w", what, errdefs.ErrNotFound)
}

func (f *fakeAPI) Ping(ctx context.Context) (types.Ping, error) { return types.Ping{}, nil }
func (f *fakeAPI) Close() error                                 { return nil }

func (f *fakeAPI) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, net *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	if f.imageLocked(cfg.Image) == nil {
		return container.CreateResponse{}, notFound("image " + cfg.Image)
	}
	if name != "" && f.containerLocked(name) != nil {
		return container.CreateResponse{}, fmt.Errorf("name %s in use: %w", name, errdefs.ErrConflict)
	}
	f.seq++
	id := fmt.Sprintf("c%04d", f.seq)
	f.containers[id] = &fakeContainer{id: id, name: name, config: cfg, host: host, network: net}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containerLocked(id)
	if c == nil {
		return notFound("container")
	}
	c.running = true
	return nil
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containerLocked(id)
	if c == nil {
		return notFound("container")
	}
	if !c.running {
		return fmt.Errorf("container already stopped: %w", errdefs.ErrNotModified)
	}
	c.running = false
	return nil
}

func (f *fakeAPI) ContainerRestart(ctx context.Context, id string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containerLocked(id)
	if c == nil {
		return notFound("container")
	}
	c.running = true
	f.restarts = append(f.restarts, c.name)
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containerLocked(id)
	if c == nil {
		return notFound("container")
	}
	delete(f.containers, c.id)
	for _, members := range f.networks {
		delete(members, c.id)
	}
	return nil
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containerLocked(id)
	if c == nil {
		return container.InspectResponse{}, notFound("container")
	}
	status := container.StateExited
	if c.running {
		status = container.StateRunning
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    c.id,
			Name:  "/" + c.name,
			Image: c.config.Image,
			State: &container.State{Status: status, Running: c.running, ExitCode: c.exitCode},
		},
		Config: c.config,
	}, nil
}

func (f *fakeAPI) ContainerCommit(ctx context.Context, id string, options container.CommitOptions) (container.CommitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.containerLocked(id) == nil {
		return container.CommitResponse{}, notFound("container")
	}
	imageID := f.addImageLocked(options.Reference, options.Config.Labels)
	f.images[imageID].commit = options
	return container.CommitResponse{ID: imageID}, nil
}

func (f *fakeAPI) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeAPI) CopyToContainer(ctx context.Context, id, dst string, content io.Reader, options container.CopyToContainerOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.containerLocked(id) == nil {
		return notFound("container")
	}
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		f.copied[dst+"/"+strings.TrimPrefix(hdr.Name, "./")] = data
	}
}

func (f *fakeAPI) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	labels := options.Filters.Get("label")
	refs := options.Filters.Get("reference")
	out := make([]image.Summary, 0)
	for _, img := range f.images {
		if !matchLabels(img.labels, labels) || !matchReference(img.tags, refs) {
			continue
		}
		out = append(out, image.Summary{ID: img.id, RepoTags: append([]string{}, img.tags...), Labels: img.labels, Created: img.created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func matchLabels(have map[string]string, want []string) bool {
	for _, w := range want {
		k, v, _ := strings.Cut(w, "=")
		if have[k] != v {
			return false
		}
	}
	return true
}

func matchReference(tags, refs []string) bool {
	if len(refs) == 0 {
		return true
	}
	for _, t := range tags {
		for _, r := range refs {
			if glob, ok := strings.CutSuffix(r, "*"); ok {
				if strings.HasPrefix(t, glob) {
					return true
				}
				continue
			}
			if strings.HasPrefix(t, r+":") {
				return true
			}
		}
	}
	return false
}

func (f *fakeAPI) ImageInspect(ctx context.Context, ref string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := f.imageLocked(ref)
	if img == nil {
		return image.InspectResponse{}, notFound("image " + ref)
	}
	cfg := &dockerspec.DockerOCIImageConfig{}
	cfg.Labels = img.labels
	return image.InspectResponse{ID: img.id, RepoTags: append([]string{}, img.tags...), Config: cfg}, nil
}

func (f *fakeAPI) ImageTag(ctx context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := f.imageLocked(source)
	if img == nil {
		return notFound("image " + source)
	}
	f.tagLocked(img.id, target)
	return nil
}

func (f *fakeAPI) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	if _, err := io.Copy(io.Discard, buildContext); err != nil {
		return build.ImageBuildResponse{}, err
	}
	f.mu.Lock()
	id := f.addImageLocked(options.Tags[0], nil)
	f.mu.Unlock()

	aux, _ := json.Marshal(build.Result{ID: id})
	stream := `{"stream":"Step 1/1 : FROM scratch\n"}` + "\n" + `{"aux":` + string(aux) + `}` + "\n"
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(stream))}, nil
}

func (f *fakeAPI) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.addImageLocked(ref, nil)
	return io.NopCloser(strings.NewReader(`{"status":"Pull complete","id":"abc"}` + "\n")), nil
}

func (f *fakeAPI) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, ref)
	f.pushAuth = append(f.pushAuth, options.RegistryAuth)
	stream := f.pushStream
	if stream == "" {
		stream = `{"status":"Pushed","id":"abc"}` + "\n"
	}
	return io.NopCloser(strings.NewReader(stream)), nil
}

func (f *fakeAPI) ImageRemove(ctx context.Context, ref string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := f.imageLocked(ref)
	if img == nil {
		return nil, notFound("image " + ref)
	}
	img.tags = without(img.tags, ref)
	if len(img.tags) == 0 {
		delete(f.images, img.id)
	}
	return []image.DeleteResponse{{Untagged: ref}}, nil
}

func (f *fakeAPI) RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, auth)
	return registry.AuthenticateOKBody{Status: "Login Succeeded"}, nil
}

func (f *fakeAPI) NetworkInspect(ctx context.Context, name string, options network.InspectOptions) (network.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.networks[name]
	if !ok {
		return network.Inspect{}, notFound("network " + name)
	}
	endpoints := make(map[string]network.EndpointResource, len(members))
	for id := range members {
		endpoints[id] = network.EndpointResource{}
	}
	return network.Inspect{Name: name, Containers: endpoints}, nil
}

func (f *fakeAPI) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = make(map[string]bool)
	return network.CreateResponse{ID: name}, nil
}

func (f *fakeAPI) NetworkConnect(ctx context.Context, name, id string, config *network.EndpointSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.networks[name]
	if !ok {
		return notFound("network " + name)
	}
	members[id] = true
	f.connected = append(f.connected, name)
	return nil
}

func (f *fakeAPI) NetworkRemove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[name]; !ok {
		return notFound("network " + name)
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeAPI) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := volume.Volume{Name: options.Name, Labels: options.Labels}
	f.volumes[options.Name] = v
	return v, nil
}

func (f *fakeAPI) VolumeInspect(ctx context.Context, name string) (volume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[name]
	if !ok {
		return volume.Volume{}, notFound("volume " + name)
	}
	return v, nil
}

func (f *fakeAPI) VolumeRemove(ctx context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.volumes[name]; !ok {
		return notFound("volume " + name)
	}
	delete(f.volumes, name)
	return nil
}

func without(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}

var _ apiClient = (*fakeAPI)(nil)

// errorFrame is a progress stream ending in an error frame.
func errorFrame(message string) string {
	var buf bytes.Buffer
	buf.WriteString(`{"status":"Preparing","id":"abc"}` + "\n")
	fmt.Fprintf(&buf, `{"errorDetail":{"message":%q},"error":%q}`+"\n", message, message)
	return buf.String()
}
