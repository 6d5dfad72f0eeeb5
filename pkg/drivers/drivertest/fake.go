// Package drivertest provides an in-memory engine driver for tests.
package drivertest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/engine"
)

// Name is the engine name the fake registers under.
const Name = "fake"

// Capabilities lists everything the fake supports.
const Capabilities = drivers.CapBuild | drivers.CapRun | drivers.CapPush | drivers.CapLogin | drivers.CapDeploy

// Container is a container held by the fake engine.
type Container struct {
	drivers.ContainerRecord
	Request drivers.RunRequest
}

// Driver is an in-memory engine. It implements every driver interface.
type Driver struct {
	mu sync.Mutex

	project    string
	seq        int
	images     map[string]*drivers.ImageRecord
	tags       map[string]string
	containers map[string]*Container
	services   map[string]engine.Action
	volumes    map[string]map[string][]byte

	// Runs records every RunContainer request.
	Runs []drivers.RunRequest

	// Commits records every CommitRoleAsLayer request.
	Commits []drivers.CommitRequest

	// Pushes records every Push request.
	Pushes []drivers.PushRequest

	// Builds records the tag of every BuildImageFromContext call.
	Builds []string

	// Deleted records deleted container ids.
	Deleted []string

	// Credentials are returned by Login when the request carries none.
	Credentials map[string][2]string

	// RunErr, when set, fails RunContainer.
	RunErr error

	// ExitCode is reported for containers once stopped.
	ExitCode int

	// Exits makes the named containers exit with the given code on their
	// first inspection, the way a one-shot container does.
	Exits map[string]int

	// Now returns the timestamp used in named layer tags.
	Now func() time.Time
}

var (
	_ drivers.Builder       = (*Driver)(nil)
	_ drivers.Pusher        = (*Driver)(nil)
	_ drivers.Authenticator = (*Driver)(nil)
	_ drivers.Orchestrator  = (*Driver)(nil)
)

// New creates an empty fake engine for a project.
func New(project string) *Driver {
	d := &Driver{
		project:     project,
		images:      make(map[string]*drivers.ImageRecord),
		tags:        make(map[string]string),
		containers:  make(map[string]*Container),
		services:    make(map[string]engine.Action),
		volumes:     make(map[string]map[string][]byte),
		Credentials: make(map[string][2]string),
		Exits:       make(map[string]int),
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.Now = func() time.Time {
		return base.Add(time.Duration(d.seq) * time.Second)
	}
	return d
}

// Factory returns a drivers.Factory that always yields d.
func (d *Driver) Factory() drivers.Factory {
	return func(ctx context.Context, opts drivers.Options) (drivers.Driver, error) {
		return d, nil
	}
}

// Name returns the engine name.
func (d *Driver) Name() string { return Name }

// Capabilities returns the fake's capabilities.
func (d *Driver) Capabilities() drivers.Capability { return Capabilities }

// Close is a no-op.
func (d *Driver) Close() error { return nil }

// AddImage registers an image under a tag and returns its id.
func (d *Driver) AddImage(tag string, labels map[string]string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addImageLocked(tag, labels)
}

func (d *Driver) addImageLocked(tag string, labels map[string]string) string {
	d.seq++
	sum := sha256.Sum256([]byte(strconv.Itoa(d.seq)))
	id := "sha256:" + hex.EncodeToString(sum[:])
	img := &drivers.ImageRecord{ID: id, Labels: labels, Created: int64(d.seq)}
	d.images[id] = img
	if tag != "" {
		d.tagLocked(tag, id)
	}
	return id
}

func (d *Driver) tagLocked(tag, id string) {
	if prev, ok := d.tags[tag]; ok {
		if img := d.images[prev]; img != nil {
			img.Tags = removeString(img.Tags, tag)
		}
	}
	d.tags[tag] = id
	d.images[id].Tags = append(d.images[id].Tags, tag)
}

// Image returns a copy of an image record, or nil.
func (d *Driver) Image(id string) *drivers.ImageRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[id]
	if !ok {
		return nil
	}
	cp := *img
	return &cp
}

// ImageCount returns the number of images.
func (d *Driver) ImageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.images)
}

// TagTarget returns the image id a tag points at, or "".
func (d *Driver) TagTarget(tag string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tags[tag]
}

// ImagesWithTag counts images holding the tag.
func (d *Driver) ImagesWithTag(tag string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, img := range d.images {
		for _, t := range img.Tags {
			if t == tag {
				n++
			}
		}
	}
	return n
}

// Containers returns the live containers.
func (d *Driver) Containers() []Container {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Container, 0, len(d.containers))
	for _, c := range d.containers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddContainer registers a running container, e.g. a leftover from a crash.
func (d *Driver) AddContainer(name, image string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	id := fmt.Sprintf("c%04d", d.seq)
	d.containers[id] = &Container{ContainerRecord: drivers.ContainerRecord{
		ID: id, Name: name, Image: image, Status: "running", Running: true,
	}}
	return id
}

// ServiceState returns the last action applied to a service.
func (d *Driver) ServiceState(name string) (engine.Action, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.services[name]
	return a, ok
}

// Volume returns the secrets written to a volume.
func (d *Driver) Volume(name string) (map[string][]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.volumes[name]
	return v, ok
}

func (d *Driver) resolveLocked(ref string) (string, bool) {
	if _, ok := d.images[ref]; ok {
		return ref, true
	}
	if id, ok := d.tags[ref]; ok {
		return id, true
	}
	if !strings.Contains(ref, ":") {
		if id, ok := d.tags[ref+":latest"]; ok {
			return id, true
		}
	}
	return "", false
}

func (d *Driver) findContainerLocked(idOrName string) *Container {
	if c, ok := d.containers[idOrName]; ok {
		return c
	}
	for _, c := range d.containers {
		if c.Name == idOrName {
			return c
		}
	}
	return nil
}

// RunContainer starts a container from an existing image.
func (d *Driver) RunContainer(ctx context.Context, req drivers.RunRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Runs = append(d.Runs, req)
	if d.RunErr != nil {
		return "", d.RunErr
	}
	if req.Image == "" {
		return "", fmt.Errorf("image is required")
	}
	imageID, ok := d.resolveLocked(req.Image)
	if !ok {
		return "", engine.ErrEngine("run container", 404, fmt.Errorf("no such image: %s", req.Image))
	}
	if req.Name != "" && d.findContainerLocked(req.Name) != nil {
		return "", engine.ErrEngine("run container", 409, fmt.Errorf("container name %s is already in use", req.Name))
	}

	d.seq++
	id := fmt.Sprintf("c%04d", d.seq)
	d.containers[id] = &Container{
		ContainerRecord: drivers.ContainerRecord{
			ID:      id,
			Name:    req.Name,
			Image:   imageID,
			Status:  "running",
			Running: true,
			Labels:  req.Overrides.Labels,
		},
		Request: req,
	}
	return id, nil
}

// StopContainer stops a container.
func (d *Driver) StopContainer(ctx context.Context, id string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.findContainerLocked(id); c != nil && c.Running {
		c.Running = false
		c.Status = "exited"
		c.ExitCode = d.ExitCode
	}
	return nil
}

// DeleteContainer removes a container.
func (d *Driver) DeleteContainer(ctx context.Context, id string, removeVolumes bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.findContainerLocked(id); c != nil {
		delete(d.containers, c.ID)
		d.Deleted = append(d.Deleted, c.ID)
	}
	return nil
}

// InspectContainer returns a container record or nil.
func (d *Driver) InspectContainer(ctx context.Context, id string) (*drivers.ContainerRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.findContainerLocked(id)
	if c == nil {
		return nil, nil
	}
	if code, ok := d.Exits[c.Name]; ok && c.Running {
		c.Running = false
		c.Status = "exited"
		c.ExitCode = code
	}
	rec := c.ContainerRecord
	return &rec, nil
}

// CommitRoleAsLayer commits a container as a labeled image.
func (d *Driver) CommitRoleAsLayer(ctx context.Context, req drivers.CommitRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.findContainerLocked(req.ContainerID)
	if c == nil {
		return "", engine.ErrEngine("commit", 404, fmt.Errorf("no such container: %s", req.ContainerID))
	}
	c.Running = false
	c.Status = "exited"
	d.Commits = append(d.Commits, req)

	labels := make(map[string]string)
	if raw, ok := req.Metadata["labels"].(map[string]interface{}); ok {
		for k, v := range raw {
			labels[k] = fmt.Sprint(v)
		}
	}
	labels[engine.LabelFingerprint] = req.Fingerprint
	labels[engine.LabelRole] = req.Role

	id := d.addImageLocked("", labels)
	if req.WithName {
		tag := engine.ImageName(d.project, req.Service) + ":" + d.Now().UTC().Format("20060102150405")
		d.tagLocked(tag, id)
	}
	return id, nil
}

// GetImageIDByFingerprint returns the oldest image with the fingerprint label.
func (d *Driver) GetImageIDByFingerprint(ctx context.Context, fingerprint string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var best *drivers.ImageRecord
	for _, img := range d.images {
		if img.Labels[engine.LabelFingerprint] != fingerprint {
			continue
		}
		if best == nil || img.Created < best.Created {
			best = img
		}
	}
	if best == nil {
		return "", nil
	}
	return best.ID, nil
}

// GetLatestImageForService returns the image tagged latest, or the one with
// the highest tag.
func (d *Driver) GetLatestImageForService(ctx context.Context, service string) (*drivers.ImageRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	repo := engine.ImageName(d.project, service)
	if id, ok := d.tags[repo+":latest"]; ok {
		img := *d.images[id]
		return &img, nil
	}

	all := make([]drivers.ImageRecord, 0, len(d.images))
	for _, img := range d.images {
		all = append(all, *img)
	}
	_, img := drivers.HighestTag(all, repo)
	return img, nil
}

// TagImageAsLatest moves the latest tag of the service.
func (d *Driver) TagImageAsLatest(ctx context.Context, service, imageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.images[imageID]; !ok {
		return engine.ErrEngine("tag", 404, fmt.Errorf("no such image: %s", imageID))
	}
	d.tagLocked(engine.ImageName(d.project, service)+":latest", imageID)
	return nil
}

// BuildImageFromContext consumes the context and registers a tagged image.
func (d *Driver) BuildImageFromContext(ctx context.Context, buildContext io.Reader, tag string, noCache bool) (string, error) {
	if _, err := io.Copy(io.Discard, buildContext); err != nil {
		return "", fmt.Errorf("failed to read build context: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.Builds = append(d.Builds, tag)
	return d.addImageLocked(tag, nil), nil
}

// ResolveImage returns the id of a reference, pulling unknown references.
func (d *Driver) ResolveImage(ctx context.Context, ref string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.resolveLocked(ref); ok {
		return id, nil
	}
	return d.addImageLocked(ref, nil), nil
}

// Push records the push of an existing image.
func (d *Driver) Push(ctx context.Context, req drivers.PushRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.resolveLocked(req.ImageID); !ok {
		return engine.ErrMissingImage(req.Service)
	}
	d.Pushes = append(d.Pushes, req)
	return nil
}

// Login returns the request credentials, or the stored ones for the URL.
func (d *Driver) Login(ctx context.Context, req drivers.LoginRequest) (string, string, error) {
	if req.Username != "" && req.Password != "" {
		return req.Username, req.Password, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if creds, ok := d.Credentials[req.URL]; ok {
		return creds[0], creds[1], nil
	}
	return "", "", engine.ErrAuthenticationMissing(req.URL)
}

// EnsureService records the service action. A local build that was never
// made fails with MissingImage.
func (d *Driver) EnsureService(ctx context.Context, project string, def engine.ServiceDefinition, action engine.Action) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if strings.HasPrefix(def.Image, engine.ImageName(project, def.Name)+":") {
		if _, ok := d.resolveLocked(def.Image); !ok {
			return false, engine.ErrMissingImage(def.Name)
		}
	}

	prev, ok := d.services[def.Name]
	d.services[def.Name] = action
	if action == engine.ActionRestarted {
		return true, nil
	}
	return !ok || prev != action, nil
}

// RemoveService forgets the service.
func (d *Driver) RemoveService(ctx context.Context, project, service string, removeVolumes bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.services[service]; !ok {
		return false, nil
	}
	delete(d.services, service)
	return true, nil
}

// RemoveImages removes every tag with the repository prefix and the images
// left untagged.
func (d *Driver) RemoveImages(ctx context.Context, prefix string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for tag, id := range d.tags {
		if !strings.HasPrefix(tag, prefix) {
			continue
		}
		delete(d.tags, tag)
		if img := d.images[id]; img != nil {
			img.Tags = removeString(img.Tags, tag)
			if len(img.Tags) == 0 {
				delete(d.images, id)
			}
		}
		changed = true
	}
	return changed, nil
}

// WriteSecrets stores secret payloads.
func (d *Driver) WriteSecrets(ctx context.Context, project, volume string, secrets map[string][]byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.volumes[volume] = secrets
	return true, nil
}

// RemoveVolume deletes a volume.
func (d *Driver) RemoveVolume(ctx context.Context, project, volume string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.volumes[volume]; !ok {
		return false, nil
	}
	delete(d.volumes, volume)
	return true, nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
