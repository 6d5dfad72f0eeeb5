package docker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/api/types/volume"
	"github.com/moby/go-archive"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

// EnsureService reconciles the service container to the action. A container
// whose definition changed since it was created is replaced.
func (d *Driver) EnsureService(ctx context.Context, project string, def engine.ServiceDefinition, action engine.Action) (bool, error) {
	name := engine.ServiceContainerName(project, def.Name)
	hash, err := definitionHash(def)
	if err != nil {
		return false, err
	}

	rec, err := d.InspectContainer(ctx, name)
	if err != nil {
		return false, err
	}
	current := rec != nil && rec.Labels[LabelConfigHash] == hash

	switch action {
	case engine.ActionStopped:
		if rec == nil || !rec.Running {
			return false, nil
		}
		if err := d.StopContainer(ctx, name, false); err != nil {
			return false, err
		}
		return true, nil

	case engine.ActionRestarted:
		if current {
			timeout := stopTimeout
			if err := d.api.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
				return false, wrapErr("restart container", err)
			}
			return true, nil
		}

	default:
		if current && rec.Running {
			return false, nil
		}
		if current {
			if err := d.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
				return false, wrapErr("start container", err)
			}
			return true, nil
		}
	}

	if rec != nil {
		d.logger.Info().Str("service", def.Name).Msg("Definition changed, replacing container")
		if err := d.DeleteContainer(ctx, name, false); err != nil {
			return false, err
		}
	}
	if err := d.createService(ctx, project, name, hash, def); err != nil {
		return false, err
	}
	return true, nil
}

// createService creates and starts the container of a service on the
// project network, aliased by the service name.
func (d *Driver) createService(ctx context.Context, project, name, hash string, def engine.ServiceDefinition) error {
	if err := d.ensureImage(ctx, project, def); err != nil {
		return err
	}

	netName, err := d.ensureNetwork(ctx, project, "default")
	if err != nil {
		return err
	}

	cfg, hostCfg, err := d.serviceConfig(project, def)
	if err != nil {
		return engine.ErrConfigInvalid("services."+def.Name, err)
	}
	cfg.Labels[LabelConfigHash] = hash
	hostCfg.NetworkMode = container.NetworkMode(netName)

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			netName: {Aliases: []string{def.Name}},
		},
	}

	created, err := d.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return wrapErr("create container", err)
	}

	for _, extra := range def.Networks {
		extraName, err := d.ensureNetwork(ctx, project, extra)
		if err != nil {
			return err
		}
		if err := d.api.NetworkConnect(ctx, extraName, created.ID, &network.EndpointSettings{Aliases: []string{def.Name}}); err != nil {
			return wrapErr("connect network", err)
		}
	}

	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return wrapErr("start container", err)
	}

	d.logger.Info().Str("service", def.Name).Str("container", name).Str("image", def.Image).Msg("Service started")
	return nil
}

// ensureImage pulls a remote service image if missing. A missing local build
// is reported as MissingImage.
func (d *Driver) ensureImage(ctx context.Context, project string, def engine.ServiceDefinition) error {
	_, err := d.api.ImageInspect(ctx, def.Image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return wrapErr("inspect image", err)
	}
	if strings.HasPrefix(def.Image, engine.ImageName(project, def.Name)+":") {
		return engine.ErrMissingImage(def.Name)
	}
	return d.pull(ctx, def.Image)
}

// ensureNetwork returns the project network name, creating the network if
// needed. A concurrent create is detected by inspecting again.
func (d *Driver) ensureNetwork(ctx context.Context, project, logical string) (string, error) {
	name := project + "_" + logical
	if _, err := d.api.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return name, nil
	} else if !errdefs.IsNotFound(err) {
		return "", wrapErr("inspect network", err)
	}

	_, err := d.api.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelProject: project},
	})
	if err != nil {
		if _, ie := d.api.NetworkInspect(ctx, name, network.InspectOptions{}); ie == nil {
			return name, nil
		}
		return "", wrapErr("create network", err)
	}
	return name, nil
}

// serviceConfig translates a service definition into container config.
func (d *Driver) serviceConfig(project string, def engine.ServiceDefinition) (*container.Config, *container.HostConfig, error) {
	env := make(map[string]string, len(def.Environment)+len(def.Secrets))
	for k, v := range def.Environment {
		env[k] = v
	}

	labels := make(map[string]string, len(def.Labels)+3)
	for k, v := range def.Labels {
		labels[k] = v
	}
	labels[LabelProject] = project
	labels[LabelService] = def.Name

	exposed, bindings, err := natPorts(def.Ports)
	if err != nil {
		return nil, nil, err
	}

	cfg := &container.Config{
		Image:        def.Image,
		Cmd:          strslice.StrSlice(def.Command),
		WorkingDir:   def.WorkingDir,
		User:         def.User,
		Labels:       labels,
		Tty:          def.Tty,
		OpenStdin:    def.StdinOpen,
		ExposedPorts: exposed,
	}
	if def.Entrypoint != nil {
		cfg.Entrypoint = strslice.StrSlice(def.Entrypoint)
	}

	hostCfg := &container.HostConfig{
		Binds:        def.Volumes,
		PortBindings: bindings,
	}
	if def.Restart != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(def.Restart)}
	}

	mounts, secretEnv := secretMounts(project, def)
	hostCfg.Mounts = mounts
	for k, v := range secretEnv {
		env[k] = v
	}
	cfg.Env = engine.Environment(env).List()

	skipped, err := applyOptions(cfg, hostCfg, def.Options)
	if err != nil {
		return nil, nil, err
	}
	for _, key := range skipped {
		d.logger.Warn().Str("service", def.Name).Str("option", key).Msg("Option not supported by the docker engine, ignoring")
	}
	return cfg, hostCfg, nil
}

// secretMounts binds secrets from the secrets volume. A secret bound to an
// absolute path is mounted there as a single file. A secret bound to a
// variable name gets the variable set to its file under SecretsDir.
func secretMounts(project string, def engine.ServiceDefinition) ([]mount.Mount, map[string]string) {
	if len(def.Secrets) == 0 {
		return nil, nil
	}
	vol := def.SecretsVolume
	if vol == "" {
		vol = engine.SecretsVolumeName(project)
	}

	names := make([]string, 0, len(def.Secrets))
	for name := range def.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)

	var mounts []mount.Mount
	env := make(map[string]string)
	sharedDir := false
	for _, name := range names {
		target := def.Secrets[name]
		if path.IsAbs(target) {
			mounts = append(mounts, mount.Mount{
				Type:          mount.TypeVolume,
				Source:        vol,
				Target:        target,
				ReadOnly:      true,
				VolumeOptions: &mount.VolumeOptions{Subpath: name},
			})
			continue
		}
		env[target] = path.Join(SecretsDir, name)
		sharedDir = true
	}
	if sharedDir {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeVolume,
			Source:   vol,
			Target:   SecretsDir,
			ReadOnly: true,
		})
	}
	return mounts, env
}

// definitionHash identifies a definition so drift can be detected.
func definitionHash(def engine.ServiceDefinition) (string, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("failed to hash definition of %s: %w", def.Name, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RemoveService force-removes the service container. With removeVolumes its
// anonymous volumes go too, and the project network once it has no members.
func (d *Driver) RemoveService(ctx context.Context, project, service string, removeVolumes bool) (bool, error) {
	name := engine.ServiceContainerName(project, service)
	rec, err := d.InspectContainer(ctx, name)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if err := d.DeleteContainer(ctx, name, removeVolumes); err != nil {
		return false, err
	}
	if removeVolumes {
		d.removeNetworkIfUnused(ctx, project+"_default")
	}
	return true, nil
}

func (d *Driver) removeNetworkIfUnused(ctx context.Context, name string) {
	info, err := d.api.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil || len(info.Containers) > 0 {
		return
	}
	if err := ignoreNotFound(d.api.NetworkRemove(ctx, name)); err != nil {
		d.logger.Warn().Err(err).Str("network", name).Msg("Failed to remove network")
	}
}

// RemoveImages removes every tag whose repository starts with prefix.
// Untagged parent layers are pruned with the tags.
func (d *Driver) RemoveImages(ctx context.Context, prefix string) (bool, error) {
	images, err := d.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", prefix+"*")),
	})
	if err != nil {
		return false, wrapErr("list images", err)
	}

	changed := false
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if !strings.HasPrefix(tag, prefix) {
				continue
			}
			_, err := d.api.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true})
			if err = ignoreNotFound(err); err != nil {
				return changed, wrapErr("remove image", err)
			}
			d.logger.Debug().Str("image", tag).Msg("Removed image")
			changed = true
		}
	}
	return changed, nil
}

// WriteSecrets copies the payloads into the volume through a throwaway
// container created from the project's builder image.
func (d *Driver) WriteSecrets(ctx context.Context, project, volumeName string, secrets map[string][]byte) (bool, error) {
	if len(secrets) == 0 {
		return false, nil
	}
	if err := d.ensureVolume(ctx, project, volumeName); err != nil {
		return false, err
	}

	content, err := secretsArchive(secrets)
	if err != nil {
		return false, err
	}
	defer content.Close()

	created, err := d.api.ContainerCreate(ctx,
		&container.Config{
			Image:  engine.ConductorImage(project),
			Cmd:    strslice.StrSlice{"true"},
			Labels: map[string]string{LabelProject: project},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{Type: mount.TypeVolume, Source: volumeName, Target: SecretsDir}},
		},
		nil, nil, "")
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, engine.ErrMissingImage("conductor")
		}
		return false, wrapErr("create container", err)
	}
	defer func() {
		if err := d.DeleteContainer(context.WithoutCancel(ctx), created.ID, false); err != nil {
			d.logger.Warn().Err(err).Str("container", created.ID).Msg("Failed to remove secrets container")
		}
	}()

	if err := d.api.CopyToContainer(ctx, created.ID, SecretsDir, content, container.CopyToContainerOptions{}); err != nil {
		return false, wrapErr("copy secrets", err)
	}

	d.logger.Info().Str("volume", volumeName).Int("secrets", len(secrets)).Msg("Wrote secrets")
	return true, nil
}

// secretsArchive stages the payloads in a private directory and tars it.
func secretsArchive(secrets map[string][]byte) (*stagedArchive, error) {
	dir, err := os.MkdirTemp("", "rolecraft-secrets-")
	if err != nil {
		return nil, fmt.Errorf("failed to stage secrets: %w", err)
	}
	for name, data := range secrets {
		if strings.ContainsAny(name, `/\`) {
			os.RemoveAll(dir)
			return nil, engine.ErrConfigInvalid("secrets."+name, fmt.Errorf("secret names cannot contain path separators"))
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o444); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to stage secret %s: %w", name, err)
		}
	}

	rc, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to archive secrets: %w", err)
	}
	return &stagedArchive{ReadCloser: rc, dir: dir}, nil
}

// stagedArchive removes its staging directory on Close.
type stagedArchive struct {
	io.ReadCloser
	dir string
}

func (s *stagedArchive) Close() error {
	err := s.ReadCloser.Close()
	os.RemoveAll(s.dir)
	return err
}

func (d *Driver) ensureVolume(ctx context.Context, project, name string) error {
	if _, err := d.api.VolumeInspect(ctx, name); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return wrapErr("inspect volume", err)
	}

	_, err := d.api.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: map[string]string{LabelProject: project},
	})
	if err != nil {
		if _, ie := d.api.VolumeInspect(ctx, name); ie == nil {
			return nil
		}
		return wrapErr("create volume", err)
	}
	return nil
}

// RemoveVolume removes a named volume. An absent volume is not a change.
func (d *Driver) RemoveVolume(ctx context.Context, project, name string) (bool, error) {
	if _, err := d.api.VolumeInspect(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, wrapErr("inspect volume", err)
	}
	if err := ignoreNotFound(d.api.VolumeRemove(ctx, name, true)); err != nil {
		return false, wrapErr("remove volume", err)
	}
	return true, nil
}
