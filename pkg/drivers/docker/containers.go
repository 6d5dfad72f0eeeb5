package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"

	"github.com/rolecraft/rolecraft/pkg/drivers"
)

// RunContainer creates and starts a detached container.
func (d *Driver) RunContainer(ctx context.Context, req drivers.RunRequest) (string, error) {
	if req.Image == "" {
		return "", fmt.Errorf("image is required")
	}

	spec := drivers.SpecFromService(req.Base).Merge(req.Overrides)
	cfg, hostCfg, err := containerConfig(req.Image, spec)
	if err != nil {
		return "", err
	}

	created, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, req.Name)
	if err != nil {
		return "", wrapErr("run container", err)
	}
	for _, w := range created.Warnings {
		d.logger.Warn().Str("container", req.Name).Msg(w)
	}

	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if rmErr := d.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			d.logger.Warn().Err(rmErr).Str("container", created.ID).Msg("Failed to remove container that did not start")
		}
		return "", wrapErr("start container", err)
	}

	if req.StreamLogs {
		stream := req.Service
		if stream == "" {
			stream = req.Name
		}
		d.streamLogs(created.ID, stream, spec.Tty)
	}

	d.logger.Debug().
		Str("container", created.ID).
		Str("name", req.Name).
		Str("image", req.Image).
		Msg("Started container")
	return created.ID, nil
}

// containerConfig splits a container spec into create and host config.
func containerConfig(imageRef string, spec drivers.ContainerSpec) (*container.Config, *container.HostConfig, error) {
	exposed, bindings, err := natPorts(spec.Ports)
	if err != nil {
		return nil, nil, err
	}

	cfg := &container.Config{
		Image:        imageRef,
		Cmd:          strslice.StrSlice(spec.Command),
		Env:          spec.EnvList(),
		User:         spec.User,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		Tty:          spec.Tty,
		OpenStdin:    spec.StdinOpen,
		ExposedPorts: exposed,
	}
	switch {
	case spec.ClearEntrypoint:
		// An empty string entry clears the image entrypoint.
		cfg.Entrypoint = strslice.StrSlice{""}
	case spec.Entrypoint != nil:
		cfg.Entrypoint = strslice.StrSlice(spec.Entrypoint)
	}

	hostCfg := &container.HostConfig{
		Binds:        spec.Volumes,
		VolumesFrom:  spec.VolumesFrom,
		PortBindings: bindings,
		NetworkMode:  container.NetworkMode(spec.NetworkMode),
		Privileged:   spec.Privileged,
	}
	return cfg, hostCfg, nil
}

// StopContainer stops a container. A forced stop kills it without a grace
// period. Absent or already stopped containers are tolerated.
func (d *Driver) StopContainer(ctx context.Context, id string, force bool) error {
	timeout := stopTimeout
	if force {
		timeout = 0
	}
	err := d.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsNotModified(err) {
		return nil
	}
	return wrapErr("stop container", err)
}

// DeleteContainer force-removes a container. Absent containers are tolerated.
func (d *Driver) DeleteContainer(ctx context.Context, id string, removeVolumes bool) error {
	err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: removeVolumes,
	})
	if err = ignoreNotFound(err); err != nil {
		return wrapErr("delete container", err)
	}
	return nil
}

// InspectContainer returns the container record, or nil if it does not exist.
func (d *Driver) InspectContainer(ctx context.Context, id string) (*drivers.ContainerRecord, error) {
	info, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, wrapErr("inspect container", err)
	}
	return containerRecord(info), nil
}

func containerRecord(info container.InspectResponse) *drivers.ContainerRecord {
	rec := &drivers.ContainerRecord{}
	if info.ContainerJSONBase != nil {
		rec.ID = info.ID
		rec.Name = strings.TrimPrefix(info.Name, "/")
		rec.Image = info.Image
		if info.State != nil {
			rec.Status = string(info.State.Status)
			rec.Running = info.State.Running
			rec.ExitCode = info.State.ExitCode
		}
	}
	if info.Config != nil {
		rec.Labels = info.Config.Labels
	}
	return rec
}
