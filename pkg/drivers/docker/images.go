package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/imageconfig"
)

// layerTagFormat is the UTC timestamp tag of a service's final layer.
const layerTagFormat = "20060102150405"

// CommitRoleAsLayer stops the container and commits it with the role's
// metadata as image config plus the fingerprint and role labels.
func (d *Driver) CommitRoleAsLayer(ctx context.Context, req drivers.CommitRequest) (string, error) {
	if err := d.StopContainer(ctx, req.ContainerID, true); err != nil {
		return "", err
	}

	translated, err := imageconfig.FromMetadata(req.Metadata)
	if err != nil {
		return "", engine.ErrConfigInvalid("roles."+req.Role+".meta", err).WithService(req.Service)
	}
	cfg := translated.Config
	if cfg.Labels == nil {
		cfg.Labels = make(map[string]string, 2)
	}
	cfg.Labels[engine.LabelFingerprint] = req.Fingerprint
	cfg.Labels[engine.LabelRole] = req.Role

	opts := container.CommitOptions{
		Config:  cfg,
		Changes: translated.Changes,
		Comment: fmt.Sprintf("role %s of %s", req.Role, req.Service),
	}
	if req.WithName {
		opts.Reference = engine.ImageName(d.project, req.Service) + ":" + d.now().UTC().Format(layerTagFormat)
	}

	resp, err := d.api.ContainerCommit(ctx, req.ContainerID, opts)
	if err != nil {
		return "", wrapErr("commit", err)
	}

	d.logger.Debug().
		Str("service", req.Service).
		Str("role", req.Role).
		Str("fingerprint", req.Fingerprint).
		Str("image", resp.ID).
		Str("reference", opts.Reference).
		Msg("Committed layer")
	return resp.ID, nil
}

// GetImageIDByFingerprint returns the oldest image carrying the fingerprint
// label, or "" when none does.
func (d *Driver) GetImageIDByFingerprint(ctx context.Context, fingerprint string) (string, error) {
	images, err := d.api.ImageList(ctx, image.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", engine.LabelFingerprint+"="+fingerprint)),
	})
	if err != nil {
		return "", wrapErr("list images", err)
	}
	if len(images) == 0 {
		return "", nil
	}
	sort.Slice(images, func(i, j int) bool {
		if images[i].Created != images[j].Created {
			return images[i].Created < images[j].Created
		}
		return images[i].ID < images[j].ID
	})
	return images[0].ID, nil
}

// GetLatestImageForService returns the image tagged latest for the service,
// else the one with the highest tag, else nil.
func (d *Driver) GetLatestImageForService(ctx context.Context, service string) (*drivers.ImageRecord, error) {
	repo := engine.ImageName(d.project, service)

	info, err := d.api.ImageInspect(ctx, repo+":latest")
	if err == nil {
		return inspectRecord(info), nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, wrapErr("inspect image", err)
	}

	images, err := d.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", repo)),
	})
	if err != nil {
		return nil, wrapErr("list images", err)
	}
	records := make([]drivers.ImageRecord, 0, len(images))
	for _, img := range images {
		records = append(records, drivers.ImageRecord{
			ID:      img.ID,
			Tags:    img.RepoTags,
			Labels:  img.Labels,
			Created: img.Created,
		})
	}
	_, latest := drivers.HighestTag(records, repo)
	return latest, nil
}

func inspectRecord(info image.InspectResponse) *drivers.ImageRecord {
	rec := &drivers.ImageRecord{ID: info.ID, Tags: info.RepoTags}
	if info.Config != nil {
		rec.Labels = info.Config.Labels
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		rec.Created = created.Unix()
	}
	return rec
}

// TagImageAsLatest points <project>-<service>:latest at imageID. The daemon
// moves the tag, so no other image keeps it.
func (d *Driver) TagImageAsLatest(ctx context.Context, service, imageID string) error {
	target := engine.ImageName(d.project, service) + ":latest"
	if err := d.api.ImageTag(ctx, imageID, target); err != nil {
		return wrapErr("tag", err)
	}
	return nil
}

// BuildImageFromContext builds the Dockerfile at the root of a tar context.
func (d *Driver) BuildImageFromContext(ctx context.Context, buildContext io.Reader, tag string, noCache bool) (string, error) {
	resp, err := d.api.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		NoCache:     noCache,
		PullParent:  noCache,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", wrapErr("build", err)
	}
	defer resp.Body.Close()

	var imageID string
	logger := d.logger.With().Str("image", tag).Logger()
	err = consumeStream(resp.Body, func(msg *jsonmessage.JSONMessage) {
		if msg.Aux != nil {
			var result build.Result
			if json.Unmarshal(*msg.Aux, &result) == nil && result.ID != "" {
				imageID = result.ID
			}
			return
		}
		logProgress(logger, msg)
	})
	if err != nil {
		return "", fmt.Errorf("failed to build %s: %w", tag, err)
	}

	if imageID == "" {
		info, err := d.api.ImageInspect(ctx, tag)
		if err != nil {
			return "", wrapErr("inspect image", err)
		}
		imageID = info.ID
	}
	return imageID, nil
}

// ResolveImage returns the id of ref, pulling it when it is not present.
func (d *Driver) ResolveImage(ctx context.Context, ref string) (string, error) {
	info, err := d.api.ImageInspect(ctx, ref)
	if err == nil {
		return info.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", wrapErr("inspect image", err)
	}

	if err := d.pull(ctx, ref); err != nil {
		return "", err
	}
	info, err = d.api.ImageInspect(ctx, ref)
	if err != nil {
		return "", wrapErr("inspect image", err)
	}
	return info.ID, nil
}

// pull fetches ref using stored credentials for its registry, if any.
func (d *Driver) pull(ctx context.Context, ref string) error {
	logger := d.logger.With().Str("image", ref).Logger()
	logger.Info().Msg("Pulling image")

	body, err := d.api.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: d.registryAuth(ref)})
	if err != nil {
		return wrapErr("pull", err)
	}
	defer body.Close()

	if err := consumeStream(body, func(msg *jsonmessage.JSONMessage) { logProgress(logger, msg) }); err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	return nil
}

// registryAuth returns the encoded credentials for the registry of ref, or ""
// when none are stored.
func (d *Driver) registryAuth(ref string) string {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ""
	}
	auth, ok, err := d.creds.Lookup(reference.Domain(named))
	if err != nil {
		d.logger.Warn().Err(err).Str("image", ref).Msg("Failed to read registry credentials")
		return ""
	}
	if !ok {
		return ""
	}
	encoded, err := registry.EncodeAuthConfig(auth)
	if err != nil {
		return ""
	}
	return encoded
}

// consumeStream decodes a JSON progress stream until EOF. The first error
// frame fails the stream.
func consumeStream(r io.Reader, fn func(*jsonmessage.JSONMessage)) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode progress: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if fn != nil {
			fn(&msg)
		}
	}
}

// streamStatus returns the status code carried by an error frame.
func streamStatus(err error) int {
	var frame *jsonmessage.JSONError
	if errors.As(err, &frame) && frame.Code != 0 {
		return frame.Code
	}
	return http.StatusInternalServerError
}
