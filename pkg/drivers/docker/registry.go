package docker

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/rolecraft/rolecraft/pkg/credentials"
	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/engine"
)

// Push tags the image into the registry repository of the service and pushes
// it. Any error frame in the progress stream fails the push.
func (d *Driver) Push(ctx context.Context, req drivers.PushRequest) error {
	tag := req.Tag
	if tag == "" {
		tag = "latest"
	}
	target := engine.RemoteImage(engine.Registry{
		URL:              req.URL,
		Namespace:        req.Namespace,
		RepositoryPrefix: req.RepositoryPrefix,
	}, d.project, req.Service, tag)

	if err := d.api.ImageTag(ctx, req.ImageID, target); err != nil {
		if errdefs.IsNotFound(err) {
			return engine.ErrMissingImage(req.Service)
		}
		return wrapErr("tag", err)
	}

	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      req.Username,
		Password:      req.Password,
		ServerAddress: req.URL,
	})
	if err != nil {
		return fmt.Errorf("failed to encode registry credentials: %w", err)
	}

	logger := d.logger.With().Str("service", req.Service).Str("image", target).Logger()
	logger.Info().Msg("Pushing image")

	body, err := d.api.ImagePush(ctx, target, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return wrapErr("push", err)
	}
	defer body.Close()

	if err := consumeStream(body, func(msg *jsonmessage.JSONMessage) { logProgress(logger, msg) }); err != nil {
		return engine.ErrEngine("push", streamStatus(err), fmt.Errorf("failed to push %s: %w", target, err)).WithService(req.Service)
	}

	logger.Info().Msg("Pushed image")
	return nil
}

// Login authenticates against a registry. Without explicit credentials the
// credential file cascade is consulted, with ConfigPath searched first.
// Explicit credentials are verified with the daemon and saved to ConfigPath.
func (d *Driver) Login(ctx context.Context, req drivers.LoginRequest) (string, string, error) {
	url := req.URL
	if url == "" {
		url = credentials.DefaultRegistry
	}

	if req.Username == "" || req.Password == "" {
		store := d.creds
		if req.ConfigPath != "" {
			store = credentials.NewStore(append([]string{req.ConfigPath}, d.creds.Paths()...)...)
		}
		auth, ok, err := store.Lookup(url)
		if err != nil {
			return "", "", err
		}
		if !ok {
			return "", "", engine.ErrAuthenticationMissing(url)
		}
		d.logger.Debug().Str("registry", url).Str("server", auth.ServerAddress).Msg("Using stored registry credentials")
		return auth.Username, auth.Password, nil
	}

	auth := registry.AuthConfig{
		Username:      req.Username,
		Password:      req.Password,
		Email:         req.Email,
		ServerAddress: url,
	}
	resp, err := d.api.RegistryLogin(ctx, auth)
	if err != nil {
		return "", "", wrapErr("login", err)
	}
	d.logger.Info().Str("registry", url).Str("status", resp.Status).Msg("Logged in")

	if req.ConfigPath != "" {
		if err := credentials.Save(req.ConfigPath, auth); err != nil {
			return "", "", fmt.Errorf("failed to save registry credentials: %w", err)
		}
	}
	return req.Username, req.Password, nil
}
