package conductor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"

	"github.com/moby/go-archive"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

// DefaultBase is the builder image base when settings.conductor_base is unset.
const DefaultBase = "debian:bookworm-slim"

// Dependency manifests copied from the project into the builder image.
const (
	pythonRequirements = "requirements.txt"
	roleRequirements   = "requirements.yml"
)

var dockerfileTemplate = template.Must(template.New("Dockerfile").Parse(`FROM {{ .Base }}
ENV DEBIAN_FRONTEND=noninteractive
RUN apt-get update \
 && apt-get install -y --no-install-recommends python3 python3-pip python3-venv ca-certificates rsync \
 && rm -rf /var/lib/apt/lists/*
RUN python3 -m venv /_venv \
 && /_venv/bin/pip install --no-cache-dir ansible-core \
 && mkdir -p /_usr/bin /_usr/lib/python3/dist-packages \
 && cp -a /usr/bin/python3* /_usr/bin/ \
 && cp -a /usr/lib/python3* /_usr/lib/
{{- if .PythonRequirements }}
COPY {{ .PythonRequirements }} /_build/{{ .PythonRequirements }}
RUN /_venv/bin/pip install --no-cache-dir --target /_usr/lib/python3/dist-packages -r /_build/{{ .PythonRequirements }}
{{- end }}
{{- if .RoleRequirements }}
COPY {{ .RoleRequirements }} /_build/{{ .RoleRequirements }}
RUN /_venv/bin/ansible-galaxy install -r /_build/{{ .RoleRequirements }} -p /_usr/roles
{{- end }}
COPY conductor /usr/local/bin/conductor
ENV PATH=/_venv/bin:$PATH
VOLUME /_usr
WORKDIR /_src
CMD ["conductor"]
`))

type dockerfileData struct {
	Base               string
	PythonRequirements string
	RoleRequirements   string
}

// ensureImage builds the builder image when it is missing, or on a no-cache
// build.
func (r *Runner) ensureImage(ctx context.Context, rebuild bool) error {
	if !rebuild {
		existing, err := r.builder.GetLatestImageForService(ctx, "conductor")
		if err != nil {
			return err
		}
		if existing != nil {
			r.logger.Debug().Str("image", existing.ID).Msg("Using existing builder image")
			return nil
		}
	}

	tag := engine.ConductorImage(r.opts.Project)
	r.logger.Info().Str("image", tag).Msg("Building builder image")

	buildContext, err := r.buildContext()
	if err != nil {
		return err
	}
	defer buildContext.Close()

	id, err := r.builder.BuildImageFromContext(ctx, buildContext, tag, rebuild)
	if err != nil {
		return fmt.Errorf("failed to build builder image: %w", err)
	}
	r.logger.Info().Str("image", tag).Str("id", id).Msg("Built builder image")
	return nil
}

// buildContext stages the Dockerfile, the conductor binary and the project's
// dependency manifests, and tars them.
func (r *Runner) buildContext() (io.ReadCloser, error) {
	binary, err := r.conductorBinary()
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "rolecraft-conductor-")
	if err != nil {
		return nil, fmt.Errorf("failed to stage build context: %w", err)
	}
	fail := func(err error) (io.ReadCloser, error) {
		os.RemoveAll(dir)
		return nil, err
	}

	data := dockerfileData{Base: r.opts.Base}
	if data.Base == "" {
		data.Base = DefaultBase
	}
	for name, dst := range map[string]*string{
		pythonRequirements: &data.PythonRequirements,
		roleRequirements:   &data.RoleRequirements,
	} {
		copied, err := copyIfExists(filepath.Join(r.opts.ProjectPath, name), filepath.Join(dir, name), 0o644)
		if err != nil {
			return fail(err)
		}
		if copied {
			*dst = name
		}
	}
	copied, err := copyIfExists(binary, filepath.Join(dir, "conductor"), 0o755)
	if err != nil {
		return fail(err)
	}
	if !copied {
		return fail(fmt.Errorf("conductor binary %s does not exist", binary))
	}

	var dockerfile bytes.Buffer
	if err := dockerfileTemplate.Execute(&dockerfile, data); err != nil {
		return fail(fmt.Errorf("failed to render Dockerfile: %w", err))
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), dockerfile.Bytes(), 0o644); err != nil {
		return fail(fmt.Errorf("failed to write Dockerfile: %w", err))
	}

	rc, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fail(fmt.Errorf("failed to archive build context: %w", err))
	}
	return &stagedContext{ReadCloser: rc, dir: dir}, nil
}

// conductorBinary locates the builder binary: the configured path, else a
// "conductor" executable next to the running one.
func (r *Runner) conductorBinary() (string, error) {
	if r.opts.Binary != "" {
		return r.opts.Binary, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate the conductor binary: %w", err)
	}
	candidate := filepath.Join(filepath.Dir(self), "conductor")
	if _, err := os.Stat(candidate); err != nil {
		return "", fmt.Errorf("conductor binary not found next to %s: %w", self, err)
	}
	return candidate, nil
}

func copyIfExists(src, dst string, mode os.FileMode) (bool, error) {
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, mode); err != nil {
		return false, fmt.Errorf("failed to stage %s: %w", src, err)
	}
	return true, nil
}

// stagedContext removes its staging directory on Close.
type stagedContext struct {
	io.ReadCloser
	dir string
}

func (s *stagedContext) Close() error {
	err := s.ReadCloser.Close()
	os.RemoveAll(s.dir)
	return err
}
