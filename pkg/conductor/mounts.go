package conductor

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rolecraft/rolecraft/pkg/credentials"
	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/wire"
)

// Paths inside the builder container.
const (
	SourceDir     = "/_src"
	SocketPath    = "/var/run/docker.sock"
	CertsDir      = "/etc/rolecraft/docker-certs"
	KubeconfigDir = "/etc/rolecraft/kube"
	SecretsDir    = "/run/secrets"
	DockerConfig  = "/root/.docker/config.json"
	LegacyConfig  = "/root/.dockercfg"
	OverlayRoles  = "/_usr/roles"
)

// mounts returns the bind mounts of the builder container.
func (r *Runner) mounts(params *wire.Params) []string {
	var binds []string
	add := func(src, dst, mode string) {
		spec := src + ":" + dst
		if mode != "" {
			spec += ":" + mode
		}
		binds = append(binds, spec)
	}

	mode := "ro"
	if params.Command.WritesProject() {
		mode = "rw"
	}
	add(r.opts.ProjectPath, SourceDir, mode)

	if socket, ok := r.socketPath(); ok {
		add(socket, SocketPath, "rw")
	}
	if certs := r.getenv("DOCKER_CERT_PATH"); certs != "" {
		add(certs, CertsDir, "ro")
	}
	if kubeconfig := r.kubeconfig(); kubeconfig != "" && exists(kubeconfig) {
		add(kubeconfig, filepath.Join(KubeconfigDir, "config"), "ro")
	}

	// Registry credentials. An explicit config file is mounted writable so a
	// login from the builder can save to it.
	if params.ConfigPath != "" {
		if path := r.absolute(params.ConfigPath); exists(path) {
			add(path, path, "rw")
		}
	}
	for _, path := range r.credentialPaths() {
		if !exists(path) {
			continue
		}
		target := DockerConfig
		if filepath.Base(path) == ".dockercfg" {
			target = LegacyConfig
		}
		add(path, target, "ro")
		break
	}

	for _, vault := range params.VaultFiles {
		path := r.absolute(vault)
		add(path, path, "ro")
	}
	for _, dir := range r.externalRolePaths(params) {
		add(dir, dir, "ro")
	}
	if params.MetricsFile != "" {
		dir := filepath.Dir(params.MetricsFile)
		if exists(dir) {
			add(dir, dir, "rw")
		}
	}

	binds = append(binds, engine.SecretsVolumeName(r.opts.Project)+":"+SecretsDir)
	return binds
}

// env returns the builder environment: engine selection, log level and the
// role search path.
func (r *Runner) env(params *wire.Params) map[string]string {
	env := map[string]string{
		"ROLECRAFT_ROLE":     string(engine.RoleBuilder),
		"ANSIBLE_ROLES_PATH": strings.Join(r.rolesPath(params), ":"),
	}

	if _, ok := r.socketPath(); ok {
		env["DOCKER_HOST"] = "unix://" + SocketPath
	} else if host := r.getenv("DOCKER_HOST"); host != "" {
		env["DOCKER_HOST"] = host
	}
	if v := r.getenv("DOCKER_TLS_VERIFY"); v != "" {
		env["DOCKER_TLS_VERIFY"] = v
	}
	if r.getenv("DOCKER_CERT_PATH") != "" {
		env["DOCKER_CERT_PATH"] = CertsDir
	}
	if kubeconfig := r.kubeconfig(); kubeconfig != "" && exists(kubeconfig) {
		env["KUBECONFIG"] = filepath.Join(KubeconfigDir, "config")
	}
	if level := r.getenv("LOG_LEVEL"); level != "" {
		env["LOG_LEVEL"] = level
	}
	return env
}

// socketPath returns the host's engine socket when the engine is reached
// over a unix socket.
func (r *Runner) socketPath() (string, bool) {
	host := r.getenv("DOCKER_HOST")
	switch {
	case host == "":
		return SocketPath, true
	case strings.HasPrefix(host, "unix://"):
		return strings.TrimPrefix(host, "unix://"), true
	default:
		return "", false
	}
}

func (r *Runner) kubeconfig() string {
	if r.opts.Kubeconfig != "" {
		return r.absolute(r.opts.Kubeconfig)
	}
	if kc := r.getenv("KUBECONFIG"); kc != "" {
		// Only the first file of a KUBECONFIG list is forwarded.
		return strings.Split(kc, string(os.PathListSeparator))[0]
	}
	if r.opts.Engine != "k8s" {
		return ""
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".kube", "config")
	}
	return ""
}

func (r *Runner) credentialPaths() []string {
	if len(r.opts.CredentialPaths) > 0 {
		return r.opts.CredentialPaths
	}
	return credentials.DefaultPaths()
}

// rolesPath is the role search path as seen from inside the builder.
func (r *Runner) rolesPath(params *wire.Params) []string {
	paths := []string{filepath.Join(SourceDir, "roles")}
	for _, p := range params.RolesPath {
		paths = append(paths, r.builderPath(p))
	}
	return append(paths, OverlayRoles)
}

// externalRolePaths are role directories outside the project, mounted at
// their host path.
func (r *Runner) externalRolePaths(params *wire.Params) []string {
	var out []string
	for _, p := range params.RolesPath {
		abs := r.absolute(p)
		if !within(abs, r.opts.ProjectPath) && exists(abs) {
			out = append(out, abs)
		}
	}
	sort.Strings(out)
	return out
}

// builderPath maps a host path to its location in the builder.
func (r *Runner) builderPath(p string) string {
	abs := r.absolute(p)
	if within(abs, r.opts.ProjectPath) {
		rel, _ := filepath.Rel(r.opts.ProjectPath, abs)
		return filepath.Join(SourceDir, rel)
	}
	return abs
}

func (r *Runner) absolute(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(r.opts.ProjectPath, p)
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
