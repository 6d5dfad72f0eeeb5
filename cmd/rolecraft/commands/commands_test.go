package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/policy"
	"github.com/rolecraft/rolecraft/pkg/wire"
)

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("1.2.3", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitOK},
		{"usage error", &usageError{err: errors.New("bad flag")}, ExitUsageErr},
		{"wrapped usage error", fmt.Errorf("build: %w", &usageError{err: errors.New("bad")}), ExitUsageErr},
		{"unknown command", errors.New(`unknown command "bogus" for "rolecraft"`), ExitUsageErr},
		{"builder failure", engine.ErrConductorFailed(3), 3},
		{"generic failure", engine.ErrMissingImage("web"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("Expected exit code %d, got %d", tt.want, got)
			}
		})
	}
}

func TestExecute_UsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{"build", "--bogus"},
		{"run", "extra"},
		{"import"},
		{"bogus"},
	} {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			_, err := execute(t, args...)
			if code := ExitCode(err); code != ExitUsageErr {
				t.Errorf("Expected exit code 2, got %d (%v)", code, err)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if out != "rolecraft 1.2.3 (commit: abc123, built: 2026-01-01)\n" {
		t.Errorf("Unexpected version output %q", out)
	}
}

func TestInit(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "init", "--project-path", dir)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.Contains(out, dir) {
		t.Errorf("Expected the project path in %q", out)
	}
	for _, name := range []string{"container.yml", "requirements.yml", "roles"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Expected %s to exist: %v", name, err)
		}
	}

	_, err = execute(t, "init", "--project-path", dir)
	if !engine.IsKind(err, engine.ErrCodeAlreadyInitialized) {
		t.Errorf("Expected AlreadyInitialized, got %v", err)
	}

	if _, err := execute(t, "init", "--project-path", dir, "--force"); err != nil {
		t.Errorf("Expected --force to reinitialize, got %v", err)
	}
}

func TestImport_Unsupported(t *testing.T) {
	for _, name := range []string{"docker", "k8s"} {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, "import", "Dockerfile", "--engine", name)
			if !engine.IsKind(err, engine.ErrCodeCapabilityUnsupported) {
				t.Errorf("Expected CapabilityUnsupported, got %v", err)
			}
		})
	}
}

func TestCommands_CheckCapabilitiesFirst(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		args []string
		code string
	}{
		{[]string{"build", "--engine", "k8s"}, engine.ErrCodeCapabilityUnsupported},
		{[]string{"push", "--engine", "k8s"}, engine.ErrCodeCapabilityUnsupported},
		{[]string{"install", "--engine", "k8s"}, engine.ErrCodeCapabilityUnsupported},
		{[]string{"build", "--engine", "podman"}, engine.ErrCodeConfigInvalid},
		{[]string{"build"}, engine.ErrCodeNotInitialized},
		{[]string{"run", "--engine", "k8s"}, engine.ErrCodeNotInitialized},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			_, err := execute(t, append(tt.args, "--project-path", dir)...)
			if !engine.IsKind(err, tt.code) {
				t.Errorf("Expected %s, got %v", tt.code, err)
			}
			if ExitCode(err) != ExitFailure {
				t.Errorf("Expected exit code 1, got %d", ExitCode(err))
			}
		})
	}
}

func TestOpenSession_PolicyViolation(t *testing.T) {
	dir := t.TempDir()
	project := `services:
  web:
    from: alpine:3.19
    labels:
      fingerprint: forged
`
	if err := os.WriteFile(filepath.Join(dir, "container.yml"), []byte(project), 0o644); err != nil {
		t.Fatalf("Failed to write project: %v", err)
	}

	_, err := execute(t, "build", "--project-path", dir)
	if !engine.IsKind(err, engine.ErrCodeConfigInvalid) {
		t.Fatalf("Expected ConfigInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "services.web.labels.fingerprint") {
		t.Errorf("Expected the label key path in %q", err.Error())
	}
}

func TestSessionParams(t *testing.T) {
	dir := t.TempDir()
	vaultFiles = []string{"secrets/vault.yml", "/etc/vault.yml"}
	varFiles = []string{"vars.yml"}
	engineName = "docker"
	debug = true
	t.Cleanup(func() {
		vaultFiles, varFiles, debug = nil, nil, false
	})

	s := &session{
		command: wire.CommandBuild,
		project: &engine.Project{
			Name: "demo",
			Path: dir,
			Config: &engine.Config{Settings: engine.Settings{
				RolesPath:   []string{"shared"},
				MetricsFile: "out/rolecraft.prom",
			}},
		},
	}

	p := s.params()
	if p.RunID == "" || p.Command != wire.CommandBuild || p.ProjectName != "demo" || !p.Debug {
		t.Errorf("Unexpected params %+v", p)
	}
	if p.HostPath != dir {
		t.Errorf("Expected host path %s, got %s", dir, p.HostPath)
	}
	want := []string{filepath.Join(dir, "secrets", "vault.yml"), "/etc/vault.yml"}
	if len(p.VaultFiles) != 2 || p.VaultFiles[0] != want[0] || p.VaultFiles[1] != want[1] {
		t.Errorf("Expected vault files %v, got %v", want, p.VaultFiles)
	}
	if p.MetricsFile != filepath.Join(dir, "out", "rolecraft.prom") {
		t.Errorf("Unexpected metrics file %s", p.MetricsFile)
	}
	if len(p.RolesPath) != 1 || p.RolesPath[0] != "shared" {
		t.Errorf("Unexpected roles path %v", p.RolesPath)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Expected valid params, got %v", err)
	}
}

func TestWatchTargets(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "container.yml"), []byte("services: {}\n"), 0o644); err != nil {
		t.Fatalf("Failed to write project: %v", err)
	}
	varFiles = []string{"vars.yml"}
	t.Cleanup(func() { varFiles = nil })

	targets, err := watchTargets(dir, buildFlags{rolesPath: []string{"roles", "/opt/roles"}})
	if err != nil {
		t.Fatalf("watchTargets failed: %v", err)
	}
	want := []string{
		filepath.Join(dir, "container.yml"),
		filepath.Join(dir, "vars.yml"),
		filepath.Join(dir, "roles"),
		"/opt/roles",
	}
	if strings.Join(targets, ",") != strings.Join(want, ",") {
		t.Errorf("Expected targets %v, got %v", want, targets)
	}

	if _, err := watchTargets(t.TempDir(), buildFlags{}); !engine.IsKind(err, engine.ErrCodeNotInitialized) {
		t.Errorf("Expected NotInitialized, got %v", err)
	}
}

func TestWriteDeployPlan(t *testing.T) {
	dir := t.TempDir()
	project := &engine.Project{
		Name: "demo",
		Path: dir,
		Config: &engine.Config{Services: engine.Services{
			{Name: "db", From: "postgres:16"},
			{Name: "web", From: "alpine:3.19", Roles: []engine.RoleRef{{Name: "nginx"}}, Ports: []string{"80:80"}, DependsOn: []string{"db"}, Volumes: []string{"./static:/srv"}},
		}},
	}
	policies, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create policy engine: %v", err)
	}
	reg := engine.Registry{URL: "https://registry.corp.io", Namespace: "team"}

	path, err := writeDeployPlan(context.Background(), project, policies, "k8s", reg, "1.0", zerolog.Nop())
	if err != nil {
		t.Fatalf("writeDeployPlan failed: %v", err)
	}
	if path != filepath.Join(dir, "deploy", "k8s.yml") {
		t.Errorf("Unexpected plan path %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read plan: %v", err)
	}
	var plan engine.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		t.Fatalf("Failed to parse plan: %v", err)
	}
	if plan.Project != "demo" {
		t.Errorf("Expected project demo, got %s", plan.Project)
	}

	start := plan.TasksFor(engine.LifecycleStart)
	if len(start) != 1 || len(start[0].Services) != 2 {
		t.Fatalf("Expected one start task with two services, got %+v", start)
	}
	db, web := start[0].Services[0], start[0].Services[1]
	if web.Image != "registry.corp.io/team/demo-web:1.0" {
		t.Errorf("Expected the pushed image, got %s", web.Image)
	}
	if db.Image != "postgres:16" {
		t.Errorf("Expected db to run its base image, got %s", db.Image)
	}
	if len(web.Volumes) != 1 || web.Volumes[0] != filepath.Join(dir, "static")+":/srv" {
		t.Errorf("Expected a host volume source, got %v", web.Volumes)
	}
}
