package conductor

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rolecraft/rolecraft/pkg/drivers/drivertest"
	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/wire"
)

type testEnv struct {
	fake    *drivertest.Driver
	runner  *Runner
	project string
	env     map[string]string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, "requirements.yml"), []byte("- src: geerlingguy.nginx\n"), 0o644); err != nil {
		t.Fatalf("Failed to write requirements: %v", err)
	}
	binary := filepath.Join(t.TempDir(), "conductor")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("Failed to write binary: %v", err)
	}

	te := &testEnv{
		fake:    drivertest.New("demo"),
		project: project,
		env:     map[string]string{},
	}
	te.runner = New(te.fake, nil, zerolog.Nop(), Options{
		Project:         "demo",
		ProjectPath:     project,
		Engine:          "docker",
		Binary:          binary,
		CredentialPaths: []string{filepath.Join(t.TempDir(), "none.json")},
		PollInterval:    time.Millisecond,
		Getenv:          func(k string) string { return te.env[k] },
	})
	return te
}

func testConfig() *engine.Config {
	return &engine.Config{
		Services: engine.Services{{Name: "web", From: "alpine:3.19"}},
	}
}

func buildParams() *wire.Params {
	return &wire.Params{Command: wire.CommandBuild, ProjectName: "demo", Engine: "docker"}
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}

func TestRun_Success(t *testing.T) {
	te := newTestEnv(t)
	te.fake.Exits["demo_conductor"] = 0

	if err := te.runner.Run(context.Background(), testConfig(), buildParams()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(te.fake.Builds) != 1 || te.fake.Builds[0] != "demo-conductor:latest" {
		t.Fatalf("Expected one builder image build, got %v", te.fake.Builds)
	}
	if len(te.fake.Runs) != 1 {
		t.Fatalf("Expected one container run, got %d", len(te.fake.Runs))
	}

	run := te.fake.Runs[0]
	if run.Name != "demo_conductor" || run.Image != "demo-conductor:latest" {
		t.Errorf("Unexpected builder container %s from %s", run.Name, run.Image)
	}
	if !run.StreamLogs {
		t.Error("Expected builder logs to be streamed")
	}

	cmd := run.Overrides.Command
	want := []string{"conductor", "build", "--project-name", "demo", "--engine", "docker"}
	for i, w := range want {
		if cmd[i] != w {
			t.Fatalf("Expected command to start with %v, got %v", want, cmd)
		}
	}
	if cmd[len(cmd)-2] != "--encoding" || cmd[len(cmd)-1] != "b64json" {
		t.Errorf("Expected trailing --encoding b64json, got %v", cmd)
	}

	params, err := wire.DecodeParams(wire.EncodingB64JSON, cmd[7])
	if err != nil {
		t.Fatalf("Failed to decode params: %v", err)
	}
	if params.Command != wire.CommandBuild {
		t.Errorf("Expected build params, got %s", params.Command)
	}
	cfg, err := wire.DecodeConfig(wire.EncodingB64JSON, cmd[9])
	if err != nil {
		t.Fatalf("Failed to decode config: %v", err)
	}
	if cfg.Service("web") == nil {
		t.Error("Expected the web service in the encoded config")
	}

	volumes := run.Overrides.Volumes
	for _, v := range []string{
		te.project + ":/_src:ro",
		"/var/run/docker.sock:/var/run/docker.sock:rw",
		"demo_secrets:/run/secrets",
	} {
		if !contains(volumes, v) {
			t.Errorf("Expected mount %s in %v", v, volumes)
		}
	}
	if got := run.Overrides.Env["DOCKER_HOST"]; got != "unix:///var/run/docker.sock" {
		t.Errorf("Expected DOCKER_HOST to point at the forwarded socket, got %q", got)
	}
	if got := run.Overrides.Env["ANSIBLE_ROLES_PATH"]; got != "/_src/roles:/_usr/roles" {
		t.Errorf("Unexpected roles path %q", got)
	}

	if n := len(te.fake.Containers()); n != 0 {
		t.Errorf("Expected the builder to be removed, %d containers remain", n)
	}
}

func TestRun_ReusesImage(t *testing.T) {
	te := newTestEnv(t)
	te.fake.Exits["demo_conductor"] = 0
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := te.runner.Run(ctx, testConfig(), buildParams()); err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
	}
	if len(te.fake.Builds) != 1 {
		t.Errorf("Expected the builder image to be built once, got %d builds", len(te.fake.Builds))
	}

	params := buildParams()
	params.NoCache = true
	if err := te.runner.Run(ctx, testConfig(), params); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(te.fake.Builds) != 2 {
		t.Errorf("Expected a no-cache build to rebuild the builder image, got %d builds", len(te.fake.Builds))
	}
}

func TestRun_Failure(t *testing.T) {
	te := newTestEnv(t)
	te.fake.Exits["demo_conductor"] = 3

	err := te.runner.Run(context.Background(), testConfig(), buildParams())
	if !engine.IsKind(err, engine.ErrCodeConductorFailed) {
		t.Fatalf("Expected ConductorFailed, got %v", err)
	}
	if code := engine.ExitCode(err); code != 3 {
		t.Errorf("Expected exit code 3, got %d", code)
	}
	if n := len(te.fake.Containers()); n != 0 {
		t.Errorf("Expected the failed builder to be removed, %d containers remain", n)
	}
}

func TestRun_SaveBuildContainer(t *testing.T) {
	te := newTestEnv(t)
	te.fake.Exits["demo_conductor"] = 0

	params := buildParams()
	params.SaveBuildContainer = true
	if err := te.runner.Run(context.Background(), testConfig(), params); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	containers := te.fake.Containers()
	if len(containers) != 1 || containers[0].Name != "demo_conductor" {
		t.Errorf("Expected the builder container to be kept, got %v", containers)
	}
}

func TestRun_RemovesPrevious(t *testing.T) {
	te := newTestEnv(t)
	te.fake.Exits["demo_conductor"] = 0
	stale := te.fake.AddContainer("demo_conductor", "demo-conductor:latest")

	if err := te.runner.Run(context.Background(), testConfig(), buildParams()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !contains(te.fake.Deleted, stale) {
		t.Errorf("Expected the stale builder %s to be deleted, deleted %v", stale, te.fake.Deleted)
	}
}

func TestRun_RunError(t *testing.T) {
	te := newTestEnv(t)
	te.fake.RunErr = engine.ErrEngine("run container", 409, io.ErrUnexpectedEOF)

	err := te.runner.Run(context.Background(), testConfig(), buildParams())
	if !engine.IsKind(err, engine.ErrCodeConductorAlreadyRunning) {
		t.Fatalf("Expected ConductorAlreadyRunning, got %v", err)
	}
}

func TestMountsAndEnv(t *testing.T) {
	te := newTestEnv(t)
	te.env["DOCKER_HOST"] = "tcp://10.0.0.5:2376"
	te.env["DOCKER_TLS_VERIFY"] = "1"
	te.env["DOCKER_CERT_PATH"] = "/home/me/.docker/certs"

	vault := filepath.Join(te.project, "vault.yml")
	metricsDir := t.TempDir()
	params := &wire.Params{
		Command:     wire.CommandInstall,
		ProjectName: "demo",
		Engine:      "docker",
		VaultFiles:  []string{"vault.yml"},
		RolesPath:   []string{"shared-roles"},
		MetricsFile: filepath.Join(metricsDir, "rolecraft.prom"),
	}

	volumes := te.runner.mounts(params)
	for _, v := range []string{
		te.project + ":/_src:rw",
		"/home/me/.docker/certs:" + CertsDir + ":ro",
		vault + ":" + vault + ":ro",
		metricsDir + ":" + metricsDir + ":rw",
	} {
		if !contains(volumes, v) {
			t.Errorf("Expected mount %s in %v", v, volumes)
		}
	}
	for _, v := range volumes {
		if strings.Contains(v, "docker.sock") {
			t.Errorf("Expected no socket mount for a tcp engine, got %s", v)
		}
	}

	env := te.runner.env(params)
	if env["DOCKER_HOST"] != "tcp://10.0.0.5:2376" {
		t.Errorf("Expected DOCKER_HOST to be forwarded, got %q", env["DOCKER_HOST"])
	}
	if env["DOCKER_TLS_VERIFY"] != "1" || env["DOCKER_CERT_PATH"] != CertsDir {
		t.Errorf("Expected TLS settings to be forwarded, got %v", env)
	}
	if env["ANSIBLE_ROLES_PATH"] != "/_src/roles:/_src/shared-roles:/_usr/roles" {
		t.Errorf("Unexpected roles path %q", env["ANSIBLE_ROLES_PATH"])
	}
}

func TestBuildContext(t *testing.T) {
	te := newTestEnv(t)
	te.runner.opts.Base = "ubuntu:24.04"

	rc, err := te.runner.buildContext()
	if err != nil {
		t.Fatalf("buildContext failed: %v", err)
	}
	defer rc.Close()

	files := map[string]string{}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Failed to read context: %v", err)
		}
		data, _ := io.ReadAll(tr)
		files[strings.TrimPrefix(hdr.Name, "./")] = string(data)
	}

	for _, name := range []string{"Dockerfile", "conductor", "requirements.yml"} {
		if _, ok := files[name]; !ok {
			t.Errorf("Expected %s in the build context, got %v", name, files)
		}
	}
	if _, ok := files["requirements.txt"]; ok {
		t.Error("Expected no requirements.txt when the project has none")
	}

	dockerfile := files["Dockerfile"]
	if !strings.HasPrefix(dockerfile, "FROM ubuntu:24.04\n") {
		t.Errorf("Expected the configured base, got %q", strings.SplitN(dockerfile, "\n", 2)[0])
	}
	if !strings.Contains(dockerfile, "ansible-galaxy install -r /_build/requirements.yml") {
		t.Error("Expected role requirements to be installed")
	}
	if strings.Contains(dockerfile, "requirements.txt") {
		t.Error("Expected no python requirements step")
	}
	if !strings.Contains(dockerfile, "VOLUME /_usr") {
		t.Error("Expected the runtime overlay volume")
	}
}
