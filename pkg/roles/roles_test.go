package roles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestResolverResolve(t *testing.T) {
	project := t.TempDir()
	extra := filepath.Join(project, "vendor-roles")

	writeFile(t, filepath.Join(project, "roles", "web", "tasks", "main.yml"), "[]\n")
	writeFile(t, filepath.Join(extra, "web", "tasks", "main.yml"), "[]\n")
	writeFile(t, filepath.Join(project, "roles", "db", "tasks", "main.yml"), "[]\n")
	writeFile(t, filepath.Join(project, "local", "custom", "tasks", "main.yml"), "[]\n")

	r := NewResolver(project, "vendor-roles")

	path, err := r.Resolve("web")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if path != filepath.Join(extra, "web") {
		t.Errorf("Expected search path to win, got %s", path)
	}

	path, err = r.Resolve("db")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if path != filepath.Join(project, "roles", "db") {
		t.Errorf("Expected project roles dir, got %s", path)
	}

	path, err = r.Resolve("local/custom")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if path != filepath.Join(project, "local", "custom") {
		t.Errorf("Expected relative path resolution, got %s", path)
	}

	if _, err := r.Resolve("missing"); err == nil {
		t.Error("Expected error for missing role")
	}
}

func TestResolverLoad(t *testing.T) {
	project := t.TempDir()
	role := filepath.Join(project, "roles", "web")

	writeFile(t, filepath.Join(role, "defaults", "main.yml"), "port: 80\nbanner: hello\n")
	writeFile(t, filepath.Join(role, "meta", "container.yml"), "ports:\n  - 80\nuser: www\n")
	writeFile(t, filepath.Join(role, "meta", "main.yml"), "dependencies:\n  - common\n  - role: tls\n    cert: web.pem\n")

	r := NewResolver(project)
	loaded, err := r.Load(engine.RoleRef{Name: "web"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Name != "web" || loaded.Path != role {
		t.Errorf("Unexpected role identity: %s at %s", loaded.Name, loaded.Path)
	}
	if loaded.Defaults["port"] != 80 {
		t.Errorf("Expected default port 80, got %v", loaded.Defaults["port"])
	}
	if loaded.Metadata["user"] != "www" {
		t.Errorf("Expected metadata user www, got %v", loaded.Metadata["user"])
	}
	if len(loaded.Dependencies) != 2 {
		t.Fatalf("Expected 2 dependencies, got %d", len(loaded.Dependencies))
	}
	if loaded.Dependencies[0].Name != "common" {
		t.Errorf("Expected first dependency common, got %s", loaded.Dependencies[0].Name)
	}
	if loaded.Dependencies[1].Name != "tls" || loaded.Dependencies[1].Params["cert"] != "web.pem" {
		t.Errorf("Unexpected parametrized dependency: %+v", loaded.Dependencies[1])
	}
}

func TestResolverLoad_Empty(t *testing.T) {
	project := t.TempDir()
	if err := os.MkdirAll(filepath.Join(project, "roles", "bare"), 0o755); err != nil {
		t.Fatal(err)
	}

	loaded, err := NewResolver(project).Load(engine.RoleRef{Name: "bare"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Defaults) != 0 || len(loaded.Metadata) != 0 || len(loaded.Dependencies) != 0 {
		t.Errorf("Expected empty role, got %+v", loaded)
	}
}

func TestRoleScope(t *testing.T) {
	role := &Role{
		Defaults: map[string]interface{}{"port": 80, "mode": "dev"},
		Metadata: map[string]interface{}{"user": "www"},
	}
	ref := engine.RoleRef{Name: "web", Params: map[string]interface{}{"mode": "param"}}

	scope := role.Scope(
		map[string]interface{}{"port": 8080, "project": "demo"},
		map[string]interface{}{"user": "svc"},
		ref,
	)

	expected := map[string]interface{}{
		"port":    80,
		"mode":    "param",
		"user":    "svc",
		"project": "demo",
	}
	for k, v := range expected {
		if scope[k] != v {
			t.Errorf("Expected %s=%v, got %v", k, v, scope[k])
		}
	}
}

func TestLoadTasks(t *testing.T) {
	role := t.TempDir()

	writeFile(t, filepath.Join(role, "tasks", "main.yml"), `
- name: install
  apk: name=nginx state=present
- include_tasks: files.yml
- block:
    - name: config
      ansible.builtin.copy:
        src: nginx.conf
        dest: /etc/nginx/nginx.conf
  rescue:
    - debug: msg="failed"
  always:
    - command: echo done
- import_tasks:
    file: "{{ extra }}.yml"
`)
	writeFile(t, filepath.Join(role, "tasks", "files.yml"), `
- name: site
  synchronize:
    src: ../site/
    dest: /srv/site
- copy: src=/etc/hosts dest=/tmp/hosts
`)

	tasks, err := LoadTasks(role)
	if err != nil {
		t.Fatalf("LoadTasks failed: %v", err)
	}

	modules := make([]string, len(tasks))
	for i, task := range tasks {
		modules[i] = task.Module
	}
	expected := []string{"apk", "synchronize", "copy", "ansible.builtin.copy", "debug", "command", "import_tasks"}
	if len(modules) != len(expected) {
		t.Fatalf("Expected modules %v, got %v", expected, modules)
	}
	for i := range expected {
		if modules[i] != expected[i] {
			t.Errorf("Task %d: expected %s, got %s", i, expected[i], modules[i])
		}
	}

	if tasks[0].Args["name"] != "nginx" || tasks[0].Args["state"] != "present" {
		t.Errorf("Expected free-form args parsed, got %v", tasks[0].Args)
	}
	if src, ok := tasks[2].Source(); !ok || src != "/etc/hosts" {
		t.Errorf("Expected copy src /etc/hosts, got %q", src)
	}
	if !tasks[1].IsCopy() || !tasks[3].IsCopy() || tasks[0].IsCopy() {
		t.Error("Copy module detection is wrong")
	}
	if tasks[4].Args["msg"] != "failed" {
		t.Errorf("Expected quoted arg unquoted, got %v", tasks[4].Args["msg"])
	}
	if tasks[5].Args["_raw_params"] != "echo done" {
		t.Errorf("Expected raw params, got %v", tasks[5].Args)
	}
}

func TestLoadTasks_NoTasks(t *testing.T) {
	tasks, err := LoadTasks(t.TempDir())
	if err != nil {
		t.Fatalf("LoadTasks failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("Expected no tasks, got %d", len(tasks))
	}
}

func TestLoadTasks_IncludeLoop(t *testing.T) {
	role := t.TempDir()
	writeFile(t, filepath.Join(role, "tasks", "main.yml"), "- include_tasks: main.yml\n")

	if _, err := LoadTasks(role); err == nil {
		t.Error("Expected error for include loop")
	}
}

func TestLoadTasks_AmbiguousModule(t *testing.T) {
	role := t.TempDir()
	writeFile(t, filepath.Join(role, "tasks", "main.yml"), "- copy: src=a dest=b\n  shell: echo\n")

	if _, err := LoadTasks(role); err == nil {
		t.Error("Expected error for task with two modules")
	}
}

func TestParseArgs(t *testing.T) {
	args := ParseArgs(`src=files/a.txt dest="/opt/my file" mode='0644' extra words`)

	if args["src"] != "files/a.txt" {
		t.Errorf("Unexpected src: %v", args["src"])
	}
	if args["dest"] != "/opt/my file" {
		t.Errorf("Unexpected dest: %v", args["dest"])
	}
	if args["mode"] != "0644" {
		t.Errorf("Unexpected mode: %v", args["mode"])
	}
	if args["_raw_params"] != "extra words" {
		t.Errorf("Unexpected raw params: %v", args["_raw_params"])
	}
}
