package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
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

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "no-root.rego")
	writeFile(t, path, `# Containers must not run as root.
# Applies to every service.
package acme.user

import rego.v1

deny contains "root" if {
	some svc in input.services
	svc.user == "root"
}`)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "no-root" {
		t.Errorf("Expected name no-root, got %s", policy.Name)
	}
	if policy.Description != "Containers must not run as root. Applies to every service." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if !policy.Enabled || policy.Severity != SeverityError || policy.Source != path {
		t.Errorf("Unexpected policy defaults %+v", policy)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "soft.json"), `{
  "description": "Soft check",
  "severity": "warning",
  "rego": "package acme.soft\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"
}`)
	policy, err := loader.loadFromFile(filepath.Join(dir, "soft.json"))
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "soft" || policy.Severity != SeverityWarning || !policy.Enabled {
		t.Errorf("Unexpected policy %+v", policy)
	}

	writeFile(t, filepath.Join(dir, "off.json"), `{"name": "off", "enabled": false, "rego": "package acme.off"}`)
	policy, err = loader.loadFromFile(filepath.Join(dir, "off.json"))
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Enabled {
		t.Error("Expected an explicitly disabled policy to stay disabled")
	}

	writeFile(t, filepath.Join(dir, "empty.json"), `{"name": "empty"}`)
	if _, err := loader.loadFromFile(filepath.Join(dir, "empty.json")); err == nil {
		t.Error("Expected an error for a policy without rego")
	}

	writeFile(t, filepath.Join(dir, "bad.json"), `{not json`)
	if _, err := loader.loadFromFile(filepath.Join(dir, "bad.json")); err == nil {
		t.Error("Expected an error for malformed JSON")
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.rego"), "package acme.b\n")
	writeFile(t, filepath.Join(dir, "nested", "a.rego"), "package acme.a\n")
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy\n")
	single := filepath.Join(t.TempDir(), "c.rego")
	writeFile(t, single, "package acme.c\n")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	want := []string{"b", "a", "c"}
	if len(names) != len(want) {
		t.Fatalf("Expected policies %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Expected policies %v, got %v", want, names)
			break
		}
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected an error for a missing path")
	}
}
