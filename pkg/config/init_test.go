package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

func TestInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")

	if err := Init(dir, InitOptions{}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	for _, name := range []string{"container.yml", "requirements.yml", "roles"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Expected %s to exist: %v", name, err)
		}
	}

	project, err := load(t, LoadOptions{Path: dir})
	if err != nil {
		t.Fatalf("Expected skeleton to load, got %v", err)
	}
	if project.Name != "fresh" || len(project.Config.Services) != 0 {
		t.Errorf("Unexpected skeleton project: %+v", project)
	}
}

func TestInit_AlreadyInitialized(t *testing.T) {
	dir := writeProject(t, "services:\n  web:\n    from: alpine\n")

	err := Init(dir, InitOptions{})
	if !engine.IsKind(err, engine.ErrCodeAlreadyInitialized) {
		t.Fatalf("Expected AlreadyInitialized, got %v", err)
	}

	writeFile(t, dir, "requirements.yml", "- src: custom\n")
	if err := Init(dir, InitOptions{Force: true}); err != nil {
		t.Fatalf("Init with force failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "requirements.yml"))
	if string(data) != "- src: custom\n" {
		t.Error("Expected existing requirements to be kept")
	}
}
