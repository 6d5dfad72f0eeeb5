package credentials

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/registry"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func auth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

func TestLookup_Cascade(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "env", "config.json")
	second := filepath.Join(dir, "home", ".docker", "config.json")
	legacy := filepath.Join(dir, "home", ".dockercfg")

	writeFile(t, first, `{"auths": {"registry.example.com": {"auth": "`+auth("alice", "a1")+`"}}}`)
	writeFile(t, second, `{"auths": {"https://registry.example.com/v2/": {"auth": "`+auth("bob", "b1")+`"}, "quay.io": {"auth": "`+auth("carol", "c1")+`"}}}`)
	writeFile(t, legacy, `{"https://index.docker.io/v1/": {"auth": "`+auth("dave", "d1")+`", "email": "d@example.com"}}`)

	store := NewStore(first, second, legacy)

	tests := []struct {
		url      string
		wantUser string
		wantPass string
	}{
		{"https://registry.example.com", "alice", "a1"},
		{"quay.io", "carol", "c1"},
		{"docker.io", "dave", "d1"},
		{"", "dave", "d1"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			cfg, ok, err := store.Lookup(tt.url)
			if err != nil {
				t.Fatalf("Lookup failed: %v", err)
			}
			if !ok {
				t.Fatalf("Expected credentials for %q", tt.url)
			}
			if cfg.Username != tt.wantUser || cfg.Password != tt.wantPass {
				t.Errorf("Expected %s/%s, got %s/%s", tt.wantUser, tt.wantPass, cfg.Username, cfg.Password)
			}
		})
	}
}

func TestLookup_Missing(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "absent.json"))

	_, ok, err := store.Lookup("registry.example.com")
	if err != nil {
		t.Fatalf("Expected missing files to be skipped, got %v", err)
	}
	if ok {
		t.Error("Expected no credentials")
	}
}

func TestLookup_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"auths": {"r.io": {"auth": "bm9jb2xvbg=="}}}`)

	if _, _, err := NewStore(path).Lookup("r.io"); err == nil {
		t.Error("Expected error for auth without a colon")
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".docker", "config.json")
	writeFile(t, path, `{"auths": {"quay.io": {"auth": "`+auth("carol", "c1")+`"}}, "credsStore": "none"}`)

	err := Save(path, registry.AuthConfig{Username: "u", Password: "p:w", ServerAddress: "registry.example.com"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	store := NewStore(path)
	cfg, ok, err := store.Lookup("registry.example.com")
	if err != nil || !ok {
		t.Fatalf("Expected saved credentials, ok=%v err=%v", ok, err)
	}
	if cfg.Username != "u" || cfg.Password != "p:w" {
		t.Errorf("Unexpected credentials: %+v", cfg)
	}
	if _, ok, _ := store.Lookup("quay.io"); !ok {
		t.Error("Expected existing entries to be kept")
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "credsStore") {
		t.Error("Expected unrelated keys to be kept")
	}
}

func TestNormalizeHost(t *testing.T) {
	tests := map[string]string{
		"https://index.docker.io/v1/":    "index.docker.io",
		"docker.io":                      "index.docker.io",
		"Registry.Example.com:5000/path": "registry.example.com:5000",
		"http://localhost:5000":          "localhost:5000",
	}
	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}
