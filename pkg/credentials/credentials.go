// Package credentials reads and writes registry credentials in the docker
// client's configuration files.
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/registry"
)

// DefaultRegistry is the address docker uses for the public hub.
const DefaultRegistry = "https://index.docker.io/v1/"

// configFile is the subset of ~/.docker/config.json we read.
type configFile struct {
	Auths map[string]authEntry `json:"auths"`
}

// authEntry is one credential record. Auth is base64(username:password).
type authEntry struct {
	Auth  string `json:"auth,omitempty"`
	Email string `json:"email,omitempty"`
}

// DefaultPaths returns the credential file cascade in lookup order:
// $DOCKER_CONFIG/config.json, ~/.docker/config.json, ~/.dockercfg.
func DefaultPaths() []string {
	paths := make([]string, 0, 3)
	if dir := os.Getenv("DOCKER_CONFIG"); dir != "" {
		paths = append(paths, filepath.Join(dir, "config.json"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".docker", "config.json"),
			filepath.Join(home, ".dockercfg"),
		)
	}
	return paths
}

// Store looks up credentials across a cascade of files.
type Store struct {
	paths []string
}

// NewStore creates a store over paths. No paths means DefaultPaths.
func NewStore(paths ...string) *Store {
	if len(paths) == 0 {
		paths = DefaultPaths()
	}
	return &Store{paths: paths}
}

// Paths returns the files the store consults.
func (s *Store) Paths() []string {
	return s.paths
}

// Lookup returns the credentials for url from the first file that has them.
// The second return is false when no file does.
func (s *Store) Lookup(url string) (registry.AuthConfig, bool, error) {
	if url == "" {
		url = DefaultRegistry
	}
	want := NormalizeHost(url)

	for _, path := range s.paths {
		auths, err := readAuths(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return registry.AuthConfig{}, false, err
		}
		for server, entry := range auths {
			if NormalizeHost(server) != want || entry.Auth == "" {
				continue
			}
			user, pass, err := decodeAuth(entry.Auth)
			if err != nil {
				return registry.AuthConfig{}, false, fmt.Errorf("invalid credentials for %s in %s: %w", server, path, err)
			}
			return registry.AuthConfig{
				Username:      user,
				Password:      pass,
				Email:         entry.Email,
				ServerAddress: server,
			}, true, nil
		}
	}
	return registry.AuthConfig{}, false, nil
}

// Save records credentials in the config.json at path, keeping other entries.
func Save(path string, auth registry.AuthConfig) error {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := json.Unmarshal(data, &raw); err != nil {
				return fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	auths, _ := raw["auths"].(map[string]interface{})
	if auths == nil {
		auths = make(map[string]interface{})
	}
	server := auth.ServerAddress
	if server == "" {
		server = DefaultRegistry
	}
	entry := map[string]interface{}{
		"auth": base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password)),
	}
	if auth.Email != "" {
		entry["email"] = auth.Email
	}
	auths[server] = entry
	raw["auths"] = auths

	out, err := json.MarshalIndent(raw, "", "\t")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, out, 0o600)
}

// readAuths reads either the config.json layout or the legacy .dockercfg
// layout, which maps servers to entries at the top level.
func readAuths(path string) (map[string]authEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg configFile
	if err := json.Unmarshal(data, &cfg); err == nil && cfg.Auths != nil {
		return cfg.Auths, nil
	}

	var legacy map[string]authEntry
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return legacy, nil
}

func decodeAuth(encoded string) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", err
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", "", fmt.Errorf("auth is not username:password")
	}
	return user, pass, nil
}

// NormalizeHost reduces a registry address to its host, mapping the hub's
// aliases to one name.
func NormalizeHost(url string) string {
	host := url
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	host, _, _ = strings.Cut(host, "/")
	host = strings.ToLower(host)
	switch host {
	case "docker.io", "registry-1.docker.io", "index.docker.io", "":
		return "index.docker.io"
	}
	return host
}
