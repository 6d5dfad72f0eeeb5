// Package fingerprint computes content digests of roles and folds them into
// the per-service layer chain used as the build cache key.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/roles"
	"github.com/rolecraft/rolecraft/pkg/template"
)

const separator = "::"

// Calculator computes role digests.
type Calculator struct {
	resolver    *roles.Resolver
	templater   template.Templater
	projectPath string
	logger      zerolog.Logger
}

// NewCalculator creates a calculator. Relative copy sources that are not part
// of a role resolve against projectPath. templater may be nil, in which case
// src arguments are used verbatim.
func NewCalculator(resolver *roles.Resolver, templater template.Templater, projectPath string, logger zerolog.Logger) *Calculator {
	return &Calculator{
		resolver:    resolver,
		templater:   templater,
		projectPath: projectPath,
		logger:      logger.With().Str("component", "fingerprint").Logger(),
	}
}

// RoleDigest returns the hex SHA-256 digest of a role reference: its
// canonical JSON, every file below the role and its transitive dependencies,
// and every file its copy tasks pull in from outside the role.
func (c *Calculator) RoleDigest(ref engine.RoleRef, service string, scope map[string]interface{}) (string, error) {
	h := sha256.New()

	refJSON, err := json.Marshal(ref)
	if err != nil {
		return "", fmt.Errorf("failed to encode role reference %s: %w", ref.Name, err)
	}
	absorb(h, refJSON)

	w := &walker{
		calc:    c,
		hash:    h,
		service: service,
		scope:   scope,
		visited: make(map[string]bool),
	}
	if err := w.role(ref); err != nil {
		return "", err
	}

	digest := hex.EncodeToString(h.Sum(nil))
	c.logger.Debug().
		Str("service", service).
		Str("role", ref.Name).
		Str("digest", digest).
		Msg("Computed role digest")

	return digest, nil
}

// walker carries the state of one digest computation.
type walker struct {
	calc    *Calculator
	hash    hash.Hash
	service string
	scope   map[string]interface{}
	visited map[string]bool
}

// role absorbs a role tree, its copy sources and its dependencies.
// Roles already visited are skipped, which also breaks dependency cycles.
func (w *walker) role(ref engine.RoleRef) error {
	role, err := w.calc.resolver.Load(ref)
	if err != nil {
		return fmt.Errorf("failed to load role %s: %w", ref.Name, err)
	}
	if w.visited[role.Path] {
		w.calc.logger.Debug().Str("role", ref.Name).Msg("Role already absorbed")
		return nil
	}
	w.visited[role.Path] = true

	if err := w.tree(role.Path); err != nil {
		return fmt.Errorf("failed to hash role %s: %w", ref.Name, err)
	}

	for _, dep := range role.Dependencies {
		if err := w.role(dep); err != nil {
			return err
		}
	}

	return w.copySources(role, ref)
}

// tree absorbs every file below root in lexical order.
func (w *walker) tree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		return w.file(path, d)
	})
}

// file absorbs a path and its content. Symlinks contribute their target.
func (w *walker) file(path string, d fs.DirEntry) error {
	absorb(w.hash, []byte(path))

	if d != nil && d.Type()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		absorb(w.hash, []byte("symlink:"+target))
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	io.WriteString(w.hash, strconv.FormatInt(info.Size(), 10)+separator)
	if _, err := io.Copy(w.hash, f); err != nil {
		return err
	}
	io.WriteString(w.hash, separator)
	return nil
}

// copySources absorbs files that copy tasks transfer from outside the role.
func (w *walker) copySources(role *roles.Role, ref engine.RoleRef) error {
	tasks, err := roles.LoadTasks(role.Path)
	if err != nil {
		return fmt.Errorf("failed to load tasks of role %s: %w", ref.Name, err)
	}

	var scope map[string]interface{}
	for _, task := range tasks {
		if !task.IsCopy() {
			continue
		}
		src, ok := task.Source()
		if !ok {
			continue
		}

		if w.calc.templater != nil && template.IsTemplated(src) {
			if scope == nil {
				scope = role.Scope(w.scope, nil, ref)
			}
			rendered, err := w.calc.templater.Render(src, scope)
			if err != nil {
				w.calc.logger.Warn().
					Err(err).
					Str("service", w.service).
					Str("role", ref.Name).
					Str("src", src).
					Msg("Cannot render copy source, skipping")
				continue
			}
			src = rendered
		}

		if strings.Contains(src, "://") {
			w.calc.logger.Warn().
				Str("service", w.service).
				Str("role", ref.Name).
				Str("src", src).
				Msg("URL copy sources are fetched at build time and not fingerprinted")
			continue
		}

		path := w.resolveSource(role.Path, src)
		if path == "" {
			continue
		}
		if err := w.source(path); err != nil {
			return fmt.Errorf("failed to hash copy source %s of role %s: %w", src, ref.Name, err)
		}
	}
	return nil
}

// resolveSource returns the path a copy task reads from when it lies outside
// the role tree and exists, or "" otherwise.
func (w *walker) resolveSource(rolePath, src string) string {
	if filepath.IsAbs(src) {
		if exists(src) {
			return filepath.Clean(src)
		}
		return ""
	}

	// The runner searches the role's files/ directory and the role itself
	// before the project tree.
	for _, base := range []string{filepath.Join(rolePath, "files"), rolePath} {
		candidate := filepath.Join(base, src)
		if exists(candidate) {
			if within(rolePath, candidate) {
				return ""
			}
			return candidate
		}
	}

	candidate := filepath.Join(w.calc.projectPath, src)
	if exists(candidate) && !within(rolePath, candidate) {
		return candidate
	}
	return ""
}

// source absorbs a file or a directory tree.
func (w *walker) source(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return w.tree(path)
	}
	return w.file(path, fs.FileInfoToDirEntry(info))
}

// Chain is the rolling fingerprint of a service's layers. It starts from the
// base image id and folds in one role digest per layer.
type Chain struct {
	h hash.Hash
}

// NewChain starts a chain at a base image.
func NewChain(baseImageID string) *Chain {
	h := sha256.New()
	io.WriteString(h, baseImageID+separator)
	return &Chain{h: h}
}

// Fold appends a role digest and returns the fingerprint of the new layer.
func (c *Chain) Fold(roleDigest string) string {
	io.WriteString(c.h, roleDigest)
	return c.Hex()
}

// Hex returns the current fingerprint.
func (c *Chain) Hex() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// absorb writes a length-framed value.
func absorb(h hash.Hash, b []byte) {
	io.WriteString(h, strconv.Itoa(len(b))+separator)
	h.Write(b)
	io.WriteString(h, separator)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
