// Package watch re-runs a build when project inputs change on disk.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the tree must stay quiet before a rebuild.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches files and directory trees and calls a function once per
// burst of changes.
type Watcher struct {
	logger   zerolog.Logger
	debounce time.Duration

	// files are watched through their parent directory so that editors that
	// replace files on save are still seen.
	files map[string]bool
	dirs  []string
}

// New creates a Watcher over the given targets. Targets that are directories
// are watched recursively; missing targets are skipped.
func New(logger zerolog.Logger, targets []string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		logger:   logger.With().Str("component", "watch").Logger(),
		debounce: debounce,
		files:    make(map[string]bool),
	}
	for _, t := range targets {
		abs, err := filepath.Abs(t)
		if err != nil {
			continue
		}
		info, err := os.Stat(abs)
		switch {
		case err != nil:
			w.logger.Debug().Str("path", abs).Msg("Skipping missing watch target")
		case info.IsDir():
			w.dirs = append(w.dirs, abs)
		default:
			w.files[abs] = true
		}
	}
	return w
}

// ProjectTargets lists the inputs of a project build: the project file, the
// variable files and the role trees.
func ProjectTargets(projectFile string, varFiles, rolePaths []string) []string {
	targets := []string{projectFile}
	targets = append(targets, varFiles...)
	targets = append(targets, rolePaths...)
	return targets
}

// Run calls fn once, then again after every debounced burst of changes, until
// ctx is cancelled. Errors from fn are logged and do not stop the loop.
func (w *Watcher) Run(ctx context.Context, fn func(context.Context) error) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.register(fw); err != nil {
		return err
	}

	w.call(ctx, fn)

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && w.underDir(event.Name) {
					if err := addTree(fw, event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
				}
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Change detected")
			fire = time.After(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-fire:
			fire = nil
			w.call(ctx, fn)
		}
	}
}

func (w *Watcher) call(ctx context.Context, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if err := fn(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Build failed, waiting for changes")
		return
	}
	w.logger.Info().Msg("Build finished, waiting for changes")
}

// register adds every watched directory to fw.
func (w *Watcher) register(fw *fsnotify.Watcher) error {
	parents := make(map[string]bool)
	for f := range w.files {
		parents[filepath.Dir(f)] = true
	}
	for dir := range parents {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	for _, dir := range w.dirs {
		if err := addTree(fw, dir); err != nil {
			return err
		}
	}
	w.logger.Info().Int("files", len(w.files)).Int("trees", len(w.dirs)).Msg("Watching for changes")
	return nil
}

// relevant reports whether an event touches a watched file or tree.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if ignored(filepath.Base(event.Name)) {
		return false
	}
	return w.files[event.Name] || w.underDir(event.Name)
}

func (w *Watcher) underDir(path string) bool {
	for _, dir := range w.dirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// ignored matches editor swap and backup files and VCS metadata.
func ignored(name string) bool {
	return strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, ".swx") ||
		strings.HasPrefix(name, ".#") ||
		name == ".git" ||
		name == "4913" // vim's write probe
}

func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
