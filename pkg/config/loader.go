package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/template"
)

// Loader reads a project directory into a resolved engine.Project.
type Loader struct {
	opts      LoadOptions
	schemas   *SchemaRegistry
	scripts   *StarlarkEvaluator
	validate  *validator.Validate
	templater *template.Jinja
	logger    zerolog.Logger
}

// NewLoader creates a loader.
func NewLoader(opts LoadOptions, logger zerolog.Logger) *Loader {
	if opts.Environ == nil {
		opts.Environ = os.Environ()
	}
	if opts.Role == "" {
		opts.Role = engine.RoleHost
	}
	return &Loader{
		opts:     opts,
		schemas:  NewSchemaRegistry(),
		scripts:  NewStarlarkEvaluator(30*time.Second, logger),
		validate: validator.New(),
		templater: template.NewJinja(template.Options{
			Environ:      environLookup(opts.Environ),
			BaseDir:      opts.Path,
			DeferLookups: opts.Role == engine.RoleHost,
		}),
		logger: logger.With().Str("component", "config").Logger(),
	}
}

// FindProjectFile returns the project file in dir, or NotInitialized.
func FindProjectFile(dir string) (string, error) {
	for _, name := range ProjectFiles {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", engine.ErrNotInitialized(dir)
}

// Load reads, validates and renders the project.
func (l *Loader) Load(ctx context.Context) (*engine.Project, error) {
	dir, err := filepath.Abs(l.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project path: %w", err)
	}

	file, err := FindProjectFile(dir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.ErrConfigInvalid("", fmt.Errorf("%s: %w", file, err))
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, engine.ErrConfigInvalid("", fmt.Errorf("%s: project file must be a mapping", file))
	}
	root := doc.Content[0]

	scope, err := l.Scope(ctx, dir, mappingValue(root, "defaults"))
	if err != nil {
		return nil, err
	}

	if err := renderNode(l.templater, root, scope, ""); err != nil {
		return nil, err
	}

	var raw map[string]interface{}
	if err := root.Decode(&raw); err != nil {
		return nil, engine.ErrConfigInvalid("", err)
	}
	if err := l.schemas.Validate("project", raw); err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			// Positions point into the schema, not the project file.
			for i := range verrs {
				verrs[i].File = file
				verrs[i].Line, verrs[i].Column = 0, 0
			}
			return nil, verrs.asConfigInvalid()
		}
		return nil, engine.ErrConfigInvalid("", err)
	}

	cfg := &engine.Config{}
	if err := root.Decode(cfg); err != nil {
		return nil, engine.ErrConfigInvalid("", fmt.Errorf("%s: %w", file, err))
	}
	cfg.Defaults = scope

	project := &engine.Project{
		Name:   l.projectName(dir, cfg),
		Path:   dir,
		Config: cfg,
	}
	if err := l.Validate(project); err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("project", project.Name).
		Str("file", file).
		Strs("services", cfg.Services.Names()).
		Int("variables", len(scope)).
		Msg("Loaded project")
	return project, nil
}

// projectName applies the precedence: explicit override, settings.project_name,
// then the project directory's base name.
func (l *Loader) projectName(dir string, cfg *engine.Config) string {
	if l.opts.ProjectName != "" {
		return l.opts.ProjectName
	}
	if cfg.Settings.ProjectName != "" {
		return cfg.Settings.ProjectName
	}
	return filepath.Base(dir)
}

// Scope flattens the project-level variable layers: defaults, var files in
// order, then AC_ environment variables. Later layers win.
func (l *Loader) Scope(ctx context.Context, dir string, defaults *yaml.Node) (map[string]interface{}, error) {
	scope := make(map[string]interface{})

	if defaults != nil && defaults.Tag != "!!null" {
		var values map[string]interface{}
		if err := defaults.Decode(&values); err != nil {
			return nil, engine.ErrConfigInvalid("defaults", err)
		}
		for k, v := range values {
			scope[k] = v
		}
	}

	for _, vf := range l.opts.VarFiles {
		path := vf
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		values, err := l.readVarFile(ctx, path, scope)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			scope[k] = v
		}
	}

	for k, v := range envVars(l.opts.Environ) {
		scope[k] = v
	}

	// One pass lets a default refer to another layer's value.
	rendered, err := template.RenderValue(l.templater, scope, scope)
	if err != nil {
		return nil, engine.ErrConfigInvalid("defaults", err)
	}
	return rendered.(map[string]interface{}), nil
}

// readVarFile reads one var file. Starlark scripts see the scope so far.
func (l *Loader) readVarFile(ctx context.Context, path string, scope map[string]interface{}) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.ErrConfigInvalid("var_files", fmt.Errorf("failed to read %s: %w", path, err))
	}

	if strings.HasSuffix(path, ".star") {
		values, err := l.scripts.Evaluate(ctx, filepath.Base(path), string(data), scope)
		if err != nil {
			return nil, engine.ErrConfigInvalid("var_files", err)
		}
		return values, nil
	}

	// JSON is a subset of YAML.
	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, engine.ErrConfigInvalid("var_files", fmt.Errorf("%s: %w", path, err))
	}
	return values, nil
}

// Validate checks the struct constraints of a decoded project.
func (l *Loader) Validate(project *engine.Project) error {
	if err := l.validate.Var(project.Name, "required,lowercase,excludesall=/:@"); err != nil {
		return engine.ErrConfigInvalid("settings.project_name", fmt.Errorf("invalid project name %q: %w", project.Name, err))
	}

	cfg := project.Config
	names := cfg.Services.Names()
	if dup := lo.FindDuplicates(names); len(dup) > 0 {
		return engine.ErrConfigInvalid("services."+dup[0], fmt.Errorf("duplicate service"))
	}

	for _, svc := range cfg.Services {
		if err := l.validate.Struct(svc); err != nil {
			return engine.ErrConfigInvalid(fieldPath("services."+svc.Name, err), err)
		}
		for _, dep := range svc.DependsOn {
			if !lo.Contains(names, dep) {
				return engine.ErrConfigInvalid("services."+svc.Name+".depends_on",
					fmt.Errorf("unknown service %q", dep))
			}
		}
		for secret := range svc.Secrets {
			if _, ok := cfg.Secrets[secret]; !ok {
				return engine.ErrConfigInvalid("services."+svc.Name+".secrets",
					fmt.Errorf("unknown secret %q", secret))
			}
		}
	}

	for _, name := range sortedKeys(cfg.Registries) {
		reg := cfg.Registries[name]
		if err := l.validate.Struct(reg); err != nil {
			return engine.ErrConfigInvalid(fieldPath("registries."+name, err), err)
		}
	}

	if err := l.validate.Struct(cfg.Settings.Tracing); err != nil {
		return engine.ErrConfigInvalid(fieldPath("settings.tracing", err), err)
	}
	return nil
}

// Finalize resolves the expressions the host deferred, against this
// process's environment. The builder calls it on the config it received.
func Finalize(cfg *engine.Config, environ []string, baseDir string) error {
	var node yaml.Node
	if err := node.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	t := template.NewJinja(template.Options{
		Environ: environLookup(environ),
		BaseDir: baseDir,
	})
	if err := renderNode(t, &node, cfg.Defaults, ""); err != nil {
		return err
	}

	var out engine.Config
	if err := node.Decode(&out); err != nil {
		return engine.ErrConfigInvalid("", err)
	}
	*cfg = out
	return nil
}

// fieldPath extends prefix with the yaml name of the first failing field.
func fieldPath(prefix string, err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return prefix
	}
	field := verrs[0].Field()
	if field == "" {
		return prefix
	}
	return prefix + "." + toSnake(field)
}

func toSnake(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				sb.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// envVars extracts AC_ variables. The key is the rest of the name, lowercased.
func envVars(environ []string) map[string]interface{} {
	out := make(map[string]interface{})
	for _, entry := range environ {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(k, EnvPrefix) || len(k) == len(EnvPrefix) {
			continue
		}
		out[strings.ToLower(strings.TrimPrefix(k, EnvPrefix))] = v
	}
	return out
}

func environLookup(environ []string) func(string) (string, bool) {
	env := make(map[string]string, len(environ))
	for _, entry := range environ {
		if k, v, ok := strings.Cut(entry, "="); ok {
			env[k] = v
		}
	}
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
