package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, def := range builtinDefinitions {
		if err := sr.RegisterSchema(name, builtinProjectSchema, def); err != nil {
			panic(err)
		}
	}

	return sr
}

// builtinDefinitions maps schema names to definitions in builtinProjectSchema.
var builtinDefinitions = map[string]string{
	"project":  "#Project",
	"service":  "#Service",
	"settings": "#Settings",
	"registry": "#Registry",
}

// RegisterSchema compiles source and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	defVal := val.LookupPath(cue.ParsePath(def))
	if !defVal.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}

	sr.schemas[name] = defVal
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate checks data against a named schema. Failures come back as
// ValidationErrors carrying the key path of each offending value.
func (sr *SchemaRegistry) Validate(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// A cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    cuePath(e.Path()),
			Message: strings.TrimSpace(errors.Details(e, nil)),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

// cuePath joins a CUE error path, dropping definition selectors.
func cuePath(path []string) string {
	parts := make([]string, 0, len(path))
	for _, p := range path {
		if strings.HasPrefix(p, "#") {
			continue
		}
		parts = append(parts, strings.Trim(p, `"`))
	}
	return strings.Join(parts, ".")
}

const builtinProjectSchema = `
#Name: =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"

#Command: string | [...string]

#RoleRef: string | {
	role: string
	...
} | {
	name: string
	...
}

#Project: {
	version?: string | number
	settings?: #Settings
	defaults?: {[string]: _} | null
	services: {[#Name]: #Service}
	volumes?: {[string]: _} | null
	registries?: {[string]: #Registry} | null
	secrets?: {[string]: #Secret} | null

	// Extension keys are ignored.
	[=~"^x-"]: _
}

#Settings: {
	project_name?: #Name
	conductor_base?: string
	roles_path?: [...string]
	k8s_namespace?: string
	policies?: [...string]
	metrics_file?: string
	tracing?: {
		exporter?: "none" | "stdout" | "otlp"
		endpoint?: string
		insecure?: bool
	}
	...
}

#Service: {
	from: string & !=""
	roles?: [...#RoleRef] | null
	command?: #Command | null
	entrypoint?: #Command | null
	environment?: {[string]: _} | [...string] | null
	ports?: [...(string | int)]
	volumes?: [...string]
	working_dir?: string
	user?: string | int
	labels?: {[string]: string | number | bool}
	stdin_open?: bool
	tty?: bool
	depends_on?: [...#Name]
	networks?: [...string]
	restart?: string
	secrets?: {[string]: string}
	vars?: {[string]: _} | null

	// Compose keys the planner does not know are dropped there.
	...
}

#Registry: {
	url: string & !=""
	namespace?: string
	repository_prefix?: string
}

#Secret: {
	file: string
} | {
	value: string
}
`
