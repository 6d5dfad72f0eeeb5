// Package config loads a project directory into a resolved engine.Project.
//
// # Overview
//
// A project is described by container.yml (or container.yaml). Loading runs
// in a fixed order:
//
//  1. The file is parsed into a YAML node tree, keeping service order.
//  2. The variable scope is flattened: the defaults block, then each var
//     file in order, then AC_ environment variables. Later layers win.
//  3. Every `{{ expr }}` string is rendered against the scope. On the host,
//     lookup() calls are left in place for the builder to resolve with
//     Finalize.
//  4. The rendered tree is validated against the embedded CUE schema, then
//     decoded and checked with validator struct tags.
//
// Any failure is reported as a ConfigInvalid engine error carrying the key
// path of the offending value.
//
// # Var files
//
// Var files may be YAML, JSON or Starlark. A Starlark file (.star) sees the
// scope built so far as the `vars` dict; its top-level names not starting
// with an underscore become variables:
//
//	replicas = 3 if vars.get("env") == "prod" else 1
//	image_tag = "%s-%d" % (vars["version"], replicas)
//
// # Usage Example
//
//	loader := config.NewLoader(config.LoadOptions{
//	    Path:     ".",
//	    VarFiles: []string{"vars/prod.yml"},
//	}, log.Logger)
//
//	project, err := loader.Load(ctx)
//	if err != nil {
//	    return err
//	}
package config
