package config

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"

	"github.com/rolecraft/rolecraft/pkg/template"
)

// StarlarkEvaluator runs Starlark variable scripts. A script sees the scope
// built so far as the `vars` dict; its public globals become variables.
type StarlarkEvaluator struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration, logger zerolog.Logger) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
		logger:  logger.With().Str("component", "varscript").Logger(),
	}
}

// Evaluate executes script and returns its public globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, vars map[string]interface{}) (map[string]interface{}, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Debug().Str("file", filename).Msg(msg)
		},
	}

	type result struct {
		out map[string]interface{}
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		out, err := se.evaluateSync(thread, filename, script, vars)
		resultCh <- result{out: out, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return nil, fmt.Errorf("%s: execution timeout after %v", filename, se.timeout)
	case r := <-resultCh:
		return r.out, r.err
	}
}

func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, filename, script string, vars map[string]interface{}) (map[string]interface{}, error) {
	input, err := template.ToStarlark(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to convert scope: %w", err)
	}

	predeclared := starlark.StringDict{
		"vars": input,
		"json": json.Module,
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return nil, fmt.Errorf("%s", evalErr.Backtrace())
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := template.FromStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", name, err)
		}
		output[name] = goVal
	}

	return output, nil
}
