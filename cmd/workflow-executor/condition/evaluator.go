// Package condition evaluates the boolean expressions workflow definitions
// attach to `when` clauses, conditional and switch nodes, and loop exit
// checks. An expression combines comparisons, logical operators, grouping and
// literals with {{path}} templates. Templates are resolved first and bound as
// variables, so values keep their types instead of being spliced into source
// text.
package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/kestrel-ai/meshflow/cmd/workflow-executor/resolver"
)

// Evaluator compiles conditions with CEL and caches the compiled programs
// keyed by the rewritten expression source. Safe for concurrent use.
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator creates an evaluator with the restricted environment: one
// `vars` binding for resolved template values, no macros, and cross-type
// numeric comparisons so JSON numbers compare against integer literals.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.DynType),
		cel.ClearMacros(),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}
	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate resolves every {{path}} occurrence in expr against src, rewrites
// the occurrences to vars.t<i>, and evaluates the result. The expression must
// produce a boolean.
func (e *Evaluator) Evaluate(expr string, src resolver.Source) (bool, error) {
	rewritten, paths := resolver.RewriteTemplates(expr, func(i int) string {
		return fmt.Sprintf("vars.t%d", i)
	})

	vars := make(map[string]any, len(paths))
	for i, path := range paths {
		value, err := resolver.ResolvePath(path, src)
		if err != nil {
			return false, fmt.Errorf("condition %q: %w", expr, err)
		}
		vars[fmt.Sprintf("t%d", i)] = value
	}

	prg, err := e.program(rewritten)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{"vars": vars})
	if err != nil {
		return false, fmt.Errorf("condition %q evaluation failed: %w", expr, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return a boolean, got %T", expr, out.Value())
	}
	return result, nil
}

// program returns the compiled form of source, compiling and caching on the
// first use.
func (e *Evaluator) program(source string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[source]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", source, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build condition program for %q: %w", source, err)
	}

	e.mu.Lock()
	e.cache[source] = prg
	e.mu.Unlock()
	return prg, nil
}

// CacheSize returns the number of compiled programs held.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
