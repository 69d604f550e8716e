// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package expression evaluates step and trigger conditions. Compiled
// programs are cached per expression text.
package expression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/lightci/lightci/pkg/errors"
)

// Evaluator evaluates boolean condition expressions against a run
// context.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates an expression against the given context and
// returns the boolean result. An empty expression is true.
//
// The context carries run facts:
//   - branch, commit: strings from the run
//   - pipeline: the pipeline name
//   - triggered_by: who started the run
//   - env: map of step environment values
//
// Example:
//
//	ok, err := eval.Evaluate(`branch == "main"`, map[string]interface{}{
//	    "branch": run.Branch,
//	})
func (e *Evaluator) Evaluate(expression string, ctx map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "when",
			Message:    fmt.Sprintf("failed to compile condition: %s", err.Error()),
			Suggestion: "check the expression syntax",
		}
	}

	evalCtx := make(map[string]interface{}, len(ctx)+2)
	for k, v := range ctx {
		evalCtx[k] = v
	}
	evalCtx["matches"] = matchesFunc
	evalCtx["startsWith"] = startsWithFunc

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "when",
			Message:    fmt.Sprintf("condition evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the run context",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "when",
			Message:    fmt.Sprintf("condition must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >) or boolean functions",
		}
	}

	return boolResult, nil
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]interface{}{
		"matches":    matchesFunc,
		"startsWith": startsWithFunc,
	}

	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// matchesFunc reports whether a string contains a substring.
// Usage: matches(branch, "release")
func matchesFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("matches requires exactly 2 arguments, got %d", len(args))
	}
	s, ok1 := args[0].(string)
	sub, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("matches requires string arguments")
	}
	return strings.Contains(s, sub), nil
}

// startsWithFunc reports whether a string starts with a prefix.
// Usage: startsWith(branch, "feature/")
func startsWithFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("startsWith requires exactly 2 arguments, got %d", len(args))
	}
	s, ok1 := args[0].(string)
	prefix, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("startsWith requires string arguments")
	}
	return strings.HasPrefix(s, prefix), nil
}
