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

package runner

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/watchflow/pkg/errors"
)

// Evaluator evaluates condition expressions against a run context. Compiled
// programs are cached so repeated evaluations of the same expression skip
// compilation.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates an empty evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs a boolean expression against the variable map. An empty
// expression is true.
func (e *Evaluator) Evaluate(expression string, vars map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	env := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		env[k] = v
	}
	env["length"] = lenFunc

	result, err := expr.Run(program, env)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the run context",
		}
	}

	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression must return boolean, got %T", result),
			Suggestion: "use comparison operators or boolean functions",
		}
	}
	return b, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression,
		expr.Env(map[string]any{"length": lenFunc}),
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

func lenFunc(v any) int {
	switch val := v.(type) {
	case string:
		return len(val)
	case []any:
		return len(val)
	case map[string]any:
		return len(val)
	}
	return 0
}

// EvaluateComparison handles the structured condition form:
// {variable, operator, value}.
func EvaluateComparison(variable any, operator string, value any) (bool, error) {
	switch operator {
	case "==":
		return fmt.Sprint(variable) == fmt.Sprint(value), nil
	case "!=":
		return fmt.Sprint(variable) != fmt.Sprint(value), nil
	case "<", "<=", ">", ">=":
		a, aok := toFloat(variable)
		b, bok := toFloat(value)
		if !aok || !bok {
			return false, &errors.ValidationError{
				Field:   "condition",
				Message: fmt.Sprintf("operator %s requires numeric operands", operator),
			}
		}
		switch operator {
		case "<":
			return a < b, nil
		case "<=":
			return a <= b, nil
		case ">":
			return a > b, nil
		default:
			return a >= b, nil
		}
	case "contains":
		return strings.Contains(fmt.Sprint(variable), fmt.Sprint(value)), nil
	case "matches":
		re, err := regexp.Compile(fmt.Sprint(value))
		if err != nil {
			return false, &errors.ValidationError{
				Field:   "condition",
				Message: "invalid matches pattern: " + err.Error(),
			}
		}
		return re.MatchString(fmt.Sprint(variable)), nil
	}
	return false, &errors.ValidationError{
		Field:      "condition",
		Message:    "unknown operator: " + operator,
		Suggestion: "use one of: ==, !=, <, <=, >, >=, contains, matches",
	}
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(val, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
