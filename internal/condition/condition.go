// Package condition evaluates the CEL subset used to gate DAG workflow
// edges (§4.5): a boolean expression referencing the upstream node outputs
// and execution context.
package condition

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Program is a compiled, reusable condition expression.
type Program struct {
	expr string
	prg  cel.Program
	vars map[string]struct{}
}

// Compile parses and type-checks expr against the variable names that will
// be supplied at Eval time (node ids and the "context" object).
func Compile(expr string, varNames []string) (*Program, error) {
	opts := make([]cel.EnvOption, 0, len(varNames))
	vars := make(map[string]struct{}, len(varNames))
	for _, v := range varNames {
		opts = append(opts, cel.Variable(v, cel.DynType))
		vars[v] = struct{}{}
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("condition: new env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition: compile %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition: %q must evaluate to a boolean, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("condition: program %q: %w", expr, err)
	}
	return &Program{expr: expr, prg: prg, vars: vars}, nil
}

// Eval runs the compiled program against vars (typically node outputs keyed
// by node id, plus "context" for the execution's shared context map).
func (p *Program) Eval(vars map[string]any) (bool, error) {
	out, _, err := p.prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("condition: eval %q: %w", p.expr, err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("condition: %q did not evaluate to bool, got %T", p.expr, toGoValue(out))
	}
	return bool(b), nil
}

// String returns the original expression text.
func (p *Program) String() string { return p.expr }

func toGoValue(v ref.Val) any {
	if v == nil {
		return nil
	}
	return v.Value()
}

// Eval is a convenience one-shot helper for call sites that don't need to
// reuse a compiled program (e.g. ad hoc validation during workflow load).
func Eval(expr string, vars map[string]any) (bool, error) {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	p, err := Compile(expr, names)
	if err != nil {
		return false, err
	}
	return p.Eval(vars)
}
