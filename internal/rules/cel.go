package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-gaming/talon/internal/domain"
)

// celEvaluator compiles and caches CEL programs for rule expressions.
// Expressions complement the declarative condition mapping where a rule
// needs logic conditions cannot express (disjunctions, field arithmetic).
type celEvaluator struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program // keyed by expression text
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("segment", cel.StringType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("net_loss", cel.DoubleType),
		cel.Variable("total_wagered", cel.DoubleType),
		cel.Variable("total_deposited", cel.DoubleType),
		cel.Variable("session_count", cel.DoubleType),
		cel.Variable("abuse_score", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &celEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile validates an expression and caches its program. Expressions must
// return bool.
func (c *celEvaluator) Compile(expression string) error {
	_, err := c.program(expression)
	return err
}

// Evaluate runs an expression against player state. Compilation results are
// cached, so repeated evaluation of the same rule pays compile cost once.
func (c *celEvaluator) Evaluate(expression string, state domain.PlayerState) (bool, error) {
	prg, err := c.program(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(c.activation(state))
	if err != nil {
		return false, fmt.Errorf("expression evaluation failed: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return bool(b), nil
}

func (c *celEvaluator) program(expression string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	c.mu.Lock()
	c.programs[expression] = prg
	c.mu.Unlock()

	return prg, nil
}

// activation builds CEL variables from player state. Promoted scalars default
// to zero values so expressions stay total over missing fields.
func (c *celEvaluator) activation(state domain.PlayerState) map[string]any {
	vars := map[string]any{
		"state":           map[string]any(state),
		"segment":         "",
		"tier":            "",
		"net_loss":        0.0,
		"total_wagered":   0.0,
		"total_deposited": 0.0,
		"session_count":   0.0,
		"abuse_score":     0.0,
	}
	if v, ok := state.String("segment"); ok {
		vars["segment"] = v
	}
	if v, ok := state.String("tier"); ok {
		vars["tier"] = v
	}
	for _, key := range []string{"net_loss", "total_wagered", "total_deposited", "session_count", "abuse_score"} {
		if v, ok := state.Number(key); ok {
			vars[key] = v
		}
	}
	return vars
}
