package assertion

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// defaultCostLimit bounds expression evaluation steps so pathological input
// cannot stall a run.
const defaultCostLimit = 1_000_000

// exprEvaluator compiles and caches sandboxed boolean expressions. Each
// signal slug is declared as a top-level dyn variable, and the whole
// namespace is additionally reachable as the "signals" map. The environment
// exposes no functions with side effects and no external I/O.
type exprEvaluator struct {
	base      *cel.Env
	costLimit uint64

	mu       sync.Mutex
	programs map[string]cel.Program
}

func newExprEvaluator(costLimit uint64) (*exprEvaluator, error) {
	if costLimit == 0 {
		costLimit = defaultCostLimit
	}
	base, err := cel.NewEnv(
		cel.Variable("signals", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	return &exprEvaluator{
		base:      base,
		costLimit: costLimit,
		programs:  make(map[string]cel.Program),
	}, nil
}

func (e *exprEvaluator) evaluate(expression string, namespace map[string]any) (bool, error) {
	slugs := make([]string, 0, len(namespace))
	for slug := range namespace {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	prg, err := e.program(expression, slugs)
	if err != nil {
		return false, err
	}

	activation := make(map[string]any, len(namespace)+1)
	signals := make(map[string]any, len(namespace))
	for slug, value := range namespace {
		adapted := adaptExprValue(value)
		activation[slug] = adapted
		signals[slug] = adapted
	}
	activation["signals"] = signals

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluate: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result is %T, want bool", out.Value())
	}
	return result, nil
}

// program compiles the expression against an environment extended with the
// given slugs, caching by expression and slug set.
func (e *exprEvaluator) program(expression string, slugs []string) (cel.Program, error) {
	key := expression + "\x00" + strings.Join(slugs, ",")

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[key]; ok {
		return prg, nil
	}

	opts := make([]cel.EnvOption, 0, len(slugs))
	for _, slug := range slugs {
		opts = append(opts, cel.Variable(slug, cel.DynType))
	}
	env, err := e.base.Extend(opts...)
	if err != nil {
		return nil, fmt.Errorf("extend environment: %w", err)
	}

	ast, iss := env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression yields %s, want bool", ast.OutputType())
	}

	prg, err := env.Program(ast, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, fmt.Errorf("build program: %w", err)
	}
	e.programs[key] = prg
	return prg, nil
}

// adaptExprValue converts resolver output into shapes the expression
// runtime's default type adapter accepts.
func adaptExprValue(value any) any {
	switch v := value.(type) {
	case []float64:
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out
	default:
		return v
	}
}
