// Package assertion evaluates declarative rules over resolved signals.
//
// Two forms exist. Operator assertions name a target signal and one operator
// from a fixed vocabulary. Expression assertions run a sandboxed boolean
// expression over the whole signal namespace under a hard cost budget.
package assertion

import (
	"fmt"
	"strings"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/signal"
)

// Outcome of a single assertion.
type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeError Outcome = "error"
)

// Result is one evaluated assertion with enough context to render a finding.
type Result struct {
	Assertion domain.Assertion
	Outcome   Outcome
	Observed  any
	Expected  any
	Message   string
}

// Blocking reports whether this result must halt the owning step.
func (r Result) Blocking() bool {
	return r.Assertion.Blocking && r.Outcome != OutcomePass
}

// Finding converts a non-pass result into an append-only finding. Pass
// results produce none.
func (r Result) Finding(stepRef string) (domain.Finding, bool) {
	if r.Outcome == OutcomePass {
		return domain.Finding{}, false
	}
	severity := domain.SeverityWarning
	if r.Outcome == OutcomeError || r.Assertion.Blocking {
		severity = domain.SeverityError
	}
	path := r.Assertion.Target
	if path == "" {
		path = r.Assertion.Expression
	}
	return domain.Finding{
		Severity: severity,
		Message:  r.Message,
		Path:     path,
		StepRef:  stepRef,
	}, true
}

// Evaluator holds the compiled-expression cache and cost budget.
type Evaluator struct {
	expr *exprEvaluator
}

func NewEvaluator(costLimit uint64) (*Evaluator, error) {
	expr, err := newExprEvaluator(costLimit)
	if err != nil {
		return nil, fmt.Errorf("build expression environment: %w", err)
	}
	return &Evaluator{expr: expr}, nil
}

// EvaluateAll runs default assertions strictly before step assertions, each
// group in insertion order, restricted to the given stage. Evaluation never
// halts early; blocking policy is the caller's to apply over the results.
func (e *Evaluator) EvaluateAll(defaults, steps []domain.Assertion, stage domain.SignalStage, res signal.Resolution) []Result {
	var results []Result
	for _, a := range defaults {
		if a.Stage == stage {
			results = append(results, e.Evaluate(a, res))
		}
	}
	for _, a := range steps {
		if a.Stage == stage {
			results = append(results, e.Evaluate(a, res))
		}
	}
	return results
}

// Evaluate runs one assertion against the resolved signals.
func (e *Evaluator) Evaluate(a domain.Assertion, res signal.Resolution) Result {
	if err := a.Validate(); err != nil {
		return errorResult(a, nil, fmt.Sprintf("invalid assertion: %v", err))
	}
	if strings.TrimSpace(a.Expression) != "" {
		return e.evaluateExpression(a, res)
	}
	return e.evaluateOperator(a, res)
}

func (e *Evaluator) evaluateOperator(a domain.Assertion, res signal.Resolution) Result {
	observed, found := res.Values[a.Target]
	if !found {
		if boolParam(a.Parameters, "required") {
			return errorResult(a, nil, fmt.Sprintf("required signal %q was not found", a.Target))
		}
		if !boolParam(a.Parameters, "treat_missing_as_null") {
			return errorResult(a, nil, fmt.Sprintf("signal %q was not found", a.Target))
		}
		observed = nil
	}

	op, ok := operators[a.Operator]
	if !ok {
		return errorResult(a, observed, fmt.Sprintf("unknown operator %q", a.Operator))
	}
	expected, err := op.expected(a.Parameters)
	if err != nil {
		return errorResult(a, observed, fmt.Sprintf("operator %q: %v", a.Operator, err))
	}

	pass, err := op.apply(observed, expected, evalOptions{
		caseInsensitive: boolParam(a.Parameters, "case_insensitive") || boolParam(a.Parameters, "unicode_fold"),
		coerceTypes:     boolParam(a.Parameters, "coerce_types"),
		parameters:      a.Parameters,
	})
	if err != nil {
		return errorResult(a, observed, fmt.Sprintf("%s %s: %v", a.Target, a.Operator, err))
	}
	if pass {
		return Result{Assertion: a, Outcome: OutcomePass, Observed: observed, Expected: expected}
	}
	return Result{
		Assertion: a,
		Outcome:   OutcomeFail,
		Observed:  observed,
		Expected:  expected,
		Message:   fmt.Sprintf("%s %s check failed: observed %v, expected %v", a.Target, a.Operator, observed, expected),
	}
}

func (e *Evaluator) evaluateExpression(a domain.Assertion, res signal.Resolution) Result {
	namespace := make(map[string]any, len(res.Values))
	for slug, value := range res.Values {
		namespace[slug] = value
	}
	if boolParam(a.Parameters, "treat_missing_as_null") {
		for _, slug := range res.Missing {
			namespace[slug] = nil
		}
	} else if boolParam(a.Parameters, "required") && len(res.Missing) > 0 {
		return errorResult(a, nil, fmt.Sprintf("required signals missing: %s", strings.Join(res.Missing, ", ")))
	}

	pass, err := e.expr.evaluate(a.Expression, namespace)
	if err != nil {
		return errorResult(a, nil, fmt.Sprintf("expression %q: %v", a.Expression, err))
	}
	if pass {
		return Result{Assertion: a, Outcome: OutcomePass}
	}
	return Result{
		Assertion: a,
		Outcome:   OutcomeFail,
		Message:   fmt.Sprintf("expression %q evaluated to false", a.Expression),
	}
}

func errorResult(a domain.Assertion, observed any, message string) Result {
	return Result{Assertion: a, Outcome: OutcomeError, Observed: observed, Message: message}
}

func boolParam(params domain.Metadata, key string) bool {
	if params == nil {
		return false
	}
	b, _ := params[key].(bool)
	return b
}
