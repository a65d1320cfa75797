package domain

import (
	"errors"
	"fmt"
	"strings"
)

// AssertionKind distinguishes validator-bound default assertions from
// step-bound assertions. Defaults always evaluate before step assertions.
type AssertionKind string

const (
	AssertionDefault AssertionKind = "default"
	AssertionStep    AssertionKind = "step"
)

// Assertion is one declarative rule. Exactly one of Operator (operator form,
// Target names a signal slug) or Expression (sandboxed expression over the
// resolved signal namespace) is set.
type Assertion struct {
	Kind       AssertionKind
	Stage      SignalStage
	Target     string
	Operator   string
	Expression string
	Parameters Metadata
	Blocking   bool
}

func (a Assertion) Validate() error {
	switch a.Kind {
	case AssertionDefault, AssertionStep:
	default:
		return errors.New("assertion kind must be default or step")
	}
	switch a.Stage {
	case StageInput, StageOutput:
	default:
		return errors.New("assertion stage must be input or output")
	}
	hasOperator := strings.TrimSpace(a.Operator) != ""
	hasExpression := strings.TrimSpace(a.Expression) != ""
	if hasOperator == hasExpression {
		return errors.New("exactly one of operator or expression is required")
	}
	if hasOperator && strings.TrimSpace(a.Target) == "" {
		return fmt.Errorf("operator %q requires a target signal", a.Operator)
	}
	return nil
}
