// Package validators hosts the in-process validator implementations. Every
// validator kind, local or dispatched, shares one execution contract; this
// package covers the kinds that score synchronously without an external job.
package validators

import (
	"context"
	"fmt"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

// Request carries everything a local validator may inspect. The submission
// is read-only.
type Request struct {
	RunID      string
	StepIndex  int
	Submission domain.Submission
	Config     domain.Metadata
}

// Result is a local validator's outcome. Findings describe content problems
// and carry no step ref; the engine binds them to the owning step. A
// non-empty ErrorCategory marks an execution error, not a content verdict.
type Result struct {
	OutputSignals map[string]any
	Findings      []domain.Finding
	ErrorCategory domain.ErrorCategory
}

// Executor is the single polymorphic execution contract shared by all
// validator kinds.
type Executor interface {
	Kind() domain.ValidatorKind
	Execute(ctx context.Context, req Request) (Result, error)
}

// Registry maps validator kinds to their in-process executors.
type Registry struct {
	executors map[domain.ValidatorKind]Executor
}

// NewRegistry builds the default registry with every local kind registered.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[domain.ValidatorKind]Executor)}
	r.Register(&JSONDocumentValidator{})
	r.Register(&XMLDocumentValidator{})
	return r
}

func (r *Registry) Register(e Executor) {
	r.executors[e.Kind()] = e
}

// Lookup returns the executor for a local kind. Dispatched kinds are not
// registered here and resolve to an error.
func (r *Registry) Lookup(kind domain.ValidatorKind) (Executor, error) {
	if kind.Dispatched() {
		return nil, fmt.Errorf("kind %q executes externally", kind)
	}
	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for kind %q", kind)
	}
	return e, nil
}
