// Package workflow parses declarative workflow definitions.
package workflow

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

const SpecSchemaV1 = "veriflow.workflow.v1"

// Spec is the on-disk workflow definition. YAML and JSON both decode; YAML
// is a strict superset for this shape.
type Spec struct {
	Schema            string          `json:"schema" yaml:"schema"`
	Slug              string          `json:"slug" yaml:"slug"`
	ContinueOnFailure bool            `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
	Validators        []ValidatorSpec `json:"validators" yaml:"validators"`
	Steps             []StepSpec      `json:"steps" yaml:"steps"`
}

type ValidatorSpec struct {
	Slug              string          `json:"slug" yaml:"slug"`
	Kind              string          `json:"kind" yaml:"kind"`
	Config            map[string]any  `json:"config,omitempty" yaml:"config,omitempty"`
	Signals           []SignalSpec    `json:"signals,omitempty" yaml:"signals,omitempty"`
	DefaultAssertions []AssertionSpec `json:"default_assertions,omitempty" yaml:"default_assertions,omitempty"`
}

type SignalSpec struct {
	Slug     string `json:"slug" yaml:"slug"`
	Stage    string `json:"stage" yaml:"stage"`
	DataPath string `json:"data_path,omitempty" yaml:"data_path,omitempty"`
	Type     string `json:"type" yaml:"type"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// AssertionSpec carries either an operator with a target or a standalone
// expression. Blocking defaults to true when omitted.
type AssertionSpec struct {
	Stage      string         `json:"stage" yaml:"stage"`
	Target     string         `json:"target,omitempty" yaml:"target,omitempty"`
	Operator   string         `json:"operator,omitempty" yaml:"operator,omitempty"`
	Expression string         `json:"expression,omitempty" yaml:"expression,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Blocking   *bool          `json:"blocking,omitempty" yaml:"blocking,omitempty"`
}

type StepSpec struct {
	Index           int             `json:"index" yaml:"index"`
	Validator       string          `json:"validator" yaml:"validator"`
	Assertions      []AssertionSpec `json:"assertions,omitempty" yaml:"assertions,omitempty"`
	DeadlineSeconds int             `json:"deadline_seconds,omitempty" yaml:"deadline_seconds,omitempty"`
	Resources       map[string]any  `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// ParseSpec decodes and validates a workflow definition, returning the
// domain workflow ready for execution.
func ParseSpec(input []byte) (domain.Workflow, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return domain.Workflow{}, fmt.Errorf("decode workflow spec: %w", err)
	}
	if strings.TrimSpace(spec.Schema) != SpecSchemaV1 {
		return domain.Workflow{}, fmt.Errorf("spec.schema must be %q", SpecSchemaV1)
	}
	if len(spec.Validators) == 0 {
		return domain.Workflow{}, errors.New("spec.validators must be non-empty")
	}
	if len(spec.Steps) == 0 {
		return domain.Workflow{}, errors.New("spec.steps must be non-empty")
	}

	wf := domain.Workflow{
		Slug:              strings.TrimSpace(spec.Slug),
		ContinueOnFailure: spec.ContinueOnFailure,
	}
	for _, v := range spec.Validators {
		wf.Validators = append(wf.Validators, domain.ValidatorDef{
			Slug:              strings.TrimSpace(v.Slug),
			Kind:              domain.ValidatorKind(strings.TrimSpace(v.Kind)),
			Config:            v.Config,
			Signals:           toSignals(v.Signals),
			DefaultAssertions: toAssertions(v.DefaultAssertions, domain.AssertionDefault),
		})
	}
	for _, s := range spec.Steps {
		wf.Steps = append(wf.Steps, domain.WorkflowStep{
			Index:           s.Index,
			ValidatorRef:    strings.TrimSpace(s.Validator),
			Assertions:      toAssertions(s.Assertions, domain.AssertionStep),
			DeadlineSeconds: s.DeadlineSeconds,
			Resources:       s.Resources,
		})
	}

	if err := wf.Validate(); err != nil {
		return domain.Workflow{}, err
	}
	return wf, nil
}

func toSignals(specs []SignalSpec) []domain.Signal {
	out := make([]domain.Signal, 0, len(specs))
	for _, s := range specs {
		out = append(out, domain.Signal{
			Slug:     strings.TrimSpace(s.Slug),
			Stage:    domain.SignalStage(strings.ToLower(strings.TrimSpace(s.Stage))),
			DataPath: strings.TrimSpace(s.DataPath),
			Type:     domain.SignalType(strings.ToLower(strings.TrimSpace(s.Type))),
			Required: s.Required,
		})
	}
	return out
}

func toAssertions(specs []AssertionSpec, kind domain.AssertionKind) []domain.Assertion {
	out := make([]domain.Assertion, 0, len(specs))
	for _, a := range specs {
		blocking := true
		if a.Blocking != nil {
			blocking = *a.Blocking
		}
		out = append(out, domain.Assertion{
			Kind:       kind,
			Stage:      domain.SignalStage(strings.ToLower(strings.TrimSpace(a.Stage))),
			Target:     strings.TrimSpace(a.Target),
			Operator:   strings.ToLower(strings.TrimSpace(a.Operator)),
			Expression: strings.TrimSpace(a.Expression),
			Parameters: a.Parameters,
			Blocking:   blocking,
		})
	}
	return out
}
