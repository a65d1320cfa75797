package domain

import (
	"errors"
	"fmt"
	"strings"
)

// WorkflowStep binds one validator into a workflow at a step index. Indexes
// form a total ascending order; gaps are permitted.
type WorkflowStep struct {
	Index           int
	ValidatorRef    string
	Assertions      []Assertion
	DeadlineSeconds int
	Resources       Metadata
}

func (s WorkflowStep) Validate() error {
	if s.Index < 0 {
		return errors.New("step index must be >= 0")
	}
	if strings.TrimSpace(s.ValidatorRef) == "" {
		return errors.New("validator ref is required")
	}
	if s.DeadlineSeconds < 0 {
		return errors.New("deadline seconds must be >= 0")
	}
	for i, assertion := range s.Assertions {
		if assertion.Kind != AssertionStep {
			return fmt.Errorf("assertions[%d] must have kind step", i)
		}
		if err := assertion.Validate(); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

// Workflow is an ordered list of validation steps over a shared validator
// set.
type Workflow struct {
	Slug              string
	Validators        []ValidatorDef
	Steps             []WorkflowStep
	ContinueOnFailure bool
}

func (w Workflow) Validate() error {
	if strings.TrimSpace(w.Slug) == "" {
		return errors.New("workflow slug is required")
	}
	if len(w.Steps) == 0 {
		return errors.New("workflow must declare at least one step")
	}

	validators := make(map[string]struct{}, len(w.Validators))
	for i, validator := range w.Validators {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("validators[%d]: %w", i, err)
		}
		slug := strings.TrimSpace(validator.Slug)
		if _, ok := validators[slug]; ok {
			return fmt.Errorf("validators[%d]: duplicate slug %q", i, slug)
		}
		validators[slug] = struct{}{}
	}

	lastIndex := -1
	for i, step := range w.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if step.Index <= lastIndex {
			return fmt.Errorf("steps[%d]: index %d must ascend strictly", i, step.Index)
		}
		lastIndex = step.Index
		if _, ok := validators[strings.TrimSpace(step.ValidatorRef)]; !ok {
			return fmt.Errorf("steps[%d]: unknown validator %q", i, step.ValidatorRef)
		}
	}
	return nil
}

// ValidatorBySlug returns the named validator definition.
func (w Workflow) ValidatorBySlug(slug string) (ValidatorDef, bool) {
	slug = strings.TrimSpace(slug)
	for _, validator := range w.Validators {
		if validator.Slug == slug {
			return validator, true
		}
	}
	return ValidatorDef{}, false
}

// StepByIndex returns the step at the given index.
func (w Workflow) StepByIndex(index int) (WorkflowStep, bool) {
	for _, step := range w.Steps {
		if step.Index == index {
			return step, true
		}
	}
	return WorkflowStep{}, false
}
