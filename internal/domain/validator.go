package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ValidatorKind is the closed set of validator variants. All kinds share the
// same execution contract; the kind tag selects local in-process scoring or
// dispatch to the external compute substrate.
type ValidatorKind string

const (
	ValidatorJSONDocument ValidatorKind = "json_document"
	ValidatorXMLDocument  ValidatorKind = "xml_document"
	ValidatorEnergyModel  ValidatorKind = "energy_model"
	ValidatorCosimUnit    ValidatorKind = "cosim_unit"
)

// Dispatched reports whether this kind executes in the external substrate.
// Simulation-backed validators never run in-process.
func (k ValidatorKind) Dispatched() bool {
	switch k {
	case ValidatorEnergyModel, ValidatorCosimUnit:
		return true
	default:
		return false
	}
}

func (k ValidatorKind) Valid() bool {
	switch k {
	case ValidatorJSONDocument, ValidatorXMLDocument, ValidatorEnergyModel, ValidatorCosimUnit:
		return true
	default:
		return false
	}
}

// ValidatorDef declares one validator: its kind tag, kind-specific config,
// signal set, and default assertions.
type ValidatorDef struct {
	Slug              string
	Kind              ValidatorKind
	Config            Metadata
	Signals           []Signal
	DefaultAssertions []Assertion
}

func (v ValidatorDef) Validate() error {
	if strings.TrimSpace(v.Slug) == "" {
		return errors.New("validator slug is required")
	}
	if !v.Kind.Valid() {
		return fmt.Errorf("validator %q: unsupported kind %q", v.Slug, v.Kind)
	}
	if err := ValidateSignalSet(v.Signals); err != nil {
		return fmt.Errorf("validator %q: %w", v.Slug, err)
	}
	for i, assertion := range v.DefaultAssertions {
		if assertion.Kind != AssertionDefault {
			return fmt.Errorf("validator %q: default_assertions[%d] must have kind default", v.Slug, i)
		}
		if err := assertion.Validate(); err != nil {
			return fmt.Errorf("validator %q: default_assertions[%d]: %w", v.Slug, i, err)
		}
	}
	return nil
}

// SignalBySlug returns the named signal from the validator's signal set.
func (v ValidatorDef) SignalBySlug(slug string) (Signal, bool) {
	slug = strings.TrimSpace(slug)
	for _, sig := range v.Signals {
		if sig.Slug == slug {
			return sig, true
		}
	}
	return Signal{}, false
}

// SignalsForStage filters the signal set by resolution stage, preserving
// declaration order.
func (v ValidatorDef) SignalsForStage(stage SignalStage) []Signal {
	out := make([]Signal, 0, len(v.Signals))
	for _, sig := range v.Signals {
		if sig.Stage == stage {
			out = append(out, sig)
		}
	}
	return out
}
