package domain

import (
	"errors"
	"fmt"
	"strings"
)

// SignalStage says whether a signal resolves against the submission payload
// or against a step's output envelope.
type SignalStage string

const (
	StageInput  SignalStage = "input"
	StageOutput SignalStage = "output"
)

// SignalType is the declared type of a resolved value.
type SignalType string

const (
	SignalNumber     SignalType = "number"
	SignalString     SignalType = "string"
	SignalBoolean    SignalType = "boolean"
	SignalTimeseries SignalType = "timeseries"
	SignalObject     SignalType = "object"
)

// Signal is a named, typed reference into a payload, defined per validator
// and resolved per run.
type Signal struct {
	Slug     string
	Stage    SignalStage
	DataPath string
	Type     SignalType
	Required bool
}

func (s Signal) Validate() error {
	if strings.TrimSpace(s.Slug) == "" {
		return errors.New("signal slug is required")
	}
	switch s.Stage {
	case StageInput, StageOutput:
	default:
		return fmt.Errorf("signal %q: stage must be input or output", s.Slug)
	}
	switch s.Type {
	case SignalNumber, SignalString, SignalBoolean, SignalTimeseries, SignalObject:
	default:
		return fmt.Errorf("signal %q: unsupported type %q", s.Slug, s.Type)
	}
	return nil
}

// EffectiveDataPath returns the configured data path, or the slug itself when
// none is configured (the slug-equals-top-level-key default).
func (s Signal) EffectiveDataPath() string {
	if path := strings.TrimSpace(s.DataPath); path != "" {
		return path
	}
	return strings.TrimSpace(s.Slug)
}

// ValidateSignalSet enforces slug uniqueness within one validator's signals.
func ValidateSignalSet(signals []Signal) error {
	seen := make(map[string]struct{}, len(signals))
	for i, sig := range signals {
		if err := sig.Validate(); err != nil {
			return fmt.Errorf("signals[%d]: %w", i, err)
		}
		slug := strings.TrimSpace(sig.Slug)
		if _, ok := seen[slug]; ok {
			return fmt.Errorf("signals[%d]: duplicate slug %q", i, slug)
		}
		seen[slug] = struct{}{}
	}
	return nil
}
