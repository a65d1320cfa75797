package domain

import (
	"errors"
	"strings"
)

// Severity of a Finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Finding is one recorded validation outcome. Findings are append-only and
// never mutated after creation.
type Finding struct {
	Severity Severity
	Message  string
	Path     string
	StepRef  string
}

func (f Finding) Validate() error {
	switch f.Severity {
	case SeverityError, SeverityWarning, SeverityInfo:
	default:
		return errors.New("severity must be error, warning, or info")
	}
	if strings.TrimSpace(f.Message) == "" {
		return errors.New("message is required")
	}
	return nil
}
