// Package envelope defines the versioned wire format exchanged with the
// external execution substrate.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

const Version = "veriflow.envelope.v1"

const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// InputEnvelope is handed to the external job at dispatch time. Payloads
// above a practical size live behind the storage refs, never inline.
type InputEnvelope struct {
	EnvelopeVersion  string         `json:"envelope_version"`
	RunCorrelationID string         `json:"run_correlation_id"`
	CallbackID       string         `json:"callback_id"`
	StepID           string         `json:"step_id"`
	Signals          map[string]any `json:"signals"`
	StorageInputRef  string         `json:"storage_input_ref"`
	StorageOutputRef string         `json:"storage_output_ref"`
	Deadline         time.Time      `json:"deadline"`
}

// OutputEnvelope is what the substrate posts back to the callback endpoint.
type OutputEnvelope struct {
	EnvelopeVersion string         `json:"envelope_version"`
	CallbackID      string         `json:"callback_id"`
	Status          string         `json:"status"`
	ErrorCategory   string         `json:"error_category,omitempty"`
	OutputSignals   map[string]any `json:"output_signals,omitempty"`
	Findings        []FindingEntry `json:"findings,omitempty"`
}

type FindingEntry struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
}

// EncodeInput validates and serializes an input envelope.
func EncodeInput(env InputEnvelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode input envelope: %w", err)
	}
	return data, nil
}

func (e InputEnvelope) Validate() error {
	if e.EnvelopeVersion != Version {
		return fmt.Errorf("envelope_version must be %q", Version)
	}
	if strings.TrimSpace(e.RunCorrelationID) == "" {
		return fmt.Errorf("run_correlation_id is required")
	}
	if strings.TrimSpace(e.CallbackID) == "" {
		return fmt.Errorf("callback_id is required")
	}
	if strings.TrimSpace(e.StepID) == "" {
		return fmt.Errorf("step_id is required")
	}
	if e.Deadline.IsZero() {
		return fmt.Errorf("deadline is required")
	}
	return nil
}

// DecodeOutput parses and schema-validates an output envelope. A payload
// that fails here must be rejected without touching run state.
func DecodeOutput(data []byte) (OutputEnvelope, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return OutputEnvelope{}, fmt.Errorf("decode output envelope: %w", err)
	}
	if err := outputSchema.Validate(raw); err != nil {
		return OutputEnvelope{}, fmt.Errorf("output envelope schema: %w", err)
	}
	var env OutputEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return OutputEnvelope{}, fmt.Errorf("decode output envelope: %w", err)
	}
	if env.Status == StatusError && domain.NormalizeErrorCategory(env.ErrorCategory) == "" {
		return OutputEnvelope{}, fmt.Errorf("unknown error_category %q", env.ErrorCategory)
	}
	return env, nil
}

// DecodeInput parses and schema-validates an input envelope, the substrate
// side of the contract. Kept here so both directions share one schema home.
func DecodeInput(data []byte) (InputEnvelope, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return InputEnvelope{}, fmt.Errorf("decode input envelope: %w", err)
	}
	if err := inputSchema.Validate(raw); err != nil {
		return InputEnvelope{}, fmt.Errorf("input envelope schema: %w", err)
	}
	var env InputEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return InputEnvelope{}, fmt.Errorf("decode input envelope: %w", err)
	}
	return env, nil
}

// DomainFindings converts envelope findings into run findings bound to one
// step.
func (e OutputEnvelope) DomainFindings(stepRef string) ([]domain.Finding, error) {
	out := make([]domain.Finding, 0, len(e.Findings))
	for i, entry := range e.Findings {
		f := domain.Finding{
			Severity: domain.Severity(strings.ToLower(strings.TrimSpace(entry.Severity))),
			Message:  entry.Message,
			Path:     entry.Path,
			StepRef:  stepRef,
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("findings[%d]: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}
