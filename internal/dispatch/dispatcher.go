// Package dispatch submits step jobs to the external execution substrate.
package dispatch

import (
	"context"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

// Request is one dispatch attempt for a single step. CallbackID is minted
// fresh per attempt by the engine, never reused.
type Request struct {
	RunID           string
	StepIndex       int
	CallbackID      string
	CorrelationID   string
	ValidatorKind   domain.ValidatorKind
	ValidatorConfig domain.Metadata
	Resources       domain.Metadata
	Envelope        []byte
	Deadline        time.Time
}

// Handle identifies the submitted job.
type Handle struct {
	CallbackID string
	JobName    string
}

// Dispatcher submits jobs. A returned error means the substrate rejected
// the submission; the engine records SYSTEM_ERROR and never retries on its
// own.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Handle, error)
}
