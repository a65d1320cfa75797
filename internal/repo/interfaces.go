package repo

import (
	"context"
	"errors"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type RunFilter struct {
	WorkflowSlug string
	Status       domain.RunStatus
	Limit        int
}

// SubmissionRepository stores immutable submission payloads.
type SubmissionRepository interface {
	Create(ctx context.Context, submission domain.Submission) error
	Get(ctx context.Context, id string) (domain.Submission, error)
}

// RunRepository manages validation run state. The workflow definition is
// pinned to the run at creation so callback handling never depends on a
// mutable catalog.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.ValidationRun, workflowSpec []byte) error
	GetRun(ctx context.Context, id string) (domain.ValidationRun, error)
	GetWorkflowSpec(ctx context.Context, id string) ([]byte, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.ValidationRun, error)
	UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, category domain.ErrorCategory, endedAt *time.Time) error
	MarkCancelRequested(ctx context.Context, id string) error
}

// StepRunRepository manages per-step sub-runs, including the persisted
// continuation for dispatched steps.
type StepRunRepository interface {
	CreateSteps(ctx context.Context, steps []domain.ValidationStepRun) error
	GetStep(ctx context.Context, runID string, stepIndex int) (domain.ValidationStepRun, error)
	GetStepByCallbackID(ctx context.Context, callbackID string) (domain.ValidationStepRun, error)
	ListByRun(ctx context.Context, runID string) ([]domain.ValidationStepRun, error)
	UpdateStep(ctx context.Context, step domain.ValidationStepRun) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.ValidationStepRun, error)
}

// ReceiptRepository is the idempotency guard for callback processing.
type ReceiptRepository interface {
	// Insert records the receipt, returning false without error when a
	// receipt for the callback id already exists.
	Insert(ctx context.Context, receipt domain.CallbackReceipt) (bool, error)
	Get(ctx context.Context, callbackID string) (domain.CallbackReceipt, error)
	// DeleteOlderThan is the time-based retention sweep.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// FindingRepository is append-only.
type FindingRepository interface {
	Append(ctx context.Context, runID string, findings []domain.Finding) error
	ListByRun(ctx context.Context, runID string) ([]domain.Finding, error)
}
