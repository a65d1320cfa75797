// Package engine owns the validation run lifecycle: launching runs,
// sequencing steps, dispatching external jobs, applying callbacks, and
// deriving terminal run state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/dispatch"
	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/execution/validators"
	"github.com/veriflow-labs/veriflow-go/internal/repo"
	"github.com/veriflow-labs/veriflow-go/internal/storage/objectstore"
	"github.com/veriflow-labs/veriflow-go/internal/workflow"
)

const defaultStepDeadline = 15 * time.Minute

type Config struct {
	Runs        repo.RunRepository
	Steps       repo.StepRunRepository
	Receipts    repo.ReceiptRepository
	Findings    repo.FindingRepository
	Submissions repo.SubmissionRepository
	Dispatcher  dispatch.Dispatcher
	Registry    *validators.Registry
	Evaluator   *assertion.Evaluator

	// Store and Bucket are optional; without them storage refs still point
	// at the run-scoped layout but nothing is uploaded from this process.
	Store  objectstore.Store
	Bucket string

	// StepDeadline applies when a workflow step declares none.
	StepDeadline time.Duration

	Logger *slog.Logger

	// Now is overridable for tests.
	Now func() time.Time
}

type Engine struct {
	runs        repo.RunRepository
	steps       repo.StepRunRepository
	receipts    repo.ReceiptRepository
	findings    repo.FindingRepository
	submissions repo.SubmissionRepository
	dispatcher  dispatch.Dispatcher
	registry    *validators.Registry
	evaluator   *assertion.Evaluator
	store       objectstore.Store
	bucket      string
	deadline    time.Duration
	logger      *slog.Logger
	now         func() time.Time
	locks       *runLocks
}

func New(cfg Config) (*Engine, error) {
	if cfg.Runs == nil || cfg.Steps == nil || cfg.Receipts == nil || cfg.Findings == nil || cfg.Submissions == nil {
		return nil, errors.New("all repositories are required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("validator registry is required")
	}
	if cfg.Evaluator == nil {
		return nil, errors.New("assertion evaluator is required")
	}
	deadline := cfg.StepDeadline
	if deadline <= 0 {
		deadline = defaultStepDeadline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		runs:        cfg.Runs,
		steps:       cfg.Steps,
		receipts:    cfg.Receipts,
		findings:    cfg.Findings,
		submissions: cfg.Submissions,
		dispatcher:  cfg.Dispatcher,
		registry:    cfg.Registry,
		evaluator:   cfg.Evaluator,
		store:       cfg.Store,
		bucket:      cfg.Bucket,
		deadline:    deadline,
		logger:      logger,
		now:         now,
		locks:       newRunLocks(),
	}, nil
}

// RunState is the externally visible view of a run.
type RunState struct {
	Run      domain.ValidationRun
	Steps    []domain.ValidationStepRun
	Findings []domain.Finding
}

// GetRun returns the run with its steps and accumulated findings.
func (e *Engine) GetRun(ctx context.Context, runID string) (RunState, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return RunState{}, err
	}
	steps, err := e.steps.ListByRun(ctx, runID)
	if err != nil {
		return RunState{}, err
	}
	findings, err := e.findings.ListByRun(ctx, runID)
	if err != nil {
		return RunState{}, err
	}
	return RunState{Run: run, Steps: steps, Findings: findings}, nil
}

// runContext reloads everything callback handling needs from persisted
// state, so process restarts never lose in-flight runs.
func (e *Engine) runContext(ctx context.Context, runID string) (domain.ValidationRun, domain.Workflow, domain.Submission, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return domain.ValidationRun{}, domain.Workflow{}, domain.Submission{}, err
	}
	spec, err := e.runs.GetWorkflowSpec(ctx, runID)
	if err != nil {
		return domain.ValidationRun{}, domain.Workflow{}, domain.Submission{}, err
	}
	wf, err := workflow.ParseSpec(spec)
	if err != nil {
		return domain.ValidationRun{}, domain.Workflow{}, domain.Submission{}, fmt.Errorf("reload workflow for run %s: %w", runID, err)
	}
	sub, err := e.submissions.Get(ctx, run.SubmissionID)
	if err != nil {
		return domain.ValidationRun{}, domain.Workflow{}, domain.Submission{}, err
	}
	return run, wf, sub, nil
}

func stepRef(runID string, stepIndex int) string {
	return fmt.Sprintf("%s/%d", runID, stepIndex)
}
