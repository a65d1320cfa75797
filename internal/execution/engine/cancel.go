package engine

import (
	"context"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

// Cancel requests run cancellation. With no dispatch in flight the run
// finalizes to CANCELED immediately; otherwise the intent is latched and
// the next callback or deadline expiry finalizes it.
func (e *Engine) Cancel(ctx context.Context, runID string) (domain.ValidationRun, error) {
	release := e.locks.acquire(runID)
	defer release()

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return domain.ValidationRun{}, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	if err := e.runs.MarkCancelRequested(ctx, runID); err != nil {
		return domain.ValidationRun{}, err
	}

	steps, err := e.steps.ListByRun(ctx, runID)
	if err != nil {
		return domain.ValidationRun{}, err
	}
	inFlight := false
	for _, step := range steps {
		if step.Status == domain.StepRunning {
			inFlight = true
			break
		}
	}
	if !inFlight {
		if err := e.skipOpenSteps(ctx, runID); err != nil {
			return domain.ValidationRun{}, err
		}
		if err := e.finalize(ctx, runID); err != nil {
			return domain.ValidationRun{}, err
		}
	}
	return e.runs.GetRun(ctx, runID)
}

// ExpireDeadlines fails every dispatched step whose deadline passed without
// a callback and settles the owning runs. Returns the number of steps
// expired.
func (e *Engine) ExpireDeadlines(ctx context.Context) (int, error) {
	expired, err := e.steps.ListExpired(ctx, e.now(), 100)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, step := range expired {
		if err := e.expireStep(ctx, step); err != nil {
			e.logger.Error("expire step",
				"run_id", step.RunID,
				"step_index", step.StepIndex,
				"error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (e *Engine) expireStep(ctx context.Context, step domain.ValidationStepRun) error {
	release := e.locks.acquire(step.RunID)
	defer release()

	// Re-read under the lock; a callback may have resolved the step.
	current, err := e.steps.GetStep(ctx, step.RunID, step.StepIndex)
	if err != nil {
		return err
	}
	if current.Status != domain.StepRunning {
		return nil
	}

	run, wf, sub, err := e.runContext(ctx, step.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	e.logger.Warn("step deadline exceeded",
		"run_id", run.ID,
		"step_index", current.StepIndex,
		"callback_id", current.CallbackID,
		"correlation_id", run.CorrelationID)
	if err := e.failStep(ctx, current, domain.ErrorCategoryTimeout,
		"no callback received before the step deadline"); err != nil {
		return err
	}

	if run.CancelRequested {
		if err := e.skipOpenSteps(ctx, run.ID); err != nil {
			return err
		}
		return e.finalize(ctx, run.ID)
	}
	return e.advance(ctx, run, wf, sub)
}

// PurgeReceipts is the time-based retention sweep over callback receipts.
func (e *Engine) PurgeReceipts(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	return e.receipts.DeleteOlderThan(ctx, e.now().Add(-retention))
}
