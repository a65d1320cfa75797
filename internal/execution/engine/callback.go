package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/execution/envelope"
	"github.com/veriflow-labs/veriflow-go/internal/repo"
	"github.com/veriflow-labs/veriflow-go/internal/signal"
)

type CallbackOutcome string

const (
	CallbackAccepted         CallbackOutcome = "accepted"
	CallbackDuplicateIgnored CallbackOutcome = "duplicate_ignored"
	CallbackRejected         CallbackOutcome = "rejected"
)

type CallbackResult struct {
	Outcome    CallbackOutcome
	RunID      string
	CallbackID string
	Reason     string
}

// HandleCallback applies one output envelope from the execution substrate.
// Rejection never mutates run state; duplicates are absorbed via the
// receipt guard; the first accepted delivery is applied exactly once.
func (e *Engine) HandleCallback(ctx context.Context, payload []byte) (CallbackResult, error) {
	env, err := envelope.DecodeOutput(payload)
	if err != nil {
		e.logger.Warn("callback rejected", "reason", err.Error())
		return CallbackResult{Outcome: CallbackRejected, Reason: err.Error()}, nil
	}

	step, err := e.steps.GetStepByCallbackID(ctx, env.CallbackID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.logger.Warn("callback rejected",
				"callback_id", env.CallbackID,
				"reason", "no matching dispatch record")
			return CallbackResult{
				Outcome:    CallbackRejected,
				CallbackID: env.CallbackID,
				Reason:     "no matching dispatch record",
			}, nil
		}
		return CallbackResult{}, err
	}

	release := e.locks.acquire(step.RunID)
	defer release()

	run, wf, sub, err := e.runContext(ctx, step.RunID)
	if err != nil {
		return CallbackResult{}, err
	}

	// Dedupe first: a receipt means this callback id was fully processed
	// once already, even if the run has finalized since.
	if _, err := e.receipts.Get(ctx, env.CallbackID); err == nil {
		e.logger.Info("duplicate callback ignored",
			"run_id", run.ID,
			"callback_id", env.CallbackID,
			"correlation_id", run.CorrelationID)
		return CallbackResult{
			Outcome:    CallbackDuplicateIgnored,
			RunID:      run.ID,
			CallbackID: env.CallbackID,
		}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return CallbackResult{}, err
	}

	// A terminal run accepts no further transitions; unreceipted late
	// callbacks are logged and discarded.
	if run.Status.Terminal() {
		e.logger.Warn("late callback for terminal run discarded",
			"run_id", run.ID,
			"callback_id", env.CallbackID,
			"run_status", run.Status,
			"correlation_id", run.CorrelationID)
		return CallbackResult{
			Outcome:    CallbackRejected,
			RunID:      run.ID,
			CallbackID: env.CallbackID,
			Reason:     "run already terminal",
		}, nil
	}

	if step.Status != domain.StepRunning {
		// The deadline sweep resolved the step before the job reported.
		e.logger.Warn("callback for resolved step discarded",
			"run_id", run.ID,
			"callback_id", env.CallbackID,
			"step_status", step.Status)
		return CallbackResult{
			Outcome:    CallbackRejected,
			RunID:      run.ID,
			CallbackID: env.CallbackID,
			Reason:     "step already resolved",
		}, nil
	}

	if err := e.applyOutput(ctx, run, wf, step, env); err != nil {
		return CallbackResult{}, err
	}

	if run.CancelRequested {
		if err := e.skipOpenSteps(ctx, run.ID); err != nil {
			return CallbackResult{}, err
		}
		if err := e.finalize(ctx, run.ID); err != nil {
			return CallbackResult{}, err
		}
	} else if err := e.advance(ctx, run, wf, sub); err != nil {
		return CallbackResult{}, err
	}

	// The receipt commits last. A failure anywhere above leaves no
	// receipt, so the substrate's redelivery is either reprocessed or
	// rejected against the step state, never silently absorbed with the
	// effects lost.
	sum := sha256.Sum256(payload)
	if _, err := e.receipts.Insert(ctx, domain.CallbackReceipt{
		CallbackID:  env.CallbackID,
		RunID:       run.ID,
		StepIndex:   step.StepIndex,
		ReceivedAt:  e.now(),
		PayloadHash: hex.EncodeToString(sum[:]),
	}); err != nil {
		return CallbackResult{}, err
	}

	return CallbackResult{
		Outcome:    CallbackAccepted,
		RunID:      run.ID,
		CallbackID: env.CallbackID,
	}, nil
}

func (e *Engine) applyOutput(ctx context.Context, run domain.ValidationRun, wf domain.Workflow, step domain.ValidationStepRun, env envelope.OutputEnvelope) error {
	ref := stepRef(run.ID, step.StepIndex)

	findings, err := env.DomainFindings(ref)
	if err != nil {
		return err
	}
	contentErrors := false
	for _, f := range findings {
		if f.Severity == domain.SeverityError {
			contentErrors = true
		}
	}
	if len(findings) > 0 {
		if err := e.findings.Append(ctx, run.ID, findings); err != nil {
			return err
		}
	}

	if env.Status == envelope.StatusError {
		return e.completeStep(ctx, step, domain.StepFailed, domain.NormalizeErrorCategory(env.ErrorCategory))
	}

	vdef, ok := wf.ValidatorBySlug(step.ValidatorRef)
	if !ok {
		return e.failStep(ctx, step, domain.ErrorCategorySystemError,
			"validator definition missing for dispatched step")
	}
	wfStep, _ := wf.StepByIndex(step.StepIndex)

	outputDefs := vdef.SignalsForStage(domain.StageOutput)
	outRes, err := signal.ResolveMap(env.OutputSignals, outputDefs)
	if err != nil {
		return e.failStep(ctx, step, "", err.Error())
	}
	if missing := outRes.MissingRequired(outputDefs); len(missing) > 0 {
		return e.failMissingSignals(ctx, run, step, missing)
	}
	postResults := e.evaluator.EvaluateAll(vdef.DefaultAssertions, wfStep.Assertions, domain.StageOutput, outRes)
	if err := e.appendResults(ctx, run.ID, step, postResults); err != nil {
		return err
	}

	if anyBlocking(postResults) || contentErrors {
		return e.completeStep(ctx, step, domain.StepFailed, "")
	}
	return e.completeStep(ctx, step, domain.StepPassed, "")
}

func (e *Engine) skipOpenSteps(ctx context.Context, runID string) error {
	steps, err := e.steps.ListByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if !step.Status.Terminal() && step.Status != domain.StepRunning {
			if err := e.skipStep(ctx, step); err != nil {
				return err
			}
		}
	}
	return nil
}
