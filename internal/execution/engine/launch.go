package engine

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/dispatch"
	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/execution/envelope"
	"github.com/veriflow-labs/veriflow-go/internal/execution/validators"
	"github.com/veriflow-labs/veriflow-go/internal/signal"
	"github.com/veriflow-labs/veriflow-go/internal/storage/objectstore"
	"github.com/veriflow-labs/veriflow-go/internal/workflow"
)

// LaunchRun persists the submission, pins the workflow definition to a new
// run, and advances it until it suspends on a dispatch or reaches a
// terminal state.
func (e *Engine) LaunchRun(ctx context.Context, sub domain.Submission, workflowSpec []byte) (domain.ValidationRun, error) {
	wf, err := workflow.ParseSpec(workflowSpec)
	if err != nil {
		return domain.ValidationRun{}, err
	}
	if err := e.submissions.Create(ctx, sub); err != nil {
		return domain.ValidationRun{}, err
	}

	now := e.now()
	run := domain.ValidationRun{
		ID:            uuid.NewString(),
		WorkflowSlug:  wf.Slug,
		SubmissionID:  sub.ID,
		Status:        domain.RunRunning,
		CorrelationID: uuid.NewString(),
		CreatedAt:     now,
		StartedAt:     now,
	}
	if err := e.runs.CreateRun(ctx, run, workflowSpec); err != nil {
		return domain.ValidationRun{}, err
	}

	steps := make([]domain.ValidationStepRun, 0, len(wf.Steps))
	for _, ws := range wf.Steps {
		steps = append(steps, domain.ValidationStepRun{
			RunID:        run.ID,
			StepIndex:    ws.Index,
			ValidatorRef: ws.ValidatorRef,
			Status:       domain.StepPending,
		})
	}
	if err := e.steps.CreateSteps(ctx, steps); err != nil {
		return domain.ValidationRun{}, err
	}

	release := e.locks.acquire(run.ID)
	defer release()
	if err := e.advance(ctx, run, wf, sub); err != nil {
		return domain.ValidationRun{}, err
	}
	return e.runs.GetRun(ctx, run.ID)
}

// advance processes pending steps in ascending index order until the run
// suspends on an external dispatch or every step is terminal. Caller must
// hold the run lock.
func (e *Engine) advance(ctx context.Context, run domain.ValidationRun, wf domain.Workflow, sub domain.Submission) error {
	steps, err := e.steps.ListByRun(ctx, run.ID)
	if err != nil {
		return err
	}

	halted := hasBlockedStep(steps) && !wf.ContinueOnFailure
	for _, step := range steps {
		switch {
		case step.Status == domain.StepRunning:
			// Waiting on a callback; the run yields here.
			return nil
		case step.Status.Terminal():
			continue
		case halted:
			if err := e.skipStep(ctx, step); err != nil {
				return err
			}
		default:
			outcome, err := e.processStep(ctx, run, wf, sub, step)
			if err != nil {
				return err
			}
			if outcome == stepSuspended {
				return nil
			}
			if outcome == stepBlocked && !wf.ContinueOnFailure {
				halted = true
			}
		}
	}
	return e.finalize(ctx, run.ID)
}

type stepOutcome int

const (
	stepCompleted stepOutcome = iota
	stepBlocked
	stepSuspended
)

func hasBlockedStep(steps []domain.ValidationStepRun) bool {
	for _, step := range steps {
		if step.Status == domain.StepFailed {
			return true
		}
	}
	return false
}

func (e *Engine) processStep(ctx context.Context, run domain.ValidationRun, wf domain.Workflow, sub domain.Submission, step domain.ValidationStepRun) (stepOutcome, error) {
	vdef, ok := wf.ValidatorBySlug(step.ValidatorRef)
	if !ok {
		return stepBlocked, e.failStep(ctx, step, domain.ErrorCategorySystemError,
			fmt.Sprintf("validator %q is not defined in the workflow", step.ValidatorRef))
	}
	wfStep, _ := wf.StepByIndex(step.StepIndex)

	inputDefs := vdef.SignalsForStage(domain.StageInput)
	res, resolveErr := resolveSubmission(sub, inputDefs)
	if resolveErr != nil {
		return stepBlocked, e.failStep(ctx, step, "", resolveErr.Error())
	}
	if missing := res.MissingRequired(inputDefs); len(missing) > 0 {
		return stepBlocked, e.failMissingSignals(ctx, run, step, missing)
	}

	preResults := e.evaluator.EvaluateAll(vdef.DefaultAssertions, wfStep.Assertions, domain.StageInput, res)
	if err := e.appendResults(ctx, run.ID, step, preResults); err != nil {
		return stepCompleted, err
	}
	if anyBlocking(preResults) {
		// Blocking pre-assertion failure short-circuits: no job is created.
		return stepBlocked, e.completeStep(ctx, step, domain.StepFailed, "")
	}

	if vdef.Kind.Dispatched() {
		return e.dispatchStep(ctx, run, sub, vdef, wfStep, step, res)
	}
	return e.scoreLocalStep(ctx, run, sub, vdef, wfStep, step)
}

// resolveSubmission parses the payload and resolves the input signal set. An
// unparsable payload is not fatal; every signal simply resolves missing so
// document validators can still report it.
func resolveSubmission(sub domain.Submission, defs []domain.Signal) (signal.Resolution, error) {
	doc, err := signal.Parse(sub.ContentType, sub.Payload)
	if err != nil {
		res := signal.Resolution{Values: map[string]any{}}
		for _, def := range defs {
			res.Missing = append(res.Missing, def.Slug)
		}
		return res, nil
	}
	return signal.ResolveSet(doc, defs)
}

func (e *Engine) scoreLocalStep(ctx context.Context, run domain.ValidationRun, sub domain.Submission, vdef domain.ValidatorDef, wfStep domain.WorkflowStep, step domain.ValidationStepRun) (stepOutcome, error) {
	exec, err := e.registry.Lookup(vdef.Kind)
	if err != nil {
		return stepBlocked, e.failStep(ctx, step, domain.ErrorCategorySystemError, err.Error())
	}

	result, err := exec.Execute(ctx, validators.Request{
		RunID:      run.ID,
		StepIndex:  step.StepIndex,
		Submission: sub,
		Config:     vdef.Config,
	})
	if err != nil {
		category := result.ErrorCategory
		if category == "" {
			category = domain.ErrorCategoryValidationException
		}
		return stepBlocked, e.failStep(ctx, step, category, err.Error())
	}

	ref := stepRef(run.ID, step.StepIndex)
	contentErrors := false
	for i := range result.Findings {
		result.Findings[i].StepRef = ref
		if result.Findings[i].Severity == domain.SeverityError {
			contentErrors = true
		}
	}
	if len(result.Findings) > 0 {
		if err := e.findings.Append(ctx, run.ID, result.Findings); err != nil {
			return stepCompleted, err
		}
	}

	outputDefs := vdef.SignalsForStage(domain.StageOutput)
	outRes, err := signal.ResolveMap(result.OutputSignals, outputDefs)
	if err != nil {
		return stepBlocked, e.failStep(ctx, step, "", err.Error())
	}
	if missing := outRes.MissingRequired(outputDefs); len(missing) > 0 {
		return stepBlocked, e.failMissingSignals(ctx, run, step, missing)
	}
	postResults := e.evaluator.EvaluateAll(vdef.DefaultAssertions, wfStep.Assertions, domain.StageOutput, outRes)
	if err := e.appendResults(ctx, run.ID, step, postResults); err != nil {
		return stepCompleted, err
	}

	if anyBlocking(postResults) || contentErrors {
		return stepBlocked, e.completeStep(ctx, step, domain.StepFailed, "")
	}
	return stepCompleted, e.completeStep(ctx, step, domain.StepPassed, "")
}

func (e *Engine) dispatchStep(ctx context.Context, run domain.ValidationRun, sub domain.Submission, vdef domain.ValidatorDef, wfStep domain.WorkflowStep, step domain.ValidationStepRun, res signal.Resolution) (stepOutcome, error) {
	callbackID := uuid.NewString()
	now := e.now()
	deadline := now.Add(e.deadline)
	if wfStep.DeadlineSeconds > 0 {
		deadline = now.Add(time.Duration(wfStep.DeadlineSeconds) * time.Second)
	}

	stepID := strconv.Itoa(step.StepIndex)
	inputRef := objectstore.InputKey(run.ID, stepID, payloadName(sub.ContentType))
	outputRef := objectstore.OutputPrefix(run.ID, stepID)

	if e.store != nil {
		err := e.store.Put(ctx, e.bucket, inputRef, bytes.NewReader(sub.Payload), int64(len(sub.Payload)), sub.ContentType)
		if err != nil {
			return stepBlocked, e.failStep(ctx, step, domain.ErrorCategorySystemError,
				fmt.Sprintf("stage step input: %v", err))
		}
	}

	env := envelope.InputEnvelope{
		EnvelopeVersion:  envelope.Version,
		RunCorrelationID: run.CorrelationID,
		CallbackID:       callbackID,
		StepID:           stepRef(run.ID, step.StepIndex),
		Signals:          res.Values,
		StorageInputRef:  inputRef,
		StorageOutputRef: outputRef,
		Deadline:         deadline,
	}
	data, err := envelope.EncodeInput(env)
	if err != nil {
		return stepBlocked, e.failStep(ctx, step, domain.ErrorCategorySystemError, err.Error())
	}

	_, err = e.dispatcher.Dispatch(ctx, dispatch.Request{
		RunID:           run.ID,
		StepIndex:       step.StepIndex,
		CallbackID:      callbackID,
		CorrelationID:   run.CorrelationID,
		ValidatorKind:   vdef.Kind,
		ValidatorConfig: vdef.Config,
		Resources:       wfStep.Resources,
		Envelope:        data,
		Deadline:        deadline,
	})
	if err != nil {
		// Substrate rejection is a system error, distinct from a job that
		// ran and failed. No automatic retry.
		e.logger.Error("dispatch rejected",
			"run_id", run.ID,
			"step_index", step.StepIndex,
			"correlation_id", run.CorrelationID,
			"error", err)
		return stepBlocked, e.failStep(ctx, step, domain.ErrorCategorySystemError, err.Error())
	}

	step.Status = domain.StepRunning
	step.CallbackID = callbackID
	step.DispatchedAt = &now
	step.Deadline = &deadline
	if err := e.steps.UpdateStep(ctx, step); err != nil {
		return stepCompleted, err
	}
	e.logger.Info("step dispatched",
		"run_id", run.ID,
		"step_index", step.StepIndex,
		"callback_id", callbackID,
		"deadline", deadline)
	return stepSuspended, nil
}

func payloadName(contentType string) string {
	if contentType == domain.ContentTypeXML {
		return "payload.xml"
	}
	return "payload.json"
}

func anyBlocking(results []assertion.Result) bool {
	for _, r := range results {
		if r.Blocking() {
			return true
		}
	}
	return false
}

func (e *Engine) appendResults(ctx context.Context, runID string, step domain.ValidationStepRun, results []assertion.Result) error {
	ref := stepRef(runID, step.StepIndex)
	findings := make([]domain.Finding, 0, len(results))
	for _, r := range results {
		if f, ok := r.Finding(ref); ok {
			findings = append(findings, f)
		}
	}
	if len(findings) == 0 {
		return nil
	}
	return e.findings.Append(ctx, runID, findings)
}

func (e *Engine) failStep(ctx context.Context, step domain.ValidationStepRun, category domain.ErrorCategory, message string) error {
	if message != "" {
		finding := domain.Finding{
			Severity: domain.SeverityError,
			Message:  message,
			StepRef:  stepRef(step.RunID, step.StepIndex),
		}
		if err := e.findings.Append(ctx, step.RunID, []domain.Finding{finding}); err != nil {
			return err
		}
	}
	return e.completeStep(ctx, step, domain.StepFailed, category)
}

// failMissingSignals fails the step as a content problem, one finding per
// required signal the stage could not resolve.
func (e *Engine) failMissingSignals(ctx context.Context, run domain.ValidationRun, step domain.ValidationStepRun, missing []string) error {
	ref := stepRef(run.ID, step.StepIndex)
	findings := make([]domain.Finding, 0, len(missing))
	for _, slug := range missing {
		findings = append(findings, domain.Finding{
			Severity: domain.SeverityError,
			Message:  fmt.Sprintf("required signal %q could not be resolved", slug),
			Path:     slug,
			StepRef:  ref,
		})
	}
	if err := e.findings.Append(ctx, run.ID, findings); err != nil {
		return err
	}
	return e.completeStep(ctx, step, domain.StepFailed, "")
}

func (e *Engine) completeStep(ctx context.Context, step domain.ValidationStepRun, status domain.StepStatus, category domain.ErrorCategory) error {
	now := e.now()
	step.Status = status
	if category != "" {
		step.ErrorCategory = category
	}
	step.CompletedAt = &now
	return e.steps.UpdateStep(ctx, step)
}

func (e *Engine) skipStep(ctx context.Context, step domain.ValidationStepRun) error {
	now := e.now()
	step.Status = domain.StepSkipped
	step.CompletedAt = &now
	return e.steps.UpdateStep(ctx, step)
}

// finalize derives the terminal run status once no step remains open. The
// result is computed, never stored independently of the steps.
func (e *Engine) finalize(ctx context.Context, runID string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	steps, err := e.steps.ListByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if !step.Status.Terminal() {
			return nil
		}
	}

	status := domain.RunSucceeded
	var category domain.ErrorCategory
	for _, step := range steps {
		if step.Status != domain.StepFailed {
			continue
		}
		if category == "" {
			category = step.ErrorCategory
		}
		if step.ErrorCategory == domain.ErrorCategoryTimeout {
			status = domain.RunTimedOut
			category = domain.ErrorCategoryTimeout
			break
		}
		status = domain.RunFailed
	}
	if run.CancelRequested {
		status = domain.RunCanceled
		category = ""
	}

	if !domain.CanTransitionRun(run.Status, status) {
		return fmt.Errorf("run %s: illegal transition %s -> %s", runID, run.Status, status)
	}
	now := e.now()
	if err := e.runs.UpdateRunStatus(ctx, runID, status, category, &now); err != nil {
		return err
	}
	e.logger.Info("run finalized",
		"run_id", runID,
		"status", status,
		"correlation_id", run.CorrelationID)
	return nil
}
