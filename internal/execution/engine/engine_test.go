package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/dispatch"
	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/execution/validators"
	"github.com/veriflow-labs/veriflow-go/internal/repo"
)

// memStore backs every repository interface in memory for engine tests.
type memStore struct {
	mu       sync.Mutex
	runs     map[string]domain.ValidationRun
	specs    map[string][]byte
	steps    map[string][]domain.ValidationStepRun
	receipts map[string]domain.CallbackReceipt
	findings map[string][]domain.Finding
	subs     map[string]domain.Submission
}

func newMemStore() *memStore {
	return &memStore{
		runs:     make(map[string]domain.ValidationRun),
		specs:    make(map[string][]byte),
		steps:    make(map[string][]domain.ValidationStepRun),
		receipts: make(map[string]domain.CallbackReceipt),
		findings: make(map[string][]domain.Finding),
		subs:     make(map[string]domain.Submission),
	}
}

func (m *memStore) Create(_ context.Context, sub domain.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return domain.Submission{}, repo.ErrNotFound
	}
	return sub, nil
}

func (m *memStore) CreateRun(_ context.Context, run domain.ValidationRun, spec []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	m.specs[run.ID] = spec
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (domain.ValidationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return domain.ValidationRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (m *memStore) GetWorkflowSpec(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.specs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return spec, nil
}

func (m *memStore) ListRuns(_ context.Context, _ repo.RunFilter) ([]domain.ValidationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ValidationRun, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run)
	}
	return out, nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, id string, status domain.RunStatus, category domain.ErrorCategory, endedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.Status = status
	run.ErrorCategory = category
	run.EndedAt = endedAt
	m.runs[id] = run
	return nil
}

func (m *memStore) MarkCancelRequested(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.CancelRequested = true
	m.runs[id] = run
	return nil
}

func (m *memStore) CreateSteps(_ context.Context, steps []domain.ValidationStepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, step := range steps {
		m.steps[step.RunID] = append(m.steps[step.RunID], step)
	}
	return nil
}

func (m *memStore) GetStep(_ context.Context, runID string, stepIndex int) (domain.ValidationStepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, step := range m.steps[runID] {
		if step.StepIndex == stepIndex {
			return step, nil
		}
	}
	return domain.ValidationStepRun{}, repo.ErrNotFound
}

func (m *memStore) GetStepByCallbackID(_ context.Context, callbackID string) (domain.ValidationStepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, steps := range m.steps {
		for _, step := range steps {
			if step.CallbackID == callbackID {
				return step, nil
			}
		}
	}
	return domain.ValidationStepRun{}, repo.ErrNotFound
}

func (m *memStore) ListByRun(_ context.Context, runID string) ([]domain.ValidationStepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := make([]domain.ValidationStepRun, len(m.steps[runID]))
	copy(steps, m.steps[runID])
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })
	return steps, nil
}

func (m *memStore) UpdateStep(_ context.Context, updated domain.ValidationStepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[updated.RunID]
	for i, step := range steps {
		if step.StepIndex == updated.StepIndex {
			steps[i] = updated
			return nil
		}
	}
	return repo.ErrNotFound
}

func (m *memStore) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.ValidationStepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ValidationStepRun, 0)
	for _, steps := range m.steps {
		for _, step := range steps {
			if step.Status == domain.StepRunning && step.Deadline != nil && step.Deadline.Before(now) {
				out = append(out, step)
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Insert(_ context.Context, receipt domain.CallbackReceipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[receipt.CallbackID]; ok {
		return false, nil
	}
	m.receipts[receipt.CallbackID] = receipt
	return true, nil
}

func (m *memStore) GetReceipt(_ context.Context, callbackID string) (domain.CallbackReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, ok := m.receipts[callbackID]
	if !ok {
		return domain.CallbackReceipt{}, repo.ErrNotFound
	}
	return receipt, nil
}

func (m *memStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, receipt := range m.receipts {
		if receipt.ReceivedAt.Before(cutoff) {
			delete(m.receipts, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) Append(_ context.Context, runID string, findings []domain.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings[runID] = append(m.findings[runID], findings...)
	return nil
}

func (m *memStore) ListFindings(runID string) []domain.Finding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Finding, len(m.findings[runID]))
	copy(out, m.findings[runID])
	return out
}

// findingRepo adapts memStore to the FindingRepository interface without
// colliding with the receipt Get method.
type findingRepo struct{ m *memStore }

func (f findingRepo) Append(ctx context.Context, runID string, findings []domain.Finding) error {
	return f.m.Append(ctx, runID, findings)
}

func (f findingRepo) ListByRun(_ context.Context, runID string) ([]domain.Finding, error) {
	return f.m.ListFindings(runID), nil
}

// flakyFindingRepo fails a fixed number of Append calls before delegating,
// mimicking a transient database error during callback processing.
type flakyFindingRepo struct {
	inner    findingRepo
	failures int
}

func (r *flakyFindingRepo) Append(ctx context.Context, runID string, findings []domain.Finding) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("connection reset by peer")
	}
	return r.inner.Append(ctx, runID, findings)
}

func (r *flakyFindingRepo) ListByRun(ctx context.Context, runID string) ([]domain.Finding, error) {
	return r.inner.ListByRun(ctx, runID)
}

type receiptRepo struct{ m *memStore }

func (r receiptRepo) Insert(ctx context.Context, receipt domain.CallbackReceipt) (bool, error) {
	return r.m.Insert(ctx, receipt)
}

func (r receiptRepo) Get(ctx context.Context, callbackID string) (domain.CallbackReceipt, error) {
	return r.m.GetReceipt(ctx, callbackID)
}

func (r receiptRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.m.DeleteOlderThan(ctx, cutoff)
}

type stepRepo struct{ m *memStore }

func (s stepRepo) CreateSteps(ctx context.Context, steps []domain.ValidationStepRun) error {
	return s.m.CreateSteps(ctx, steps)
}

func (s stepRepo) GetStep(ctx context.Context, runID string, idx int) (domain.ValidationStepRun, error) {
	return s.m.GetStep(ctx, runID, idx)
}

func (s stepRepo) GetStepByCallbackID(ctx context.Context, id string) (domain.ValidationStepRun, error) {
	return s.m.GetStepByCallbackID(ctx, id)
}

func (s stepRepo) ListByRun(ctx context.Context, runID string) ([]domain.ValidationStepRun, error) {
	return s.m.ListByRun(ctx, runID)
}

func (s stepRepo) UpdateStep(ctx context.Context, step domain.ValidationStepRun) error {
	return s.m.UpdateStep(ctx, step)
}

func (s stepRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.ValidationStepRun, error) {
	return s.m.ListExpired(ctx, now, limit)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T, dispatcher dispatch.Dispatcher) (*Engine, *memStore, *fakeClock) {
	t.Helper()
	store := newMemStore()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	evaluator, err := assertion.NewEvaluator(0)
	if err != nil {
		t.Fatalf("NewEvaluator() err=%v", err)
	}
	eng, err := New(Config{
		Runs:        store,
		Steps:       stepRepo{store},
		Receipts:    receiptRepo{store},
		Findings:    findingRepo{store},
		Submissions: store,
		Dispatcher:  dispatcher,
		Registry:    validators.NewRegistry(),
		Evaluator:   evaluator,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return eng, store, clock
}

const localWorkflow = `
schema: veriflow.workflow.v1
slug: eui-check
validators:
  - slug: model-check
    kind: json_document
    signals:
      - slug: site_eui_kwh_m2
        stage: input
        type: number
        required: true
      - slug: target_eui_kwh_m2
        stage: input
        type: number
        required: true
steps:
  - index: 0
    validator: model-check
    assertions:
      - stage: input
        expression: site_eui_kwh_m2 < target_eui_kwh_m2
`

const dispatchWorkflow = `
schema: veriflow.workflow.v1
slug: annual-sim
validators:
  - slug: sim
    kind: energy_model
    config:
      image: veriflow/energyplus@sha256:0000000000000000000000000000000000000000000000000000000000000000
    signals:
      - slug: site_eui_kwh_m2
        stage: input
        type: number
        required: true
      - slug: annual_kwh
        stage: output
        type: number
        required: true
steps:
  - index: 0
    validator: sim
    deadline_seconds: 600
    assertions:
      - stage: output
        target: annual_kwh
        operator: lt
        parameters:
          value: 500000
`

const stagedWorkflow = `
schema: veriflow.workflow.v1
slug: eui-staged
validators:
  - slug: model-check
    kind: json_document
    signals:
      - slug: site_eui_kwh_m2
        stage: input
        type: number
        required: true
steps:
  - index: 0
    validator: model-check
    assertions:
      - stage: input
        expression: site_eui_kwh_m2 < 100
  - index: 1
    validator: model-check
    assertions:
      - stage: input
        expression: site_eui_kwh_m2 > 0
`

const stagedContinueWorkflow = `
schema: veriflow.workflow.v1
slug: eui-staged-continue
continue_on_failure: true
validators:
  - slug: model-check
    kind: json_document
    signals:
      - slug: site_eui_kwh_m2
        stage: input
        type: number
        required: true
steps:
  - index: 0
    validator: model-check
    assertions:
      - stage: input
        expression: site_eui_kwh_m2 < 100
  - index: 1
    validator: model-check
    assertions:
      - stage: input
        expression: site_eui_kwh_m2 > 0
`

func mustSubmission(t *testing.T, payload string) domain.Submission {
	t.Helper()
	sub, err := domain.NewSubmission(fmt.Sprintf("sub-%d", time.Now().UnixNano()), "", []byte(payload))
	if err != nil {
		t.Fatalf("NewSubmission() err=%v", err)
	}
	return sub
}

func TestLaunchRunLocalPass(t *testing.T) {
	eng, store, _ := newTestEngine(t, &dispatch.RecordingDispatcher{})
	run, err := eng.LaunchRun(context.Background(), mustSubmission(t, `{"site_eui_kwh_m2": 120, "target_eui_kwh_m2": 150}`), []byte(localWorkflow))
	if err != nil {
		t.Fatalf("LaunchRun() err=%v", err)
	}
	if run.Status != domain.RunSucceeded {
		t.Fatalf("Status=%s, want succeeded", run.Status)
	}
	steps, _ := store.ListByRun(context.Background(), run.ID)
	if len(steps) != 1 || steps[0].Status != domain.StepPassed {
		t.Fatalf("steps=%+v", steps)
	}
	if findings := store.ListFindings(run.ID); len(findings) != 0 {
		t.Fatalf("findings=%+v", findings)
	}
}

func TestLaunchRunLocalFail(t *testing.T) {
	eng, store, _ := newTestEngine(t, &dispatch.RecordingDispatcher{})
	run, err := eng.LaunchRun(context.Background(), mustSubmission(t, `{"site_eui_kwh_m2": 150, "target_eui_kwh_m2": 120}`), []byte(localWorkflow))
	if err != nil {
		t.Fatalf("LaunchRun() err=%v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("Status=%s, want failed", run.Status)
	}
	steps, _ := store.ListByRun(context.Background(), run.ID)
	if steps[0].Status != domain.StepFailed {
		t.Fatalf("step status=%s", steps[0].Status)
	}
	findings := store.ListFindings(run.ID)
	if len(findings) != 1 || findings[0].Severity != domain.SeverityError {
		t.Fatalf("findings=%+v", findings)
	}
}

func TestMissingRequiredSignalYieldsError(t *testing.T) {
	eng, store, _ := newTestEngine(t, &dispatch.RecordingDispatcher{})
	run, err := eng.LaunchRun(context.Background(), mustSubmission(t, `{"site_eui_kwh_m2": 120}`), []byte(localWorkflow))
	if err != nil {
		t.Fatalf("LaunchRun() err=%v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("Status=%s, want failed", run.Status)
	}
	findings := store.ListFindings(run.ID)
	if len(findings) == 0 || findings[0].Severity != domain.SeverityError {
		t.Fatalf("findings=%+v", findings)
	}
	if findings[0].Path != "target_eui_kwh_m2" {
		t.Fatalf("finding path=%q, want the unresolved slug", findings[0].Path)
	}
}

func TestMissingRequiredOutputSignalFailsStep(t *testing.T) {
	rec := &dispatch.RecordingDispatcher{}
	eng, store, _ := newTestEngine(t, rec)
	ctx := context.Background()

	run, err := eng.LaunchRun(ctx, mustSubmission(t, `{"site_eui_kwh_m2": 120}`), []byte(dispatchWorkflow))
	if err != nil {
		t.Fatalf("LaunchRun() err=%v", err)
	}
	callbackID := rec.Requests()[0].CallbackID

	payload := fmt.Sprintf(`{"envelope_version": "veriflow.envelope.v1", "callback_id": %q, "status": "SUCCESS", "output_signals": {}}`, callbackID)
	result, err := eng.HandleCallback(ctx, []byte(payload))
	if err != nil {
		t.Fatalf("HandleCallback() err=%v", err)
	}
	if result.Outcome != CallbackAccepted {
		t.Fatalf("Outcome=%s (%s), want accepted", result.Outcome, result.Reason)
	}

	steps, _ := store.ListByRun(ctx, run.ID)
	if steps[0].Status != domain.StepFailed {
		t.Fatalf("step status=%s, want failed", steps[0].Status)
	}
	findings := store.ListFindings(run.ID)
	if len(findings) != 1 || findings[0].Path != "annual_kwh" {
		t.Fatalf("findings=%+v, want one for the missing output signal", findings)
	}
	final, _ := store.GetRun(ctx, run.ID)
	if final.Status != domain.RunFailed {
		t.Fatalf("Status=%s, want failed", final.Status)
	}
}

func TestDispatchAndCallback(t *testing.T) {
	rec := &dispatch.RecordingDispatcher{}
	eng, store, _ := newTestEngine(t, rec)
	ctx := context.Background()

	run, err := eng.LaunchRun(ctx, mustSubmission(t, `{"site_eui_kwh_m2": 120}`), []byte(dispatchWorkflow))
	if err != nil {
		t.Fatalf("LaunchRun() err=%v", err)
	}
	if run.Status != domain.RunRunning {
		t.Fatalf("Status=%s, want running while dispatched", run.Status)
	}
	reqs := rec.Requests()
	if len(reqs) != 1 {
		t.Fatalf("dispatch requests=%d, want 1", len(reqs))
	}
	steps, _ := store.ListByRun(ctx, run.ID)
	if steps[0].Status != domain.StepRunning || steps[0].CallbackID != reqs[0].CallbackID {
		t.Fatalf("step=%+v", steps[0])
	}

	payload := fmt.Sprintf(`{"envelope_version": "veriflow.envelope.v1", "callback_id": %q, "status": "SUCCESS", "output_signals": {"annual_kwh": 412000}}`, reqs[0].CallbackID)
	result, err := eng.HandleCallback(ctx, []byte(payload))
	if err != nil {
		t.Fatalf("HandleCallback() err=%v", err)
	}
	if result.Outcome != CallbackAccepted {
		t.Fatalf("Outcome=%s (%s), want accepted", result.Outcome, result.Reason)
	}

	final, _ := store.GetRun(ctx, run.ID)
	if final.Status != domain.RunSucceeded {
		t.Fatalf("Status=%s, want succeeded", final.Status)
	}
}

func TestCallbackIdempotency(t *testing.T) {
	rec := &dispatch.RecordingDispatcher{}
	eng, store, _ := newTestEngine(t, rec)
	ctx := context.Background()

	run, err := eng.LaunchRun(ctx, mustSubmission(t, `{"site_eui_kwh_m2": 120}`), []byte(dispatchWorkflow))
	if err != nil {
		t.Fatalf("LaunchRun() err=%v", err)
	}
	callbackID := rec.Requests()[0].CallbackID

	// Output above the asserted threshold so the step fails with findings.
	first := fmt.Sprintf(`{"envelope_version": "veriflow.envelope.v1", "callback_id": %q, "status": "SUCCESS", "output_signals": {"annual_kwh": 700000}, "findings": [{"severity": "WARNING", "message": "unmet hours high"}]}`, callbackID)
	result, err := eng.HandleCallback(ctx, []byte(first))
	if err != nil {
		t.Fatalf("HandleCallback() err=%v", err)
	}
	if result.Outcome != CallbackAccepted {
		t.Fatalf("Outcome=%s, want accepted", result.Outcome)
	}
	applied := store.ListFindings(run.ID)

	// Same callback id, different payload bytes: must be absorbed.
	second := fmt.Sprintf(`{"envelope_version": "veriflow.envelope.v1", "callback_id": %q, "status": "SUCCESS", "output_signals": {"annual_kwh": 1}}`, callbackID)
	result, err = eng.HandleCallback(ctx, []byte(second))
	if err != nil {
		t.Fatalf("HandleCallback() err=%v", err)
	}
	if result.Outcome != CallbackDuplicateIgnored {
		t.Fatalf("Outcome=%s, want duplicate_ignored", result.Outcome)
	}
	if after := store.ListFindings(run.ID); len(after) != len(applied) {
		t.Fatalf("findings changed on duplicate: %d -> %d", len(applied), len(after))
	}
	final, _ := store.GetRun(ctx, run.ID)
	if final.Status != domain.RunFailed {
		t.Fatalf("Status=%s, want failed from first delivery", final.Status)
	}
}

func TestLateCallbackOnTerminalRun(t *testing.T) {
	rec := &dispatch.RecordingDispatcher{}
	eng, store, _ := newTestEngine(t, rec)
	ctx := context.Background()

	run, _ := eng.LaunchRun(ctx, mustSubmission(t, `{"site_eui_kwh_m2": 120}`), []byte(dispatchWorkflow))
	callbackID := rec.Requests()[0].CallbackID

	ok := fmt.Sprintf(`{"envelope_version": "veriflow.envelope.v1", "callback_id": %q, "status": "SUCCESS", "output_signals": {"annual_kwh": 412000}}`, callbackID)
	if result, _ := eng.HandleCallback(ctx, []byte(ok)); result.Outcome != CallbackAccepted {
		t.Fatalf("first delivery must be accepted")
	}
	terminal, _ := store.GetRun(ctx, run.ID)
	if !terminal.Status.Terminal() {
		t.Fatalf("run must be terminal, got %s", terminal.Status)
	}
	stepsBefore, _ := store.ListByRun(ctx, run.ID)

	// Force a fresh callback id onto the persisted step to mimic a stray
	// late delivery for a finished run.
	stray := stepsBefore[0]
	stray.CallbackID = "stray-callback"
	if err := store.UpdateStep(ctx, stray); err != nil {
		t.Fatalf("UpdateStep() err=%v", err)
	}
	late := `{"envelope_version": "veriflow.envelope.v1", "callback_id": "stray-callback", "status": "SUCCESS", "output_signals": {"annual_kwh": 1}}`
	result, err := eng.HandleCallback(ctx, []byte(late))
	if err != nil {
		t.Fatalf("HandleCallback() err=%v", err)
	}
	if result.Outcome != CallbackRejected {
		t.Fatalf("Outcome=%s, want rejected", result.Outcome)
	}
	after, _ := store.GetRun(ctx, run.ID)
	if after.Status != terminal.Status {
		t.Fatalf("terminal run mutated: %s -> %s", terminal.Status, after.Status)
	}
}

func TestUnknownCallbackIDRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t, &dispatch.RecordingDispatcher{})
	payload := `{"envelope_version": "veriflow.envelope.v1", "callback_id": "never-dispatched", "status": "SUCCESS"}`
	result, err := eng.HandleCallback(context.Background(), []byte(payload))
	if err != nil {
		t.Fatalf("HandleCallback() err=%v", err)
	}
	if result.Outcome != CallbackRejected {
		t.Fatalf("Outcome=%s, want rejected", result.Outcome)
	}
}

func TestCancelWithInFlightStep(t *testing.T) {
	rec := &dispatch.RecordingDispatcher{}
	eng, store, _ := newTestEngine(t, rec)
	ctx := context.Background()

	run, _ := eng.LaunchRun(ctx, mustSubmission(t, `{"site_eui_kwh_m2": 120}`), []byte(dispatchWorkflow))
	canceled, err := eng.Cancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("Cancel() err=%v", err)
	}
	if canceled.Status != domain.RunRunning || !canceled.CancelRequested {
		t.Fatalf("cancel must latch intent while a step is in flight: %+v", canceled)
	}

	callbackID := rec.Requests()[0].CallbackID
	payload := fmt.Sprintf(`{"envelope_version": "veriflow.envelope.v1", "callback_id": %q, "status": "SUCCESS", "output_signals": {"annual_kwh": 412000}}`, callbackID)
	if result, _ := eng.HandleCallback(ctx, []byte(payload)); result.Outcome != CallbackAccepted {
		t.Fatalf("callback must still apply")
	}
	final, _ := store.GetRun(ctx, run.ID)
	if final.Status != domain.RunCanceled {
		t.Fatalf("Status=%s, want canceled", final.Status)
	}
}

func TestExpireDeadlines(t *testing.T) {
	rec := &dispatch.RecordingDispatcher{}
	eng, store, clock := newTestEngine(t, rec)
	ctx := context.Background()

	run, _ := eng.LaunchRun(ctx, mustSubmission(t, `{"site_eui_kwh_m2": 120}`), []byte(dispatchWorkflow))
	clock.Advance(11 * time.Minute)

	expired, err := eng.ExpireDeadlines(ctx)
	if err != nil {
		t.Fatalf("ExpireDeadlines() err=%v", err)
	}
	if expired != 1 {
		t.Fatalf("expired=%d, want 1", expired)
	}

	final, _ := store.GetRun(ctx, run.ID)
	if final.Status != domain.RunTimedOut || final.ErrorCategory != domain.ErrorCategoryTimeout {
		t.Fatalf("run=%+v", final)
	}
	steps, _ := store.ListByRun(ctx, run.ID)
	if steps[0].Status != domain.StepFailed || steps[0].ErrorCategory != domain.ErrorCategoryTimeout {
		t.Fatalf("step=%+v", steps[0])
	}
}

func TestDispatchRejectionIsSystemError(t *testing.T) {
	rec := &dispatch.RecordingDispatcher{Err: fmt.Errorf("substrate unavailable")}
	eng, store, _ := newTestEngine(t, rec)
	ctx := context.Background()

	run, err := eng.LaunchRun(ctx, mustSubmission(t, `{"site_eui_kwh_m2": 120}`), []byte(dispatchWorkflow))
	if err != nil {
		t.Fatalf("LaunchRun() err=%v", err)
	}
	if run.Status != domain.RunFailed || run.ErrorCategory != domain.ErrorCategorySystemError {
		t.Fatalf("run=%+v", run)
	}
	steps, _ := store.ListByRun(ctx, run.ID)
	if steps[0].ErrorCategory != domain.ErrorCategorySystemError {
		t.Fatalf("step=%+v", steps[0])
	}
}

func TestCallbackErrorCategoryRecordsStepFailure(t *testing.T) {
	rec := &dispatch.RecordingDispatcher{}
	eng, store, _ := newTestEngine(t, rec)
	ctx := context.Background()

	run, _ := eng.LaunchRun(ctx, mustSubmission(t, `{"site_eui_kwh_m2": 120}`), []byte(dispatchWorkflow))
	callbackID := rec.Requests()[0].CallbackID

	payload := fmt.Sprintf(`{"envelope_version": "veriflow.envelope.v1", "callback_id": %q, "status": "ERROR", "error_category": "OOM", "findings": [{"severity": "ERROR", "message": "simulation worker killed"}]}`, callbackID)
	result, err := eng.HandleCallback(ctx, []byte(payload))
	if err != nil {
		t.Fatalf("HandleCallback() err=%v", err)
	}
	if result.Outcome != CallbackAccepted {
		t.Fatalf("Outcome=%s", result.Outcome)
	}

	steps, _ := store.ListByRun(ctx, run.ID)
	if steps[0].Status != domain.StepFailed || steps[0].ErrorCategory != domain.ErrorCategoryOOM {
		t.Fatalf("step=%+v", steps[0])
	}
	final, _ := store.GetRun(ctx, run.ID)
	if final.Status != domain.RunFailed || final.ErrorCategory != domain.ErrorCategoryOOM {
		t.Fatalf("run=%+v", final)
	}
}

func TestFailedStepSkipsRemainder(t *testing.T) {
	eng, store, _ := newTestEngine(t, &dispatch.RecordingDispatcher{})
	run, err := eng.LaunchRun(context.Background(), mustSubmission(t, `{"site_eui_kwh_m2": 120}`), []byte(stagedWorkflow))
	if err != nil {
		t.Fatalf("LaunchRun() err=%v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("Status=%s, want failed", run.Status)
	}
	steps, _ := store.ListByRun(context.Background(), run.ID)
	if len(steps) != 2 {
		t.Fatalf("steps=%+v", steps)
	}
	if steps[0].Status != domain.StepFailed {
		t.Fatalf("step 0 status=%s", steps[0].Status)
	}
	if steps[1].Status != domain.StepSkipped {
		t.Fatalf("step 1 status=%s, want skipped", steps[1].Status)
	}
	if steps[1].CompletedAt == nil {
		t.Fatal("skipped step has no completion time")
	}
}

func TestContinueOnFailureRunsEveryStep(t *testing.T) {
	eng, store, _ := newTestEngine(t, &dispatch.RecordingDispatcher{})
	run, err := eng.LaunchRun(context.Background(), mustSubmission(t, `{"site_eui_kwh_m2": 120}`), []byte(stagedContinueWorkflow))
	if err != nil {
		t.Fatalf("LaunchRun() err=%v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("Status=%s, want failed", run.Status)
	}
	steps, _ := store.ListByRun(context.Background(), run.ID)
	if steps[0].Status != domain.StepFailed {
		t.Fatalf("step 0 status=%s", steps[0].Status)
	}
	if steps[1].Status != domain.StepPassed {
		t.Fatalf("step 1 status=%s, want passed", steps[1].Status)
	}
}

func TestCallbackRedeliveryAfterTransientRepoError(t *testing.T) {
	rec := &dispatch.RecordingDispatcher{}
	store := newMemStore()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	evaluator, err := assertion.NewEvaluator(0)
	if err != nil {
		t.Fatalf("NewEvaluator() err=%v", err)
	}
	flaky := &flakyFindingRepo{inner: findingRepo{store}, failures: 1}
	eng, err := New(Config{
		Runs:        store,
		Steps:       stepRepo{store},
		Receipts:    receiptRepo{store},
		Findings:    flaky,
		Submissions: store,
		Dispatcher:  rec,
		Registry:    validators.NewRegistry(),
		Evaluator:   evaluator,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	ctx := context.Background()

	run, err := eng.LaunchRun(ctx, mustSubmission(t, `{"site_eui_kwh_m2": 120}`), []byte(dispatchWorkflow))
	if err != nil {
		t.Fatalf("LaunchRun() err=%v", err)
	}
	callbackID := rec.Requests()[0].CallbackID
	payload := fmt.Sprintf(`{"envelope_version": "veriflow.envelope.v1", "callback_id": %q, "status": "SUCCESS", "output_signals": {"annual_kwh": 412000}, "findings": [{"severity": "WARNING", "message": "unmet hours high"}]}`, callbackID)

	// First delivery hits the transient error; no receipt must be left
	// behind, so the redelivery is reprocessed rather than absorbed.
	if _, err := eng.HandleCallback(ctx, []byte(payload)); err == nil {
		t.Fatal("HandleCallback() should surface the repo error")
	}
	if _, err := store.GetReceipt(ctx, callbackID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("GetReceipt() err=%v, want not found after failed delivery", err)
	}
	steps, _ := store.ListByRun(ctx, run.ID)
	if steps[0].Status != domain.StepRunning {
		t.Fatalf("step status=%s, want running after failed delivery", steps[0].Status)
	}

	result, err := eng.HandleCallback(ctx, []byte(payload))
	if err != nil {
		t.Fatalf("HandleCallback() retry err=%v", err)
	}
	if result.Outcome != CallbackAccepted {
		t.Fatalf("Outcome=%s (%s), want accepted on redelivery", result.Outcome, result.Reason)
	}
	final, _ := store.GetRun(ctx, run.ID)
	if final.Status != domain.RunSucceeded {
		t.Fatalf("Status=%s, want succeeded", final.Status)
	}
	if findings := store.ListFindings(run.ID); len(findings) != 1 {
		t.Fatalf("findings=%d, want 1 applied exactly once", len(findings))
	}
}
