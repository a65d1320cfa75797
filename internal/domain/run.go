package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a ValidationRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
	RunTimedOut  RunStatus = "timed_out"
)

// Terminal reports whether no further run transitions are permitted.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled, RunTimedOut:
		return true
	default:
		return false
	}
}

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunPending), "created":
		return RunPending
	case string(RunRunning):
		return RunRunning
	case string(RunSucceeded):
		return RunSucceeded
	case string(RunFailed):
		return RunFailed
	case string(RunCanceled):
		return RunCanceled
	case string(RunTimedOut):
		return RunTimedOut
	default:
		return ""
	}
}

// CanTransitionRun enforces forward-only run progression. Terminal states
// accept no successor, including themselves.
func CanTransitionRun(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current.Terminal() {
		return false
	}
	if current == next {
		return true
	}
	return runStatusOrder(current) < runStatusOrder(next)
}

func runStatusOrder(status RunStatus) int {
	switch status {
	case RunPending:
		return 1
	case RunRunning:
		return 2
	case RunSucceeded, RunFailed, RunCanceled, RunTimedOut:
		return 3
	default:
		return 0
	}
}

// StepStatus is the lifecycle state of a ValidationStepRun.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepPassed, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// ErrorCategory classifies step failures reported by the execution substrate
// or by the dispatcher, distinct from ordinary assertion findings.
type ErrorCategory string

const (
	ErrorCategoryTimeout             ErrorCategory = "timeout"
	ErrorCategoryOOM                 ErrorCategory = "oom"
	ErrorCategoryValidationException ErrorCategory = "validation_exception"
	ErrorCategoryRuntimeError        ErrorCategory = "runtime_error"
	ErrorCategorySystemError         ErrorCategory = "system_error"
)

// NormalizeErrorCategory maps substrate-reported category strings (upper or
// lower case) to the canonical set. Unknown values normalize to empty.
func NormalizeErrorCategory(value string) ErrorCategory {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ErrorCategoryTimeout):
		return ErrorCategoryTimeout
	case string(ErrorCategoryOOM):
		return ErrorCategoryOOM
	case string(ErrorCategoryValidationException):
		return ErrorCategoryValidationException
	case string(ErrorCategoryRuntimeError):
		return ErrorCategoryRuntimeError
	case string(ErrorCategorySystemError):
		return ErrorCategorySystemError
	default:
		return ""
	}
}

// ValidationRun is one execution of a Submission through a Workflow. Mutated
// only by the run engine; terminal statuses are final.
type ValidationRun struct {
	ID              string
	WorkflowSlug    string
	SubmissionID    string
	Status          RunStatus
	ErrorCategory   ErrorCategory
	CorrelationID   string
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       time.Time
	EndedAt         *time.Time
}

func (r ValidationRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.WorkflowSlug) == "" {
		return errors.New("workflow slug is required")
	}
	if strings.TrimSpace(r.SubmissionID) == "" {
		return errors.New("submission id is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	if strings.TrimSpace(r.CorrelationID) == "" {
		return errors.New("correlation id is required")
	}
	return nil
}

// Duration returns the elapsed wall time of the run, zero when still open.
func (r ValidationRun) Duration() time.Duration {
	if r.EndedAt == nil || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// ValidationStepRun is one step's execution within a run. Owned exclusively
// by its containing run.
type ValidationStepRun struct {
	RunID         string
	StepIndex     int
	ValidatorRef  string
	Status        StepStatus
	ErrorCategory ErrorCategory
	CallbackID    string
	DispatchedAt  *time.Time
	Deadline      *time.Time
	CompletedAt   *time.Time
}

func (s ValidationStepRun) Validate() error {
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("run id is required")
	}
	if s.StepIndex < 0 {
		return errors.New("step index must be >= 0")
	}
	if strings.TrimSpace(s.ValidatorRef) == "" {
		return errors.New("validator ref is required")
	}
	return nil
}
