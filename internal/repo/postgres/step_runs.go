package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

type StepRunStore struct {
	db DB
}

const (
	insertStepRunQuery = `INSERT INTO validation_step_runs (
		run_id,
		step_index,
		validator_ref,
		status,
		error_category,
		callback_id,
		dispatched_at,
		deadline,
		completed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	selectStepRunQuery = `SELECT run_id, step_index, validator_ref, status, error_category, callback_id, dispatched_at, deadline, completed_at
	 FROM validation_step_runs
	 WHERE run_id = $1 AND step_index = $2`

	selectStepRunByCallbackQuery = `SELECT run_id, step_index, validator_ref, status, error_category, callback_id, dispatched_at, deadline, completed_at
	 FROM validation_step_runs
	 WHERE callback_id = $1`

	listStepRunsByRunQuery = `SELECT run_id, step_index, validator_ref, status, error_category, callback_id, dispatched_at, deadline, completed_at
	 FROM validation_step_runs
	 WHERE run_id = $1
	 ORDER BY step_index ASC`

	updateStepRunQuery = `UPDATE validation_step_runs
	 SET status = $3, error_category = $4, callback_id = $5, dispatched_at = $6, deadline = $7, completed_at = $8
	 WHERE run_id = $1 AND step_index = $2`

	listExpiredStepRunsQuery = `SELECT run_id, step_index, validator_ref, status, error_category, callback_id, dispatched_at, deadline, completed_at
	 FROM validation_step_runs
	 WHERE status = 'running' AND deadline IS NOT NULL AND deadline < $1
	 ORDER BY deadline ASC
	 LIMIT $2`
)

func NewStepRunStore(db DB) *StepRunStore {
	if db == nil {
		return nil
	}
	return &StepRunStore{db: db}
}

func (s *StepRunStore) CreateSteps(ctx context.Context, steps []domain.ValidationStepRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step run store not initialized")
	}
	for i, step := range steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		_, err := s.db.ExecContext(
			ctx,
			insertStepRunQuery,
			step.RunID,
			step.StepIndex,
			step.ValidatorRef,
			string(step.Status),
			nullIfEmpty(string(step.ErrorCategory)),
			nullIfEmpty(step.CallbackID),
			nullTime(step.DispatchedAt),
			nullTime(step.Deadline),
			nullTime(step.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step run %d: %w", step.StepIndex, err)
		}
	}
	return nil
}

func (s *StepRunStore) GetStep(ctx context.Context, runID string, stepIndex int) (domain.ValidationStepRun, error) {
	if s == nil || s.db == nil {
		return domain.ValidationStepRun{}, fmt.Errorf("step run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ValidationStepRun{}, fmt.Errorf("run id is required")
	}
	return scanStepRun(s.db.QueryRowContext(ctx, selectStepRunQuery, runID, stepIndex))
}

func (s *StepRunStore) GetStepByCallbackID(ctx context.Context, callbackID string) (domain.ValidationStepRun, error) {
	if s == nil || s.db == nil {
		return domain.ValidationStepRun{}, fmt.Errorf("step run store not initialized")
	}
	callbackID = strings.TrimSpace(callbackID)
	if callbackID == "" {
		return domain.ValidationStepRun{}, fmt.Errorf("callback id is required")
	}
	return scanStepRun(s.db.QueryRowContext(ctx, selectStepRunByCallbackQuery, callbackID))
}

func (s *StepRunStore) ListByRun(ctx context.Context, runID string) ([]domain.ValidationStepRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listStepRunsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	steps := make([]domain.ValidationStepRun, 0)
	for rows.Next() {
		step, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	return steps, nil
}

func (s *StepRunStore) UpdateStep(ctx context.Context, step domain.ValidationStepRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step run store not initialized")
	}
	if err := step.Validate(); err != nil {
		return fmt.Errorf("validate step run: %w", err)
	}

	_, err := s.db.ExecContext(
		ctx,
		updateStepRunQuery,
		step.RunID,
		step.StepIndex,
		string(step.Status),
		nullIfEmpty(string(step.ErrorCategory)),
		nullIfEmpty(step.CallbackID),
		nullTime(step.DispatchedAt),
		nullTime(step.Deadline),
		nullTime(step.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update step run: %w", err)
	}
	return nil
}

func (s *StepRunStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.ValidationStepRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step run store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, listExpiredStepRunsQuery, normalizeTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired step runs: %w", err)
	}
	defer rows.Close()

	steps := make([]domain.ValidationStepRun, 0)
	for rows.Next() {
		step, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired step runs: %w", err)
	}
	return steps, nil
}

type stepRunScanner interface {
	Scan(dest ...any) error
}

func scanStepRun(scanner stepRunScanner) (domain.ValidationStepRun, error) {
	var step domain.ValidationStepRun
	var status string
	var category sql.NullString
	var callbackID sql.NullString
	var dispatchedAt, deadline, completedAt sql.NullTime
	if err := scanner.Scan(
		&step.RunID,
		&step.StepIndex,
		&step.ValidatorRef,
		&status,
		&category,
		&callbackID,
		&dispatchedAt,
		&deadline,
		&completedAt,
	); err != nil {
		return domain.ValidationStepRun{}, handleNotFound(err)
	}
	step.Status = domain.StepStatus(status)
	step.ErrorCategory = domain.ErrorCategory(strings.TrimSpace(category.String))
	step.CallbackID = strings.TrimSpace(callbackID.String)
	step.DispatchedAt = timePtr(dispatchedAt)
	step.Deadline = timePtr(deadline)
	step.CompletedAt = timePtr(completedAt)
	return step, nil
}
