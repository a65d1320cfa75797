package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	insertRunQuery = `INSERT INTO validation_runs (
		run_id,
		workflow_slug,
		submission_id,
		status,
		error_category,
		correlation_id,
		cancel_requested,
		workflow_spec,
		created_at,
		started_at,
		ended_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	selectRunQuery = `SELECT run_id, workflow_slug, submission_id, status, error_category, correlation_id, cancel_requested, created_at, started_at, ended_at
	 FROM validation_runs
	 WHERE run_id = $1`

	selectRunSpecQuery = `SELECT workflow_spec FROM validation_runs WHERE run_id = $1`

	listRunsQuery = `SELECT run_id, workflow_slug, submission_id, status, error_category, correlation_id, cancel_requested, created_at, started_at, ended_at
	 FROM validation_runs
	 WHERE ($1 = '' OR workflow_slug = $1)
	   AND ($2 = '' OR status = $2)
	 ORDER BY created_at DESC
	 LIMIT $3`

	updateRunStatusQuery = `UPDATE validation_runs
	 SET status = $2, error_category = $3, ended_at = $4
	 WHERE run_id = $1`

	markRunCancelQuery = `UPDATE validation_runs SET cancel_requested = TRUE WHERE run_id = $1`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.ValidationRun, workflowSpec []byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return fmt.Errorf("validate run: %w", err)
	}
	if len(workflowSpec) == 0 {
		return fmt.Errorf("workflow spec is required")
	}

	_, err := s.db.ExecContext(
		ctx,
		insertRunQuery,
		run.ID,
		run.WorkflowSlug,
		run.SubmissionID,
		string(run.Status),
		nullIfEmpty(string(run.ErrorCategory)),
		run.CorrelationID,
		run.CancelRequested,
		workflowSpec,
		normalizeTime(run.CreatedAt),
		normalizeTime(run.StartedAt),
		nullTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.ValidationRun, error) {
	if s == nil || s.db == nil {
		return domain.ValidationRun{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ValidationRun{}, fmt.Errorf("run id is required")
	}
	return scanRun(s.db.QueryRowContext(ctx, selectRunQuery, id))
}

func (s *RunStore) GetWorkflowSpec(ctx context.Context, id string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("run id is required")
	}
	var spec []byte
	if err := s.db.QueryRowContext(ctx, selectRunSpecQuery, id).Scan(&spec); err != nil {
		return nil, handleNotFound(err)
	}
	return spec, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ValidationRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, listRunsQuery, strings.TrimSpace(filter.WorkflowSlug), string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.ValidationRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, category domain.ErrorCategory, endedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if domain.NormalizeRunStatus(string(status)) == "" {
		return fmt.Errorf("status %q is not valid", status)
	}

	result, err := s.db.ExecContext(ctx, updateRunStatusQuery, id, string(status), nullIfEmpty(string(category)), nullTime(endedAt))
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) MarkCancelRequested(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	result, err := s.db.ExecContext(ctx, markRunCancelQuery, id)
	if err != nil {
		return fmt.Errorf("mark cancel requested: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark cancel requested: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (domain.ValidationRun, error) {
	var run domain.ValidationRun
	var status string
	var category sql.NullString
	var endedAt sql.NullTime
	if err := scanner.Scan(
		&run.ID,
		&run.WorkflowSlug,
		&run.SubmissionID,
		&status,
		&category,
		&run.CorrelationID,
		&run.CancelRequested,
		&run.CreatedAt,
		&run.StartedAt,
		&endedAt,
	); err != nil {
		return domain.ValidationRun{}, handleNotFound(err)
	}
	run.Status = domain.RunStatus(status)
	run.ErrorCategory = domain.ErrorCategory(strings.TrimSpace(category.String))
	run.EndedAt = timePtr(endedAt)
	return run, nil
}
