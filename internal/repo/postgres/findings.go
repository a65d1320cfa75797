package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

type FindingStore struct {
	db DB
}

const (
	insertFindingQuery = `INSERT INTO run_findings (
		run_id,
		severity,
		message,
		path,
		step_ref
	) VALUES ($1,$2,$3,$4,$5)`

	listFindingsByRunQuery = `SELECT severity, message, path, step_ref
	 FROM run_findings
	 WHERE run_id = $1
	 ORDER BY finding_id ASC`
)

func NewFindingStore(db DB) *FindingStore {
	if db == nil {
		return nil
	}
	return &FindingStore{db: db}
}

func (s *FindingStore) Append(ctx context.Context, runID string, findings []domain.Finding) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("finding store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	for i, finding := range findings {
		if err := finding.Validate(); err != nil {
			return fmt.Errorf("findings[%d]: %w", i, err)
		}
		_, err := s.db.ExecContext(
			ctx,
			insertFindingQuery,
			runID,
			string(finding.Severity),
			finding.Message,
			nullIfEmpty(finding.Path),
			nullIfEmpty(finding.StepRef),
		)
		if err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
	}
	return nil
}

func (s *FindingStore) ListByRun(ctx context.Context, runID string) ([]domain.Finding, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("finding store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listFindingsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	findings := make([]domain.Finding, 0)
	for rows.Next() {
		var finding domain.Finding
		var severity string
		var path, stepRef sql.NullString
		if err := rows.Scan(&severity, &finding.Message, &path, &stepRef); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		finding.Severity = domain.Severity(severity)
		finding.Path = path.String
		finding.StepRef = stepRef.String
		findings = append(findings, finding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	return findings, nil
}
