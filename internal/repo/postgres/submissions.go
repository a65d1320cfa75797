package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

type SubmissionStore struct {
	db DB
}

const (
	insertSubmissionQuery = `INSERT INTO submissions (
		submission_id,
		content_type,
		payload_sha256,
		payload,
		received_at
	) VALUES ($1,$2,$3,$4,$5)`

	selectSubmissionQuery = `SELECT submission_id, content_type, payload_sha256, payload, received_at
	 FROM submissions
	 WHERE submission_id = $1`
)

func NewSubmissionStore(db DB) *SubmissionStore {
	if db == nil {
		return nil
	}
	return &SubmissionStore{db: db}
}

func (s *SubmissionStore) Create(ctx context.Context, submission domain.Submission) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("submission store not initialized")
	}
	if strings.TrimSpace(submission.ID) == "" {
		return fmt.Errorf("submission id is required")
	}
	if len(submission.Payload) == 0 {
		return fmt.Errorf("submission payload is required")
	}
	if strings.TrimSpace(submission.SHA256) == "" {
		return fmt.Errorf("submission checksum is required")
	}

	_, err := s.db.ExecContext(
		ctx,
		insertSubmissionQuery,
		submission.ID,
		submission.ContentType,
		submission.SHA256,
		submission.Payload,
		normalizeTime(submission.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *SubmissionStore) Get(ctx context.Context, id string) (domain.Submission, error) {
	if s == nil || s.db == nil {
		return domain.Submission{}, fmt.Errorf("submission store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Submission{}, fmt.Errorf("submission id is required")
	}

	var submission domain.Submission
	if err := s.db.QueryRowContext(ctx, selectSubmissionQuery, id).Scan(
		&submission.ID,
		&submission.ContentType,
		&submission.SHA256,
		&submission.Payload,
		&submission.ReceivedAt,
	); err != nil {
		return domain.Submission{}, handleNotFound(err)
	}
	return submission, nil
}
