package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

type ReceiptStore struct {
	db DB
}

const (
	insertReceiptQuery = `INSERT INTO callback_receipts (
		callback_id,
		run_id,
		step_index,
		received_at,
		payload_sha256
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (callback_id) DO NOTHING`

	selectReceiptQuery = `SELECT callback_id, run_id, step_index, received_at, payload_sha256
	 FROM callback_receipts
	 WHERE callback_id = $1`

	deleteReceiptsQuery = `DELETE FROM callback_receipts WHERE received_at < $1`
)

func NewReceiptStore(db DB) *ReceiptStore {
	if db == nil {
		return nil
	}
	return &ReceiptStore{db: db}
}

// Insert records the first processing of a callback. The conflict clause
// makes repeat deliveries report false with no error and no side effect.
func (s *ReceiptStore) Insert(ctx context.Context, receipt domain.CallbackReceipt) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("receipt store not initialized")
	}
	if err := receipt.Validate(); err != nil {
		return false, fmt.Errorf("validate receipt: %w", err)
	}

	result, err := s.db.ExecContext(
		ctx,
		insertReceiptQuery,
		receipt.CallbackID,
		receipt.RunID,
		receipt.StepIndex,
		normalizeTime(receipt.ReceivedAt),
		receipt.PayloadHash,
	)
	if err != nil {
		return false, fmt.Errorf("insert receipt: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert receipt: %w", err)
	}
	return affected == 1, nil
}

func (s *ReceiptStore) Get(ctx context.Context, callbackID string) (domain.CallbackReceipt, error) {
	if s == nil || s.db == nil {
		return domain.CallbackReceipt{}, fmt.Errorf("receipt store not initialized")
	}
	callbackID = strings.TrimSpace(callbackID)
	if callbackID == "" {
		return domain.CallbackReceipt{}, fmt.Errorf("callback id is required")
	}

	var receipt domain.CallbackReceipt
	if err := s.db.QueryRowContext(ctx, selectReceiptQuery, callbackID).Scan(
		&receipt.CallbackID,
		&receipt.RunID,
		&receipt.StepIndex,
		&receipt.ReceivedAt,
		&receipt.PayloadHash,
	); err != nil {
		return domain.CallbackReceipt{}, handleNotFound(err)
	}
	return receipt, nil
}

func (s *ReceiptStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("receipt store not initialized")
	}
	result, err := s.db.ExecContext(ctx, deleteReceiptsQuery, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete receipts: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete receipts: %w", err)
	}
	return deleted, nil
}
