package domain

import (
	"errors"
	"strings"
	"time"
)

// CallbackReceipt records the first successful processing of a callback. The
// existence of a receipt for a callback id is the idempotency guard against
// at-least-once delivery from the execution substrate.
type CallbackReceipt struct {
	CallbackID  string
	RunID       string
	StepIndex   int
	ReceivedAt  time.Time
	PayloadHash string
}

func (r CallbackReceipt) Validate() error {
	if strings.TrimSpace(r.CallbackID) == "" {
		return errors.New("callback id is required")
	}
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	if r.StepIndex < 0 {
		return errors.New("step index must be >= 0")
	}
	if strings.TrimSpace(r.PayloadHash) == "" {
		return errors.New("payload hash is required")
	}
	return nil
}
