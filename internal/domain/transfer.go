package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus is the lifecycle state of a transfer record.
type TransferStatus string

const (
	TransferStatusPending TransferStatus = "PENDING"
	TransferStatusSuccess TransferStatus = "SUCCESS"
	TransferStatusFailed  TransferStatus = "FAILED"
)

// IsFinal reports whether the status is terminal.
func (s TransferStatus) IsFinal() bool {
	return s == TransferStatusSuccess || s == TransferStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s TransferStatus) Valid() bool {
	switch s {
	case TransferStatusPending, TransferStatusSuccess, TransferStatusFailed:
		return true
	default:
		return false
	}
}

var (
	ErrTransferFinalized = errors.New("transfer: transfer already finalized")
	ErrMissingFailReason = errors.New("transfer: failure reason is required to fail transfer")
	ErrInvalidTransferID = errors.New("transfer: invalid transfer id")
	ErrUnknownStatus     = errors.New("transfer: unknown status")
)

// ParseTransferStatus converts a case-insensitive status name.
func ParseTransferStatus(raw string) (TransferStatus, error) {
	s := TransferStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", ErrUnknownStatus
	}
	return s, nil
}

// Transfer is a durable transfer intent. It maps to the `transfers` table.
//
// Only PENDING -> SUCCESS and PENDING -> FAILED are allowed.
type Transfer struct {
	ID            uuid.UUID       `json:"id"`
	FromOwnerID   int64           `json:"from_owner_id"`
	ToOwnerID     int64           `json:"to_owner_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        TransferStatus  `json:"status"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewPendingTransfer builds a PENDING transfer. Callers validate the request first.
func NewPendingTransfer(id uuid.UUID, from, to int64, amount decimal.Decimal, now time.Time) (*Transfer, error) {
	if id == uuid.Nil {
		return nil, ErrInvalidTransferID
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return &Transfer{
		ID:          id,
		FromOwnerID: from,
		ToOwnerID:   to,
		Amount:      amount,
		Status:      TransferStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Succeed moves a PENDING transfer to SUCCESS.
func (t *Transfer) Succeed(now time.Time) error {
	if t.Status.IsFinal() {
		return ErrTransferFinalized
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	t.Status = TransferStatusSuccess
	t.UpdatedAt = now
	return nil
}

// Fail moves a PENDING transfer to FAILED and records the reason.
func (t *Transfer) Fail(reason string, now time.Time) error {
	if t.Status.IsFinal() {
		return ErrTransferFinalized
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrMissingFailReason
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	t.Status = TransferStatusFailed
	t.FailureReason = &reason
	t.UpdatedAt = now
	return nil
}

// CreateTransferRequest is the DTO for the asynchronous transfer endpoint.
// The sender comes from the URL path.
type CreateTransferRequest struct {
	ToOwnerID int64           `json:"to_owner_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// TransferNowRequest is the DTO for the synchronous transfer endpoint.
type TransferNowRequest struct {
	FromOwnerID int64           `json:"from_owner_id"`
	ToOwnerID   int64           `json:"to_owner_id"`
	Amount      decimal.Decimal `json:"amount"`
}
