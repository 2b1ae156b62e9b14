package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(t *testing.T) *Transfer {
	t.Helper()
	tr, err := NewPendingTransfer(uuid.New(), 1, 2, decimal.RequireFromString("10.00"), time.Time{})
	require.NoError(t, err)
	return tr
}

func TestNewPendingTransfer(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()

	tr, err := NewPendingTransfer(id, 7, 9, decimal.RequireFromString("42.50"), now)
	require.NoError(t, err)
	assert.Equal(t, id, tr.ID)
	assert.Equal(t, TransferStatusPending, tr.Status)
	assert.Equal(t, now, tr.CreatedAt)
	assert.Nil(t, tr.FailureReason)

	_, err = NewPendingTransfer(uuid.Nil, 7, 9, decimal.RequireFromString("1"), now)
	assert.ErrorIs(t, err, ErrInvalidTransferID)
}

func TestTransferSucceedIsTerminal(t *testing.T) {
	tr := newPending(t)

	require.NoError(t, tr.Succeed(time.Time{}))
	assert.Equal(t, TransferStatusSuccess, tr.Status)

	assert.True(t, errors.Is(tr.Succeed(time.Time{}), ErrTransferFinalized))
	assert.True(t, errors.Is(tr.Fail("late", time.Time{}), ErrTransferFinalized))
	assert.Equal(t, TransferStatusSuccess, tr.Status)
	assert.Nil(t, tr.FailureReason)
}

func TestTransferFailRecordsReason(t *testing.T) {
	tr := newPending(t)

	require.ErrorIs(t, tr.Fail("   ", time.Time{}), ErrMissingFailReason)
	assert.Equal(t, TransferStatusPending, tr.Status)

	require.NoError(t, tr.Fail(" insufficient funds ", time.Time{}))
	assert.Equal(t, TransferStatusFailed, tr.Status)
	require.NotNil(t, tr.FailureReason)
	assert.Equal(t, "insufficient funds", *tr.FailureReason)

	assert.ErrorIs(t, tr.Succeed(time.Time{}), ErrTransferFinalized)
}

func TestParseTransferStatus(t *testing.T) {
	tests := []struct {
		raw     string
		want    TransferStatus
		wantErr bool
	}{
		{raw: "pending", want: TransferStatusPending},
		{raw: " SUCCESS ", want: TransferStatusSuccess},
		{raw: "Failed", want: TransferStatusFailed},
		{raw: "reversed", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTransferStatus(tt.raw)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownStatus, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}
}
