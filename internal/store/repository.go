/**
 * @description
 * This file defines the `Repository` interface, the data access contract of the
 * transfer-service ledger: accounts (the balance ledger) and transfer records
 * (the PENDING/SUCCESS/FAILED state machine).
 *
 * @notes
 * - Row-exclusive reads (`...ForUpdate`) only hold their lock inside `WithinTx`.
 *   The lock is released when the unit of work commits or rolls back.
 * - Calling `WithinTx` on a repository that is already bound to a unit of work
 *   opens a savepoint. An inner failure rolls back to the savepoint and leaves
 *   the outer unit usable.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrStaleAccount     = errors.New("account was modified concurrently")
	ErrTransferNotFound = errors.New("transfer not found")
)

// TxFunc is the body of a unit of work. repo is bound to the unit of work.
type TxFunc func(ctx context.Context, repo Repository) error

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// WithinTx runs fn in a unit of work, committing when fn returns nil.
	WithinTx(ctx context.Context, fn TxFunc) error

	// Account (balance ledger) methods
	FindAccountByOwner(ctx context.Context, ownerID int64) (*domain.Account, error)
	FindAccountByOwnerForUpdate(ctx context.Context, ownerID int64) (*domain.Account, error)
	SaveAccount(ctx context.Context, account *domain.Account) error
	FindAccountsEligibleForInterest(ctx context.Context, maxMultiplier decimal.Decimal) ([]domain.Account, error)
	CreateAccountWithUser(ctx context.Context, initialDeposit decimal.Decimal) (*domain.Account, error)

	// Transfer record methods
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	FindTransferByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	FindTransfersByStatus(ctx context.Context, status domain.TransferStatus, limit int) ([]domain.Transfer, error)
	UpdateTransferStatus(ctx context.Context, transfer *domain.Transfer) error
	FindTransfersByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]domain.Transfer, error)
}
