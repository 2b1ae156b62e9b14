/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for the `users`, `accounts` and `transfers` tables.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC(19,2) money values.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db querier
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithinTx begins a transaction (or a savepoint when already inside one),
// hands fn a repository bound to it, and commits when fn succeeds.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn TxFunc) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &PostgresRepository{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const accountColumns = `id, user_id, balance, initial_deposit, version, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Balance, &a.InitialDeposit, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindAccountByOwner is a plain read without row locks.
func (r *PostgresRepository) FindAccountByOwner(ctx context.Context, ownerID int64) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, ownerID))
}

// FindAccountByOwnerForUpdate locks the account row until the enclosing transaction ends.
func (r *PostgresRepository) FindAccountByOwnerForUpdate(ctx context.Context, ownerID int64) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1 FOR UPDATE`
	return scanAccount(r.db.QueryRow(ctx, query, ownerID))
}

// SaveAccount persists the balance if the row still has the version that was read,
// then bumps the version.
func (r *PostgresRepository) SaveAccount(ctx context.Context, account *domain.Account) error {
	query := `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
		RETURNING version, updated_at`
	err := r.db.QueryRow(ctx, query, domain.NormalizeMoney(account.Balance), account.ID, account.Version).
		Scan(&account.Version, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: account %d version %d", ErrStaleAccount, account.ID, account.Version)
		}
		return fmt.Errorf("failed to save account %d: %w", account.ID, err)
	}
	return nil
}

// FindAccountsEligibleForInterest lists accounts below initial_deposit * maxMultiplier.
func (r *PostgresRepository) FindAccountsEligibleForInterest(ctx context.Context, maxMultiplier decimal.Decimal) ([]domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE balance < initial_deposit * $1::numeric ORDER BY id`
	rows, err := r.db.Query(ctx, query, maxMultiplier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// CreateAccountWithUser creates a user and its single account atomically.
func (r *PostgresRepository) CreateAccountWithUser(ctx context.Context, initialDeposit decimal.Decimal) (*domain.Account, error) {
	var account *domain.Account
	err := r.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
		tx := repo.(*PostgresRepository)

		var userID int64
		if err := tx.db.QueryRow(ctx, `INSERT INTO users DEFAULT VALUES RETURNING id`).Scan(&userID); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		deposit := domain.NormalizeMoney(initialDeposit)
		query := `
			INSERT INTO accounts (user_id, balance, initial_deposit)
			VALUES ($1, $2, $2)
			RETURNING ` + accountColumns
		a, err := scanAccount(tx.db.QueryRow(ctx, query, userID, deposit))
		if err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}
		account = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

const transferColumns = `id, from_user_id, to_user_id, amount, status, failure_reason, created_at, updated_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	var status string
	err := row.Scan(&t.ID, &t.FromOwnerID, &t.ToOwnerID, &t.Amount, &status, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	t.Status = domain.TransferStatus(status)
	return &t, nil
}

func (r *PostgresRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	query := `
		INSERT INTO transfers (id, from_user_id, to_user_id, amount, status, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.Exec(ctx, query,
		transfer.ID,
		transfer.FromOwnerID,
		transfer.ToOwnerID,
		domain.NormalizeMoney(transfer.Amount),
		string(transfer.Status),
		transfer.FailureReason,
		transfer.CreatedAt,
		transfer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer %s: %w", transfer.ID, err)
	}
	return nil
}

// FindTransferByIDForUpdate locks the transfer row until the enclosing transaction ends.
func (r *PostgresRepository) FindTransferByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1 FOR UPDATE`
	return scanTransfer(r.db.QueryRow(ctx, query, id))
}

// FindTransfersByStatus returns up to limit transfers, oldest first.
func (r *PostgresRepository) FindTransfersByStatus(ctx context.Context, status domain.TransferStatus, limit int) ([]domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE status = $1 ORDER BY created_at, id LIMIT $2`
	return r.queryTransfers(ctx, query, string(status), limit)
}

func (r *PostgresRepository) UpdateTransferStatus(ctx context.Context, transfer *domain.Transfer) error {
	query := `UPDATE transfers SET status = $2, failure_reason = $3, updated_at = $4 WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, transfer.ID, string(transfer.Status), transfer.FailureReason, transfer.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update transfer %s: %w", transfer.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// FindTransfersByOwner returns transfers sent or received by the owner, newest first.
func (r *PostgresRepository) FindTransfersByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]domain.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	return r.queryTransfers(ctx, query, ownerID, limit, offset)
}

func (r *PostgresRepository) queryTransfers(ctx context.Context, query string, args ...any) ([]domain.Transfer, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := []domain.Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}
