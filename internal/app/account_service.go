package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/cache"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"go.uber.org/zap"
)

// AccountService opens accounts and serves balances.
type AccountService struct {
	repo   store.Repository
	cache  cache.BalanceCache
	logger *zap.Logger
}

// NewAccountService creates the service. A nil cache means every balance read
// goes to the database.
func NewAccountService(repo store.Repository, balances cache.BalanceCache, logger *zap.Logger) *AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{
		repo:   repo,
		cache:  balances,
		logger: logger.With(zap.String("component", "account_service")),
	}
}

// OpenAccount creates a user with one account funded by initialDeposit.
func (s *AccountService) OpenAccount(ctx context.Context, initialDeposit decimal.Decimal) (*domain.Account, error) {
	if !domain.IsValidAmount(initialDeposit) {
		return nil, domain.InvalidAmount(initialDeposit)
	}

	account, err := s.repo.CreateAccountWithUser(ctx, initialDeposit)
	if err != nil {
		return nil, domain.TransientStore(fmt.Errorf("failed to open account: %w", err))
	}
	s.logger.Info("account opened",
		zap.Int64("owner_id", account.OwnerID),
		zap.String("initial_deposit", account.InitialDeposit.StringFixed(domain.MoneyScale)))
	return account, nil
}

// GetAccount returns the account owned by ownerID, read from the database.
func (s *AccountService) GetAccount(ctx context.Context, ownerID int64) (*domain.Account, error) {
	account, err := s.repo.FindAccountByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account for owner %d: %w", ownerID, err)
	}
	return account, nil
}

// GetBalance returns the owner's balance, serving it from the cache when present.
// Cache failures fall through to the database. A miss is filled only if no
// transfer evicted the owner while the database was read.
func (s *AccountService) GetBalance(ctx context.Context, ownerID int64) (decimal.Decimal, error) {
	var (
		fill bool
		gen  int64
	)
	if s.cache != nil {
		entry, err := s.cache.Get(ctx, ownerID)
		switch {
		case err != nil:
			s.logger.Warn("balance cache read failed", zap.Int64("owner_id", ownerID), zap.Error(err))
		case entry.Hit:
			return entry.Balance, nil
		default:
			fill, gen = true, entry.Generation
		}
	}

	account, err := s.GetAccount(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	if fill {
		written, err := s.cache.Fill(ctx, ownerID, gen, account.Balance)
		if err != nil {
			s.logger.Warn("balance cache write failed", zap.Int64("owner_id", ownerID), zap.Error(err))
		} else if !written {
			s.logger.Debug("balance changed during read; not cached", zap.Int64("owner_id", ownerID))
		}
	}
	return account.Balance, nil
}
