/**
 * @description
 * This file contains the transfer orchestrator and the PENDING/SUCCESS/FAILED
 * state machine that drives recorded transfers.
 *
 * @notes
 * - Requests are validated before any lock is taken. Invalid amounts and self
 *   transfers never reach the lock store.
 * - Balances are only mutated while holding the pairwise lock of both owners
 *   and the row locks of both accounts.
 * - A recorded transfer has its status written in the same database transaction
 *   as the balance mutation, so a SUCCESS row and moved money commit together.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/cache"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/lock"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/transfa/transfer-service/internal/app"

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// PairLocker runs a function while holding the locks of two owners.
type PairLocker interface {
	WithPairLock(ctx context.Context, x, y int64, ttl time.Duration, body func(ctx context.Context) error) error
}

// TransferConfig holds the orchestrator and drainer settings.
type TransferConfig struct {
	LockTTL        time.Duration
	DrainBatchSize int
}

// DrainReport summarizes one drain run.
type DrainReport struct {
	Scanned   int
	Succeeded int
	Failed    int
	Skipped   int
	Errored   int
}

// TransferService moves money between accounts and drives transfer records.
type TransferService struct {
	repo      store.Repository
	locker    PairLocker
	cache     cache.BalanceCache
	publisher rabbitmq.Publisher
	cfg       TransferConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() uuid.UUID
}

// NewTransferService creates the orchestrator. Cache and publisher are optional.
func NewTransferService(repo store.Repository, locker PairLocker, cfg TransferConfig, logger *zap.Logger) *TransferService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.DrainBatchSize <= 0 {
		cfg.DrainBatchSize = 100
	}
	return &TransferService{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "transfer_service")),
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.New,
	}
}

// SetBalanceCache enables eviction of cached balances after committed transfers.
func (s *TransferService) SetBalanceCache(c cache.BalanceCache) {
	s.cache = c
}

// SetPublisher enables transfer status events.
func (s *TransferService) SetPublisher(p rabbitmq.Publisher) {
	s.publisher = p
}

// Transfer moves amount from one owner's account to another's without
// keeping a transfer record.
func (s *TransferService) Transfer(ctx context.Context, from, to int64, amount decimal.Decimal) error {
	ctx, span := s.startSpan(ctx, "transfer.execute", from, to, amount)
	defer span.End()

	start := time.Now()
	err := s.execute(ctx, s.repo, from, to, amount)
	s.observe(pathDirect, start, err)
	endSpan(span, err)

	if err == nil {
		s.evictBalances(ctx, from, to)
	}
	return err
}

// TransferNow records a transfer and settles it immediately. The record and the
// balance mutation commit in one database transaction. Rejected requests
// (invalid amount, self transfer, unknown owner) leave no record.
func (s *TransferService) TransferNow(ctx context.Context, from, to int64, amount decimal.Decimal) (*domain.Transfer, error) {
	ctx, span := s.startSpan(ctx, "transfer.now", from, to, amount)
	defer span.End()

	start := time.Now()
	transfer, err := s.newPendingTransfer(ctx, s.repo, from, to, amount)
	if err != nil {
		s.observe(pathSync, start, err)
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("transfer.id", transfer.ID.String()))

	var transferErr error
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Repository) error {
		if err := tx.CreateTransfer(ctx, transfer); err != nil {
			return err
		}
		transferErr = s.execute(ctx, tx, from, to, transfer.Amount)
		return s.finalize(ctx, tx, transfer, transferErr)
	})
	if err != nil {
		err = domain.TransientStore(fmt.Errorf("record transfer %s: %w", transfer.ID, err))
		s.observe(pathSync, start, err)
		endSpan(span, err)
		return nil, err
	}

	s.observe(pathSync, start, transferErr)
	endSpan(span, transferErr)
	s.afterSettle(ctx, transfer)
	return transfer, transferErr
}

// Create validates a transfer request and records it as PENDING. No lock is
// taken; the drainer settles the record later.
func (s *TransferService) Create(ctx context.Context, from, to int64, amount decimal.Decimal) (*domain.Transfer, error) {
	ctx, span := s.startSpan(ctx, "transfer.create", from, to, amount)
	defer span.End()

	transfer, err := s.newPendingTransfer(ctx, s.repo, from, to, amount)
	if err == nil {
		if createErr := s.repo.CreateTransfer(ctx, transfer); createErr != nil {
			err = domain.TransientStore(createErr)
		}
	}
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer accepted",
		zap.String("transfer_id", transfer.ID.String()),
		zap.Int64("from_owner_id", from),
		zap.Int64("to_owner_id", to),
		zap.String("amount", transfer.Amount.StringFixed(domain.MoneyScale)))
	return transfer, nil
}

// Drain settles up to one batch of PENDING transfers, oldest first. A failing
// transfer is recorded as FAILED and never stops the batch. Only a failure to
// list the batch is returned.
func (s *TransferService) Drain(ctx context.Context) (DrainReport, error) {
	ctx, span := s.tracer.Start(ctx, "transfer.drain")
	defer span.End()

	var report DrainReport
	pending, err := s.repo.FindTransfersByStatus(ctx, domain.TransferStatusPending, s.cfg.DrainBatchSize)
	if err != nil {
		endSpan(span, err)
		return report, fmt.Errorf("failed to load pending transfers: %w", err)
	}
	report.Scanned = len(pending)

	for _, p := range pending {
		if ctx.Err() != nil {
			s.logger.Warn("drain interrupted", zap.Error(ctx.Err()), zap.Int("remaining", report.Scanned-report.handled()))
			break
		}

		start := time.Now()
		transfer, outcome, err := s.settle(ctx, s.repo, p.ID)
		switch outcome {
		case settleSkipped:
			report.Skipped++
			drainResultCounter.WithLabelValues("skipped").Inc()
			s.logger.Debug("transfer already settled, skipping",
				zap.String("transfer_id", p.ID.String()), zap.String("status", string(transfer.Status)))
		case settleErrored:
			report.Errored++
			drainResultCounter.WithLabelValues("error").Inc()
			s.logger.Error("failed to settle transfer; it stays pending",
				zap.String("transfer_id", p.ID.String()), zap.Error(err))
		case settleSucceeded:
			report.Succeeded++
			drainResultCounter.WithLabelValues("success").Inc()
			s.observe(pathAsync, start, nil)
		case settleFailed:
			report.Failed++
			drainResultCounter.WithLabelValues("failed").Inc()
			s.observe(pathAsync, start, err)
			s.logger.Warn("transfer failed",
				zap.String("transfer_id", p.ID.String()), zap.Error(err))
		}
	}

	span.SetAttributes(
		attribute.Int("drain.scanned", report.Scanned),
		attribute.Int("drain.succeeded", report.Succeeded),
		attribute.Int("drain.failed", report.Failed),
		attribute.Int("drain.skipped", report.Skipped),
		attribute.Int("drain.errored", report.Errored),
	)
	if report.Scanned > 0 {
		s.logger.Info("drain finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped),
			zap.Int("errored", report.Errored))
	}
	return report, nil
}

func (r DrainReport) handled() int {
	return r.Succeeded + r.Failed + r.Skipped + r.Errored
}

// ListTransfers returns the owner's sent and received transfers, newest first.
func (s *TransferService) ListTransfers(ctx context.Context, ownerID int64, limit, offset int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	transfers, err := s.repo.FindTransfersByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers for owner %d: %w", ownerID, err)
	}
	return transfers, nil
}

type settleOutcome int

const (
	settleSucceeded settleOutcome = iota
	settleFailed
	settleSkipped
	settleErrored
)

// settle locks the transfer row, runs the transfer if it is still PENDING and
// records the terminal status in the same database transaction. When the
// outcome is settleFailed the returned error is the transfer error.
func (s *TransferService) settle(ctx context.Context, repo store.Repository, id uuid.UUID) (*domain.Transfer, settleOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "transfer.settle", trace.WithAttributes(attribute.String("transfer.id", id.String())))
	defer span.End()

	var (
		transfer    *domain.Transfer
		transferErr error
		skipped     bool
	)
	err := repo.WithinTx(ctx, func(ctx context.Context, tx store.Repository) error {
		t, err := tx.FindTransferByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		transfer = t
		if t.Status != domain.TransferStatusPending {
			skipped = true
			return nil
		}
		transferErr = s.execute(ctx, tx, t.FromOwnerID, t.ToOwnerID, t.Amount)
		return s.finalize(ctx, tx, t, transferErr)
	})
	if err != nil {
		endSpan(span, err)
		return transfer, settleErrored, err
	}
	if skipped {
		return transfer, settleSkipped, nil
	}

	endSpan(span, transferErr)
	s.afterSettle(ctx, transfer)
	if transferErr != nil {
		return transfer, settleFailed, transferErr
	}
	return transfer, settleSucceeded, nil
}

// finalize moves transfer to its terminal status and persists it with tx.
func (s *TransferService) finalize(ctx context.Context, tx store.Repository, transfer *domain.Transfer, transferErr error) error {
	var err error
	if transferErr == nil {
		err = transfer.Succeed(s.now())
	} else {
		err = transfer.Fail(transferErr.Error(), s.now())
	}
	if err != nil {
		return err
	}
	return tx.UpdateTransferStatus(ctx, transfer)
}

// afterSettle runs the post-commit side effects of a settled transfer.
func (s *TransferService) afterSettle(ctx context.Context, transfer *domain.Transfer) {
	if transfer.Status == domain.TransferStatusSuccess {
		s.evictBalances(ctx, transfer.FromOwnerID, transfer.ToOwnerID)
	}
	if s.publisher == nil {
		return
	}
	event := rabbitmq.TransferStatusEvent{
		TransferID:  transfer.ID,
		FromOwnerID: transfer.FromOwnerID,
		ToOwnerID:   transfer.ToOwnerID,
		Amount:      transfer.Amount,
		Status:      string(transfer.Status),
		Timestamp:   transfer.UpdatedAt,
	}
	if transfer.FailureReason != nil {
		event.FailureReason = *transfer.FailureReason
	}
	if err := s.publisher.PublishTransferStatus(ctx, event); err != nil {
		s.logger.Warn("failed to publish transfer status event",
			zap.String("transfer_id", transfer.ID.String()), zap.Error(err))
	}
}

// execute is the orchestrator: validate, lock the pair, then read, check,
// mutate and save both accounts in one unit of work on repo.
func (s *TransferService) execute(ctx context.Context, repo store.Repository, from, to int64, amount decimal.Decimal) error {
	if err := validateTransfer(from, to, amount); err != nil {
		return err
	}

	err := s.locker.WithPairLock(ctx, from, to, s.cfg.LockTTL, func(ctx context.Context) error {
		return repo.WithinTx(ctx, func(ctx context.Context, tx store.Repository) error {
			return moveFunds(ctx, tx, from, to, amount)
		})
	})
	return classifyTransferError(err)
}

// moveFunds row-locks both accounts lowest owner first, so transfers over
// different but overlapping pairs cannot deadlock in the database.
func moveFunds(ctx context.Context, tx store.Repository, from, to int64, amount decimal.Decimal) error {
	var sender, receiver *domain.Account
	var err error
	if from < to {
		if sender, err = findForUpdate(ctx, tx, domain.RoleSender, from); err != nil {
			return err
		}
		if receiver, err = findForUpdate(ctx, tx, domain.RoleReceiver, to); err != nil {
			return err
		}
	} else {
		if receiver, err = findForUpdate(ctx, tx, domain.RoleReceiver, to); err != nil {
			return err
		}
		if sender, err = findForUpdate(ctx, tx, domain.RoleSender, from); err != nil {
			return err
		}
	}

	if !sender.CanCover(amount) {
		return domain.InsufficientFunds(sender.Balance, amount)
	}

	sender.Debit(amount)
	receiver.Credit(amount)

	if err := tx.SaveAccount(ctx, sender); err != nil {
		return err
	}
	return tx.SaveAccount(ctx, receiver)
}

func findForUpdate(ctx context.Context, tx store.Repository, role domain.AccountRole, ownerID int64) (*domain.Account, error) {
	account, err := tx.FindAccountByOwnerForUpdate(ctx, ownerID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, domain.AccountNotFound(role, ownerID)
	}
	return account, err
}

// newPendingTransfer validates the request and both owners, and builds the record.
func (s *TransferService) newPendingTransfer(ctx context.Context, repo store.Repository, from, to int64, amount decimal.Decimal) (*domain.Transfer, error) {
	if err := validateTransfer(from, to, amount); err != nil {
		return nil, err
	}
	for _, party := range []struct {
		role  domain.AccountRole
		owner int64
	}{{domain.RoleSender, from}, {domain.RoleReceiver, to}} {
		if _, err := repo.FindAccountByOwner(ctx, party.owner); err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return nil, domain.AccountNotFound(party.role, party.owner)
			}
			return nil, domain.TransientStore(err)
		}
	}
	transfer, err := domain.NewPendingTransfer(s.newID(), from, to, amount, s.now())
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

// validateTransfer rejects non-positive amounts, amounts finer than a cent,
// amounts too large to store and self transfers.
func validateTransfer(from, to int64, amount decimal.Decimal) error {
	if !domain.IsValidAmount(amount) {
		return domain.InvalidAmount(amount)
	}
	if from == to {
		return domain.SelfTransfer(from)
	}
	return nil
}

// classifyTransferError maps lock and store failures onto the transfer error taxonomy.
func classifyTransferError(err error) error {
	if err == nil {
		return nil
	}
	var te *domain.TransferError
	if errors.As(err, &te) {
		return err
	}
	var contention *lock.ContentionError
	if errors.As(err, &contention) {
		return domain.LockContention(string(contention.Side), err)
	}
	return domain.TransientStore(err)
}

func (s *TransferService) evictBalances(ctx context.Context, owners ...int64) {
	if s.cache == nil {
		return
	}
	for _, owner := range owners {
		if err := s.cache.Evict(ctx, owner); err != nil {
			s.logger.Warn("failed to evict cached balance", zap.Int64("owner_id", owner), zap.Error(err))
		}
	}
}

func (s *TransferService) startSpan(ctx context.Context, name string, from, to int64, amount decimal.Decimal) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int64("transfer.from_owner_id", from),
		attribute.Int64("transfer.to_owner_id", to),
		attribute.String("transfer.amount", amount.String()),
	))
}

func (s *TransferService) observe(path string, start time.Time, err error) {
	transferOutcomeCounter.WithLabelValues(path, outcomeLabel(err)).Inc()
	transferDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
