package app

import (
	"context"
	"fmt"

	"github.com/transfa/transfer-service/internal/cache"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AccrualReport summarizes one interest run.
type AccrualReport struct {
	Disabled  bool
	Scanned   int
	Accrued   int
	Unchanged int
	Errored   int
}

// InterestJob compounds balances up to initialDeposit * maxMultiplier.
type InterestJob struct {
	repo    store.Repository
	policy  domain.InterestPolicy
	enabled bool
	cache   cache.BalanceCache
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewInterestJob creates the job. A nil cache is tolerated.
func NewInterestJob(repo store.Repository, policy domain.InterestPolicy, enabled bool, balances cache.BalanceCache, logger *zap.Logger) *InterestJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InterestJob{
		repo:    repo,
		policy:  policy,
		enabled: enabled,
		cache:   balances,
		logger:  logger.With(zap.String("component", "interest_job")),
		tracer:  otel.Tracer(tracerName),
	}
}

// Enabled reports whether Accrue does any work.
func (j *InterestJob) Enabled() bool { return j.enabled }

// Accrue applies one compounding step to every eligible account. Each account
// is re-read under a row lock in its own unit of work, so accrual serializes
// with transfers touching the same row. Cached balances of changed accounts
// are evicted once all writes are done.
func (j *InterestJob) Accrue(ctx context.Context) (AccrualReport, error) {
	if !j.enabled {
		return AccrualReport{Disabled: true}, nil
	}

	ctx, span := j.tracer.Start(ctx, "interest.accrue")
	defer span.End()

	var report AccrualReport
	accounts, err := j.repo.FindAccountsEligibleForInterest(ctx, j.policy.MaxMultiplier)
	if err != nil {
		endSpan(span, err)
		return report, fmt.Errorf("failed to load accounts eligible for interest: %w", err)
	}
	report.Scanned = len(accounts)

	var changed []int64
	for _, candidate := range accounts {
		if ctx.Err() != nil {
			j.logger.Warn("interest run interrupted", zap.Error(ctx.Err()))
			break
		}

		accrued, err := j.accrueOne(ctx, candidate.OwnerID)
		switch {
		case err != nil:
			report.Errored++
			interestResultCounter.WithLabelValues("error").Inc()
			j.logger.Error("failed to accrue interest",
				zap.Int64("owner_id", candidate.OwnerID), zap.Error(err))
		case accrued:
			report.Accrued++
			interestResultCounter.WithLabelValues("accrued").Inc()
			changed = append(changed, candidate.OwnerID)
		default:
			report.Unchanged++
			interestResultCounter.WithLabelValues("unchanged").Inc()
		}
	}

	j.evict(ctx, changed)

	span.SetAttributes(
		attribute.Int("interest.scanned", report.Scanned),
		attribute.Int("interest.accrued", report.Accrued),
		attribute.Int("interest.errored", report.Errored),
	)
	if report.Scanned > 0 {
		j.logger.Info("interest run finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("accrued", report.Accrued),
			zap.Int("unchanged", report.Unchanged),
			zap.Int("errored", report.Errored))
	}
	return report, nil
}

func (j *InterestJob) accrueOne(ctx context.Context, ownerID int64) (bool, error) {
	accrued := false
	err := j.repo.WithinTx(ctx, func(ctx context.Context, tx store.Repository) error {
		account, err := tx.FindAccountByOwnerForUpdate(ctx, ownerID)
		if err != nil {
			return err
		}
		next, ok := j.policy.Accrue(account.Balance, account.InitialDeposit)
		if !ok {
			return nil
		}
		account.Balance = next
		if err := tx.SaveAccount(ctx, account); err != nil {
			return err
		}
		accrued = true
		return nil
	})
	return accrued, err
}

func (j *InterestJob) evict(ctx context.Context, owners []int64) {
	if len(owners) == 0 {
		return
	}
	if j.cache == nil {
		j.logger.Warn("balance cache not configured; skipping eviction", zap.Int("accounts", len(owners)))
		return
	}
	for _, owner := range owners {
		if err := j.cache.Evict(ctx, owner); err != nil {
			j.logger.Warn("failed to evict cached balance", zap.Int64("owner_id", owner), zap.Error(err))
		}
	}
}
