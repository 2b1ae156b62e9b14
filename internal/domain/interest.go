package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MinInterestFactor is the lowest accepted rate and max multiplier.
var MinInterestFactor = decimal.RequireFromString("1.01")

var ErrInvalidInterestPolicy = errors.New("interest: invalid policy")

// InterestPolicy is the immutable compounding configuration for the accrual job.
type InterestPolicy struct {
	Rate          decimal.Decimal
	MaxMultiplier decimal.Decimal
}

// NewInterestPolicy parses and validates rate and maxMultiplier.
func NewInterestPolicy(rate, maxMultiplier string) (InterestPolicy, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return InterestPolicy{}, fmt.Errorf("%w: rate %q: %v", ErrInvalidInterestPolicy, rate, err)
	}
	m, err := decimal.NewFromString(maxMultiplier)
	if err != nil {
		return InterestPolicy{}, fmt.Errorf("%w: max multiplier %q: %v", ErrInvalidInterestPolicy, maxMultiplier, err)
	}
	p := InterestPolicy{Rate: r, MaxMultiplier: m}
	if err := p.Validate(); err != nil {
		return InterestPolicy{}, err
	}
	return p, nil
}

func (p InterestPolicy) Validate() error {
	if p.Rate.LessThan(MinInterestFactor) {
		return fmt.Errorf("%w: rate %s must be at least %s", ErrInvalidInterestPolicy, p.Rate, MinInterestFactor)
	}
	if p.MaxMultiplier.LessThan(MinInterestFactor) {
		return fmt.Errorf("%w: max multiplier %s must be at least %s", ErrInvalidInterestPolicy, p.MaxMultiplier, MinInterestFactor)
	}
	return nil
}

// Ceiling is initialDeposit * MaxMultiplier truncated down to cents, so a
// rounded balance can never exceed the exact product.
func (p InterestPolicy) Ceiling(initialDeposit decimal.Decimal) decimal.Decimal {
	return initialDeposit.Mul(p.MaxMultiplier).RoundFloor(MoneyScale)
}

// Accrue returns the balance after one compounding step and whether it changed.
// A balance already at or above the ceiling is returned unchanged.
func (p InterestPolicy) Accrue(balance, initialDeposit decimal.Decimal) (decimal.Decimal, bool) {
	ceiling := p.Ceiling(initialDeposit)
	if balance.GreaterThanOrEqual(ceiling) {
		return balance, false
	}
	next := NormalizeMoney(balance.Mul(p.Rate))
	if next.GreaterThan(ceiling) {
		next = ceiling
	}
	return next, !next.Equal(balance)
}
