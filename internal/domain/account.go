/**
 * @description
 * This file defines the core domain models for the transfer-service ledger.
 * These structs represent the accounts whose balances are moved by transfers and
 * grown by the interest job.
 *
 * @notes
 * - Amounts are `decimal.Decimal` with two fractional digits (NUMERIC(19,2) in the
 *   database). Floating point is never used for money.
 * - An Account references its owner by identifier only. The owning user is managed
 *   by the account-opening collaborator.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits kept for every monetary value.
const MoneyScale int32 = 2

// Account is a user's ledger account. It maps directly to the `accounts` table.
type Account struct {
	ID             int64           `json:"id"`
	OwnerID        int64           `json:"owner_id"`
	Balance        decimal.Decimal `json:"balance"`
	InitialDeposit decimal.Decimal `json:"initial_deposit"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Debit removes amount from the balance. Callers validate funds first.
func (a *Account) Debit(amount decimal.Decimal) {
	a.Balance = a.Balance.Sub(amount)
}

// Credit adds amount to the balance.
func (a *Account) Credit(amount decimal.Decimal) {
	a.Balance = a.Balance.Add(amount)
}

// CanCover reports whether the balance is at least amount.
func (a *Account) CanCover(amount decimal.Decimal) bool {
	return a.Balance.GreaterThanOrEqual(amount)
}

// OpenAccountRequest is the DTO for the account-opening endpoint.
type OpenAccountRequest struct {
	InitialDeposit decimal.Decimal `json:"initial_deposit"`
}

// MaxMoney is the exclusive upper bound of a NUMERIC(19,2) column.
var MaxMoney = decimal.New(1, 17)

// IsValidAmount reports whether v is positive, has at most MoneyScale
// fractional digits and fits a money column.
func IsValidAmount(v decimal.Decimal) bool {
	return v.IsPositive() && v.Equal(NormalizeMoney(v)) && v.LessThan(MaxMoney)
}

// NormalizeMoney rounds a monetary value to MoneyScale digits.
func NormalizeMoney(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyScale)
}
