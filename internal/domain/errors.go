package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrorKind names one of the stable transfer failure categories.
type ErrorKind string

const (
	KindInvalidAmount     ErrorKind = "INVALID_AMOUNT"
	KindSelfTransfer      ErrorKind = "SELF_TRANSFER"
	KindLockContention    ErrorKind = "LOCK_CONTENTION"
	KindAccountNotFound   ErrorKind = "ACCOUNT_NOT_FOUND"
	KindInsufficientFunds ErrorKind = "INSUFFICIENT_FUNDS"
	KindTransientStore    ErrorKind = "TRANSIENT_STORE"
)

// AccountRole tags which party of a transfer an error refers to.
type AccountRole string

const (
	RoleSender   AccountRole = "Sender"
	RoleReceiver AccountRole = "Receiver"
)

// Sentinels matched through errors.Is against a *TransferError of the same kind.
var (
	ErrInvalidAmount     = errors.New("transfer amount must be greater than zero")
	ErrSelfTransfer      = errors.New("cannot transfer to the same account")
	ErrLockContention    = errors.New("transfer lock is held by another operation")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTransientStore    = errors.New("backing store temporarily unavailable")
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidAmount:     ErrInvalidAmount,
	KindSelfTransfer:      ErrSelfTransfer,
	KindLockContention:    ErrLockContention,
	KindAccountNotFound:   ErrAccountNotFound,
	KindInsufficientFunds: ErrInsufficientFunds,
	KindTransientStore:    ErrTransientStore,
}

// TransferError is the typed result of a failed transfer. Only the fields
// relevant to Kind are populated.
type TransferError struct {
	Kind ErrorKind

	// LockContention: which lock of the ordered pair was not obtained.
	Side string

	// AccountNotFound.
	Role    AccountRole
	OwnerID int64

	// InsufficientFunds.
	Current  decimal.Decimal
	Required decimal.Decimal

	// Underlying cause, if any.
	Err error
}

func (e *TransferError) Error() string {
	switch e.Kind {
	case KindInvalidAmount:
		return fmt.Sprintf("%s: got %s", ErrInvalidAmount, e.Required.StringFixed(MoneyScale))
	case KindSelfTransfer:
		return fmt.Sprintf("%s: owner %d", ErrSelfTransfer, e.OwnerID)
	case KindLockContention:
		return fmt.Sprintf("%s (%s lock)", ErrLockContention, e.Side)
	case KindAccountNotFound:
		return fmt.Sprintf("%s account not found for owner %d", e.Role, e.OwnerID)
	case KindInsufficientFunds:
		return fmt.Sprintf("%s: current balance %s, required %s",
			ErrInsufficientFunds, e.Current.StringFixed(MoneyScale), e.Required.StringFixed(MoneyScale))
	case KindTransientStore:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", ErrTransientStore, e.Err)
		}
		return ErrTransientStore.Error()
	default:
		return fmt.Sprintf("transfer failed: %s", e.Kind)
	}
}

// Is matches the sentinel of the error's kind.
func (e *TransferError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func (e *TransferError) Unwrap() error { return e.Err }

func InvalidAmount(amount decimal.Decimal) *TransferError {
	return &TransferError{Kind: KindInvalidAmount, Required: amount}
}

func SelfTransfer(ownerID int64) *TransferError {
	return &TransferError{Kind: KindSelfTransfer, OwnerID: ownerID}
}

func LockContention(side string, cause error) *TransferError {
	return &TransferError{Kind: KindLockContention, Side: side, Err: cause}
}

func AccountNotFound(role AccountRole, ownerID int64) *TransferError {
	return &TransferError{Kind: KindAccountNotFound, Role: role, OwnerID: ownerID}
}

func InsufficientFunds(current, required decimal.Decimal) *TransferError {
	return &TransferError{Kind: KindInsufficientFunds, Current: current, Required: required}
}

func TransientStore(cause error) *TransferError {
	return &TransferError{Kind: KindTransientStore, Err: cause}
}

// KindOf returns the kind of the first *TransferError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}
