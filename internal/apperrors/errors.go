package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrCancellationNotFound = errors.New("booking cancellation not found")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConcurrency         = errors.New("account was modified concurrently")
	ErrDuplicate           = errors.New("transaction with this idempotency key already exists")
	ErrStoreUnavailable    = errors.New("ledger store unavailable")

	ErrMalformedReservation = errors.New("malformed reservation")
	ErrInvalidTransition    = errors.New("invalid transaction type transition")

	ErrInvalidQuantity = errors.New("quantity must be a positive integer")
	ErrScopeRequired   = errors.New("scope is required")
	ErrHolderRequired  = errors.New("holder is required")
	ErrInvalidLedger   = errors.New("unknown ledger")
)

// InsufficientBalanceError carries the numbers behind a rejected reservation.
// It matches ErrInsufficientBalance with errors.Is.
type InsufficientBalanceError struct {
	Ledger    string
	HolderID  string
	ScopeID   string
	Requested int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s account %s/%s: requested %d, available %d",
		e.Ledger, e.HolderID, e.ScopeID, e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// IsRetryable reports whether the operation may succeed if repeated later
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConcurrency)
}
