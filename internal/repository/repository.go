package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/classcredits/internal/models"
)

// Storage is a unit of work over ledger repositories.
// Repositories returned from the storage passed to InTx share one database transaction.
type Storage interface {
	Ledger() LedgerRepo
	Bookings() BookingRepo

	// Run fn in a transaction: commit if fn returns nil, rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}

// Ledger repository interface
// Connection and timeout failures must be wrapped with apperrors.ErrStoreUnavailable
type LedgerRepo interface {
	// Get account; a zeroed account is created on first read
	GetAccount(ctx context.Context, key models.AccountKey) (models.Account, error)

	// Same as GetAccount but holds the row lock until the transaction ends
	// Must be called before any balance check that precedes a write
	LockAccount(ctx context.Context, key models.AccountKey) (models.Account, error)

	// Apply delta to account if its version still equals delta.ExpectedVersion
	// If the version moved, must return apperrors.ErrConcurrency
	// If the result would break balance constraints, must return apperrors.ErrInsufficientBalance
	UpdateAccount(ctx context.Context, key models.AccountKey, delta models.AccountDelta) (models.Account, error)

	// Insert transaction
	// If the idempotency key is taken, must return apperrors.ErrDuplicate
	AppendTransaction(ctx context.Context, tx models.Transaction) (models.Transaction, error)

	// If transaction not found must return apperrors.ErrTransactionNotFound
	GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error)
	GetTransactionByKey(ctx context.Context, idempotencyKey string) (models.Transaction, error)

	// Reservations of the given type with unlock_at <= now that are still attached to a booking, oldest first
	FindExpiredLocks(ctx context.Context, opts FindExpiredOpts) ([]models.Transaction, error)

	// Reservations still attached to any of the bookings
	FindLocksByBookings(ctx context.Context, bookingIDs []string) ([]models.Transaction, error)

	// Unsettled reservations that were detached from their booking, oldest first.
	// Empty bookingIDs means any booking, zero limit means no limit.
	FindDetachedLocks(ctx context.Context, bookingIDs []string, limit int) ([]models.Transaction, error)

	// Compare-and-swap on transaction type: flips from -> to and merges patch into meta.
	// Returns false without error if the stored type is no longer 'from'.
	TransitionType(ctx context.Context, id uuid.UUID, from models.TxType, to models.TxType, patch models.Meta) (models.Transaction, bool, error)

	// Clear booking reference of an unsettled reservation
	// Returns false without error if it is already detached or settled
	Detach(ctx context.Context, id uuid.UUID, at time.Time) (models.Transaction, bool, error)

	// Account transactions, newest first
	ListTransactions(ctx context.Context, key models.AccountKey, limit int) ([]models.Transaction, error)

	// Reservation counters per ledger and type
	LockStats(ctx context.Context, now time.Time) ([]models.LockStat, error)
}

type FindExpiredOpts struct {
	Ledger models.Ledger
	Type   models.TxType
	Now    time.Time

	// Page size, zero means no limit
	Limit int

	// Keyset cursor: return rows strictly after (AfterUnlockAt, AfterID)
	AfterUnlockAt *time.Time
	AfterID       uuid.UUID
}

// Booking cancellations repository interface
type BookingRepo interface {
	// Save cancellation, repeated calls for the same booking keep the first record
	RecordCancellation(ctx context.Context, c models.Cancellation) error

	// Booking ids cancelled at or after 'since'
	CancelledSince(ctx context.Context, since time.Time) ([]string, error)

	// If booking was never cancelled must return apperrors.ErrCancellationNotFound
	GetCancellation(ctx context.Context, bookingID string) (models.Cancellation, error)
}
