package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/classcredits/internal/apperrors"
	"github.com/nkiryanov/classcredits/internal/models"
	"github.com/nkiryanov/classcredits/internal/repository"
	"github.com/nkiryanov/classcredits/internal/testutil"
)

var studentKey = models.AccountKey{Ledger: models.LedgerStudentClasses, HolderID: "student-1", ScopeID: "franchise-1"}

func lockTx(key models.AccountKey, booking string, unlockAt time.Time) models.Transaction {
	return models.Transaction{
		Ledger:         key.Ledger,
		HolderID:       key.HolderID,
		ScopeID:        key.ScopeID,
		Type:           models.TxTypeLock,
		Quantity:       1,
		BookingID:      &booking,
		UnlockAt:       &unlockAt,
		Source:         models.SourceStudent,
		Meta:           models.NewMeta(),
		IdempotencyKey: "lock:" + booking,
	}
}

func TestLedger(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	inTx := func(t *testing.T, outerTx testutil.DBTX, fn func(pgx.Tx, repository.Storage)) {
		testutil.WithTx(outerTx, t, func(innerTx pgx.Tx) {
			fn(innerTx, NewStorage(innerTx))
		})
	}

	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("GetAccount", func(t *testing.T) {
		inTx(t, pg.Pool, func(_ pgx.Tx, storage repository.Storage) {
			account, err := storage.Ledger().GetAccount(t.Context(), studentKey)

			require.NoError(t, err, "first read should create account")
			require.Equal(t, studentKey, account.Key())
			require.Zero(t, account.Available())
		})
	})

	t.Run("UpdateAccount", func(t *testing.T) {
		inTx(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			account, err := storage.Ledger().LockAccount(t.Context(), studentKey)
			require.NoError(t, err)
			account, err = storage.Ledger().UpdateAccount(t.Context(), studentKey, models.AccountDelta{Purchased: 5, ExpectedVersion: account.Version})
			require.NoError(t, err)

			t.Run("lock part of balance", func(t *testing.T) {
				inTx(t, tx, func(_ pgx.Tx, storage repository.Storage) {
					updated, err := storage.Ledger().UpdateAccount(t.Context(), studentKey, models.AccountDelta{Locked: 1, ExpectedVersion: account.Version})

					require.NoError(t, err)
					require.Equal(t, int64(4), updated.Available())
					require.Equal(t, account.Version+1, updated.Version)
				})
			})

			t.Run("stale version", func(t *testing.T) {
				inTx(t, tx, func(_ pgx.Tx, storage repository.Storage) {
					_, err := storage.Ledger().UpdateAccount(t.Context(), studentKey, models.AccountDelta{Locked: 1, ExpectedVersion: account.Version - 1})

					require.ErrorIs(t, err, apperrors.ErrConcurrency)
				})
			})

			t.Run("overcommit rejected", func(t *testing.T) {
				inTx(t, tx, func(_ pgx.Tx, storage repository.Storage) {
					_, err := storage.Ledger().UpdateAccount(t.Context(), studentKey, models.AccountDelta{Locked: 6, ExpectedVersion: account.Version})

					require.ErrorIs(t, err, apperrors.ErrInsufficientBalance, "check constraint should be mapped")
				})
			})
		})
	})

	t.Run("Transactions", func(t *testing.T) {
		inTx(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			created, err := storage.Ledger().AppendTransaction(t.Context(), lockTx(studentKey, "booking-1", now))
			require.NoError(t, err)

			t.Run("get", func(t *testing.T) {
				inTx(t, tx, func(_ pgx.Tx, storage repository.Storage) {
					got, err := storage.Ledger().GetTransaction(t.Context(), created.ID)

					require.NoError(t, err)
					require.Equal(t, models.TxTypeLock, got.Type)
					require.True(t, now.Equal(*got.UnlockAt))
					require.Equal(t, models.MetaVersion, got.Meta.Version)
				})
			})

			t.Run("not found", func(t *testing.T) {
				inTx(t, tx, func(_ pgx.Tx, storage repository.Storage) {
					_, err := storage.Ledger().GetTransaction(t.Context(), uuid.New())

					require.ErrorIs(t, err, apperrors.ErrTransactionNotFound)
				})
			})

			t.Run("duplicate key", func(t *testing.T) {
				inTx(t, tx, func(_ pgx.Tx, storage repository.Storage) {
					_, err := storage.Ledger().AppendTransaction(t.Context(), lockTx(studentKey, "booking-1", now))

					require.ErrorIs(t, err, apperrors.ErrDuplicate)
				})
			})

			t.Run("transition once", func(t *testing.T) {
				inTx(t, tx, func(_ pgx.Tx, storage repository.Storage) {
					settled, ok, err := storage.Ledger().TransitionType(t.Context(), created.ID, models.TxTypeLock, models.TxTypeConsume, models.Meta{ProcessedBy: "scheduler"})
					require.NoError(t, err)
					require.True(t, ok)
					require.Equal(t, models.TxTypeConsume, settled.Type)
					require.Equal(t, "scheduler", settled.Meta.ProcessedBy)
					require.Equal(t, models.MetaVersion, settled.Meta.Version, "patch should merge into meta")

					_, ok, err = storage.Ledger().TransitionType(t.Context(), created.ID, models.TxTypeLock, models.TxTypeConsume, models.Meta{})
					require.NoError(t, err)
					require.False(t, ok, "second transition should lose")
				})
			})

			t.Run("detach hides from sweep", func(t *testing.T) {
				inTx(t, tx, func(_ pgx.Tx, storage repository.Storage) {
					detached, ok, err := storage.Ledger().Detach(t.Context(), created.ID, now)
					require.NoError(t, err)
					require.True(t, ok)
					require.Nil(t, detached.BookingID)
					require.Equal(t, "booking-1", detached.Meta.DetachedBookingID)

					expired, err := storage.Ledger().FindExpiredLocks(t.Context(), repository.FindExpiredOpts{
						Ledger: models.LedgerStudentClasses, Type: models.TxTypeLock, Now: now.Add(time.Hour),
					})
					require.NoError(t, err)
					require.Empty(t, expired)

					orphans, err := storage.Ledger().FindDetachedLocks(t.Context(), []string{"booking-1"}, 0)
					require.NoError(t, err)
					require.Len(t, orphans, 1)
					require.Equal(t, created.ID, orphans[0].ID)

					orphans, err = storage.Ledger().FindDetachedLocks(t.Context(), nil, 0)
					require.NoError(t, err)
					require.Len(t, orphans, 1)

					orphans, err = storage.Ledger().FindDetachedLocks(t.Context(), []string{"other"}, 0)
					require.NoError(t, err)
					require.Empty(t, orphans)
				})
			})
		})
	})

	t.Run("FindExpiredLocks", func(t *testing.T) {
		inTx(t, pg.Pool, func(_ pgx.Tx, storage repository.Storage) {
			first, err := storage.Ledger().AppendTransaction(t.Context(), lockTx(studentKey, "b-1", now.Add(-2*time.Hour)))
			require.NoError(t, err)
			second, err := storage.Ledger().AppendTransaction(t.Context(), lockTx(studentKey, "b-2", now.Add(-time.Hour)))
			require.NoError(t, err)
			_, err = storage.Ledger().AppendTransaction(t.Context(), lockTx(studentKey, "b-3", now.Add(time.Hour)))
			require.NoError(t, err)

			page, err := storage.Ledger().FindExpiredLocks(t.Context(), repository.FindExpiredOpts{
				Ledger: models.LedgerStudentClasses, Type: models.TxTypeLock, Now: now, Limit: 1,
			})
			require.NoError(t, err)
			require.Len(t, page, 1)
			require.Equal(t, first.ID, page[0].ID)

			page, err = storage.Ledger().FindExpiredLocks(t.Context(), repository.FindExpiredOpts{
				Ledger: models.LedgerStudentClasses, Type: models.TxTypeLock, Now: now, Limit: 1,
				AfterUnlockAt: page[0].UnlockAt, AfterID: page[0].ID,
			})
			require.NoError(t, err)
			require.Len(t, page, 1)
			require.Equal(t, second.ID, page[0].ID)

			byBooking, err := storage.Ledger().FindLocksByBookings(t.Context(), []string{"b-2", "b-3", "missing"})
			require.NoError(t, err)
			require.Len(t, byBooking, 2)

			stats, err := storage.Ledger().LockStats(t.Context(), now)
			require.NoError(t, err)
			require.Len(t, stats, 1)
			require.Equal(t, int64(1), stats[0].ActiveCount)
			require.Equal(t, int64(2), stats[0].PendingCount)
			require.Equal(t, int64(0), stats[0].DetachedCount)
		})
	})

	t.Run("Bookings", func(t *testing.T) {
		inTx(t, pg.Pool, func(_ pgx.Tx, storage repository.Storage) {
			err := storage.Bookings().RecordCancellation(t.Context(), models.Cancellation{
				BookingID: "b-1", HolderID: "student-1", CreditsCost: 1, StartTime: now, CancelledAt: now.Add(-time.Hour),
			})
			require.NoError(t, err)
			err = storage.Bookings().RecordCancellation(t.Context(), models.Cancellation{
				BookingID: "b-1", HolderID: "student-1", CreditsCost: 1, StartTime: now, CancelledAt: now,
			})
			require.NoError(t, err, "recording twice should be ok")

			ids, err := storage.Bookings().CancelledSince(t.Context(), now.Add(-24*time.Hour))
			require.NoError(t, err)
			require.Equal(t, []string{"b-1"}, ids)

			c, err := storage.Bookings().GetCancellation(t.Context(), "b-1")
			require.NoError(t, err)
			require.True(t, now.Add(-time.Hour).Equal(c.CancelledAt), "first record wins")
			require.True(t, now.Equal(c.StartTime))

			_, err = storage.Bookings().GetCancellation(t.Context(), "b-2")
			require.ErrorIs(t, err, apperrors.ErrCancellationNotFound)
		})
	})
}
