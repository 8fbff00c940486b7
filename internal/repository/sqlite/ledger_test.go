package sqlite

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/classcredits/internal/apperrors"
	"github.com/nkiryanov/classcredits/internal/models"
	"github.com/nkiryanov/classcredits/internal/repository"
)

func newStorage(t *testing.T) *Storage {
	t.Helper()

	db, err := Open(t.Context(), ":memory:")
	require.NoError(t, err, "in-memory database should open")
	t.Cleanup(func() { _ = db.Close() })

	return NewStorage(db)
}

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

func TestLedger_Accounts(t *testing.T) {
	t.Run("get creates zeroed account", func(t *testing.T) {
		repo := newStorage(t).Ledger()

		account, err := repo.GetAccount(t.Context(), studentKey)

		require.NoError(t, err, "first read should create account")
		require.Equal(t, studentKey, account.Key())
		require.Zero(t, account.TotalPurchased)
		require.Zero(t, account.LockedQty)
		require.Zero(t, account.Version)

		again, err := repo.GetAccount(t.Context(), studentKey)
		require.NoError(t, err, "second read should be ok")
		require.Equal(t, account.Version, again.Version)
	})

	t.Run("ledgers are independent", func(t *testing.T) {
		repo := newStorage(t).Ledger()
		trainerKey := studentKey
		trainerKey.Ledger = models.LedgerTrainerHours

		_, err := repo.UpdateAccount(t.Context(), studentKey, models.AccountDelta{Purchased: 5})
		require.ErrorIs(t, err, apperrors.ErrConcurrency, "update of not existed account can't match version")

		_, err = repo.GetAccount(t.Context(), studentKey)
		require.NoError(t, err)
		_, err = repo.UpdateAccount(t.Context(), studentKey, models.AccountDelta{Purchased: 5})
		require.NoError(t, err)

		trainer, err := repo.GetAccount(t.Context(), trainerKey)
		require.NoError(t, err)
		require.Zero(t, trainer.TotalPurchased, "trainer account should not see student purchase")
	})

	t.Run("update applies delta and bumps version", func(t *testing.T) {
		repo := newStorage(t).Ledger()
		account, err := repo.GetAccount(t.Context(), studentKey)
		require.NoError(t, err)

		updated, err := repo.UpdateAccount(t.Context(), studentKey, models.AccountDelta{Purchased: 5, Locked: 2, ExpectedVersion: account.Version})

		require.NoError(t, err)
		require.Equal(t, int64(5), updated.TotalPurchased)
		require.Equal(t, int64(2), updated.LockedQty)
		require.Equal(t, int64(3), updated.Available())
		require.Equal(t, account.Version+1, updated.Version)
	})

	t.Run("stale version", func(t *testing.T) {
		repo := newStorage(t).Ledger()
		account, err := repo.GetAccount(t.Context(), studentKey)
		require.NoError(t, err)
		_, err = repo.UpdateAccount(t.Context(), studentKey, models.AccountDelta{Purchased: 1, ExpectedVersion: account.Version})
		require.NoError(t, err)

		_, err = repo.UpdateAccount(t.Context(), studentKey, models.AccountDelta{Purchased: 1, ExpectedVersion: account.Version})

		require.ErrorIs(t, err, apperrors.ErrConcurrency, "second write with the same version must fail")
	})

	t.Run("available can't go negative", func(t *testing.T) {
		repo := newStorage(t).Ledger()
		account, err := repo.GetAccount(t.Context(), studentKey)
		require.NoError(t, err)
		account, err = repo.UpdateAccount(t.Context(), studentKey, models.AccountDelta{Purchased: 1, ExpectedVersion: account.Version})
		require.NoError(t, err)

		_, err = repo.UpdateAccount(t.Context(), studentKey, models.AccountDelta{Locked: 2, ExpectedVersion: account.Version})

		require.ErrorIs(t, err, apperrors.ErrInsufficientBalance)

		stored, err := repo.GetAccount(t.Context(), studentKey)
		require.NoError(t, err)
		require.Equal(t, int64(0), stored.LockedQty, "failed update must not change account")
	})

	t.Run("locked can't go negative", func(t *testing.T) {
		repo := newStorage(t).Ledger()
		account, err := repo.GetAccount(t.Context(), studentKey)
		require.NoError(t, err)

		_, err = repo.UpdateAccount(t.Context(), studentKey, models.AccountDelta{Locked: -1, ExpectedVersion: account.Version})

		require.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	})

	t.Run("unknown ledger", func(t *testing.T) {
		repo := newStorage(t).Ledger()

		_, err := repo.GetAccount(t.Context(), models.AccountKey{Ledger: "coins", HolderID: "h", ScopeID: "s"})

		require.ErrorIs(t, err, apperrors.ErrInvalidLedger)
	})
}

func TestLedger_Transactions(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("append and get", func(t *testing.T) {
		repo := newStorage(t).Ledger()
		tx := lockTx(studentKey, "booking-1", now)

		created, err := repo.AppendTransaction(t.Context(), tx)

		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, created.ID, "id should be generated")
		require.False(t, created.CreatedAt.IsZero(), "created_at should be set")

		got, err := repo.GetTransaction(t.Context(), created.ID)
		require.NoError(t, err)
		require.Equal(t, models.TxTypeLock, got.Type)
		require.Equal(t, "booking-1", *got.BookingID)
		require.True(t, now.Equal(*got.UnlockAt), "unlock_at should survive roundtrip")
		require.Equal(t, models.MetaVersion, got.Meta.Version)

		byKey, err := repo.GetTransactionByKey(t.Context(), "lock:booking-1")
		require.NoError(t, err)
		require.Equal(t, created.ID, byKey.ID)
	})

	t.Run("duplicate idempotency key", func(t *testing.T) {
		repo := newStorage(t).Ledger()
		_, err := repo.AppendTransaction(t.Context(), lockTx(studentKey, "booking-1", now))
		require.NoError(t, err)

		_, err = repo.AppendTransaction(t.Context(), lockTx(studentKey, "booking-1", now))

		require.ErrorIs(t, err, apperrors.ErrDuplicate)
	})

	t.Run("not found", func(t *testing.T) {
		repo := newStorage(t).Ledger()

		_, err := repo.GetTransaction(t.Context(), uuid.New())

		require.ErrorIs(t, err, apperrors.ErrTransactionNotFound)
	})

	t.Run("transition is compare and swap", func(t *testing.T) {
		repo := newStorage(t).Ledger()
		created, err := repo.AppendTransaction(t.Context(), lockTx(studentKey, "booking-1", now))
		require.NoError(t, err)

		settled, ok, err := repo.TransitionType(t.Context(), created.ID, models.TxTypeLock, models.TxTypeConsume, models.Meta{ProcessedBy: "scheduler", SettledFrom: models.TxTypeLock})

		require.NoError(t, err)
		require.True(t, ok, "first transition should win")
		require.Equal(t, models.TxTypeConsume, settled.Type)
		require.Equal(t, "scheduler", settled.Meta.ProcessedBy)
		require.Equal(t, models.MetaVersion, settled.Meta.Version, "patch must keep existing meta fields")

		_, ok, err = repo.TransitionType(t.Context(), created.ID, models.TxTypeLock, models.TxTypeRefund, models.Meta{})

		require.NoError(t, err, "lost race is not an error")
		require.False(t, ok, "second transition must lose")
	})

	t.Run("detach", func(t *testing.T) {
		repo := newStorage(t).Ledger()
		created, err := repo.AppendTransaction(t.Context(), lockTx(studentKey, "booking-1", now))
		require.NoError(t, err)

		detached, ok, err := repo.Detach(t.Context(), created.ID, now)

		require.NoError(t, err)
		require.True(t, ok)
		require.Nil(t, detached.BookingID)
		require.Equal(t, models.TxTypeLock, detached.Type, "detach must not settle")
		require.Equal(t, "booking-1", detached.Meta.DetachedBookingID)
		require.True(t, now.Equal(*detached.Meta.DetachedAt))

		_, ok, err = repo.Detach(t.Context(), created.ID, now)
		require.NoError(t, err)
		require.False(t, ok, "second detach is a no-op")
	})

	t.Run("list newest first", func(t *testing.T) {
		repo := newStorage(t).Ledger()
		for i, booking := range []string{"b-1", "b-2", "b-3"} {
			tx := lockTx(studentKey, booking, now)
			tx.CreatedAt = now.Add(time.Duration(i) * time.Second)
			_, err := repo.AppendTransaction(t.Context(), tx)
			require.NoError(t, err)
		}

		txs, err := repo.ListTransactions(t.Context(), studentKey, 2)

		require.NoError(t, err)
		require.Len(t, txs, 2)
		require.Equal(t, "b-3", *txs[0].BookingID)
		require.Equal(t, "b-2", *txs[1].BookingID)
	})
}

func TestLedger_FindExpiredLocks(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	repo := newStorage(t).Ledger()

	expired1, err := repo.AppendTransaction(t.Context(), lockTx(studentKey, "expired-1", now.Add(-2*time.Hour)))
	require.NoError(t, err)
	expired2, err := repo.AppendTransaction(t.Context(), lockTx(studentKey, "expired-2", now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = repo.AppendTransaction(t.Context(), lockTx(studentKey, "future", now.Add(time.Hour)))
	require.NoError(t, err)
	detached, err := repo.AppendTransaction(t.Context(), lockTx(studentKey, "detached", now.Add(-3*time.Hour)))
	require.NoError(t, err)
	_, _, err = repo.Detach(t.Context(), detached.ID, now)
	require.NoError(t, err)

	t.Run("expired attached only", func(t *testing.T) {
		txs, err := repo.FindExpiredLocks(t.Context(), repository.FindExpiredOpts{
			Ledger: models.LedgerStudentClasses,
			Type:   models.TxTypeLock,
			Now:    now,
		})

		require.NoError(t, err)
		require.Len(t, txs, 2, "future and detached locks must be skipped")
		require.Equal(t, expired1.ID, txs[0].ID, "oldest first")
		require.Equal(t, expired2.ID, txs[1].ID)
	})

	t.Run("keyset pages", func(t *testing.T) {
		first, err := repo.FindExpiredLocks(t.Context(), repository.FindExpiredOpts{
			Ledger: models.LedgerStudentClasses, Type: models.TxTypeLock, Now: now, Limit: 1,
		})
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := repo.FindExpiredLocks(t.Context(), repository.FindExpiredOpts{
			Ledger: models.LedgerStudentClasses, Type: models.TxTypeLock, Now: now, Limit: 1,
			AfterUnlockAt: first[0].UnlockAt, AfterID: first[0].ID,
		})
		require.NoError(t, err)
		require.Len(t, second, 1)
		require.Equal(t, expired2.ID, second[0].ID)
	})

	t.Run("other type", func(t *testing.T) {
		txs, err := repo.FindExpiredLocks(t.Context(), repository.FindExpiredOpts{
			Ledger: models.LedgerStudentClasses, Type: models.TxTypeBonusLock, Now: now,
		})

		require.NoError(t, err)
		require.Empty(t, txs)
	})

	t.Run("non reservation type", func(t *testing.T) {
		_, err := repo.FindExpiredLocks(t.Context(), repository.FindExpiredOpts{
			Ledger: models.LedgerStudentClasses, Type: models.TxTypeConsume, Now: now,
		})

		require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	})

	t.Run("by bookings", func(t *testing.T) {
		txs, err := repo.FindLocksByBookings(t.Context(), []string{"expired-1", "detached", "unknown"})

		require.NoError(t, err)
		require.Len(t, txs, 1, "detached lock has no booking reference anymore")
		require.Equal(t, expired1.ID, txs[0].ID)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := repo.LockStats(t.Context(), now)

		require.NoError(t, err)
		require.Len(t, stats, 1)
		require.Equal(t, models.LockStat{
			Ledger:        models.LedgerStudentClasses,
			Type:          models.TxTypeLock,
			ActiveCount:   1,
			ActiveQty:     1,
			PendingCount:  2,
			PendingQty:    2,
			DetachedCount: 1,
			DetachedQty:   1,
		}, stats[0])
	})
}

func TestLedger_FindDetachedLocks(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	repo := newStorage(t).Ledger()

	detach := func(t *testing.T, booking string, createdAt time.Time) models.Transaction {
		t.Helper()
		tx := lockTx(studentKey, booking, now.Add(time.Hour))
		tx.CreatedAt = createdAt
		tx, err := repo.AppendTransaction(t.Context(), tx)
		require.NoError(t, err)
		tx, ok, err := repo.Detach(t.Context(), tx.ID, now)
		require.NoError(t, err)
		require.True(t, ok)
		return tx
	}

	first := detach(t, "b-1", now.Add(-2*time.Minute))
	second := detach(t, "b-2", now.Add(-time.Minute))
	_, err := repo.AppendTransaction(t.Context(), lockTx(studentKey, "attached", now.Add(time.Hour)))
	require.NoError(t, err)

	t.Run("by booking", func(t *testing.T) {
		txs, err := repo.FindDetachedLocks(t.Context(), []string{"b-2", "attached", "unknown"}, 0)

		require.NoError(t, err)
		require.Len(t, txs, 1)
		require.Equal(t, second.ID, txs[0].ID)
		require.Equal(t, "b-2", txs[0].Meta.DetachedBookingID)
	})

	t.Run("any booking with limit", func(t *testing.T) {
		txs, err := repo.FindDetachedLocks(t.Context(), nil, 1)

		require.NoError(t, err)
		require.Len(t, txs, 1)
		require.Equal(t, first.ID, txs[0].ID, "oldest first")
	})

	t.Run("settled are gone", func(t *testing.T) {
		_, ok, err := repo.TransitionType(t.Context(), first.ID, models.TxTypeLock, models.TxTypeRefund, models.Meta{})
		require.NoError(t, err)
		require.True(t, ok)

		txs, err := repo.FindDetachedLocks(t.Context(), nil, 0)

		require.NoError(t, err)
		require.Len(t, txs, 1)
		require.Equal(t, second.ID, txs[0].ID)
	})
}

func TestStorage_InTx(t *testing.T) {
	t.Run("rollback on error", func(t *testing.T) {
		storage := newStorage(t)

		err := storage.InTx(t.Context(), func(st repository.Storage) error {
			_, err := st.Ledger().AppendTransaction(t.Context(), lockTx(studentKey, "booking-1", time.Now()))
			require.NoError(t, err)
			return apperrors.ErrConcurrency
		})
		require.ErrorIs(t, err, apperrors.ErrConcurrency)

		_, err = storage.Ledger().GetTransactionByKey(t.Context(), "lock:booking-1")
		require.ErrorIs(t, err, apperrors.ErrTransactionNotFound, "transaction must be rolled back")
	})

	t.Run("commit", func(t *testing.T) {
		storage := newStorage(t)

		err := storage.InTx(t.Context(), func(st repository.Storage) error {
			// nested call joins the outer transaction
			return st.InTx(t.Context(), func(nested repository.Storage) error {
				_, err := nested.Ledger().AppendTransaction(t.Context(), lockTx(studentKey, "booking-1", time.Now()))
				return err
			})
		})
		require.NoError(t, err)

		_, err = storage.Ledger().GetTransactionByKey(t.Context(), "lock:booking-1")
		require.NoError(t, err)
	})
}

func TestBookings(t *testing.T) {
	repo := newStorage(t).Bookings()
	now := time.Now().UTC()

	for i, id := range []string{"old", "recent-1", "recent-2"} {
		err := repo.RecordCancellation(t.Context(), models.Cancellation{
			BookingID:   id,
			HolderID:    "student-1",
			CreditsCost: 1,
			StartTime:   now.Add(time.Hour),
			CancelledAt: now.Add(-time.Duration(10-i*4) * 24 * time.Hour),
		})
		require.NoError(t, err)
	}

	err := repo.RecordCancellation(t.Context(), models.Cancellation{BookingID: "recent-1", CancelledAt: now})
	require.NoError(t, err, "recording twice should be ok")

	t.Run("cancelled since", func(t *testing.T) {
		ids, err := repo.CancelledSince(t.Context(), now.Add(-7*24*time.Hour))

		require.NoError(t, err)
		require.Equal(t, []string{"recent-1", "recent-2"}, ids)
	})

	t.Run("get keeps first record", func(t *testing.T) {
		c, err := repo.GetCancellation(t.Context(), "recent-1")

		require.NoError(t, err)
		require.Equal(t, "student-1", c.HolderID)
		require.Equal(t, int64(1), c.CreditsCost)
		require.True(t, now.Add(-6*24*time.Hour).Truncate(time.Millisecond).Equal(c.CancelledAt))
		require.True(t, now.Add(time.Hour).Truncate(time.Millisecond).Equal(c.StartTime))
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := repo.GetCancellation(t.Context(), "unknown")

		require.ErrorIs(t, err, apperrors.ErrCancellationNotFound)
	})
}
