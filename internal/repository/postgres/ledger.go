package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/classcredits/internal/apperrors"
	"github.com/nkiryanov/classcredits/internal/models"
	"github.com/nkiryanov/classcredits/internal/repository"
)

type LedgerRepo struct {
	DB DBTX
}

var accountTables = map[models.Ledger]string{
	models.LedgerStudentClasses: "student_class_balances",
	models.LedgerTrainerHours:   "trainer_hour_balances",
}

func accountTable(ledger models.Ledger) (string, error) {
	table, ok := accountTables[ledger]
	if !ok {
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidLedger, ledger)
	}
	return table, nil
}

const accountColumns = `holder_id, scope_id, total_purchased, total_consumed, locked_qty, version, updated_at`

func scanAccount(ledger models.Ledger) pgx.RowToFunc[models.Account] {
	return func(row pgx.CollectableRow) (models.Account, error) {
		a := models.Account{Ledger: ledger}
		err := row.Scan(&a.HolderID, &a.ScopeID, &a.TotalPurchased, &a.TotalConsumed, &a.LockedQty, &a.Version, &a.UpdatedAt)
		return a, err
	}
}

func (r *LedgerRepo) GetAccount(ctx context.Context, key models.AccountKey) (models.Account, error) {
	return r.getAccount(ctx, key, false)
}

func (r *LedgerRepo) LockAccount(ctx context.Context, key models.AccountKey) (models.Account, error) {
	return r.getAccount(ctx, key, true)
}

func (r *LedgerRepo) getAccount(ctx context.Context, key models.AccountKey, forUpdate bool) (models.Account, error) {
	table, err := accountTable(key.Ledger)
	if err != nil {
		return models.Account{}, err
	}

	createAccount := fmt.Sprintf(`
	INSERT INTO %s (holder_id, scope_id)
	VALUES ($1, $2)
	ON CONFLICT (holder_id, scope_id) DO NOTHING
	`, table)

	getAccount := fmt.Sprintf(`
	SELECT %s FROM %s
	WHERE holder_id = $1 AND scope_id = $2
	`, accountColumns, table)
	if forUpdate {
		getAccount += "FOR UPDATE"
	}

	if _, err := r.DB.Exec(ctx, createAccount, key.HolderID, key.ScopeID); err != nil {
		return models.Account{}, dbError(err)
	}

	rows, _ := r.DB.Query(ctx, getAccount, key.HolderID, key.ScopeID)
	account, err := pgx.CollectOneRow(rows, scanAccount(key.Ledger))

	switch {
	case err == nil:
		return account, nil
	case errors.Is(err, pgx.ErrNoRows):
		return account, apperrors.ErrAccountNotFound
	default:
		return account, dbError(err)
	}
}

func (r *LedgerRepo) UpdateAccount(ctx context.Context, key models.AccountKey, delta models.AccountDelta) (models.Account, error) {
	table, err := accountTable(key.Ledger)
	if err != nil {
		return models.Account{}, err
	}

	updateAccount := fmt.Sprintf(`
	UPDATE %s
	SET total_purchased = total_purchased + $3,
	    total_consumed = total_consumed + $4,
	    locked_qty = locked_qty + $5,
	    version = version + 1,
	    updated_at = now()
	WHERE holder_id = $1 AND scope_id = $2 AND version = $6
	RETURNING %s
	`, table, accountColumns)

	rows, _ := r.DB.Query(ctx, updateAccount,
		key.HolderID, key.ScopeID,
		delta.Purchased, delta.Consumed, delta.Locked,
		delta.ExpectedVersion,
	)
	account, err := pgx.CollectOneRow(rows, scanAccount(key.Ledger))

	switch {
	case err == nil:
		return account, nil
	case errors.Is(err, pgx.ErrNoRows):
		return account, fmt.Errorf("%w: %s account %s/%s version %d", apperrors.ErrConcurrency, key.Ledger, key.HolderID, key.ScopeID, delta.ExpectedVersion)
	default:
		return account, dbError(err)
	}
}

const transactionColumns = `id, ledger, holder_id, scope_id, type, quantity, booking_id, unlock_at, source, meta, idempotency_key, created_at`

func scanTransaction(row pgx.CollectableRow) (models.Transaction, error) {
	var tx models.Transaction
	var meta []byte

	err := row.Scan(
		&tx.ID, &tx.Ledger, &tx.HolderID, &tx.ScopeID, &tx.Type, &tx.Quantity,
		&tx.BookingID, &tx.UnlockAt, &tx.Source, &meta, &tx.IdempotencyKey, &tx.CreatedAt,
	)
	tx.Meta = models.DecodeMeta(meta)

	return tx, err
}

func (r *LedgerRepo) AppendTransaction(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	const appendTransaction = `
	INSERT INTO ledger_transactions (` + transactionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12)
	RETURNING ` + transactionColumns

	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.IdempotencyKey == "" {
		tx.IdempotencyKey = tx.ID.String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}

	meta, err := tx.Meta.Marshal()
	if err != nil {
		return tx, fmt.Errorf("can't encode meta: %w", err)
	}

	rows, _ := r.DB.Query(ctx, appendTransaction,
		tx.ID, tx.Ledger, tx.HolderID, tx.ScopeID, tx.Type, tx.Quantity,
		tx.BookingID, tx.UnlockAt, tx.Source, string(meta), tx.IdempotencyKey, tx.CreatedAt,
	)
	created, err := pgx.CollectOneRow(rows, scanTransaction)
	if err != nil {
		return tx, dbError(err)
	}

	return created, nil
}

func (r *LedgerRepo) GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	const getTransaction = `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE id = $1`

	return r.getOne(ctx, getTransaction, id)
}

func (r *LedgerRepo) GetTransactionByKey(ctx context.Context, idempotencyKey string) (models.Transaction, error) {
	const getTransactionByKey = `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE idempotency_key = $1`

	return r.getOne(ctx, getTransactionByKey, idempotencyKey)
}

func (r *LedgerRepo) getOne(ctx context.Context, query string, args ...any) (models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, query, args...)
	tx, err := pgx.CollectOneRow(rows, scanTransaction)

	switch {
	case err == nil:
		return tx, nil
	case errors.Is(err, pgx.ErrNoRows):
		return tx, apperrors.ErrTransactionNotFound
	default:
		return tx, dbError(err)
	}
}

func (r *LedgerRepo) FindExpiredLocks(ctx context.Context, opts repository.FindExpiredOpts) ([]models.Transaction, error) {
	const findExpiredLocks = `
	SELECT ` + transactionColumns + ` FROM ledger_transactions
	WHERE ledger = $1
	  AND type = $2
	  AND booking_id IS NOT NULL
	  AND unlock_at <= $3
	  AND ($5::timestamptz IS NULL OR (unlock_at, id) > ($5::timestamptz, $6::uuid))
	ORDER BY unlock_at, id
	LIMIT NULLIF($4::bigint, 0)
	`

	if !opts.Type.IsLock() {
		return nil, fmt.Errorf("%w: %s is not a reservation type", apperrors.ErrInvalidTransition, opts.Type)
	}

	rows, _ := r.DB.Query(ctx, findExpiredLocks, opts.Ledger, opts.Type, opts.Now, opts.Limit, opts.AfterUnlockAt, opts.AfterID)
	txs, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, dbError(err)
	}

	return txs, nil
}

func (r *LedgerRepo) FindLocksByBookings(ctx context.Context, bookingIDs []string) ([]models.Transaction, error) {
	const findLocksByBookings = `
	SELECT ` + transactionColumns + ` FROM ledger_transactions
	WHERE booking_id = ANY($1)
	  AND type IN ('LOCK', 'BONUS_LOCK')
	ORDER BY created_at, id
	`

	if len(bookingIDs) == 0 {
		return nil, nil
	}

	rows, _ := r.DB.Query(ctx, findLocksByBookings, bookingIDs)
	txs, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, dbError(err)
	}

	return txs, nil
}

func (r *LedgerRepo) FindDetachedLocks(ctx context.Context, bookingIDs []string, limit int) ([]models.Transaction, error) {
	const findDetachedLocks = `
	SELECT ` + transactionColumns + ` FROM ledger_transactions
	WHERE booking_id IS NULL
	  AND type IN ('LOCK', 'BONUS_LOCK')
	  AND ($1::text[] IS NULL OR meta->>'detached_booking_id' = ANY($1))
	ORDER BY created_at, id
	LIMIT NULLIF($2::bigint, 0)
	`

	if len(bookingIDs) == 0 {
		bookingIDs = nil
	}

	rows, _ := r.DB.Query(ctx, findDetachedLocks, bookingIDs, limit)
	txs, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, dbError(err)
	}

	return txs, nil
}

func (r *LedgerRepo) TransitionType(ctx context.Context, id uuid.UUID, from models.TxType, to models.TxType, patch models.Meta) (models.Transaction, bool, error) {
	const transitionType = `
	UPDATE ledger_transactions
	SET type = $3, meta = meta || $4::jsonb
	WHERE id = $1 AND type = $2
	RETURNING ` + transactionColumns

	raw, err := patch.Marshal()
	if err != nil {
		return models.Transaction{}, false, fmt.Errorf("can't encode meta patch: %w", err)
	}

	rows, _ := r.DB.Query(ctx, transitionType, id, from, to, string(raw))
	tx, err := pgx.CollectOneRow(rows, scanTransaction)

	switch {
	case err == nil:
		return tx, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return tx, false, nil
	default:
		return tx, false, dbError(err)
	}
}

func (r *LedgerRepo) Detach(ctx context.Context, id uuid.UUID, at time.Time) (models.Transaction, bool, error) {
	const detach = `
	UPDATE ledger_transactions
	SET booking_id = NULL,
	    meta = meta || $2::jsonb || jsonb_build_object('detached_booking_id', booking_id)
	WHERE id = $1
	  AND booking_id IS NOT NULL
	  AND type IN ('LOCK', 'BONUS_LOCK')
	RETURNING ` + transactionColumns

	raw, err := models.Meta{DetachedAt: &at}.Marshal()
	if err != nil {
		return models.Transaction{}, false, fmt.Errorf("can't encode meta patch: %w", err)
	}

	rows, _ := r.DB.Query(ctx, detach, id, string(raw))
	tx, err := pgx.CollectOneRow(rows, scanTransaction)

	switch {
	case err == nil:
		return tx, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return tx, false, nil
	default:
		return tx, false, dbError(err)
	}
}

func (r *LedgerRepo) ListTransactions(ctx context.Context, key models.AccountKey, limit int) ([]models.Transaction, error) {
	const listTransactions = `
	SELECT ` + transactionColumns + ` FROM ledger_transactions
	WHERE ledger = $1 AND holder_id = $2 AND scope_id = $3
	ORDER BY created_at DESC, id DESC
	LIMIT NULLIF($4::bigint, 0)
	`

	rows, _ := r.DB.Query(ctx, listTransactions, key.Ledger, key.HolderID, key.ScopeID, limit)
	txs, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, dbError(err)
	}

	return txs, nil
}

func (r *LedgerRepo) LockStats(ctx context.Context, now time.Time) ([]models.LockStat, error) {
	const lockStats = `
	SELECT ledger, type,
	    COUNT(*) FILTER (WHERE booking_id IS NOT NULL AND unlock_at > $1),
	    COALESCE(SUM(quantity) FILTER (WHERE booking_id IS NOT NULL AND unlock_at > $1), 0)::bigint,
	    COUNT(*) FILTER (WHERE booking_id IS NOT NULL AND unlock_at <= $1),
	    COALESCE(SUM(quantity) FILTER (WHERE booking_id IS NOT NULL AND unlock_at <= $1), 0)::bigint,
	    COUNT(*) FILTER (WHERE booking_id IS NULL),
	    COALESCE(SUM(quantity) FILTER (WHERE booking_id IS NULL), 0)::bigint
	FROM ledger_transactions
	WHERE type IN ('LOCK', 'BONUS_LOCK')
	GROUP BY ledger, type
	ORDER BY ledger, type
	`

	rows, _ := r.DB.Query(ctx, lockStats, now)
	stats, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.LockStat, error) {
		var s models.LockStat
		err := row.Scan(&s.Ledger, &s.Type,
			&s.ActiveCount, &s.ActiveQty,
			&s.PendingCount, &s.PendingQty,
			&s.DetachedCount, &s.DetachedQty,
		)
		return s, err
	})
	if err != nil {
		return nil, dbError(err)
	}

	return stats, nil
}
