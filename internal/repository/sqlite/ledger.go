package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

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

// Timestamps are stored as unix milliseconds
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

const accountColumns = `holder_id, scope_id, total_purchased, total_consumed, locked_qty, version, updated_at`

func scanAccount(ledger models.Ledger, row scanner) (models.Account, error) {
	a := models.Account{Ledger: ledger}
	var updatedAt int64

	err := row.Scan(&a.HolderID, &a.ScopeID, &a.TotalPurchased, &a.TotalConsumed, &a.LockedQty, &a.Version, &updatedAt)
	a.UpdatedAt = fromMillis(updatedAt)

	return a, err
}

// Writers are serialized by the single connection, so locking is the same as reading
func (r *LedgerRepo) GetAccount(ctx context.Context, key models.AccountKey) (models.Account, error) {
	table, err := accountTable(key.Ledger)
	if err != nil {
		return models.Account{}, err
	}

	createAccount := fmt.Sprintf(`
	INSERT INTO %s (holder_id, scope_id, updated_at)
	VALUES (?1, ?2, ?3)
	ON CONFLICT (holder_id, scope_id) DO NOTHING
	`, table)

	getAccount := fmt.Sprintf(`
	SELECT %s FROM %s
	WHERE holder_id = ?1 AND scope_id = ?2
	`, accountColumns, table)

	if _, err := r.DB.ExecContext(ctx, createAccount, key.HolderID, key.ScopeID, toMillis(time.Now())); err != nil {
		return models.Account{}, dbError(err)
	}

	account, err := scanAccount(key.Ledger, r.DB.QueryRowContext(ctx, getAccount, key.HolderID, key.ScopeID))

	switch {
	case err == nil:
		return account, nil
	case errors.Is(err, sql.ErrNoRows):
		return account, apperrors.ErrAccountNotFound
	default:
		return account, dbError(err)
	}
}

func (r *LedgerRepo) LockAccount(ctx context.Context, key models.AccountKey) (models.Account, error) {
	return r.GetAccount(ctx, key)
}

func (r *LedgerRepo) UpdateAccount(ctx context.Context, key models.AccountKey, delta models.AccountDelta) (models.Account, error) {
	table, err := accountTable(key.Ledger)
	if err != nil {
		return models.Account{}, err
	}

	updateAccount := fmt.Sprintf(`
	UPDATE %s
	SET total_purchased = total_purchased + ?3,
	    total_consumed = total_consumed + ?4,
	    locked_qty = locked_qty + ?5,
	    version = version + 1,
	    updated_at = ?7
	WHERE holder_id = ?1 AND scope_id = ?2 AND version = ?6
	RETURNING %s
	`, table, accountColumns)

	row := r.DB.QueryRowContext(ctx, updateAccount,
		key.HolderID, key.ScopeID,
		delta.Purchased, delta.Consumed, delta.Locked,
		delta.ExpectedVersion, toMillis(time.Now()),
	)
	account, err := scanAccount(key.Ledger, row)

	switch {
	case err == nil:
		return account, nil
	case errors.Is(err, sql.ErrNoRows):
		return account, fmt.Errorf("%w: %s account %s/%s version %d", apperrors.ErrConcurrency, key.Ledger, key.HolderID, key.ScopeID, delta.ExpectedVersion)
	default:
		return account, dbError(err)
	}
}

const transactionColumns = `id, ledger, holder_id, scope_id, type, quantity, booking_id, unlock_at, source, meta, idempotency_key, created_at`

func scanTransaction(row scanner) (models.Transaction, error) {
	var tx models.Transaction
	var unlockAt sql.NullInt64
	var meta string
	var createdAt int64

	err := row.Scan(
		&tx.ID, &tx.Ledger, &tx.HolderID, &tx.ScopeID, &tx.Type, &tx.Quantity,
		&tx.BookingID, &unlockAt, &tx.Source, &meta, &tx.IdempotencyKey, &createdAt,
	)
	if err != nil {
		return tx, err
	}

	if unlockAt.Valid {
		t := fromMillis(unlockAt.Int64)
		tx.UnlockAt = &t
	}
	tx.Meta = models.DecodeMeta([]byte(meta))
	tx.CreatedAt = fromMillis(createdAt)

	return tx, nil
}

func collectTransactions(rows *sql.Rows, err error) ([]models.Transaction, error) {
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close() // nolint:errcheck

	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, dbError(err)
		}
		txs = append(txs, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}

	return txs, nil
}

func (r *LedgerRepo) AppendTransaction(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	const appendTransaction = `
	INSERT INTO ledger_transactions (` + transactionColumns + `)
	VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12)
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

	var unlockAt sql.NullInt64
	if tx.UnlockAt != nil {
		unlockAt = sql.NullInt64{Int64: toMillis(*tx.UnlockAt), Valid: true}
	}

	row := r.DB.QueryRowContext(ctx, appendTransaction,
		tx.ID, tx.Ledger, tx.HolderID, tx.ScopeID, tx.Type, tx.Quantity,
		tx.BookingID, unlockAt, tx.Source, string(meta), tx.IdempotencyKey, toMillis(tx.CreatedAt),
	)
	created, err := scanTransaction(row)
	if err != nil {
		return tx, dbError(err)
	}

	return created, nil
}

func (r *LedgerRepo) GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	const getTransaction = `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE id = ?1`

	return r.getOne(ctx, getTransaction, id)
}

func (r *LedgerRepo) GetTransactionByKey(ctx context.Context, idempotencyKey string) (models.Transaction, error) {
	const getTransactionByKey = `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE idempotency_key = ?1`

	return r.getOne(ctx, getTransactionByKey, idempotencyKey)
}

func (r *LedgerRepo) getOne(ctx context.Context, query string, args ...any) (models.Transaction, error) {
	tx, err := scanTransaction(r.DB.QueryRowContext(ctx, query, args...))

	switch {
	case err == nil:
		return tx, nil
	case errors.Is(err, sql.ErrNoRows):
		return tx, apperrors.ErrTransactionNotFound
	default:
		return tx, dbError(err)
	}
}

func (r *LedgerRepo) FindExpiredLocks(ctx context.Context, opts repository.FindExpiredOpts) ([]models.Transaction, error) {
	const findExpiredLocks = `
	SELECT ` + transactionColumns + ` FROM ledger_transactions
	WHERE ledger = ?1
	  AND type = ?2
	  AND booking_id IS NOT NULL
	  AND unlock_at <= ?3
	  AND (?5 IS NULL OR unlock_at > ?5 OR (unlock_at = ?5 AND id > ?6))
	ORDER BY unlock_at, id
	LIMIT ?4
	`

	if !opts.Type.IsLock() {
		return nil, fmt.Errorf("%w: %s is not a reservation type", apperrors.ErrInvalidTransition, opts.Type)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}

	var after sql.NullInt64
	if opts.AfterUnlockAt != nil {
		after = sql.NullInt64{Int64: toMillis(*opts.AfterUnlockAt), Valid: true}
	}

	return collectTransactions(r.DB.QueryContext(ctx, findExpiredLocks,
		opts.Ledger, opts.Type, toMillis(opts.Now), limit, after, opts.AfterID.String(),
	))
}

func (r *LedgerRepo) FindLocksByBookings(ctx context.Context, bookingIDs []string) ([]models.Transaction, error) {
	const findLocksByBookings = `
	SELECT ` + transactionColumns + ` FROM ledger_transactions
	WHERE booking_id IN (SELECT value FROM json_each(?1))
	  AND type IN ('LOCK', 'BONUS_LOCK')
	ORDER BY created_at, id
	`

	if len(bookingIDs) == 0 {
		return nil, nil
	}

	ids, err := json.Marshal(bookingIDs)
	if err != nil {
		return nil, fmt.Errorf("can't encode booking ids: %w", err)
	}

	return collectTransactions(r.DB.QueryContext(ctx, findLocksByBookings, string(ids)))
}

func (r *LedgerRepo) FindDetachedLocks(ctx context.Context, bookingIDs []string, limit int) ([]models.Transaction, error) {
	const findDetachedLocks = `
	SELECT ` + transactionColumns + ` FROM ledger_transactions
	WHERE booking_id IS NULL
	  AND type IN ('LOCK', 'BONUS_LOCK')
	  AND (?1 IS NULL OR json_extract(meta, '$.detached_booking_id') IN (SELECT value FROM json_each(?1)))
	ORDER BY created_at, id
	LIMIT ?2
	`

	var ids sql.NullString
	if len(bookingIDs) > 0 {
		raw, err := json.Marshal(bookingIDs)
		if err != nil {
			return nil, fmt.Errorf("can't encode booking ids: %w", err)
		}
		ids = sql.NullString{String: string(raw), Valid: true}
	}

	if limit <= 0 {
		limit = -1
	}

	return collectTransactions(r.DB.QueryContext(ctx, findDetachedLocks, ids, limit))
}

func (r *LedgerRepo) TransitionType(ctx context.Context, id uuid.UUID, from models.TxType, to models.TxType, patch models.Meta) (models.Transaction, bool, error) {
	const transitionType = `
	UPDATE ledger_transactions
	SET type = ?3, meta = json_patch(meta, ?4)
	WHERE id = ?1 AND type = ?2
	RETURNING ` + transactionColumns

	raw, err := patch.Marshal()
	if err != nil {
		return models.Transaction{}, false, fmt.Errorf("can't encode meta patch: %w", err)
	}

	tx, err := scanTransaction(r.DB.QueryRowContext(ctx, transitionType, id, from, to, string(raw)))

	switch {
	case err == nil:
		return tx, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return tx, false, nil
	default:
		return tx, false, dbError(err)
	}
}

func (r *LedgerRepo) Detach(ctx context.Context, id uuid.UUID, at time.Time) (models.Transaction, bool, error) {
	const detach = `
	UPDATE ledger_transactions
	SET booking_id = NULL,
	    meta = json_patch(json_patch(meta, ?2), json_object('detached_booking_id', booking_id))
	WHERE id = ?1
	  AND booking_id IS NOT NULL
	  AND type IN ('LOCK', 'BONUS_LOCK')
	RETURNING ` + transactionColumns

	raw, err := models.Meta{DetachedAt: &at}.Marshal()
	if err != nil {
		return models.Transaction{}, false, fmt.Errorf("can't encode meta patch: %w", err)
	}

	tx, err := scanTransaction(r.DB.QueryRowContext(ctx, detach, id, string(raw)))

	switch {
	case err == nil:
		return tx, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return tx, false, nil
	default:
		return tx, false, dbError(err)
	}
}

func (r *LedgerRepo) ListTransactions(ctx context.Context, key models.AccountKey, limit int) ([]models.Transaction, error) {
	const listTransactions = `
	SELECT ` + transactionColumns + ` FROM ledger_transactions
	WHERE ledger = ?1 AND holder_id = ?2 AND scope_id = ?3
	ORDER BY created_at DESC, id DESC
	LIMIT ?4
	`

	if limit <= 0 {
		limit = -1
	}

	return collectTransactions(r.DB.QueryContext(ctx, listTransactions, key.Ledger, key.HolderID, key.ScopeID, limit))
}

func (r *LedgerRepo) LockStats(ctx context.Context, now time.Time) ([]models.LockStat, error) {
	const lockStats = `
	SELECT ledger, type,
	    COUNT(*) FILTER (WHERE booking_id IS NOT NULL AND unlock_at > ?1),
	    COALESCE(SUM(quantity) FILTER (WHERE booking_id IS NOT NULL AND unlock_at > ?1), 0),
	    COUNT(*) FILTER (WHERE booking_id IS NOT NULL AND unlock_at <= ?1),
	    COALESCE(SUM(quantity) FILTER (WHERE booking_id IS NOT NULL AND unlock_at <= ?1), 0),
	    COUNT(*) FILTER (WHERE booking_id IS NULL),
	    COALESCE(SUM(quantity) FILTER (WHERE booking_id IS NULL), 0)
	FROM ledger_transactions
	WHERE type IN ('LOCK', 'BONUS_LOCK')
	GROUP BY ledger, type
	ORDER BY ledger, type
	`

	rows, err := r.DB.QueryContext(ctx, lockStats, toMillis(now))
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close() // nolint:errcheck

	var stats []models.LockStat
	for rows.Next() {
		var s models.LockStat
		err := rows.Scan(&s.Ledger, &s.Type,
			&s.ActiveCount, &s.ActiveQty,
			&s.PendingCount, &s.PendingQty,
			&s.DetachedCount, &s.DetachedQty,
		)
		if err != nil {
			return nil, dbError(err)
		}
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}

	return stats, nil
}
