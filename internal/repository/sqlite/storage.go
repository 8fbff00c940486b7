// Package sqlite is a single node ledger store on top of mattn/go-sqlite3.
// Writers are serialized by a single connection, which plays the role of row locks.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nkiryanov/classcredits/internal/repository"
)

// DBTX is satisfied by *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Storage struct {
	db *sql.DB

	// Current transaction, nil outside of InTx
	tx *sql.Tx
}

// Open database at path (":memory:" for throwaway databases) and create schema
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("can't open sqlite database. Err: %w", err)
	}

	// In-memory databases live as long as their connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("can't create sqlite schema. Err: %w", err)
	}

	return db, nil
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) conn() DBTX {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *Storage) Ledger() repository.LedgerRepo {
	return &LedgerRepo{DB: s.conn()}
}

func (s *Storage) Bookings() repository.BookingRepo {
	return &BookingRepo{DB: s.conn()}
}

// InTx runs fn in a transaction. Nested calls join the outer transaction.
func (s *Storage) InTx(ctx context.Context, fn func(repository.Storage) error) (err error) {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db tx error: %w", dbError(err))
	}

	defer func() {
		switch err {
		case nil:
			if cErr := tx.Commit(); cErr != nil {
				err = fmt.Errorf("db commit error: %w", dbError(cErr))
			}
		default:
			_ = tx.Rollback()
		}
	}()

	err = fn(&Storage{db: s.db, tx: tx})

	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS student_class_balances (
    holder_id       TEXT    NOT NULL,
    scope_id        TEXT    NOT NULL,
    total_purchased INTEGER NOT NULL DEFAULT 0,
    total_consumed  INTEGER NOT NULL DEFAULT 0,
    locked_qty      INTEGER NOT NULL DEFAULT 0,
    version         INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL,

    PRIMARY KEY (holder_id, scope_id),
    CONSTRAINT student_class_balances_locked_non_negative CHECK (locked_qty >= 0),
    CONSTRAINT student_class_balances_available_non_negative CHECK (total_purchased - total_consumed - locked_qty >= 0)
);

CREATE TABLE IF NOT EXISTS trainer_hour_balances (
    holder_id       TEXT    NOT NULL,
    scope_id        TEXT    NOT NULL,
    total_purchased INTEGER NOT NULL DEFAULT 0,
    total_consumed  INTEGER NOT NULL DEFAULT 0,
    locked_qty      INTEGER NOT NULL DEFAULT 0,
    version         INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL,

    PRIMARY KEY (holder_id, scope_id),
    CONSTRAINT trainer_hour_balances_locked_non_negative CHECK (locked_qty >= 0),
    CONSTRAINT trainer_hour_balances_available_non_negative CHECK (total_purchased - total_consumed - locked_qty >= 0)
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
    id              TEXT    PRIMARY KEY,
    ledger          TEXT    NOT NULL CHECK (ledger IN ('student_classes', 'trainer_hours')),
    holder_id       TEXT    NOT NULL,
    scope_id        TEXT    NOT NULL,
    type            TEXT    NOT NULL CHECK (type IN ('PURCHASE', 'LOCK', 'CONSUME', 'REFUND', 'BONUS_LOCK', 'BONUS_UNLOCK')),
    quantity        INTEGER NOT NULL CHECK (quantity > 0),
    booking_id      TEXT,
    unlock_at       INTEGER,
    source          TEXT    NOT NULL CHECK (source IN ('STUDENT', 'TRAINER', 'SYSTEM', 'ADMIN')),
    meta            TEXT    NOT NULL DEFAULT '{}',
    idempotency_key TEXT    NOT NULL UNIQUE,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_transactions_sweep_idx
    ON ledger_transactions (ledger, type, unlock_at)
    WHERE booking_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS ledger_transactions_booking_idx
    ON ledger_transactions (booking_id);

CREATE INDEX IF NOT EXISTS ledger_transactions_detached_idx
    ON ledger_transactions (json_extract(meta, '$.detached_booking_id'))
    WHERE booking_id IS NULL;

CREATE INDEX IF NOT EXISTS ledger_transactions_account_idx
    ON ledger_transactions (ledger, holder_id, scope_id, created_at);

CREATE TABLE IF NOT EXISTS booking_cancellations (
    booking_id   TEXT    PRIMARY KEY,
    holder_id    TEXT    NOT NULL,
    credits_cost INTEGER NOT NULL DEFAULT 0,
    start_time   INTEGER NOT NULL,
    cancelled_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS booking_cancellations_cancelled_at_idx
    ON booking_cancellations (cancelled_at);
`
