package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/classcredits/internal/apperrors"
)

type TxType string

const (
	TxTypePurchase    TxType = "PURCHASE"
	TxTypeLock        TxType = "LOCK"
	TxTypeConsume     TxType = "CONSUME"
	TxTypeRefund      TxType = "REFUND"
	TxTypeBonusLock   TxType = "BONUS_LOCK"
	TxTypeBonusUnlock TxType = "BONUS_UNLOCK"
)

// IsLock reports whether transaction type is a pending reservation
func (t TxType) IsLock() bool {
	return t == TxTypeLock || t == TxTypeBonusLock
}

type Source string

const (
	SourceStudent Source = "STUDENT"
	SourceTrainer Source = "TRAINER"
	SourceSystem  Source = "SYSTEM"
	SourceAdmin   Source = "ADMIN"
)

func (s Source) Valid() bool {
	switch s {
	case SourceStudent, SourceTrainer, SourceSystem, SourceAdmin:
		return true
	default:
		return false
	}
}

// Transaction is one row of the append-only ledger log.
// Only Type, BookingID and Meta change after insert, and only during settlement or detach.
type Transaction struct {
	ID             uuid.UUID
	Ledger         Ledger
	HolderID       string
	ScopeID        string
	Type           TxType
	Quantity       int64
	BookingID      *string
	UnlockAt       *time.Time
	Source         Source
	Meta           Meta
	IdempotencyKey string
	CreatedAt      time.Time
}

func (t Transaction) Key() AccountKey {
	return AccountKey{Ledger: t.Ledger, HolderID: t.HolderID, ScopeID: t.ScopeID}
}

func (t Transaction) IsAttached() bool {
	return t.BookingID != nil && *t.BookingID != ""
}

// Validate checks that a reservation carries everything settlement relies on.
// Any failure wraps apperrors.ErrMalformedReservation.
func (t Transaction) Validate() error {
	malformed := func(reason string) error {
		return fmt.Errorf("%w: transaction %s: %s", apperrors.ErrMalformedReservation, t.ID, reason)
	}

	switch {
	case !t.Ledger.Valid():
		return malformed(fmt.Sprintf("unknown ledger %q", t.Ledger))
	case !t.Type.IsLock():
		return malformed(fmt.Sprintf("type %s is not a reservation", t.Type))
	case t.Quantity <= 0:
		return malformed(fmt.Sprintf("non positive quantity %d", t.Quantity))
	case t.HolderID == "":
		return malformed("holder is empty")
	case t.ScopeID == "":
		return malformed("scope is empty")
	case t.UnlockAt == nil:
		return malformed("unlock_at is not set")
	case t.Meta.Version < 1 || t.Meta.Version > MetaVersion:
		return malformed(fmt.Sprintf("unsupported meta version %d", t.Meta.Version))
	case t.Type == TxTypeBonusLock && t.Ledger != LedgerTrainerHours:
		return malformed("bonus reservation outside trainer ledger")
	}

	return nil
}

// CreationDelta returns the account change caused by appending a transaction of type t
func CreationDelta(t TxType, qty int64) (AccountDelta, error) {
	switch t {
	case TxTypePurchase:
		return AccountDelta{Purchased: qty}, nil
	case TxTypeLock:
		return AccountDelta{Locked: qty}, nil
	case TxTypeConsume:
		return AccountDelta{Consumed: qty}, nil
	case TxTypeBonusLock:
		// Credited but held until unlocked
		return AccountDelta{Purchased: qty, Locked: qty}, nil
	default:
		return AccountDelta{}, fmt.Errorf("%w: %s can't be created directly", apperrors.ErrInvalidTransition, t)
	}
}

// SettlementDelta returns the account change caused by flipping a reservation from one type to another
func SettlementDelta(from, to TxType, qty int64) (AccountDelta, error) {
	switch {
	case from == TxTypeLock && to == TxTypeConsume:
		return AccountDelta{Consumed: qty, Locked: -qty}, nil
	case from == TxTypeLock && to == TxTypeRefund:
		return AccountDelta{Locked: -qty}, nil
	case from == TxTypeBonusLock && to == TxTypeBonusUnlock:
		return AccountDelta{Locked: -qty}, nil
	case from == TxTypeBonusLock && to == TxTypeRefund:
		return AccountDelta{Purchased: -qty, Locked: -qty}, nil
	default:
		return AccountDelta{}, fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, from, to)
	}
}
