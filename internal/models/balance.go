package models

import (
	"time"
)

type Ledger string

const (
	LedgerStudentClasses Ledger = "student_classes"
	LedgerTrainerHours   Ledger = "trainer_hours"
)

var Ledgers = []Ledger{LedgerStudentClasses, LedgerTrainerHours}

func (l Ledger) Valid() bool {
	return l == LedgerStudentClasses || l == LedgerTrainerHours
}

// AccountKey identifies one balance: a holder inside a scope (tenant or unit) on a ledger
type AccountKey struct {
	Ledger   Ledger
	HolderID string
	ScopeID  string
}

// Account is the materialized summary of holder transactions.
// The store never lets Available drop below zero.
type Account struct {
	Ledger         Ledger
	HolderID       string
	ScopeID        string
	TotalPurchased int64
	TotalConsumed  int64
	LockedQty      int64
	Version        int64
	UpdatedAt      time.Time
}

func (a Account) Key() AccountKey {
	return AccountKey{Ledger: a.Ledger, HolderID: a.HolderID, ScopeID: a.ScopeID}
}

// Available units, clamped to zero for presentation
func (a Account) Available() int64 {
	available := a.TotalPurchased - a.TotalConsumed - a.LockedQty
	if available < 0 {
		return 0
	}
	return available
}

// AccountDelta is applied atomically to an account with the given version.
type AccountDelta struct {
	Purchased int64
	Consumed  int64
	Locked    int64

	// Version the caller read the account at
	ExpectedVersion int64
}

func (d AccountDelta) IsZero() bool {
	return d.Purchased == 0 && d.Consumed == 0 && d.Locked == 0
}

// LockStat aggregates reservations for operational status
type LockStat struct {
	Ledger Ledger
	Type   TxType

	// Attached and not expired yet
	ActiveCount int64
	ActiveQty   int64

	// Attached and expired, waiting for the next sweep
	PendingCount int64
	PendingQty   int64

	// Booking reference cleared, never settled
	DetachedCount int64
	DetachedQty   int64
}
