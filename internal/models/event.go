package models

import (
	"time"

	"github.com/google/uuid"
)

// SettledEvent tells the holder that a reservation reached its final state
type SettledEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Ledger        Ledger    `json:"ledger"`
	HolderID      string    `json:"holder_id"`
	ScopeID       string    `json:"scope_id"`
	Type          TxType    `json:"type"`
	Quantity      int64     `json:"quantity"`
	SettledAt     time.Time `json:"settled_at"`
}

func NewSettledEvent(tx Transaction, settledAs TxType, at time.Time) SettledEvent {
	return SettledEvent{
		TransactionID: tx.ID,
		Ledger:        tx.Ledger,
		HolderID:      tx.HolderID,
		ScopeID:       tx.ScopeID,
		Type:          settledAs,
		Quantity:      tx.Quantity,
		SettledAt:     at,
	}
}
