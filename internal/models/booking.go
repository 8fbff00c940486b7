package models

import (
	"time"
)

// BookingCreated is delivered by the booking system once a slot is booked
type BookingCreated struct {
	BookingID string
	Ledger    Ledger
	HolderID  string
	ScopeID   string
	Quantity  int64
	StartsAt  time.Time
	Source    Source

	// Optional trainer reward for the class, settled after it happened
	BonusTrainerID string
	BonusHours     int64
}

// Cancellation is what the booking system reports about a cancelled booking
type Cancellation struct {
	BookingID   string
	HolderID    string
	CreditsCost int64
	StartTime   time.Time
	CancelledAt time.Time
}

// NoticePeriod is how long before the class the booking was cancelled
func (c Cancellation) NoticePeriod() time.Duration {
	return c.StartTime.Sub(c.CancelledAt)
}
