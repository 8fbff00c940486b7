package models

import (
	"encoding/json"
	"time"
)

// MetaVersion is the newest annotation layout this build understands
const MetaVersion = 1

// Meta is the processing trail stored with every transaction.
// Zero fields are omitted so a Meta value doubles as a JSON merge patch.
type Meta struct {
	Version int `json:"v,omitempty"`

	BookingStartsAt *time.Time `json:"booking_starts_at,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Reference       string     `json:"reference,omitempty"`

	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	ProcessedBy string     `json:"processed_by,omitempty"`
	SettledFrom TxType     `json:"settled_from,omitempty"`

	DetachedAt        *time.Time `json:"detached_at,omitempty"`
	DetachedBookingID string     `json:"detached_booking_id,omitempty"`
}

func NewMeta() Meta {
	return Meta{Version: MetaVersion}
}

func (m Meta) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMeta never fails: an unreadable blob decodes to version 0,
// which Transaction.Validate rejects as malformed.
func DecodeMeta(raw []byte) Meta {
	var m Meta
	if len(raw) == 0 {
		return m
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}
	}
	return m
}
