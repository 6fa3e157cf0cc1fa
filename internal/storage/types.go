package storage

import (
	"time"

	"github.com/goodtune/sitebudget/internal/usage"
)

// UsageVersion is written with every usage document.
const UsageVersion = 2

// UsageDocument is the persisted ledger.
type UsageDocument struct {
	Day       string           `json:"day"`
	Ledger    map[string]int64 `json:"ledger"`
	LastSaved time.Time        `json:"lastSaved"`
	Version   int              `json:"version"`
}

// Snapshot converts the document back into a ledger snapshot.
func (d UsageDocument) Snapshot() usage.Snapshot {
	return usage.Snapshot{Day: d.Day, Entries: d.Ledger}
}

// EmergencyDocument is the minimal snapshot written when regular saves fail.
type EmergencyDocument struct {
	Day       string           `json:"day"`
	Ledger    map[string]int64 `json:"ledger"`
	Emergency bool             `json:"emergency"`
	Timestamp time.Time        `json:"timestamp"`
}

// TrackingDocument stores the tracking toggle.
type TrackingDocument struct {
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt"`
}
