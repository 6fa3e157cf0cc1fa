// Package usage holds the per-day usage ledger, the finalized session records
// queued for sync, and the day boundary arithmetic they share.
package usage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/goodtune/sitebudget/internal/domain"
)

// ErrNegativeDuration is returned when a commit would decrease usage.
var ErrNegativeDuration = errors.New("usage: negative duration")

// Snapshot is a point-in-time copy of a ledger.
type Snapshot struct {
	Day     string           `json:"day"`
	Entries map[string]int64 `json:"ledger"`
}

// Total sums all entries in milliseconds.
func (s Snapshot) Total() int64 {
	var total int64
	for _, ms := range s.Entries {
		total += ms
	}
	return total
}

// Ledger accumulates milliseconds per normalized domain for a single day.
type Ledger struct {
	mu      sync.RWMutex
	day     string
	entries map[string]int64
}

// NewLedger returns an empty ledger for day.
func NewLedger(day string) *Ledger {
	return &Ledger{day: day, entries: make(map[string]int64)}
}

// Restore rebuilds a ledger from a persisted snapshot. A snapshot from a day
// other than today is discarded and the second return value is true.
func Restore(s Snapshot, today string) (*Ledger, bool) {
	if s.Day != today {
		return NewLedger(today), s.Day != "" && len(s.Entries) > 0
	}

	l := NewLedger(today)
	for d, ms := range s.Entries {
		if ms <= 0 {
			continue
		}
		l.entries[domain.Normalize(d)] += ms
	}
	return l, false
}

// Day returns the date the ledger is valid for.
func (l *Ledger) Day() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.day
}

// Commit adds ms to the entry for d. The domain is normalized here so every
// read path sees a single entry per host.
func (l *Ledger) Commit(d string, ms int64) error {
	if ms < 0 {
		return fmt.Errorf("%w: %d ms for %q", ErrNegativeDuration, ms, d)
	}
	nd := domain.Normalize(d)
	if nd == "" {
		return fmt.Errorf("usage: empty domain")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[nd] += ms
	return nil
}

// Get returns the milliseconds recorded for d.
func (l *Ledger) Get(d string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[domain.Normalize(d)]
}

// Total returns the milliseconds recorded across all domains.
func (l *Ledger) Total() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for _, ms := range l.entries {
		total += ms
	}
	return total
}

// Snapshot copies the ledger.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Reset clears every entry and returns what was cleared.
func (l *Ledger) Reset() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	archived := l.snapshotLocked()
	l.entries = make(map[string]int64)
	return archived
}

// Rollover moves the ledger to day, clearing it when the day changes. It
// returns the previous contents and whether a rollover happened.
func (l *Ledger) Rollover(day string) (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.day == day {
		return Snapshot{}, false
	}
	prev := l.snapshotLocked()
	l.day = day
	l.entries = make(map[string]int64)
	return prev, true
}

func (l *Ledger) snapshotLocked() Snapshot {
	entries := make(map[string]int64, len(l.entries))
	for d, ms := range l.entries {
		entries[d] = ms
	}
	return Snapshot{Day: l.day, Entries: entries}
}
