package usage

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionRecord is a finalized session waiting to be uploaded.
type SessionRecord struct {
	ID         string    `json:"id"`
	Domain     string    `json:"domain"`
	Category   string    `json:"category"`
	DurationMs int64     `json:"durationMs"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
}

// NewSessionRecord builds a record with a fresh ID.
func NewSessionRecord(domain, category string, startedAt, endedAt time.Time) SessionRecord {
	return SessionRecord{
		ID:         uuid.NewString(),
		Domain:     domain,
		Category:   category,
		DurationMs: endedAt.Sub(startedAt).Milliseconds(),
		StartedAt:  startedAt,
		EndedAt:    endedAt,
	}
}

// SyncQueue is the ordered, append-only list of records awaiting sync.
type SyncQueue struct {
	mu      sync.Mutex
	records []SessionRecord
}

// NewSyncQueue returns a queue pre-filled with records.
func NewSyncQueue(records []SessionRecord) *SyncQueue {
	q := &SyncQueue{}
	q.records = append(q.records, records...)
	return q
}

// Append adds rec to the end of the queue.
func (q *SyncQueue) Append(rec SessionRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
}

// Len returns the number of queued records.
func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Records returns a copy of the queue in order.
func (q *SyncQueue) Records() []SessionRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SessionRecord, len(q.records))
	copy(out, q.records)
	return out
}

// Remove drops the records whose IDs were acknowledged and returns how many
// were removed. Records appended after the caller's read are kept.
func (q *SyncQueue) Remove(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	ack := make(map[string]bool, len(ids))
	for _, id := range ids {
		ack[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.records[:0]
	removed := 0
	for _, rec := range q.records {
		if ack[rec.ID] {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	q.records = kept
	return removed
}

// Clear empties the queue and returns the number of records dropped.
func (q *SyncQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.records)
	q.records = nil
	return n
}

// ResetEntry archives a ledger cleared by an explicit reset.
type ResetEntry struct {
	Timestamp time.Time        `json:"timestamp"`
	Usage     map[string]int64 `json:"usage"`
}

// ResetHistory maps a day key to the resets performed that day.
type ResetHistory map[string][]ResetEntry

// Add records an entry under day.
func (h ResetHistory) Add(day string, entry ResetEntry) {
	h[day] = append(h[day], entry)
}
