package engine

import (
	"context"
	"maps"

	"github.com/goodtune/sitebudget/internal/metrics"
	"github.com/goodtune/sitebudget/internal/storage"
	"github.com/goodtune/sitebudget/internal/usage"
)

// FlushResult reports one write of the engine state.
type FlushResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// RolloverResult reports a day change.
type RolloverResult struct {
	Success     bool         `json:"success"`
	Error       string       `json:"error,omitempty"`
	Rolled      bool         `json:"rolled"`
	PreviousDay string       `json:"previousDay,omitempty"`
	Day         string       `json:"day"`
	Closed      *CloseResult `json:"closed,omitempty"`
}

// FlushIfDirty writes the state only when something changed since the last
// successful write.
func (e *Engine) FlushIfDirty(ctx context.Context) FlushResult {
	if !e.Dirty() {
		return FlushResult{Success: true, Skipped: true}
	}
	return e.Flush(ctx)
}

// Flush writes the full state, retrying with backoff. When retries run out a
// minimal emergency snapshot is written instead. In-memory state is kept
// either way and the next flush tries again.
func (e *Engine) Flush(ctx context.Context) FlushResult {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	seq := e.changes.Load()
	values, fallback, err := e.encodeState()
	if err != nil {
		metrics.FlushesTotal.WithLabelValues("error").Inc()
		e.logger.Error().Err(err).Msg("Failed to encode state")
		return FlushResult{Success: false, Error: err.Error()}
	}

	outcome, err := storage.SaveWithRetry(ctx, e.store, values, fallback, e.retry, e.logger)
	metrics.FlushesTotal.WithLabelValues(outcome.String()).Inc()

	switch outcome {
	case storage.Saved:
		e.markSaved(seq)
		e.clearEmergency(ctx)
		e.logger.Debug().Uint64("seq", seq).Msg("State flushed")
		return FlushResult{Success: true, Outcome: outcome.String()}

	case storage.SavedFallback:
		e.mu.Lock()
		e.emergency = true
		e.mu.Unlock()
		return FlushResult{Success: false, Error: failure(err), Outcome: outcome.String()}

	default:
		e.logger.Error().Err(err).Msg("State flush failed, keeping changes in memory")
		return FlushResult{Success: false, Error: failure(err), Outcome: outcome.String()}
	}
}

func (e *Engine) markSaved(seq uint64) {
	for {
		cur := e.saved.Load()
		if seq <= cur || e.saved.CompareAndSwap(cur, seq) {
			break
		}
	}
	e.mu.Lock()
	e.lastSaved = e.clock.Now()
	e.mu.Unlock()
}

// clearEmergency removes a leftover emergency snapshot once a regular write
// has landed.
func (e *Engine) clearEmergency(ctx context.Context) {
	e.mu.Lock()
	pending := e.emergency
	e.emergency = false
	e.mu.Unlock()
	if !pending {
		return
	}

	if err := e.store.Delete(ctx, storage.KeyEmergencyUsage); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to remove emergency snapshot")
		e.mu.Lock()
		e.emergency = true
		e.mu.Unlock()
		return
	}
	e.logger.Info().Msg("Emergency snapshot cleared")
}

// encodeState serializes every durable entity plus the emergency fallback.
func (e *Engine) encodeState() (map[string][]byte, map[string][]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.clock.Now()
	snap := e.ledger.Snapshot()

	values, err := storage.EncodeJSON(map[string]any{
		storage.KeyUsage: storage.UsageDocument{
			Day:       snap.Day,
			Ledger:    snap.Entries,
			LastSaved: now,
			Version:   storage.UsageVersion,
		},
		storage.KeyPolicy:               e.policy,
		storage.KeySites:                e.sites,
		storage.KeyTracking:             storage.TrackingDocument{Enabled: e.tracking, UpdatedAt: e.trackingChanged},
		storage.KeySyncQueue:            nonNil(e.queue.Records()),
		storage.KeyNotificationState:    e.notifier.State(),
		storage.KeyNotificationSettings: e.settings,
		storage.KeyResetHistory:         maps.Clone(e.history),
		storage.KeyResetCount:           e.resetCount,
	})
	if err != nil {
		return nil, nil, err
	}

	fallback, err := storage.EncodeJSON(map[string]any{
		storage.KeyEmergencyUsage: storage.EmergencyDocument{
			Day:       snap.Day,
			Ledger:    snap.Entries,
			Emergency: true,
			Timestamp: now,
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return values, fallback, nil
}

func nonNil(records []usage.SessionRecord) []usage.SessionRecord {
	if records == nil {
		return []usage.SessionRecord{}
	}
	return records
}

// Rollover starts a new usage day when the reset boundary has passed. An
// active session is committed to the old day and restarted.
func (e *Engine) Rollover(ctx context.Context) RolloverResult {
	var res RolloverResult
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		today := e.today()
		res.Day = today

		e.mu.RLock()
		current := e.ledger.Day()
		e.mu.RUnlock()
		if current == today {
			return nil
		}

		sess, active := e.ActiveSession()
		if active {
			closed := e.closeLocked(ctx, true)
			res.Closed = &closed
		}

		e.mu.Lock()
		prev, rolled := e.ledger.Rollover(today)
		if active {
			e.session = &Session{Domain: sess.Domain, Category: sess.Category, TabID: sess.TabID, StartedAt: e.clock.Now()}
			metrics.ActiveSession.Set(1)
		}
		e.markDirtyLocked()
		e.mu.Unlock()

		e.notifier.ResetDay(today)

		res.Rolled = rolled
		res.PreviousDay = prev.Day
		e.logger.Info().
			Str("previous_day", prev.Day).
			Str("day", today).
			Float64("previous_minutes", float64(prev.Total())/60000).
			Msg("Usage day rolled over")
		return nil
	})
	if err != nil {
		return RolloverResult{Success: false, Error: failure(err)}
	}
	if res.Rolled {
		e.requestFlush()
	}
	res.Success = true
	return res
}
