package engine

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/goodtune/sitebudget/internal/budget"
	"github.com/goodtune/sitebudget/internal/classify"
	"github.com/goodtune/sitebudget/internal/domain"
	"github.com/goodtune/sitebudget/internal/metrics"
	"github.com/goodtune/sitebudget/internal/notify"
	"github.com/goodtune/sitebudget/internal/usage"
)

// StatsOptions selects how much GetStats computes.
type StatsOptions struct {
	Detailed bool
}

// Stats is the read-only projection shown by the popup and the CLI.
type Stats struct {
	IsTracking            bool                 `json:"isTracking"`
	Day                   string               `json:"day"`
	DailyUsageSeconds     int64                `json:"dailyUsageSeconds"`
	DailyUsage            map[string]int64     `json:"dailyUsage"`
	PercentageUsed        float64              `json:"percentageUsed"`
	Status                budget.Status        `json:"status"`
	LimitExceeded         bool                 `json:"limitExceeded"`
	GlobalLimitMinutes    int                  `json:"globalLimitMinutes"`
	CurrentSessionDomain  string               `json:"currentSessionDomain,omitempty"`
	CurrentSessionSeconds int64                `json:"currentSessionSeconds"`
	SyncQueueLength       int                  `json:"syncQueueLength"`
	ResetCount            int                  `json:"resetCount"`
	LastSaved             time.Time            `json:"lastSaved"`
	Dirty                 bool                 `json:"dirty"`
	Snooze                notify.SnoozeStatus  `json:"snooze"`
	LastNotification      *notify.Notification `json:"lastNotification,omitempty"`
	LastActivity          *Activity            `json:"lastActivity,omitempty"`
	Details               *StatsDetails        `json:"details,omitempty"`
}

// StatsDetails are the per-domain and per-category breakdowns.
type StatsDetails struct {
	DomainMinutes     map[string]float64 `json:"domainMinutes"`
	CategoryMinutes   map[string]float64 `json:"categoryMinutes"`
	TotalSeconds      int64              `json:"totalSeconds"`
	TotalMinutes      float64            `json:"totalMinutes"`
	TrackedSitesCount int                `json:"trackedSitesCount"`
	LimitMinutes      int                `json:"limitMinutes"`
	RemainingMinutes  float64            `json:"remainingMinutes"`
	LimitExceeded     bool               `json:"limitExceeded"`
}

// Activity is a completed intervention reported by the UI.
type Activity struct {
	Domain      string    `json:"domain"`
	Activity    string    `json:"activity"`
	CompletedAt time.Time `json:"completedAt"`
}

// ActivityResult reports a recorded intervention.
type ActivityResult struct {
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Activity *Activity `json:"activity,omitempty"`
}

// ResetResult reports an explicit usage reset.
type ResetResult struct {
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	Archived   map[string]int64 `json:"archived"`
	ResetCount int              `json:"resetCount"`
}

// SnoozeResult reports a snooze request.
type SnoozeResult struct {
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
	SnoozedUntil      time.Time `json:"snoozedUntil"`
	SnoozedForMinutes int       `json:"snoozedForMinutes"`
}

// CancelSnoozeResult reports whether a snooze was running.
type CancelSnoozeResult struct {
	Success     bool `json:"success"`
	WasSnoozing bool `json:"wasSnoozing"`
}

// DrainResult reports records acknowledged by the sync backend.
type DrainResult struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Removed   int    `json:"removed"`
	Remaining int    `json:"remaining"`
}

// GetStats returns a consistent snapshot of the engine state. Usage figures
// include the running session.
func (e *Engine) GetStats(ctx context.Context, opts StatsOptions) Stats {
	e.mu.RLock()
	now := e.clock.Now()
	snap := e.ledger.Snapshot()
	activeDomain, activeMs := e.elapsedLocked(now)
	result := e.evaluateLocked(activeDomain, now)
	global := e.evaluateLocked("", now)
	sites := e.sites
	stats := Stats{
		IsTracking:            e.tracking,
		Day:                   snap.Day,
		PercentageUsed:        result.PercentageUsed,
		Status:                result.Status,
		LimitExceeded:         result.Exceeded(),
		GlobalLimitMinutes:    e.policy.GlobalLimitMinutes,
		CurrentSessionDomain:  activeDomain,
		CurrentSessionSeconds: activeMs / 1000,
		ResetCount:            e.resetCount,
		LastSaved:             e.lastSaved,
	}
	if e.lastActivity != nil {
		a := *e.lastActivity
		stats.LastActivity = &a
	}
	e.mu.RUnlock()

	usageMs := snap.Entries
	if activeDomain != "" && activeMs > 0 {
		usageMs[activeDomain] += activeMs
	}
	var totalMs int64
	stats.DailyUsage = make(map[string]int64, len(usageMs))
	for d, ms := range usageMs {
		stats.DailyUsage[d] = ms / 1000
		totalMs += ms
	}
	stats.DailyUsageSeconds = totalMs / 1000

	stats.SyncQueueLength = e.syncQueue().Len()
	stats.Dirty = e.Dirty()
	stats.Snooze = e.notifier.SnoozeStatus()
	stats.LastNotification = e.notifier.Last()

	if !opts.Detailed {
		return stats
	}

	details := &StatsDetails{
		DomainMinutes:     make(map[string]float64, len(usageMs)),
		CategoryMinutes:   make(map[string]float64),
		TotalSeconds:      totalMs / 1000,
		TotalMinutes:      float64(totalMs) / 60000,
		TrackedSitesCount: len(sites),
		LimitMinutes:      global.LimitMinutes,
		RemainingMinutes:  global.RemainingMinutes,
		LimitExceeded:     global.Exceeded(),
	}
	for d, ms := range usageMs {
		minutes := float64(ms) / 60000
		details.DomainMinutes[d] = minutes

		site, _ := sites.Match(d)
		details.CategoryMinutes[classify.CategoryFor(ctx, e.classifier, site, d)] += minutes
	}
	stats.Details = details
	return stats
}

// Reset archives and clears today's usage. A running session is committed
// first and then restarted so tracking continues.
func (e *Engine) Reset(ctx context.Context) ResetResult {
	var res ResetResult
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		sess, active := e.ActiveSession()
		if active {
			e.closeLocked(ctx, true)
		}

		e.mu.Lock()
		now := e.clock.Now()
		archived := e.ledger.Reset()
		e.history.Add(archived.Day, usage.ResetEntry{Timestamp: now, Usage: archived.Entries})
		e.resetCount++
		if active {
			e.session = &Session{Domain: sess.Domain, Category: sess.Category, TabID: sess.TabID, StartedAt: now}
			metrics.ActiveSession.Set(1)
		}
		e.markDirtyLocked()
		res.Archived = maps.Clone(archived.Entries)
		res.ResetCount = e.resetCount
		day := archived.Day
		e.mu.Unlock()

		e.notifier.ResetDay(day)

		e.logger.Info().
			Str("day", day).
			Int("reset_count", res.ResetCount).
			Float64("archived_minutes", float64(archived.Total())/60000).
			Msg("Usage reset")
		return nil
	})
	if err != nil {
		return ResetResult{Success: false, Error: failure(err)}
	}
	e.requestFlush()
	res.Success = true
	return res
}

// ResetHistory returns a copy of the archived resets.
func (e *Engine) ResetHistory() usage.ResetHistory {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(usage.ResetHistory, len(e.history))
	for day, entries := range e.history {
		out[day] = append([]usage.ResetEntry(nil), entries...)
	}
	return out
}

// Snooze suppresses notifications. Zero minutes uses the configured snooze
// duration; any other value is clamped to [1, 60].
func (e *Engine) Snooze(ctx context.Context, minutes int) SnoozeResult {
	var res SnoozeResult
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		if minutes == 0 {
			e.mu.RLock()
			minutes = e.settings.SnoozeMinutes
			e.mu.RUnlock()
		}
		res.SnoozedUntil, res.SnoozedForMinutes = e.notifier.Snooze(minutes)
		e.markDirty()
		return nil
	})
	if err != nil {
		return SnoozeResult{Success: false, Error: failure(err)}
	}
	e.requestFlush()
	res.Success = true
	return res
}

// CancelSnooze ends any running snooze.
func (e *Engine) CancelSnooze(ctx context.Context) CancelSnoozeResult {
	var was bool
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		was = e.notifier.CancelSnooze()
		if was {
			e.markDirty()
		}
		return nil
	})
	if err != nil {
		return CancelSnoozeResult{Success: false}
	}
	if was {
		e.requestFlush()
	}
	return CancelSnoozeResult{Success: true, WasSnoozing: was}
}

// SnoozeStatus reports the current snooze.
func (e *Engine) SnoozeStatus() notify.SnoozeStatus {
	return e.notifier.SnoozeStatus()
}

// ActivityCompleted records that the user finished an intervention activity.
func (e *Engine) ActivityCompleted(ctx context.Context, d, activity string) ActivityResult {
	activity = strings.TrimSpace(activity)
	if activity == "" {
		return ActivityResult{Success: false, Error: "activity is required"}
	}

	var a Activity
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		a = Activity{Domain: domain.Normalize(d), Activity: activity, CompletedAt: e.clock.Now()}
		e.lastActivity = &a
		return nil
	})
	if err != nil {
		return ActivityResult{Success: false, Error: failure(err)}
	}

	metrics.InterventionsCompleted.WithLabelValues(activity).Inc()
	e.logger.Info().Str("domain", a.Domain).Str("activity", activity).Msg("Intervention completed")
	return ActivityResult{Success: true, Activity: &a}
}

// SyncQueue returns the records waiting for the sync backend, oldest first.
func (e *Engine) SyncQueue() []usage.SessionRecord {
	return e.syncQueue().Records()
}

func (e *Engine) syncQueue() *usage.SyncQueue {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.queue
}

// DrainSyncQueue removes the records the sync backend acknowledged. Records
// appended since the backend read the queue are kept.
func (e *Engine) DrainSyncQueue(ctx context.Context, ids []string) DrainResult {
	if len(ids) == 0 {
		return DrainResult{Success: false, Error: "no record ids given", Remaining: e.syncQueue().Len()}
	}

	var removed int
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		removed = e.syncQueue().Remove(ids)
		if removed > 0 {
			e.markDirty()
		}
		return nil
	})
	if err != nil {
		return DrainResult{Success: false, Error: failure(err)}
	}

	remaining := e.syncQueue().Len()
	metrics.SyncQueueLength.Set(float64(remaining))
	if removed > 0 {
		e.requestFlush()
	}
	e.logger.Info().Int("removed", removed).Int("remaining", remaining).Msg("Sync queue drained")
	return DrainResult{Success: true, Removed: removed, Remaining: remaining}
}
