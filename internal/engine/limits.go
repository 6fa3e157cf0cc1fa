package engine

import (
	"context"
	"time"

	"github.com/goodtune/sitebudget/internal/budget"
	"github.com/goodtune/sitebudget/internal/domain"
	"github.com/goodtune/sitebudget/internal/metrics"
	"github.com/goodtune/sitebudget/internal/notify"
)

// LimitResult is the outcome of a limit check.
type LimitResult struct {
	Success      bool                 `json:"success"`
	Error        string               `json:"error,omitempty"`
	Limit        budget.Result        `json:"limit"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

// LimitStatus is the boolean signal consumed by the intervention UI.
type LimitStatus struct {
	Exceeded bool          `json:"limitExceeded"`
	Limit    budget.Result `json:"limit"`
}

// TickResult reports one run of the periodic limit check.
type TickResult struct {
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	Rollover *RolloverResult `json:"rollover,omitempty"`
	Check    *LimitResult    `json:"check,omitempty"`
}

// Evaluate computes the limit result for d against the current ledger, the
// active session and the policy. An empty d evaluates the global budget only.
func (e *Engine) Evaluate(d string) budget.Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.evaluateLocked(d, e.clock.Now())
}

// evaluateLocked requires e.mu held for reading.
func (e *Engine) evaluateLocked(d string, now time.Time) budget.Result {
	activeDomain, activeMs := e.elapsedLocked(now)
	return budget.Evaluate(budget.Input{
		Entries:         e.ledger.Snapshot().Entries,
		ActiveDomain:    activeDomain,
		ActiveElapsedMs: activeMs,
		Domain:          d,
		Policy:          e.policy,
	})
}

// Project evaluates d as if it were used for extra more time on top of the
// ledger and the active session. Nothing is recorded.
func (e *Engine) Project(d string, extra time.Duration) budget.Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	d = domain.Normalize(d)
	entries := e.ledger.Snapshot().Entries
	if active, ms := e.elapsedLocked(e.clock.Now()); active != "" {
		entries[active] += ms
	}
	if d != "" && extra > 0 {
		entries[d] += extra.Milliseconds()
	}
	return budget.Evaluate(budget.Input{
		Entries: entries,
		Domain:  d,
		Policy:  e.policy,
	})
}

// CheckLimit evaluates d and delivers a notification when one is due.
func (e *Engine) CheckLimit(ctx context.Context, d string) LimitResult {
	var res LimitResult
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		res.Limit, res.Notification = e.checkLimitLocked(domain.Normalize(d))
		return nil
	})
	if err != nil {
		return LimitResult{Success: false, Error: failure(err)}
	}
	e.deliver(ctx, res.Notification)
	res.Success = true
	return res
}

// checkLimitLocked evaluates d and runs the notification scheduler. The
// guard is held; delivery is left to the caller so it happens after release.
func (e *Engine) checkLimitLocked(d string) (budget.Result, *notify.Notification) {
	e.mu.RLock()
	result := e.evaluateLocked(d, e.clock.Now())
	settings := e.settings
	e.mu.RUnlock()

	metrics.LimitChecks.WithLabelValues(string(result.Status)).Inc()
	metrics.BudgetPercentageUsed.Set(result.PercentageUsed)

	n := e.notifier.Decide(result, settings)
	if n != nil {
		e.markDirty()
	}

	e.logger.Debug().
		Str("domain", d).
		Float64("percentage", result.PercentageUsed).
		Str("status", string(result.Status)).
		Msg("Limit checked")
	return result, n
}

// deliver hands n to the deliverer. Called outside the guard.
func (e *Engine) deliver(ctx context.Context, n *notify.Notification) {
	if n == nil {
		return
	}
	if err := e.deliverer.Deliver(ctx, *n); err != nil {
		e.logger.Warn().Err(err).Int("threshold", n.Threshold).Msg("Notification delivery failed")
		return
	}
	metrics.NotificationsSent.WithLabelValues(string(n.Severity), boolLabel(n.Repeat)).Inc()
}

// LimitFor evaluates d without running the notification scheduler.
func (e *Engine) LimitFor(d string) LimitStatus {
	result := e.Evaluate(domain.Normalize(d))
	return LimitStatus{Exceeded: result.Exceeded(), Limit: result}
}

// LimitExceeded reports whether the budget for the active domain, or the
// global budget when idle, is used up.
func (e *Engine) LimitExceeded() LimitStatus {
	e.mu.RLock()
	now := e.clock.Now()
	d, _ := e.elapsedLocked(now)
	result := e.evaluateLocked(d, now)
	e.mu.RUnlock()
	return LimitStatus{Exceeded: result.Exceeded(), Limit: result}
}

// Tick is the periodic job: it rolls the day over when needed and checks the
// limit for the active domain.
func (e *Engine) Tick(ctx context.Context) TickResult {
	var res TickResult

	roll := e.Rollover(ctx)
	if !roll.Success {
		return TickResult{Success: false, Error: roll.Error}
	}
	if roll.Rolled {
		res.Rollover = &roll
	}

	d := ""
	if s, ok := e.ActiveSession(); ok {
		d = s.Domain
	}
	check := e.CheckLimit(ctx, d)
	if !check.Success {
		return TickResult{Success: false, Error: check.Error, Rollover: res.Rollover}
	}
	res.Check = &check
	res.Success = true
	return res
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
