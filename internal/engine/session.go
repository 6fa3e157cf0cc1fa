package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/sitebudget/internal/budget"
	"github.com/goodtune/sitebudget/internal/classify"
	"github.com/goodtune/sitebudget/internal/domain"
	"github.com/goodtune/sitebudget/internal/metrics"
	"github.com/goodtune/sitebudget/internal/notify"
	"github.com/goodtune/sitebudget/internal/usage"
)

// Tab is a browser tab focus or navigation event.
type Tab struct {
	ID     int    `json:"id"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// OpenResult reports the outcome of a tab event.
type OpenResult struct {
	Success      bool                 `json:"success"`
	Error        string               `json:"error,omitempty"`
	Tracked      bool                 `json:"tracked"`
	Domain       string               `json:"domain,omitempty"`
	Category     string               `json:"category,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Closed       *CloseResult         `json:"closed,omitempty"`
	Limit        *budget.Result       `json:"limit,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

// CloseResult reports the outcome of ending a session.
type CloseResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Logged     bool   `json:"logged"`
	Domain     string `json:"domain,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Reason     string `json:"reason,omitempty"`
}

// IdleResult reports what an idle state change did.
type IdleResult struct {
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	Action  string       `json:"action"`
	Closed  *CloseResult `json:"closed,omitempty"`
}

// TrackingResult reports the tracking toggle.
type TrackingResult struct {
	Success    bool         `json:"success"`
	Error      string       `json:"error,omitempty"`
	IsTracking bool         `json:"isTracking"`
	Closed     *CloseResult `json:"closed,omitempty"`
}

// Idle states reported by the host.
const (
	IdleActive = "active"
	IdleIdle   = "idle"
	IdleLocked = "locked"
)

// Reasons a tab event or close did nothing.
const (
	ReasonTrackingDisabled = "tracking_disabled"
	ReasonInactiveTab      = "inactive_tab"
	ReasonEmptyURL         = "empty_url"
	ReasonInvalidURL       = "invalid_url"
	ReasonNotTracked       = "not_tracked"
	ReasonNoSession        = "no_session"
	ReasonTooShort         = "too_short"
)

// OpenSession handles a tab gaining focus or navigating. Any running session
// is closed first; a tracked domain then starts a new one and its limit is
// checked.
func (e *Engine) OpenSession(ctx context.Context, tab Tab) OpenResult {
	var res OpenResult
	var pending *notify.Notification

	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		e.mu.RLock()
		tracking := e.tracking
		sites := e.sites
		e.mu.RUnlock()

		switch {
		case !tracking:
			res.Reason = ReasonTrackingDisabled
			return nil
		case tab.URL == "":
			res.Reason = ReasonEmptyURL
			return nil
		case !tab.Active:
			res.Reason = ReasonInactiveTab
			return nil
		}

		if closed := e.closeLocked(ctx, false); closed.Logged || closed.Reason == ReasonTooShort {
			res.Closed = &closed
		}

		host := domain.Normalize(domain.Extract(tab.URL))
		if host == "" {
			res.Reason = ReasonInvalidURL
			return nil
		}
		res.Domain = host

		site, ok := sites.Match(host)
		if !ok {
			res.Reason = ReasonNotTracked
			return nil
		}

		category := classify.CategoryFor(ctx, e.classifier, site, host)
		now := e.clock.Now()

		e.mu.Lock()
		e.session = &Session{Domain: host, Category: category, TabID: tab.ID, StartedAt: now}
		e.mu.Unlock()
		metrics.ActiveSession.Set(1)

		res.Tracked = true
		res.Category = category

		e.logger.Debug().Str("domain", host).Str("category", category).Int("tab", tab.ID).Msg("Session started")

		result, n := e.checkLimitLocked(host)
		res.Limit = &result
		res.Notification = n
		pending = n
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("url", tab.URL).Msg("Failed to handle tab change")
		return OpenResult{Success: false, Error: failure(err)}
	}

	e.deliver(ctx, pending)
	res.Success = true
	return res
}

// CloseSession ends the active session. Sessions shorter than the minimum
// duration are discarded unless forceLog is set.
func (e *Engine) CloseSession(ctx context.Context, forceLog bool) CloseResult {
	var res CloseResult
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		res = e.closeLocked(ctx, forceLog)
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to close session")
		return CloseResult{Success: false, Error: failure(err)}
	}
	return res
}

// closeLocked ends the active session. The guard is held.
func (e *Engine) closeLocked(ctx context.Context, forceLog bool) CloseResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := e.session
	if sess == nil {
		return CloseResult{Success: true, Reason: ReasonNoSession}
	}
	e.session = nil
	metrics.ActiveSession.Set(0)

	now := e.clock.Now()
	elapsed := now.Sub(sess.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	res := CloseResult{Success: true, Domain: sess.Domain, DurationMs: elapsed.Milliseconds()}

	if elapsed < e.minSession && !forceLog {
		metrics.SessionsDiscarded.WithLabelValues(ReasonTooShort).Inc()
		e.logger.Debug().Str("domain", sess.Domain).Dur("elapsed", elapsed).Msg("Discarded short session")
		res.Reason = ReasonTooShort
		return res
	}

	if err := e.ledger.Commit(sess.Domain, res.DurationMs); err != nil {
		metrics.SessionsDiscarded.WithLabelValues("invalid").Inc()
		e.logger.Warn().Err(err).Str("domain", sess.Domain).Msg("Rejected session commit")
		res.Reason = err.Error()
		return res
	}

	rec := usage.NewSessionRecord(sess.Domain, sess.Category, sess.StartedAt, now)
	e.queue.Append(rec)
	metrics.SyncQueueLength.Set(float64(e.queue.Len()))
	metrics.SessionsCommitted.WithLabelValues(sess.Category).Inc()
	metrics.UsageMinutesConsumed.WithLabelValues(sess.Domain, sess.Category).Add(elapsed.Minutes())

	e.markDirtyLocked()
	e.requestFlush()

	e.logger.Info().
		Str("domain", sess.Domain).
		Str("category", sess.Category).
		Int64("duration_ms", res.DurationMs).
		Bool("forced", forceLog).
		Msg("Session committed")

	res.Logged = true
	return res
}

// HandleIdleStateChange reacts to the host reporting idle, locked or active.
func (e *Engine) HandleIdleStateChange(ctx context.Context, state string) IdleResult {
	switch state {
	case IdleActive:
		return IdleResult{Success: true, Action: "wait_for_tab"}
	case IdleIdle, IdleLocked:
	default:
		return IdleResult{Success: false, Error: fmt.Sprintf("unknown idle state %q", state)}
	}

	closed := e.CloseSession(ctx, true)
	if !closed.Success {
		return IdleResult{Success: false, Error: closed.Error}
	}
	if closed.Reason == ReasonNoSession {
		return IdleResult{Success: true, Action: "no_action"}
	}
	return IdleResult{Success: true, Action: "ended_session", Closed: &closed}
}

// SetTracking enables or disables tracking. Disabling ends the active session.
func (e *Engine) SetTracking(ctx context.Context, enabled bool) TrackingResult {
	res := TrackingResult{IsTracking: enabled}
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		if !enabled {
			if closed := e.closeLocked(ctx, true); closed.Reason != ReasonNoSession {
				res.Closed = &closed
			}
		}

		e.mu.Lock()
		changed := e.tracking != enabled
		e.tracking = enabled
		if changed {
			e.trackingChanged = e.clock.Now()
			e.markDirtyLocked()
		}
		e.mu.Unlock()

		if changed {
			e.requestFlush()
			e.logger.Info().Bool("enabled", enabled).Msg("Tracking toggled")
		}
		return nil
	})
	if err != nil {
		return TrackingResult{Success: false, Error: failure(err)}
	}
	res.Success = true
	return res
}

// ActiveSession returns a copy of the running session, if any.
func (e *Engine) ActiveSession() (Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return Session{}, false
	}
	return *e.session, true
}

// elapsedLocked returns how long the active session has been running. e.mu
// is held for reading.
func (e *Engine) elapsedLocked(now time.Time) (string, int64) {
	if e.session == nil {
		return "", 0
	}
	d := now.Sub(e.session.StartedAt)
	if d < 0 {
		d = 0
	}
	return e.session.Domain, d.Milliseconds()
}
