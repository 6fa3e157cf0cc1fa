package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/goodtune/sitebudget/internal/budget"
	"github.com/goodtune/sitebudget/internal/domain"
	"github.com/goodtune/sitebudget/internal/notify"
)

// PolicyResult reports a budget policy change.
type PolicyResult struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Policy  budget.Policy `json:"policy"`
	Removed bool          `json:"removed,omitempty"`
}

// SitesResult reports a tracked-site list change.
type SitesResult struct {
	Success  bool         `json:"success"`
	Error    string       `json:"error,omitempty"`
	Sites    domain.Sites `json:"sites"`
	Rejected []string     `json:"rejected,omitempty"`
	Closed   *CloseResult `json:"closed,omitempty"`
}

// SettingsResult reports a notification settings change.
type SettingsResult struct {
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	Settings notify.Settings `json:"settings"`
}

// ReconfigureResult lists which seeded values a config reload replaced.
type ReconfigureResult struct {
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
	Replaced []string `json:"replaced,omitempty"`
}

// Policy returns a copy of the budget policy.
func (e *Engine) Policy() budget.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy.Clone()
}

// Sites returns the tracked-site list.
func (e *Engine) Sites() domain.Sites {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append(domain.Sites(nil), e.sites...)
}

// NotificationSettings returns the current notification settings.
func (e *Engine) NotificationSettings() notify.Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// UpdatePolicy merges a partial policy change.
func (e *Engine) UpdatePolicy(ctx context.Context, u budget.Update) PolicyResult {
	return e.changePolicy(ctx, "update", func(p budget.Policy) (budget.Policy, bool, error) {
		next, err := p.Apply(u)
		return next, false, err
	})
}

// SetGlobalLimit replaces the global daily limit.
func (e *Engine) SetGlobalLimit(ctx context.Context, minutes int) PolicyResult {
	return e.changePolicy(ctx, "global", func(p budget.Policy) (budget.Policy, bool, error) {
		if minutes <= 0 {
			return p, false, fmt.Errorf("time limit must be a positive number of minutes, got %d", minutes)
		}
		next, err := p.Apply(budget.Update{GlobalLimitMinutes: &minutes})
		return next, false, err
	})
}

// SetSiteLimit installs a per-domain override.
func (e *Engine) SetSiteLimit(ctx context.Context, d string, minutes int) PolicyResult {
	return e.changePolicy(ctx, "site", func(p budget.Policy) (budget.Policy, bool, error) {
		next, err := p.WithDomainLimit(d, minutes)
		return next, false, err
	})
}

// RemoveSiteLimit drops a per-domain override. Removing a missing override
// succeeds with Removed false.
func (e *Engine) RemoveSiteLimit(ctx context.Context, d string) PolicyResult {
	return e.changePolicy(ctx, "remove", func(p budget.Policy) (budget.Policy, bool, error) {
		next, removed := p.WithoutDomainLimit(d)
		return next, removed, nil
	})
}

func (e *Engine) changePolicy(ctx context.Context, op string, change func(budget.Policy) (budget.Policy, bool, error)) PolicyResult {
	var res PolicyResult
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		next, removed, err := change(e.policy)
		if err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		e.policy = next
		e.markDirtyLocked()

		res.Policy = next.Clone()
		res.Removed = removed
		return nil
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("op", op).Msg("Rejected policy change")
		return PolicyResult{Success: false, Error: failure(err), Policy: e.Policy()}
	}

	e.requestFlush()
	e.logger.Info().
		Str("op", op).
		Int("global_limit", res.Policy.GlobalLimitMinutes).
		Int("overrides", len(res.Policy.PerDomainLimits)).
		Msg("Budget policy updated")
	res.Success = true
	return res
}

// UpdateTrackedSites replaces the tracked-site list. Entries are normalized,
// invalid ones rejected and duplicates dropped. An empty list restores the
// defaults. A running session on a site no longer tracked is ended.
func (e *Engine) UpdateTrackedSites(ctx context.Context, sites []domain.Site) SitesResult {
	var res SitesResult
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		cleaned, rejected := domain.Clean(sites)
		res.Rejected = rejected
		if len(sites) == 0 {
			cleaned = domain.DefaultSites()
		}
		if len(cleaned) == 0 {
			return errors.New("no valid sites in list")
		}

		if s, ok := e.ActiveSession(); ok {
			if _, still := cleaned.Match(s.Domain); !still {
				closed := e.closeLocked(ctx, true)
				res.Closed = &closed
			}
		}

		e.mu.Lock()
		e.sites = cleaned
		e.markDirtyLocked()
		e.mu.Unlock()

		res.Sites = append(domain.Sites(nil), cleaned...)
		return nil
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Rejected tracked sites update")
		return SitesResult{Success: false, Error: failure(err), Rejected: res.Rejected}
	}

	e.requestFlush()
	e.logger.Info().Int("sites", len(res.Sites)).Int("rejected", len(res.Rejected)).Msg("Tracked sites updated")
	res.Success = true
	return res
}

// UpdateNotificationSettings replaces the notification settings after
// clamping them to valid ranges.
func (e *Engine) UpdateNotificationSettings(ctx context.Context, s notify.Settings) SettingsResult {
	clean := s.Sanitize()
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.settings = clean
		e.markDirtyLocked()
		return nil
	})
	if err != nil {
		return SettingsResult{Success: false, Error: failure(err)}
	}
	e.requestFlush()
	return SettingsResult{Success: true, Settings: clean}
}

// Reconfigure applies the parts of next that differ from prev. Persisted
// values the user changed at runtime are kept unless the configuration for
// that part changed too.
func (e *Engine) Reconfigure(ctx context.Context, prev, next Seed) ReconfigureResult {
	prev, next = normalizeSeed(prev), normalizeSeed(next)

	var replaced []string
	err := e.guard.WithLock(ctx, func(ctx context.Context) error {
		if prev.TrackingEnabled != next.TrackingEnabled {
			if res := e.SetTracking(ctx, next.TrackingEnabled); !res.Success {
				return errors.New(res.Error)
			}
			replaced = append(replaced, "tracking")
		}
		if !reflect.DeepEqual(prev.Policy, next.Policy) {
			if err := next.Policy.Validate(); err != nil {
				return err
			}
			e.mu.Lock()
			e.policy = next.Policy.Clone()
			e.markDirtyLocked()
			e.mu.Unlock()
			replaced = append(replaced, "policy")
		}
		if !reflect.DeepEqual(prev.Sites, next.Sites) {
			if res := e.UpdateTrackedSites(ctx, next.Sites); !res.Success {
				return errors.New(res.Error)
			}
			replaced = append(replaced, "sites")
		}
		if !reflect.DeepEqual(prev.Notifications, next.Notifications) {
			e.mu.Lock()
			e.settings = next.Notifications
			e.markDirtyLocked()
			e.mu.Unlock()
			replaced = append(replaced, "notifications")
		}

		e.mu.Lock()
		e.seed = next
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to apply configuration")
		return ReconfigureResult{Success: false, Error: failure(err), Replaced: replaced}
	}

	if len(replaced) > 0 {
		e.requestFlush()
		e.logger.Info().Strs("replaced", replaced).Msg("Configuration applied")
	}
	return ReconfigureResult{Success: true, Replaced: replaced}
}
