// Package engine owns the session state machine, the usage ledger, the
// budget policy and the notification scheduler, and mirrors them to a store.
//
// Every mutation runs under a guard.Guard in arrival order. Read-only
// projections take a snapshot under an internal RWMutex instead, so stats
// and limit checks never queue behind a slow mutation. Writes to the store
// happen on a persister goroutine outside the guard.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitebudget/internal/budget"
	"github.com/goodtune/sitebudget/internal/classify"
	"github.com/goodtune/sitebudget/internal/domain"
	"github.com/goodtune/sitebudget/internal/guard"
	"github.com/goodtune/sitebudget/internal/metrics"
	"github.com/goodtune/sitebudget/internal/notify"
	"github.com/goodtune/sitebudget/internal/storage"
	"github.com/goodtune/sitebudget/internal/usage"
)

// DefaultMinSessionDuration is the shortest session committed without forceLog.
const DefaultMinSessionDuration = 500 * time.Millisecond

// Session is the single active (domain, start) pair.
type Session struct {
	Domain    string    `json:"domain"`
	Category  string    `json:"category"`
	TabID     int       `json:"tabId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Seed holds the configured values installed when the store has none.
type Seed struct {
	TrackingEnabled bool
	Policy          budget.Policy
	Sites           domain.Sites
	Notifications   notify.Settings
}

// Options configures an Engine.
type Options struct {
	Store      storage.Store
	Classifier classify.Classifier
	Deliverer  notify.Deliverer
	Clock      quartz.Clock

	LockTimeout        time.Duration
	MinSessionDuration time.Duration
	ResetTime          usage.ResetTime
	Retry              storage.RetryPolicy

	Seed Seed
}

// Engine is the session and time-limit enforcement engine.
type Engine struct {
	store      storage.Store
	classifier classify.Classifier
	deliverer  notify.Deliverer
	clock      quartz.Clock
	logger     zerolog.Logger

	guard      *guard.Guard
	minSession time.Duration
	resetTime  usage.ResetTime
	retry      storage.RetryPolicy
	seed       Seed

	notifier *notify.Scheduler
	queue    *usage.SyncQueue

	// mu protects the fields below. Writers also hold the guard.
	mu              sync.RWMutex
	tracking        bool
	trackingChanged time.Time
	session         *Session
	ledger          *usage.Ledger
	policy          budget.Policy
	sites           domain.Sites
	settings        notify.Settings
	history         usage.ResetHistory
	resetCount      int
	lastActivity    *Activity
	lastSaved       time.Time
	lastChange      time.Time
	emergency       bool

	changes atomic.Uint64
	saved   atomic.Uint64
	flushMu sync.Mutex

	kick      chan struct{}
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates an engine with seed state. Call Load to restore persisted
// state and Start to begin persisting.
func New(opts Options, logger zerolog.Logger) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Deliverer == nil {
		opts.Deliverer = notify.NewLog(logger)
	}
	if opts.MinSessionDuration <= 0 {
		opts.MinSessionDuration = DefaultMinSessionDuration
	}
	if opts.Retry == (storage.RetryPolicy{}) {
		opts.Retry = storage.DefaultRetryPolicy()
	}
	opts.Seed = normalizeSeed(opts.Seed)

	log := logger.With().Str("component", "engine").Logger()
	today := opts.ResetTime.DayKey(opts.Clock.Now())

	e := &Engine{
		store:      opts.Store,
		classifier: opts.Classifier,
		deliverer:  opts.Deliverer,
		clock:      opts.Clock,
		logger:     log,
		guard: guard.New(guard.Options{
			Name:    "session",
			Timeout: opts.LockTimeout,
			Clock:   opts.Clock,
		}, logger),
		minSession: opts.MinSessionDuration,
		resetTime:  opts.ResetTime,
		retry:      opts.Retry,
		seed:       opts.Seed,
		notifier:   notify.NewScheduler(today, opts.Clock, logger),
		queue:      usage.NewSyncQueue(nil),
		tracking:   opts.Seed.TrackingEnabled,
		ledger:     usage.NewLedger(today),
		policy:     opts.Seed.Policy.Clone(),
		sites:      opts.Seed.Sites,
		settings:   opts.Seed.Notifications,
		history:    usage.ResetHistory{},
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	return e, nil
}

func normalizeSeed(s Seed) Seed {
	if s.Policy.GlobalLimitMinutes <= 0 {
		s.Policy.GlobalLimitMinutes = budget.DefaultGlobalLimitMinutes
	}
	if s.Policy.PerDomainLimits == nil {
		s.Policy.PerDomainLimits = map[string]int{}
	}
	sites, _ := domain.Clean(s.Sites)
	if len(sites) == 0 {
		sites = domain.DefaultSites()
	}
	s.Sites = sites
	if s.Notifications.Thresholds == nil && s.Notifications.Frequency == "" {
		s.Notifications = notify.DefaultSettings()
	}
	s.Notifications = s.Notifications.Sanitize()
	return s
}

// today returns the usage day for the current instant.
func (e *Engine) today() string {
	return e.resetTime.DayKey(e.clock.Now())
}

// markDirtyLocked records a change that must reach the store. e.mu is held.
func (e *Engine) markDirtyLocked() {
	e.changes.Add(1)
	e.lastChange = e.clock.Now()
}

func (e *Engine) markDirty() {
	e.mu.Lock()
	e.markDirtyLocked()
	e.mu.Unlock()
}

// Dirty reports whether there are changes not yet written to the store.
func (e *Engine) Dirty() bool {
	return e.changes.Load() > e.saved.Load()
}

// requestFlush asks the persister for a write without waiting for it.
func (e *Engine) requestFlush() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Start launches the persister goroutine.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.persistLoop()
		e.logger.Info().Msg("Engine started")
	})
}

// Healthy reports whether the persister is running.
func (e *Engine) Healthy() bool {
	select {
	case <-e.stop:
		return false
	default:
		return true
	}
}

// Seed returns the configuration-derived state last applied.
func (e *Engine) Seed() Seed {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seed
}

func (e *Engine) persistLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case <-e.kick:
			e.FlushIfDirty(context.Background())
		}
	}
}

// Stop commits any active session, stops the persister and writes the final
// state.
func (e *Engine) Stop(ctx context.Context) FlushResult {
	if res := e.CloseSession(ctx, true); !res.Success {
		e.logger.Warn().Str("error", res.Error).Msg("Failed to close session on shutdown")
	}

	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()

	res := e.FlushIfDirty(ctx)
	e.logger.Info().Bool("flushed", !res.Skipped).Msg("Engine stopped")
	return res
}

// Load restores persisted state. Missing or unreadable entries fall back to
// the seed. A persisted ledger from another day is discarded.
func (e *Engine) Load(ctx context.Context) error {
	values, err := e.store.Get(ctx, storage.StateKeys...)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	return e.guard.WithLock(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		today := e.today()
		dirty := false

		snap, recovered := e.restoreUsage(values, today)
		ledger, stale := usage.Restore(snap, today)
		if stale {
			e.logger.Info().Str("stale_day", snap.Day).Str("day", today).Msg("Discarded ledger from previous day")
		}
		if stale || recovered || snap.Day != today {
			dirty = true
		}
		e.ledger = ledger

		var p budget.Policy
		switch err := storage.DecodeJSON(values, storage.KeyPolicy, &p); {
		case err == nil && p.Validate() == nil:
			if p.PerDomainLimits == nil {
				p.PerDomainLimits = map[string]int{}
			}
			e.policy = p
		default:
			e.logLoadFallback(storage.KeyPolicy, err)
			e.policy = e.seed.Policy.Clone()
			dirty = true
		}

		var sites []domain.Site
		if err := storage.DecodeJSON(values, storage.KeySites, &sites); err == nil {
			cleaned, rejected := domain.Clean(sites)
			if len(rejected) > 0 {
				e.logger.Warn().Strs("rejected", rejected).Msg("Dropped invalid stored sites")
				dirty = true
			}
			if len(cleaned) == 0 {
				cleaned = e.seed.Sites
				dirty = true
			}
			e.sites = cleaned
		} else {
			e.logLoadFallback(storage.KeySites, err)
			e.sites = e.seed.Sites
			dirty = true
		}

		var tracking storage.TrackingDocument
		if err := storage.DecodeJSON(values, storage.KeyTracking, &tracking); err == nil {
			e.tracking = tracking.Enabled
			e.trackingChanged = tracking.UpdatedAt
		} else {
			e.logLoadFallback(storage.KeyTracking, err)
			e.tracking = e.seed.TrackingEnabled
			dirty = true
		}

		var records []usage.SessionRecord
		if err := storage.DecodeJSON(values, storage.KeySyncQueue, &records); err != nil {
			e.logLoadFallback(storage.KeySyncQueue, err)
		}
		e.queue = usage.NewSyncQueue(records)
		metrics.SyncQueueLength.Set(float64(e.queue.Len()))

		var settings notify.Settings
		if err := storage.DecodeJSON(values, storage.KeyNotificationSettings, &settings); err == nil {
			e.settings = settings.Sanitize()
		} else {
			e.logLoadFallback(storage.KeyNotificationSettings, err)
			e.settings = e.seed.Notifications
			dirty = true
		}

		var state notify.State
		if err := storage.DecodeJSON(values, storage.KeyNotificationState, &state); err == nil && state.Day == today {
			e.notifier.Restore(state)
		} else {
			e.notifier.ResetDay(today)
		}

		var history usage.ResetHistory
		if err := storage.DecodeJSON(values, storage.KeyResetHistory, &history); err == nil && history != nil {
			e.history = history
		}
		var count int
		if err := storage.DecodeJSON(values, storage.KeyResetCount, &count); err == nil {
			e.resetCount = count
		}

		if dirty {
			e.markDirtyLocked()
		}

		e.logger.Info().
			Str("day", today).
			Int("sites", len(e.sites)).
			Int("queued", e.queue.Len()).
			Bool("tracking", e.tracking).
			Bool("recovered", recovered).
			Msg("State loaded")
		return nil
	})
}

// restoreUsage picks between the regular usage document and an emergency
// snapshot. The emergency snapshot wins when the regular document is missing
// or older. e.mu is held.
func (e *Engine) restoreUsage(values map[string][]byte, today string) (usage.Snapshot, bool) {
	var doc storage.UsageDocument
	docErr := storage.DecodeJSON(values, storage.KeyUsage, &doc)
	if docErr != nil {
		e.logLoadFallback(storage.KeyUsage, docErr)
	}

	var em storage.EmergencyDocument
	if err := storage.DecodeJSON(values, storage.KeyEmergencyUsage, &em); err != nil {
		if docErr != nil {
			return usage.Snapshot{Day: today}, false
		}
		return doc.Snapshot(), false
	}

	if em.Emergency && (docErr != nil || em.Timestamp.After(doc.LastSaved)) {
		e.logger.Warn().
			Str("day", em.Day).
			Time("saved_at", em.Timestamp).
			Msg("Recovered usage from emergency snapshot")
		e.emergency = true
		return usage.Snapshot{Day: em.Day, Entries: em.Ledger}, true
	}

	// Stale emergency snapshot; drop it on the next successful flush.
	e.emergency = true
	if docErr != nil {
		return usage.Snapshot{Day: today}, false
	}
	return doc.Snapshot(), false
}

func (e *Engine) logLoadFallback(key string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Debug().Str("key", key).Msg("No stored value, using default")
		return
	}
	e.logger.Warn().Err(err).Str("key", key).Msg("Unreadable stored value, using default")
}

// failure converts an error from the guarded section into a result message.
func failure(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
