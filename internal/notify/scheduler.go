package notify

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitebudget/internal/budget"
)

// Snooze bounds in minutes.
const (
	MinSnoozeMinutes = 1
	MaxSnoozeMinutes = 60
)

// State is the persisted scheduler state for one day.
type State struct {
	Day                       string    `json:"day"`
	NotifiedThresholds        []int     `json:"notifiedThresholds"`
	LastNotificationTime      time.Time `json:"lastNotificationTime"`
	LastNotificationThreshold *int      `json:"lastNotificationThreshold,omitempty"`
	SnoozedUntil              time.Time `json:"snoozedUntil"`
}

// Notification is what a Deliverer receives.
type Notification struct {
	Title            string    `json:"title"`
	Message          string    `json:"message"`
	Severity         Severity  `json:"severity"`
	Domain           string    `json:"domain,omitempty"`
	PercentageUsed   float64   `json:"percentageUsed"`
	TimeLimit        int       `json:"timeLimit"`
	CurrentTime      float64   `json:"currentTime"`
	RemainingMinutes float64   `json:"remainingMinutes"`
	Threshold        int       `json:"threshold"`
	Repeat           bool      `json:"isRepeat"`
	Sound            bool      `json:"sound"`
	SoundVolume      int       `json:"soundVolume"`
	Channels         Channels  `json:"channels"`
	SentAt           time.Time `json:"sentAt"`
}

// SnoozeStatus reports whether notifications are currently suppressed.
type SnoozeStatus struct {
	IsSnoozed        bool       `json:"isSnoozed"`
	SnoozedUntil     *time.Time `json:"snoozedUntil"`
	RemainingSeconds int        `json:"remainingSeconds"`
}

// Scheduler decides when a limit evaluation turns into a notification.
// Each threshold fires at most once per day; above the warning threshold
// reminders repeat at the configured frequency.
type Scheduler struct {
	clock  quartz.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	notified map[int]struct{}
	last     *Notification
}

// NewScheduler returns a scheduler for day with no thresholds notified.
func NewScheduler(day string, clock quartz.Clock, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Scheduler{
		clock:    clock,
		logger:   logger.With().Str("component", "notify").Logger(),
		state:    State{Day: day},
		notified: make(map[int]struct{}),
	}
}

// Restore replaces the in-memory state with a persisted one.
func (s *Scheduler) Restore(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = st
	s.notified = make(map[int]struct{}, len(st.NotifiedThresholds))
	for _, t := range st.NotifiedThresholds {
		s.notified[t] = struct{}{}
	}
}

// State returns a copy of the current state suitable for persisting.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	st.NotifiedThresholds = make([]int, 0, len(s.notified))
	for t := range s.notified {
		st.NotifiedThresholds = append(st.NotifiedThresholds, t)
	}
	slices.Sort(st.NotifiedThresholds)
	if s.state.LastNotificationThreshold != nil {
		v := *s.state.LastNotificationThreshold
		st.LastNotificationThreshold = &v
	}
	return st
}

// Day returns the day the state belongs to.
func (s *Scheduler) Day() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Day
}

// ResetDay clears every threshold, the repeat timer and any snooze.
func (s *Scheduler) ResetDay(day string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = State{Day: day}
	s.notified = make(map[int]struct{})
	s.last = nil
	s.logger.Debug().Str("day", day).Msg("Notification state reset")
}

// Decide returns the notification to deliver for res, or nil. A non-nil
// result has already been recorded as sent.
func (s *Scheduler) Decide(res budget.Result, settings Settings) *Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !settings.Show {
		return nil
	}

	now := s.clock.Now()
	if now.Before(s.state.SnoozedUntil) {
		s.logger.Debug().Time("snoozed_until", s.state.SnoozedUntil).Msg("Notifications snoozed")
		return nil
	}

	pct := res.PercentageUsed

	fired := -1
	for _, t := range settings.levels() {
		if pct >= float64(t) {
			if _, done := s.notified[t]; !done {
				fired = t
			}
		}
	}

	if fired >= 0 {
		s.notified[fired] = struct{}{}
		s.state.LastNotificationTime = now
		s.state.LastNotificationThreshold = &fired
		return s.build(res, settings, fired, false, now)
	}

	if pct < float64(settings.WarningThreshold) {
		return nil
	}
	if now.Sub(s.state.LastNotificationTime) < settings.Frequency.Interval() {
		return nil
	}

	threshold := int(math.Floor(pct/10)) * 10
	if s.state.LastNotificationThreshold != nil {
		threshold = *s.state.LastNotificationThreshold
	}
	s.state.LastNotificationTime = now
	return s.build(res, settings, threshold, true, now)
}

func (s *Scheduler) build(res budget.Result, settings Settings, threshold int, repeat bool, now time.Time) *Notification {
	msg := MessageFor(threshold, res.PercentageUsed)
	n := &Notification{
		Title:            msg.Title,
		Message:          msg.Body,
		Severity:         msg.Severity,
		Domain:           res.Domain,
		PercentageUsed:   res.PercentageUsed,
		TimeLimit:        res.LimitMinutes,
		CurrentTime:      res.CurrentMinutes,
		RemainingMinutes: res.RemainingMinutes,
		Threshold:        threshold,
		Repeat:           repeat,
		Sound:            settings.Sound && !repeat,
		SoundVolume:      settings.SoundVolume,
		Channels:         settings.Channels,
		SentAt:           now,
	}
	last := *n
	s.last = &last

	s.logger.Info().
		Int("threshold", threshold).
		Bool("repeat", repeat).
		Float64("percentage", res.PercentageUsed).
		Msg("Notification scheduled")
	return n
}

// Last returns the most recent notification of the day, if any.
func (s *Scheduler) Last() *Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	n := *s.last
	return &n
}

// Snooze suppresses notifications for minutes, clamped to [1, 60], and
// returns the end of the snooze.
func (s *Scheduler) Snooze(minutes int) (time.Time, int) {
	minutes = clamp(minutes, MinSnoozeMinutes, MaxSnoozeMinutes)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.SnoozedUntil = s.clock.Now().Add(time.Duration(minutes) * time.Minute)
	s.logger.Info().Int("minutes", minutes).Time("until", s.state.SnoozedUntil).Msg("Notifications snoozed")
	return s.state.SnoozedUntil, minutes
}

// CancelSnooze ends any snooze and reports whether one was running.
func (s *Scheduler) CancelSnooze() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.clock.Now().Before(s.state.SnoozedUntil)
	s.state.SnoozedUntil = time.Time{}
	return was
}

// SnoozeStatus reports the current snooze.
func (s *Scheduler) SnoozeStatus() SnoozeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !now.Before(s.state.SnoozedUntil) {
		return SnoozeStatus{}
	}
	until := s.state.SnoozedUntil
	return SnoozeStatus{
		IsSnoozed:        true,
		SnoozedUntil:     &until,
		RemainingSeconds: int(until.Sub(now) / time.Second),
	}
}
