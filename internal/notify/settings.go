package notify

import (
	"slices"
	"time"

	"github.com/goodtune/sitebudget/internal/config"
)

// Frequency controls how often repeat reminders are sent above the warning
// threshold.
type Frequency string

const (
	FrequencyLow    Frequency = "low"
	FrequencyMedium Frequency = "medium"
	FrequencyHigh   Frequency = "high"
)

// Interval is the minimum gap between repeat reminders.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyLow:
		return 15 * time.Minute
	case FrequencyHigh:
		return 2 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// MaxThreshold is always notified, whatever the configured list says.
const MaxThreshold = 100

// Channels selects where a notification is surfaced.
type Channels struct {
	Browser     bool `json:"browser"`
	InPage      bool `json:"inPage"`
	PopupAlerts bool `json:"popupAlerts"`
}

// Settings are the user's notification preferences.
type Settings struct {
	Show             bool      `json:"showNotifications"`
	Thresholds       []int     `json:"notificationThresholds"`
	WarningThreshold int       `json:"warningThreshold"`
	Frequency        Frequency `json:"notificationFrequency"`
	Channels         Channels  `json:"notificationTypes"`
	Sound            bool      `json:"soundAlerts"`
	SoundVolume      int       `json:"soundVolume"`
	SnoozeMinutes    int       `json:"snoozeDuration"`
}

// DefaultSettings returns the out-of-the-box preferences.
func DefaultSettings() Settings {
	return Settings{
		Show:             true,
		Thresholds:       []int{50, 75, 90, 95},
		WarningThreshold: 80,
		Frequency:        FrequencyMedium,
		Channels:         Channels{Browser: true, InPage: true, PopupAlerts: true},
		Sound:            false,
		SoundVolume:      50,
		SnoozeMinutes:    5,
	}
}

// FromConfig builds settings from the notifications config section.
func FromConfig(cfg config.NotificationsConfig) Settings {
	return Settings{
		Show:             cfg.Show,
		Thresholds:       slices.Clone(cfg.Thresholds),
		WarningThreshold: cfg.WarningThreshold,
		Frequency:        Frequency(cfg.Frequency),
		Channels: Channels{
			Browser:     cfg.Browser,
			InPage:      cfg.InPage,
			PopupAlerts: cfg.PopupAlerts,
		},
		Sound:         cfg.Sound,
		SoundVolume:   cfg.SoundVolume,
		SnoozeMinutes: cfg.SnoozeMinutes,
	}.Sanitize()
}

// Sanitize clamps out-of-range values and falls back to defaults for the
// ones that cannot be repaired. Thresholds end up sorted and unique.
func (s Settings) Sanitize() Settings {
	def := DefaultSettings()

	var thresholds []int
	for _, t := range s.Thresholds {
		if t >= 1 && t <= 100 {
			thresholds = append(thresholds, t)
		}
	}
	slices.Sort(thresholds)
	thresholds = slices.Compact(thresholds)
	if len(thresholds) == 0 {
		thresholds = def.Thresholds
	}
	s.Thresholds = thresholds

	if s.WarningThreshold <= 0 {
		s.WarningThreshold = def.WarningThreshold
	}
	s.WarningThreshold = clamp(s.WarningThreshold, 1, 100)

	switch s.Frequency {
	case FrequencyLow, FrequencyMedium, FrequencyHigh:
	default:
		s.Frequency = def.Frequency
	}

	s.SoundVolume = clamp(s.SoundVolume, 0, 100)

	if s.SnoozeMinutes <= 0 {
		s.SnoozeMinutes = def.SnoozeMinutes
	}
	s.SnoozeMinutes = clamp(s.SnoozeMinutes, MinSnoozeMinutes, MaxSnoozeMinutes)

	return s
}

// levels returns the configured thresholds plus MaxThreshold, ascending.
func (s Settings) levels() []int {
	levels := slices.Clone(s.Thresholds)
	if !slices.Contains(levels, MaxThreshold) {
		levels = append(levels, MaxThreshold)
	}
	slices.Sort(levels)
	return levels
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
