package usage

import (
	"fmt"
	"time"
)

// DayLayout is the format of ledger day keys.
const DayLayout = "2006-01-02"

// ResetTime is the time of day at which a new usage day begins.
type ResetTime struct {
	hour   int
	minute int
}

// Midnight is the default reset time.
var Midnight = ResetTime{}

// ParseResetTime parses an HH:MM reset time.
func ParseResetTime(s string) (ResetTime, error) {
	if s == "" {
		return Midnight, nil
	}
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return ResetTime{}, fmt.Errorf("invalid reset time %q: %w", s, err)
	}
	return ResetTime{hour: parsed.Hour(), minute: parsed.Minute()}, nil
}

// String formats the reset time as HH:MM.
func (r ResetTime) String() string {
	return fmt.Sprintf("%02d:%02d", r.hour, r.minute)
}

// DayKey returns the usage day now belongs to.
func (r ResetTime) DayKey(now time.Time) string {
	return r.dayStart(now).Format(DayLayout)
}

// NextReset returns the first reset boundary strictly after now.
func (r ResetTime) NextReset(now time.Time) time.Time {
	return r.dayStart(now).AddDate(0, 0, 1)
}

// dayStart returns the most recent reset boundary at or before now. Before
// the reset time, the previous calendar day is still current.
func (r ResetTime) dayStart(now time.Time) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), r.hour, r.minute, 0, 0, now.Location())
	if now.Before(today) {
		return today.AddDate(0, 0, -1)
	}
	return today
}
