package notify

import (
	"fmt"
	"math"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Message is the user-facing text for a threshold.
type Message struct {
	Title    string
	Body     string
	Severity Severity
}

var messages = map[int]Message{
	50: {
		Title:    "Halfway There",
		Body:     "You've used 50% of your daily time limit. Consider planning your remaining time wisely.",
		Severity: SeverityInfo,
	},
	75: {
		Title:    "Time Check",
		Body:     "You've used 75% of your daily time limit. Time to start wrapping things up.",
		Severity: SeverityWarning,
	},
	90: {
		Title:    "Almost at Limit",
		Body:     "You've used 90% of your daily time limit. Only a few minutes remaining.",
		Severity: SeverityWarning,
	},
	95: {
		Title:    "Final Warning",
		Body:     "You've used 95% of your daily time limit. Prepare to take a break.",
		Severity: SeverityDanger,
	},
	100: {
		Title:    "Time Limit Reached",
		Body:     "You've reached your daily time limit. Time for a productive activity.",
		Severity: SeverityDanger,
	},
}

// MessageFor returns the text for threshold. Thresholds without a dedicated
// message get a generic one graded by percentage.
func MessageFor(threshold int, percentage float64) Message {
	if m, ok := messages[threshold]; ok {
		return m
	}

	sev := SeverityInfo
	switch {
	case percentage >= 90:
		sev = SeverityDanger
	case percentage >= 75:
		sev = SeverityWarning
	}

	return Message{
		Title:    fmt.Sprintf("Time Check: %d%%", threshold),
		Body:     fmt.Sprintf("You've used %d%% of your daily time limit.", int(math.Round(percentage))),
		Severity: sev,
	}
}
