package budget

import (
	"math"

	"github.com/goodtune/sitebudget/internal/domain"
)

// Status is the coarse limit state derived from the percentage used.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusExceeded Status = "exceeded"
)

// WarningPercent is where StatusWarning begins.
const WarningPercent = 80

const msPerMinute = 60000.0

// Input is everything Evaluate reads. Entries must be keyed by normalized domain.
type Input struct {
	Entries         map[string]int64
	ActiveDomain    string
	ActiveElapsedMs int64
	Domain          string
	Policy          Policy
}

// Result is the outcome of a limit evaluation. Percentages are capped at 100.
type Result struct {
	Domain               string  `json:"domain,omitempty"`
	PercentageUsed       float64 `json:"percentageUsed"`
	Status               Status  `json:"status"`
	CurrentMinutes       float64 `json:"currentMinutes"`
	LimitMinutes         int     `json:"limitMinutes"`
	RemainingMinutes     float64 `json:"remainingMinutes"`
	GlobalPercentageUsed float64 `json:"globalPercentageUsed"`
	HasSiteSpecificLimit bool    `json:"hasSiteSpecificLimit"`
	TotalMinutes         float64 `json:"totalMinutes"`
	GlobalLimitMinutes   int     `json:"globalLimitMinutes"`
}

// Exceeded reports whether the result is over budget.
func (r Result) Exceeded() bool {
	return r.Status == StatusExceeded
}

// Evaluate combines ledger totals, the active session and the policy. The
// stricter of the global and per-domain ratios decides the status.
func Evaluate(in Input) Result {
	globalLimit := in.Policy.GlobalLimitMinutes
	if globalLimit <= 0 {
		globalLimit = DefaultGlobalLimitMinutes
	}

	var totalMs int64
	for _, ms := range in.Entries {
		if ms > 0 {
			totalMs += ms
		}
	}
	active := domain.Normalize(in.ActiveDomain)
	elapsed := in.ActiveElapsedMs
	if active == "" || elapsed < 0 {
		elapsed = 0
	}
	totalMs += elapsed

	totalMinutes := float64(totalMs) / msPerMinute
	globalPct := totalMinutes / float64(globalLimit) * 100

	res := Result{
		TotalMinutes:       totalMinutes,
		GlobalLimitMinutes: globalLimit,
		LimitMinutes:       globalLimit,
		CurrentMinutes:     totalMinutes,
	}

	pct := globalPct
	if d := domain.Normalize(in.Domain); d != "" {
		res.Domain = d

		limit, override := in.Policy.LimitFor(d)
		if limit <= 0 {
			limit, override = globalLimit, false
		}

		domainMs := in.Entries[d]
		if active == d {
			domainMs += elapsed
		}
		domainMinutes := float64(domainMs) / msPerMinute
		domainPct := domainMinutes / float64(limit) * 100

		pct = math.Max(globalPct, domainPct)
		res.LimitMinutes = limit
		res.HasSiteSpecificLimit = override
		if domainMinutes > 0 {
			res.CurrentMinutes = domainMinutes
		}
	}

	res.Status = StatusFor(pct)
	res.PercentageUsed = math.Min(pct, 100)
	res.GlobalPercentageUsed = math.Min(globalPct, 100)
	res.RemainingMinutes = math.Max(0, float64(res.LimitMinutes)-res.CurrentMinutes)

	return res
}

// StatusFor maps an uncapped percentage to a Status.
func StatusFor(pct float64) Status {
	switch {
	case pct >= 100:
		return StatusExceeded
	case pct >= WarningPercent:
		return StatusWarning
	default:
		return StatusOK
	}
}
