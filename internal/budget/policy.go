// Package budget holds the daily time budget and the pure limit evaluation
// performed against the usage ledger.
package budget

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goodtune/sitebudget/internal/domain"
)

const (
	// DefaultGlobalLimitMinutes is the daily budget applied when none is configured.
	DefaultGlobalLimitMinutes = 60

	// MinLimitMinutes and MaxLimitMinutes bound every stored limit.
	MinLimitMinutes = 1
	MaxLimitMinutes = 1440
)

var validate = validator.New()

// Policy is the global daily limit plus per-domain overrides, in minutes.
type Policy struct {
	GlobalLimitMinutes int            `json:"globalLimitMinutes" validate:"gte=1,lte=1440"`
	PerDomainLimits    map[string]int `json:"perDomainLimits,omitempty" validate:"omitempty,dive,keys,required,endkeys,gte=1,lte=1440"`
}

// Update is a partial policy change. Nil fields are left untouched.
type Update struct {
	GlobalLimitMinutes *int           `json:"globalLimitMinutes,omitempty" validate:"omitempty,gt=0"`
	PerDomainLimits    map[string]int `json:"perDomainLimits,omitempty" validate:"omitempty,dive,keys,required,endkeys,gt=0"`
}

// DefaultPolicy returns a policy with the default global limit and no overrides.
func DefaultPolicy() Policy {
	return Policy{
		GlobalLimitMinutes: DefaultGlobalLimitMinutes,
		PerDomainLimits:    map[string]int{},
	}
}

// Clone returns a deep copy of p.
func (p Policy) Clone() Policy {
	out := Policy{
		GlobalLimitMinutes: p.GlobalLimitMinutes,
		PerDomainLimits:    make(map[string]int, len(p.PerDomainLimits)),
	}
	for d, m := range p.PerDomainLimits {
		out.PerDomainLimits[d] = m
	}
	return out
}

// LimitFor returns the limit applying to a normalized domain and whether it
// is a per-domain override.
func (p Policy) LimitFor(d string) (int, bool) {
	if m, ok := p.PerDomainLimits[domain.Normalize(d)]; ok {
		return m, true
	}
	return p.GlobalLimitMinutes, false
}

// Validate checks the policy against its struct constraints.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return formatValidationError(err)
	}
	for d := range p.PerDomainLimits {
		if !domain.IsValid(d) {
			return fmt.Errorf("invalid domain in per-domain limits: %q", d)
		}
	}
	return nil
}

// Apply validates u and returns p with u merged in. Domains are normalized and
// limits clamped to [MinLimitMinutes, MaxLimitMinutes]. A supplied
// PerDomainLimits map replaces the existing overrides.
func (p Policy) Apply(u Update) (Policy, error) {
	if err := validate.Struct(u); err != nil {
		return p, formatValidationError(err)
	}

	out := p.Clone()
	if u.GlobalLimitMinutes != nil {
		out.GlobalLimitMinutes = ClampLimit(*u.GlobalLimitMinutes)
	}
	if u.PerDomainLimits != nil {
		limits := make(map[string]int, len(u.PerDomainLimits))
		for d, m := range u.PerDomainLimits {
			nd := domain.Normalize(d)
			if !domain.IsValid(nd) {
				return p, fmt.Errorf("invalid domain: %q", d)
			}
			limits[nd] = ClampLimit(m)
		}
		out.PerDomainLimits = limits
	}
	return out, nil
}

// WithDomainLimit returns p with an override for d.
func (p Policy) WithDomainLimit(d string, minutes int) (Policy, error) {
	nd := domain.Normalize(d)
	if !domain.IsValid(nd) {
		return p, fmt.Errorf("invalid domain: %q", d)
	}
	if minutes <= 0 {
		return p, fmt.Errorf("time limit must be a positive number of minutes, got %d", minutes)
	}
	out := p.Clone()
	out.PerDomainLimits[nd] = ClampLimit(minutes)
	return out, nil
}

// WithoutDomainLimit returns p without an override for d. The boolean reports
// whether an override existed.
func (p Policy) WithoutDomainLimit(d string) (Policy, bool) {
	nd := domain.Normalize(d)
	if _, ok := p.PerDomainLimits[nd]; !ok {
		return p, false
	}
	out := p.Clone()
	delete(out.PerDomainLimits, nd)
	return out, true
}

// ClampLimit bounds minutes to the storable range.
func ClampLimit(minutes int) int {
	if minutes < MinLimitMinutes {
		return MinLimitMinutes
	}
	if minutes > MaxLimitMinutes {
		return MaxLimitMinutes
	}
	return minutes
}

func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "gt", "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), minFor(fe.Tag(), fe.Param())))
		case "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid policy: %s", strings.Join(msgs, "; "))
}

func minFor(tag, param string) string {
	if tag == "gt" && param == "0" {
		return "1"
	}
	return param
}
