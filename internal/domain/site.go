package domain

import (
	"encoding/json"
	"fmt"
)

// Site is a tracked site entry. Stored lists may hold bare strings or objects;
// both decode into Site.
type Site struct {
	Domain   string `json:"domain" validate:"required"`
	Category string `json:"category,omitempty"`
}

// UnmarshalJSON accepts either "example.com" or {"domain": "...", "category": "..."}.
func (s *Site) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		*s = Site{Domain: bare}
		return nil
	}

	var obj struct {
		Domain   string `json:"domain"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("site entry must be a string or object: %w", err)
	}
	*s = Site{Domain: obj.Domain, Category: obj.Category}
	return nil
}

// Sites is the tracked site list.
type Sites []Site

// Match returns the first site host belongs to.
func (ss Sites) Match(host string) (Site, bool) {
	for _, s := range ss {
		if Matches(host, s.Domain) {
			return s, true
		}
	}
	return Site{}, false
}

// Clean normalizes every entry, drops invalid domains and removes duplicates,
// keeping the first occurrence. The second return value lists rejected entries.
func Clean(in []Site) (Sites, []string) {
	out := make(Sites, 0, len(in))
	seen := make(map[string]bool, len(in))
	var rejected []string

	for _, s := range in {
		d := Normalize(s.Domain)
		if !IsValid(d) {
			rejected = append(rejected, s.Domain)
			continue
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, Site{Domain: d, Category: s.Category})
	}
	return out, rejected
}

// DefaultSites is the list installed on first run.
func DefaultSites() Sites {
	return Sites{
		{Domain: "facebook.com", Category: "social"},
		{Domain: "twitter.com", Category: "social"},
		{Domain: "instagram.com", Category: "social"},
		{Domain: "reddit.com", Category: "social"},
		{Domain: "tiktok.com", Category: "social"},
		{Domain: "pinterest.com", Category: "social"},
		{Domain: "linkedin.com", Category: "social"},
		{Domain: "youtube.com", Category: "entertainment"},
		{Domain: "netflix.com", Category: "entertainment"},
		{Domain: "hulu.com", Category: "entertainment"},
		{Domain: "disneyplus.com", Category: "entertainment"},
		{Domain: "twitch.tv", Category: "entertainment"},
		{Domain: "buzzfeed.com", Category: "entertainment"},
		{Domain: "vimeo.com", Category: "entertainment"},
		{Domain: "amazon.com", Category: "shopping"},
		{Domain: "ebay.com", Category: "shopping"},
		{Domain: "espn.com", Category: "sports"},
		{Domain: "cnn.com", Category: "news"},
	}
}
