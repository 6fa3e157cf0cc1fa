// Package domain extracts, normalizes and matches the hostnames that usage is
// accounted against.
package domain

import (
	"net/url"
	"strings"
)

// Extract returns the hostname of rawURL, or "" when it cannot be parsed.
// URLs without a scheme are treated as https.
func Extract(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	if !strings.HasPrefix(rawURL, "http://") &&
		!strings.HasPrefix(rawURL, "https://") &&
		!strings.HasPrefix(rawURL, "file://") {
		rawURL = "https://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Normalize lower-cases d and strips a leading "www.". Every ledger and limit
// lookup goes through Normalize so both spellings of a host share one entry.
func Normalize(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimSuffix(d, ".")
	return strings.TrimPrefix(d, "www.")
}

// IsValid reports whether d looks like a hostname: at least one dot, no spaces.
func IsValid(d string) bool {
	if d == "" {
		return false
	}
	return strings.Contains(d, ".") && !strings.ContainsAny(d, " \t\n")
}

// Matches reports whether host is site or a subdomain of site.
func Matches(host, site string) bool {
	host = Normalize(host)
	site = Normalize(site)
	if host == "" || site == "" {
		return false
	}
	return host == site || strings.HasSuffix(host, "."+site)
}
