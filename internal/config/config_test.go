package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SITEBUDGET_STORAGE_PATH", filepath.Join(dir, "state.json"))

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Budget.DailyLimitMinutes != 60 {
		t.Errorf("Expected default daily limit 60, got %d", cfg.Budget.DailyLimitMinutes)
	}
	if cfg.Engine.LockTimeout != "5s" {
		t.Errorf("Expected default lock timeout 5s, got %s", cfg.Engine.LockTimeout)
	}
	if cfg.Notifications.Frequency != "medium" || cfg.Notifications.WarningThreshold != 80 {
		t.Errorf("Unexpected notification defaults: %+v", cfg.Notifications)
	}
	if len(cfg.Notifications.Thresholds) != 4 {
		t.Errorf("Expected 4 default thresholds, got %v", cfg.Notifications.Thresholds)
	}
	if cfg.Storage.Type != "file" {
		t.Errorf("Expected file storage by default, got %s", cfg.Storage.Type)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
budget:
  daily_limit_minutes: 90
  site_limits:
    - domain: youtube.com
      minutes: 10
  tracked_sites:
    - domain: youtube.com
      category: entertainment
    - domain: news.ycombinator.com
notifications:
  frequency: high
  thresholds: [25, 50]
storage:
  path: `+filepath.Join(dir, "state.json")+`
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Budget.DailyLimitMinutes != 90 {
		t.Errorf("Expected daily limit 90, got %d", cfg.Budget.DailyLimitMinutes)
	}
	if len(cfg.Budget.SiteLimits) != 1 || cfg.Budget.SiteLimits[0].Domain != "youtube.com" || cfg.Budget.SiteLimits[0].Minutes != 10 {
		t.Errorf("Expected youtube limit 10, got %v", cfg.Budget.SiteLimits)
	}
	if len(cfg.Budget.TrackedSites) != 2 || cfg.Budget.TrackedSites[0].Category != "entertainment" {
		t.Errorf("Unexpected tracked sites: %+v", cfg.Budget.TrackedSites)
	}
	if cfg.Notifications.Frequency != "high" {
		t.Errorf("Expected frequency high, got %s", cfg.Notifications.Frequency)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected text logging, got %s", cfg.Logging.Format)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SITEBUDGET_STORAGE_PATH", filepath.Join(dir, "state.json"))
	t.Setenv("SITEBUDGET_BUDGET_DAILY_LIMIT_MINUTES", "45")

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Budget.DailyLimitMinutes != 45 {
		t.Errorf("Expected env override 45, got %d", cfg.Budget.DailyLimitMinutes)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	tests := []struct {
		name string
		body string
	}{
		{"zero limit", "budget:\n  daily_limit_minutes: 0\n"},
		{"bad frequency", "notifications:\n  frequency: sometimes\n"},
		{"bad reset time", "engine:\n  daily_reset_time: \"25:00\"\n"},
		{"bad lock timeout", "engine:\n  lock_timeout: soon\n"},
		{"bad storage type", "storage:\n  type: sqlite\n"},
		{"snooze too long", "notifications:\n  snooze_minutes: 120\n"},
		{"site limit too long", "budget:\n  site_limits:\n    - domain: youtube.com\n      minutes: 2000\n"},
		{"same ports", "server:\n  api_port: 9000\n  metrics_port: 9000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			t.Setenv("SITEBUDGET_STORAGE_PATH", statePath)
			if _, err := Load(path); err == nil {
				t.Errorf("Expected validation error for %s", tt.name)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.APIPort != 7455 {
		t.Errorf("Expected default api port 7455, got %d", cfg.Server.APIPort)
	}
	if cfg.Schedule.Flush != "@every 30s" {
		t.Errorf("Expected default flush schedule, got %s", cfg.Schedule.Flush)
	}
}

func TestKnownKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"server.api_port", true},
		{"storage.redis.key_prefix", true},
		{"budget.site_limits", true},
		{"budget.tracked_sites", true},
		{"server.dns_port", false},
		{"notifications.volume", false},
	}
	for _, tt := range tests {
		if got := KnownKey(tt.key); got != tt.want {
			t.Errorf("KnownKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
