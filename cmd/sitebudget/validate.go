package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/goodtune/sitebudget/internal/config"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the sitebudget configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !config.KnownKey(key) {
			unknown = append(unknown, key)
		}
	}
	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	field := func(name string, value, defaultValue interface{}) {
		dumpField(name, value, defaultValue, yellow, green)
	}

	_, _ = cyan.Println("\n[server]")
	field("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress)
	field("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort)
	field("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort)
	field("  allowed_origins", cfg.Server.AllowedOrigins, defaultCfg.Server.AllowedOrigins)

	_, _ = cyan.Println("\n[engine]")
	field("  tracking_enabled", cfg.Engine.TrackingEnabled, defaultCfg.Engine.TrackingEnabled)
	field("  lock_timeout", cfg.Engine.LockTimeout, defaultCfg.Engine.LockTimeout)
	field("  min_session_duration", cfg.Engine.MinSessionDuration, defaultCfg.Engine.MinSessionDuration)
	field("  daily_reset_time", cfg.Engine.DailyResetTime, defaultCfg.Engine.DailyResetTime)

	_, _ = cyan.Println("\n[budget]")
	field("  daily_limit_minutes", cfg.Budget.DailyLimitMinutes, defaultCfg.Budget.DailyLimitMinutes)
	field("  site_limits", cfg.Budget.SiteLimits, defaultCfg.Budget.SiteLimits)
	field("  tracked_sites", cfg.Budget.TrackedSites, defaultCfg.Budget.TrackedSites)

	_, _ = cyan.Println("\n[notifications]")
	field("  show", cfg.Notifications.Show, defaultCfg.Notifications.Show)
	field("  thresholds", cfg.Notifications.Thresholds, defaultCfg.Notifications.Thresholds)
	field("  warning_threshold", cfg.Notifications.WarningThreshold, defaultCfg.Notifications.WarningThreshold)
	field("  frequency", cfg.Notifications.Frequency, defaultCfg.Notifications.Frequency)
	field("  browser", cfg.Notifications.Browser, defaultCfg.Notifications.Browser)
	field("  in_page", cfg.Notifications.InPage, defaultCfg.Notifications.InPage)
	field("  popup_alerts", cfg.Notifications.PopupAlerts, defaultCfg.Notifications.PopupAlerts)
	field("  sound", cfg.Notifications.Sound, defaultCfg.Notifications.Sound)
	field("  sound_volume", cfg.Notifications.SoundVolume, defaultCfg.Notifications.SoundVolume)
	field("  snooze_minutes", cfg.Notifications.SnoozeMinutes, defaultCfg.Notifications.SnoozeMinutes)

	_, _ = cyan.Println("\n[persistence]")
	field("  retry_initial_interval", cfg.Persistence.RetryInitialInterval, defaultCfg.Persistence.RetryInitialInterval)
	field("  retry_max_interval", cfg.Persistence.RetryMaxInterval, defaultCfg.Persistence.RetryMaxInterval)
	field("  max_retries", cfg.Persistence.MaxRetries, defaultCfg.Persistence.MaxRetries)

	_, _ = cyan.Println("\n[schedule]")
	field("  limit_check", cfg.Schedule.LimitCheck, defaultCfg.Schedule.LimitCheck)
	field("  flush", cfg.Schedule.Flush, defaultCfg.Schedule.Flush)
	field("  rollover", cfg.Schedule.Rollover, defaultCfg.Schedule.Rollover)

	_, _ = cyan.Println("\n[storage]")
	field("  type", cfg.Storage.Type, defaultCfg.Storage.Type)
	field("  path", cfg.Storage.Path, defaultCfg.Storage.Path)
	_, _ = cyan.Println("  [storage.redis]")
	field("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host)
	field("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port)
	field("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password))
	field("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB)
	field("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize)
	field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns)
	field("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout)
	field("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout)
	field("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout)
	field("    key_prefix", cfg.Storage.Redis.KeyPrefix, defaultCfg.Storage.Redis.KeyPrefix)
	_, _ = cyan.Println("  [storage.badger]")
	field("    path", cfg.Storage.Badger.Path, defaultCfg.Storage.Badger.Path)
	field("    in_memory", cfg.Storage.Badger.InMemory, defaultCfg.Storage.Badger.InMemory)

	_, _ = cyan.Println("\n[classify]")
	field("  policy_file", cfg.Classify.PolicyFile, defaultCfg.Classify.PolicyFile)
	field("  cache_size", cfg.Classify.CacheSize, defaultCfg.Classify.CacheSize)

	_, _ = cyan.Println("\n[logging]")
	field("  level", cfg.Logging.Level, defaultCfg.Logging.Level)
	field("  format", cfg.Logging.Format, defaultCfg.Logging.Format)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
