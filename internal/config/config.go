package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Budget        BudgetConfig        `mapstructure:"budget"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Persistence   PersistenceConfig   `mapstructure:"persistence"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Classify      ClassifyConfig      `mapstructure:"classify"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig defines listener addresses
type ServerConfig struct {
	BindAddress    string   `mapstructure:"bind_address" validate:"required"`
	APIPort        int      `mapstructure:"api_port" validate:"gte=1,lte=65535"`
	MetricsPort    int      `mapstructure:"metrics_port" validate:"gte=0,lte=65535"` // 0 disables metrics
	AllowedOrigins []string `mapstructure:"allowed_origins"`                         // CORS origins for the extension
}

// EngineConfig defines session engine behaviour
type EngineConfig struct {
	TrackingEnabled    bool   `mapstructure:"tracking_enabled"`
	LockTimeout        string `mapstructure:"lock_timeout"`
	MinSessionDuration string `mapstructure:"min_session_duration"`
	DailyResetTime     string `mapstructure:"daily_reset_time"`
}

// SiteConfig is one tracked site
type SiteConfig struct {
	Domain   string `mapstructure:"domain" validate:"required"`
	Category string `mapstructure:"category"`
}

// BudgetConfig seeds the budget policy and tracked sites on first run and
// whenever the values change on reload.
type BudgetConfig struct {
	DailyLimitMinutes int               `mapstructure:"daily_limit_minutes" validate:"gte=1,lte=1440"`
	SiteLimits        []SiteLimitConfig `mapstructure:"site_limits" validate:"dive"`
	TrackedSites      []SiteConfig      `mapstructure:"tracked_sites" validate:"dive"`
}

// SiteLimitConfig is a per-domain override of the daily limit. Domains are
// list entries rather than map keys because viper splits keys on dots.
type SiteLimitConfig struct {
	Domain  string `mapstructure:"domain" validate:"required"`
	Minutes int    `mapstructure:"minutes" validate:"gte=1,lte=1440"`
}

// NotificationsConfig defines when and how the user is alerted
type NotificationsConfig struct {
	Show             bool   `mapstructure:"show"`
	Thresholds       []int  `mapstructure:"thresholds" validate:"dive,gte=1,lte=100"`
	WarningThreshold int    `mapstructure:"warning_threshold" validate:"gte=1,lte=100"`
	Frequency        string `mapstructure:"frequency" validate:"oneof=low medium high"`
	Browser          bool   `mapstructure:"browser"`
	InPage           bool   `mapstructure:"in_page"`
	PopupAlerts      bool   `mapstructure:"popup_alerts"`
	Sound            bool   `mapstructure:"sound"`
	SoundVolume      int    `mapstructure:"sound_volume" validate:"gte=0,lte=100"`
	SnoozeMinutes    int    `mapstructure:"snooze_minutes" validate:"gte=1,lte=60"`
}

// PersistenceConfig defines flush retry behaviour
type PersistenceConfig struct {
	RetryInitialInterval string `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     string `mapstructure:"retry_max_interval"`
	MaxRetries           int    `mapstructure:"max_retries" validate:"gte=0,lte=10"`
}

// ScheduleConfig holds cron specs for the periodic jobs
type ScheduleConfig struct {
	LimitCheck string `mapstructure:"limit_check" validate:"required"`
	Flush      string `mapstructure:"flush" validate:"required"`
	Rollover   string `mapstructure:"rollover" validate:"required"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type   string       `mapstructure:"type" validate:"oneof=file redis badger"`
	Path   string       `mapstructure:"path"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Badger BadgerConfig `mapstructure:"badger"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// BadgerConfig defines embedded database settings
type BadgerConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// ClassifyConfig defines the category rules
type ClassifyConfig struct {
	PolicyFile string `mapstructure:"policy_file"` // optional rego override of the built-in rules
	CacheSize  int    `mapstructure:"cache_size" validate:"gte=1"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: defaults and environment only
	}

	return decode(v)
}

// Watch reloads the configuration whenever the file changes and passes each
// valid result to onChange. Invalid edits are logged and ignored.
func Watch(configPath string, onChange func(*Config), logger zerolog.Logger) {
	log := logger.With().Str("component", "config").Logger()

	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("Config file not readable, hot reload disabled")
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Configuration changed")
		cfg, err := Load(configPath)
		if err != nil {
			log.Error().Err(err).Msg("Ignoring invalid configuration change")
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("SITEBUDGET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration produced by defaults alone.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// KnownKey reports whether key (in viper's lower-case dotted form) is a
// recognised setting.
func KnownKey(key string) bool {
	v := viper.New()
	setDefaults(v)
	return v.IsSet(key)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.api_port", 7455)
	v.SetDefault("server.metrics_port", 9455)
	v.SetDefault("server.allowed_origins", []string{"chrome-extension://*", "moz-extension://*"})

	// Engine defaults
	v.SetDefault("engine.tracking_enabled", true)
	v.SetDefault("engine.lock_timeout", "5s")
	v.SetDefault("engine.min_session_duration", "500ms")
	v.SetDefault("engine.daily_reset_time", "00:00")

	// Budget defaults
	v.SetDefault("budget.daily_limit_minutes", 60)
	v.SetDefault("budget.site_limits", []SiteLimitConfig{})
	v.SetDefault("budget.tracked_sites", []SiteConfig{})

	// Notification defaults
	v.SetDefault("notifications.show", true)
	v.SetDefault("notifications.thresholds", []int{50, 75, 90, 95})
	v.SetDefault("notifications.warning_threshold", 80)
	v.SetDefault("notifications.frequency", "medium")
	v.SetDefault("notifications.browser", true)
	v.SetDefault("notifications.in_page", true)
	v.SetDefault("notifications.popup_alerts", true)
	v.SetDefault("notifications.sound", false)
	v.SetDefault("notifications.sound_volume", 50)
	v.SetDefault("notifications.snooze_minutes", 5)

	// Persistence defaults
	v.SetDefault("persistence.retry_initial_interval", "1s")
	v.SetDefault("persistence.retry_max_interval", "10s")
	v.SetDefault("persistence.max_retries", 3)

	// Schedule defaults
	v.SetDefault("schedule.limit_check", "@every 1m")
	v.SetDefault("schedule.flush", "@every 30s")
	v.SetDefault("schedule.rollover", "@every 1m")

	// Storage defaults
	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.path", "/var/lib/sitebudget/state.json")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "sitebudget:")
	v.SetDefault("storage.badger.path", "/var/lib/sitebudget/badger")
	v.SetDefault("storage.badger.in_memory", false)

	// Classifier defaults
	v.SetDefault("classify.policy_file", "")
	v.SetDefault("classify.cache_size", 512)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

var structValidator = validator.New()

// validate validates the configuration
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if cfg.Server.MetricsPort != 0 && cfg.Server.MetricsPort == cfg.Server.APIPort {
		return fmt.Errorf("metrics port and api port must differ: %d", cfg.Server.APIPort)
	}

	for name, value := range map[string]string{
		"engine.lock_timeout":                cfg.Engine.LockTimeout,
		"engine.min_session_duration":        cfg.Engine.MinSessionDuration,
		"persistence.retry_initial_interval": cfg.Persistence.RetryInitialInterval,
		"persistence.retry_max_interval":     cfg.Persistence.RetryMaxInterval,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if _, err := time.Parse("15:04", cfg.Engine.DailyResetTime); err != nil {
		return fmt.Errorf("invalid engine.daily_reset_time %q: must be HH:MM", cfg.Engine.DailyResetTime)
	}

	switch cfg.Storage.Type {
	case "file":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "badger":
		if !cfg.Storage.Badger.InMemory && cfg.Storage.Badger.Path == "" {
			return fmt.Errorf("storage.badger.path is required unless in_memory is set")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	}

	return nil
}
