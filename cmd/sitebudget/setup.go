package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/sitebudget/internal/budget"
	"github.com/goodtune/sitebudget/internal/classify"
	"github.com/goodtune/sitebudget/internal/config"
	"github.com/goodtune/sitebudget/internal/domain"
	"github.com/goodtune/sitebudget/internal/engine"
	"github.com/goodtune/sitebudget/internal/guard"
	"github.com/goodtune/sitebudget/internal/notify"
	"github.com/goodtune/sitebudget/internal/storage"
	"github.com/goodtune/sitebudget/internal/storage/badger"
	"github.com/goodtune/sitebudget/internal/storage/file"
	"github.com/goodtune/sitebudget/internal/storage/redis"
	"github.com/goodtune/sitebudget/internal/usage"
)

// openStorage creates the configured storage backend
func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "file":
		return file.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	case "badger":
		return badger.Open(cfg.Badger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// seedFromConfig converts the budget, site and notification sections into
// engine seed state.
func seedFromConfig(cfg *config.Config) engine.Seed {
	limits := make(map[string]int, len(cfg.Budget.SiteLimits))
	for _, l := range cfg.Budget.SiteLimits {
		if d := domain.Normalize(l.Domain); d != "" {
			limits[d] = l.Minutes
		}
	}

	var sites []domain.Site
	for _, s := range cfg.Budget.TrackedSites {
		sites = append(sites, domain.Site{Domain: s.Domain, Category: s.Category})
	}

	return engine.Seed{
		TrackingEnabled: cfg.Engine.TrackingEnabled,
		Policy: budget.Policy{
			GlobalLimitMinutes: cfg.Budget.DailyLimitMinutes,
			PerDomainLimits:    limits,
		},
		Sites:         sites,
		Notifications: notify.FromConfig(cfg.Notifications),
	}
}

// retryPolicy converts the persistence section into a storage retry policy
func retryPolicy(cfg config.PersistenceConfig) storage.RetryPolicy {
	def := storage.DefaultRetryPolicy()
	return storage.RetryPolicy{
		MaxRetries:      uint64(cfg.MaxRetries),
		InitialInterval: parseDuration(cfg.RetryInitialInterval, def.InitialInterval),
		MaxInterval:     parseDuration(cfg.RetryMaxInterval, def.MaxInterval),
	}
}

// newEngine builds an engine over store from the configuration. The caller
// loads and starts it.
func newEngine(cfg *config.Config, store storage.Store, classifier classify.Classifier, deliverer notify.Deliverer, logger zerolog.Logger) (*engine.Engine, error) {
	resetTime, err := usage.ParseResetTime(cfg.Engine.DailyResetTime)
	if err != nil {
		return nil, fmt.Errorf("invalid daily reset time: %w", err)
	}

	return engine.New(engine.Options{
		Store:              store,
		Classifier:         classifier,
		Deliverer:          deliverer,
		LockTimeout:        parseDuration(cfg.Engine.LockTimeout, guard.DefaultTimeout),
		MinSessionDuration: parseDuration(cfg.Engine.MinSessionDuration, engine.DefaultMinSessionDuration),
		ResetTime:          resetTime,
		Retry:              retryPolicy(cfg.Persistence),
		Seed:               seedFromConfig(cfg),
	}, logger)
}

// loadState opens the configured store and loads the persisted engine state
// for the one-shot commands. The engine is not started, so nothing is written
// back. The caller closes the returned store.
func loadState(ctx context.Context) (*engine.Engine, *classify.Rego, storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := quietLogger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	classifier, err := classify.New(classify.Options{
		PolicyFile: cfg.Classify.PolicyFile,
		CacheSize:  cfg.Classify.CacheSize,
	}, logger)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize classifier: %w", err)
	}

	// Notifications are never delivered from the CLI
	eng, err := newEngine(cfg, store, classifier, notify.Multi{}, logger)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	if err := eng.Load(ctx); err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return eng, classifier, store, nil
}

// parseLevel maps a configured level name to a zerolog level
func parseLevel(name string) zerolog.Level {
	switch name {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// quietLogger is used by the one-shot commands
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
