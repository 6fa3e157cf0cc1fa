package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/sitebudget/internal/api"
	"github.com/goodtune/sitebudget/internal/classify"
	"github.com/goodtune/sitebudget/internal/config"
	"github.com/goodtune/sitebudget/internal/engine"
	"github.com/goodtune/sitebudget/internal/metrics"
	"github.com/goodtune/sitebudget/internal/notify"
	"github.com/goodtune/sitebudget/internal/scheduler"
	"github.com/goodtune/sitebudget/internal/systemd"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the sitebudget daemon",
	Long:  `Start the session engine with the event API, the periodic jobs and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

const shutdownTimeout = 10 * time.Second

// reloader applies configuration changes from SIGHUP and the file watcher.
type reloader struct {
	mu         sync.Mutex
	engine     *engine.Engine
	classifier *classify.Rego
	logger     zerolog.Logger
}

func (r *reloader) apply(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := context.Background()
	zerolog.SetGlobalLevel(parseLevel(cfg.Logging.Level))

	res := r.engine.Reconfigure(ctx, r.engine.Seed(), seedFromConfig(cfg))
	if !res.Success {
		r.logger.Error().Str("error", res.Error).Msg("Failed to apply configuration")
	} else {
		r.logger.Info().Strs("replaced", res.Replaced).Msg("Configuration applied")
	}

	if err := r.classifier.Reload(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Failed to reload classifier rules")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting sitebudget")

	// Get systemd socket-activated listeners (if any)
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().
			Bool("api", sdListeners.API != nil).
			Bool("metrics", sdListeners.Metrics != nil).
			Msg("Running under systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	classifier, err := classify.New(classify.Options{
		PolicyFile: cfg.Classify.PolicyFile,
		CacheSize:  cfg.Classify.CacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize classifier: %w", err)
	}

	deliverer := notify.Multi{notify.NewDesktop(logger), notify.NewLog(logger)}

	eng, err := newEngine(cfg, store, classifier, deliverer, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	if err := eng.Load(context.Background()); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	eng.Start()

	sched, err := scheduler.New(cfg.Schedule, eng, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	sched.Start()

	apiAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.APIPort))
	apiServer := api.NewServer(api.Config{
		ListenAddr:     apiAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, eng, logger)
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort != 0 || sdListeners.Metrics != nil {
		metricsAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.MetricsPort))
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	reload := &reloader{
		engine:     eng,
		classifier: classifier,
		logger:     logger.With().Str("component", "reload").Logger(),
	}
	config.Watch(configPath, reload.apply, logger)

	logger.Info().
		Str("api", apiAddr).
		Int("sites", len(eng.Sites())).
		Int("daily_limit_minutes", eng.Policy().GlobalLimitMinutes).
		Msg("sitebudget startup complete")

	watchdogCtx, stopWatchdog := context.WithCancel(context.Background())
	defer stopWatchdog()
	go systemd.RunWatchdog(watchdogCtx, eng.Healthy, logger)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading configuration...")
		_ = systemd.NotifyReloading()
		newCfg, err := config.Load(configPath)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to reload configuration, keeping current settings")
		} else {
			reload.apply(newCfg)
		}
		_ = systemd.NotifyReady()
	}
	signal.Stop(sigChan)

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}
	stopWatchdog()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sched.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Error stopping scheduler")
	}
	if err := apiServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	if res := eng.Stop(ctx); !res.Success {
		logger.Error().Str("error", res.Error).Msg("Final state flush failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("sitebudget stopped")
	return nil
}
