// Package systemd integrates with socket activation, readiness notification
// and the service watchdog.
package systemd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// Listener names expected in the socket unit's FileDescriptorName= directives.
const (
	ListenerAPI     = "api"
	ListenerMetrics = "metrics"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	API       net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns nil listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	fds := activation.Files(false) // false = don't unset env vars
	if len(fds) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	// Requires systemd 227+
	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if lns, ok := named[ListenerAPI]; ok && len(lns) > 0 {
		listeners.API = lns[0]
	}
	if lns, ok := named[ListenerMetrics]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}
	return listeners, nil
}

func notify(state string) error {
	// sent is false outside systemd, which is not an error
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("failed to send sd_notify %q: %w", state, err)
	}
	return nil
}

// NotifyReady sends READY=1 notification to systemd
func NotifyReady() error {
	return notify(daemon.SdNotifyReady)
}

// NotifyReloading tells systemd a configuration reload is in progress.
// Follow it with NotifyReady.
func NotifyReloading() error {
	return notify(daemon.SdNotifyReloading)
}

// NotifyStopping sends STOPPING=1 notification to systemd
func NotifyStopping() error {
	return notify(daemon.SdNotifyStopping)
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd
func NotifyWatchdog() error {
	return notify(daemon.SdNotifyWatchdog)
}

// WatchdogInterval returns how often to ping the watchdog, or zero when the
// unit has no WatchdogSec.
func WatchdogInterval() (time.Duration, error) {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d == 0 {
		return 0, err
	}
	return d / 2, nil
}

// RunWatchdog pings the watchdog until ctx ends, as long as healthy reports
// true. It returns immediately when the watchdog is disabled.
func RunWatchdog(ctx context.Context, healthy func() bool, logger zerolog.Logger) {
	interval, err := WatchdogInterval()
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid watchdog configuration")
		return
	}
	if interval == 0 {
		return
	}

	logger.Info().Dur("interval", interval).Msg("Systemd watchdog enabled")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if healthy != nil && !healthy() {
				logger.Warn().Msg("Skipping watchdog ping, service unhealthy")
				continue
			}
			if err := NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Watchdog ping failed")
			}
		}
	}
}
