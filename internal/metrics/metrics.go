package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionsCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebudget_sessions_committed_total",
			Help: "Sessions committed to the usage ledger",
		},
		[]string{"category"},
	)

	SessionsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebudget_sessions_discarded_total",
			Help: "Sessions closed without being committed",
		},
		[]string{"reason"},
	)

	ActiveSession = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitebudget_active_session",
			Help: "1 while a tracked session is open",
		},
	)

	// Usage metrics
	UsageMinutesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebudget_usage_minutes_consumed_total",
			Help: "Total usage minutes consumed",
		},
		[]string{"domain", "category"},
	)

	BudgetPercentageUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitebudget_budget_percentage_used",
			Help: "Percentage of the daily budget used at the last evaluation",
		},
	)

	LimitChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebudget_limit_checks_total",
			Help: "Limit evaluations by resulting status",
		},
		[]string{"status"},
	)

	// Guard metrics
	GuardForcedReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebudget_guard_forced_releases_total",
			Help: "Times a guard holder exceeded the timeout and was force-released",
		},
		[]string{"guard"},
	)

	GuardWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitebudget_guard_wait_seconds",
			Help:    "Time spent queued for the session guard",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// Persistence metrics
	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebudget_flushes_total",
			Help: "Ledger flushes by result",
		},
		[]string{"result"},
	)

	StoreRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitebudget_store_retries_total",
			Help: "Store writes retried after a failure",
		},
	)

	EmergencySaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebudget_emergency_saves_total",
			Help: "Emergency snapshots written after retries were exhausted",
		},
		[]string{"result"},
	)

	SyncQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitebudget_sync_queue_length",
			Help: "Session records waiting to be drained",
		},
	)

	// Notification metrics
	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebudget_notifications_sent_total",
			Help: "Notifications delivered",
		},
		[]string{"severity", "repeat"},
	)

	InterventionsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebudget_interventions_completed_total",
			Help: "Refinement activities reported as completed",
		},
		[]string{"activity"},
	)

	// Ingress metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebudget_api_requests_total",
			Help: "Requests served by the event ingress",
		},
		[]string{"route", "code"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsCommitted,
		SessionsDiscarded,
		ActiveSession,
		UsageMinutesConsumed,
		BudgetPercentageUsed,
		LimitChecks,
		GuardForcedReleases,
		GuardWaitSeconds,
		FlushesTotal,
		StoreRetries,
		EmergencySaves,
		SyncQueueLength,
		NotificationsSent,
		InterventionsCompleted,
		APIRequestsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // set when systemd passes a socket
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start serves in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
