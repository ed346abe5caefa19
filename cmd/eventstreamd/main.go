// eventstreamd is the real-time event broadcasting daemon of the hybrid DNS
// management server. It accepts WebSocket sessions, fans persisted events out
// to subscribers, and escalates critical alerts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/auth"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/batch"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/bus"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/config"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/delivery"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/ingest"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/logging"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/metrics"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/notify"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/replay"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/session"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/store"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/subscription"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/sysmon"
)

const shutdownGrace = 10 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: Postgres when a DSN is configured, in-memory otherwise.
	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Postgres")
		}
		defer pg.Close()
		repo = pg
		logger.Info().Msg("Using Postgres repository")
	} else {
		repo = store.NewMemory()
		logger.Warn().Msg("No ES_DATABASE_URL set, using in-memory repository")
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)

	manager := session.NewManager(session.Config{
		MaxGlobalSessions:  cfg.MaxGlobalSessions,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		SendBuffer:         cfg.SessionSendBuffer,
		KeepaliveInterval:  cfg.KeepaliveInterval,
		IdleTimeout:        cfg.IdleTimeout,
		InboundRatePerSec:  cfg.InboundRatePerSec,
		InboundBurst:       cfg.InboundBurst,
	}, verifier, logger)

	admins := newAdminDirectory(cfg.AdminUsers, manager)

	registry := subscription.NewRegistry(repo, logger, admins.isAdmin)
	if err := registry.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load subscriptions")
	}

	monitor := sysmon.NewMonitor(nil, logger, cfg.SysmonInterval, sysmon.DefaultThresholds)

	batcher := batch.New(batch.Config{
		MaxCount:             cfg.BatchMaxCount,
		MaxBytes:             cfg.BatchMaxBytes,
		Timeout:              cfg.BatchTimeout,
		QueueSize:            cfg.BatchQueueSize,
		CompressionEnabled:   cfg.CompressionEnabled,
		CompressionThreshold: cfg.CompressionThreshold,
		AdaptiveSizing:       cfg.AdaptiveSizing,
		LoadThreshold:        cfg.LoadThreshold,
	}, logger, func(key string, payload []byte, _ bool) {
		manager.SendToSession(key, payload)
	}, monitor.Load)

	tracker := delivery.NewTracker(delivery.Config{
		MaxAttempts:   cfg.DeliveryMaxAttempts,
		BaseBackoff:   cfg.DeliveryBaseBackoff,
		SweepInterval: cfg.RetrySweepInterval,
	}, repo, logger)

	eventBus := bus.New(bus.Config{
		IngressQueueSize: cfg.IngressQueueSize,
		Workers:          cfg.BusWorkers,
	}, repo, registry, manager, batcher, tracker, logger)
	tracker.SetRedeliver(eventBus.Redeliver)

	replayer := replay.NewEngine(repo, manager, logger)

	notifier := notify.NewNotifier(eventBus, admins, logger)
	notifier.AddRule(notify.Rule{
		Name:    "security",
		Types:   []event.Type{event.TypeSecurityAlert, event.TypeThreatDetected, event.TypeMalwareBlocked, event.TypePhishingBlocked, event.TypeSuspiciousActivity},
		Timeout: 15 * time.Minute,
	})
	notifier.AddRule(notify.Rule{
		Name:        "operations",
		MinSeverity: event.SeverityError,
		Timeout:     30 * time.Minute,
	})
	for _, t := range []event.Type{
		event.TypeSecurityAlert, event.TypeThreatDetected, event.TypeMalwareBlocked,
		event.TypePhishingBlocked, event.TypeSuspiciousActivity, event.TypeHealthAlert,
		event.TypePerformanceAlert, event.TypeBackupFailed, event.TypeRestoreFailed,
		event.TypeServiceStopped, event.TypeConnectionError, event.TypeErrorOccurred,
	} {
		eventBus.RegisterProcessor(t, notifier.Process)
	}

	// Drop expired events before any routing work happens.
	eventBus.RegisterFilter(func(e *event.Event) bool {
		return !e.Expired(time.Now())
	})

	// Session teardown drops batcher queues and session-scoped subscriptions.
	manager.OnClose = func(sessionID string) {
		batcher.DropKey(sessionID)
		registry.DropSession(context.Background(), sessionID)
	}
	manager.SystemInfo = monitor.Info

	// The monitor emits through the bus; wired after bus construction.
	monitor.SetEmitter(eventBus)

	retention := store.NewRetention(repo, logger, cfg.RetentionTTL, cfg.RetentionSweepInterval)

	eventBus.Start(ctx)
	go tracker.Run(ctx)
	go retention.Run(ctx)
	go registry.RunSweeper(ctx, 5*time.Minute)
	go monitor.Run(ctx)
	go notifier.Run(ctx, 30*time.Second)

	var bridge *ingest.Bridge
	if cfg.NATSURL != "" {
		bridge, err = ingest.NewBridge(cfg.NATSURL, cfg.NATSSubject, eventBus, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect ingest bridge")
		}
		if err := bridge.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start ingest bridge")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", manager.Handler(session.KindUnified))
	mux.HandleFunc("/ws/health", manager.Handler(session.KindHealth))
	mux.HandleFunc("/ws/dns", manager.Handler(session.KindDNS))
	mux.HandleFunc("/ws/security", manager.Handler(session.KindSecurity))
	mux.HandleFunc("/ws/system", manager.Handler(session.KindSystem))
	mux.HandleFunc("/ws/admin", manager.Handler(session.KindAdmin))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler(manager, cfg.MaxGlobalSessions, logger))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	if bridge != nil {
		bridge.Close()
	}
	manager.Shutdown(shutdownGrace / 2)
	replayer.Shutdown()
	eventBus.Stop()
	batcher.Stop()
	cancel()

	logger.Info().Msg("Shutdown complete")
}

// healthHandler reports healthy below 90% session capacity, degraded above.
func healthHandler(manager *session.Manager, maxSessions int, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := manager.Count()
		status := "healthy"
		code := http.StatusOK
		if maxSessions > 0 && float64(active) >= 0.9*float64(maxSessions) {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(map[string]any{
			"status":          status,
			"active_sessions": active,
			"max_sessions":    maxSessions,
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			logger.Debug().Err(err).Msg("Failed to write health response")
		}
	}
}

// adminDirectory answers admin membership from the static config list plus
// any user currently holding a live admin session.
type adminDirectory struct {
	static  map[string]struct{}
	manager *session.Manager
}

func newAdminDirectory(users []string, manager *session.Manager) *adminDirectory {
	static := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u != "" {
			static[u] = struct{}{}
		}
	}
	return &adminDirectory{static: static, manager: manager}
}

func (d *adminDirectory) isAdmin(userID string) bool {
	if _, ok := d.static[userID]; ok {
		return true
	}
	for _, s := range d.manager.ForUser(userID) {
		if s.Admin {
			return true
		}
	}
	return false
}

// AdminUserIDs lists notification recipients: the static list plus users with
// live admin sessions.
func (d *adminDirectory) AdminUserIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{}, len(d.static))
	var out []string
	for u := range d.static {
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, s := range d.manager.All() {
		if !s.Admin {
			continue
		}
		if _, ok := seen[s.UserID]; ok {
			continue
		}
		seen[s.UserID] = struct{}{}
		out = append(out, s.UserID)
	}
	return out, nil
}
