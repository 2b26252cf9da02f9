package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rjsadow/relaydesk/internal/authn"
	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db"
	"github.com/rjsadow/relaydesk/internal/diagnostics"
	"github.com/rjsadow/relaydesk/internal/heartbeat"
	"github.com/rjsadow/relaydesk/internal/metrics"
	"github.com/rjsadow/relaydesk/internal/queue"
	"github.com/rjsadow/relaydesk/internal/relay"
	"github.com/rjsadow/relaydesk/internal/reservations"
	"github.com/rjsadow/relaydesk/internal/server"
	"github.com/rjsadow/relaydesk/internal/sessions"
	"github.com/rjsadow/relaydesk/internal/streamtoken"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	port := flag.Int("port", config.DefaultPort, "Port to listen on")
	dbPath := flag.String("db", config.DefaultDB, "Database DSN (sqlite file path or postgres connection string)")
	flag.Parse()

	cfg, err := config.LoadWithFlags(*port, *dbPath)
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	database, err := db.OpenDB(cfg.DBType, cfg.DB)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	sessionSvc := sessions.New(database, cfg)
	queueMgr := queue.New(database, sessionSvc, cfg)
	heartbeatMon := heartbeat.New(database, sessionSvc, cfg)
	streamTokens := streamtoken.New(database, cfg)
	reservationSvc := reservations.New(database)
	hub := relay.NewHub(cfg)
	relayHandler := relay.NewHandler(hub, database)
	authResolver := authn.New(cfg)
	diagCollector := diagnostics.NewCollector(database, cfg, relayHandler, time.Now())

	var diagUploader *diagnostics.S3Uploader
	if cfg.DiagnosticsS3Bucket != "" {
		diagUploader, err = diagnostics.NewS3Uploader(
			cfg.DiagnosticsS3Bucket, cfg.DiagnosticsS3Region, cfg.DiagnosticsS3Endpoint,
			cfg.DiagnosticsS3Prefix, cfg.DiagnosticsS3AccessKeyID, cfg.DiagnosticsS3SecretAccessKey)
		if err != nil {
			slog.Error("diagnostics upload target unavailable", "bucket", cfg.DiagnosticsS3Bucket, "error", err)
			diagUploader = nil
		}
	}

	app := &server.App{
		DB:               database,
		Config:           cfg,
		Authn:            authResolver,
		Sessions:         sessionSvc,
		Queue:            queueMgr,
		Heartbeat:        heartbeatMon,
		StreamTokens:     streamTokens,
		Reservations:     reservationSvc,
		RelayHandler:     relayHandler,
		Diagnostics:      diagCollector,
		DiagUploader:     diagUploader,
		ServerInstanceID: uuid.NewString(),
	}

	stopCh := make(chan struct{})
	defer close(stopCh)
	go runTicker(stopCh, cfg.SessionExpirationInterval, func() {
		if n, err := sessionSvc.ExpireSessions(context.Background()); err != nil {
			slog.Error("expireSessions failed", "error", err)
		} else if n > 0 {
			slog.Info("expired sessions", "count", n)
		}
		refreshOccupancyGauges(database)
	})
	go runTicker(stopCh, cfg.QueuePromotionTTL, func() {
		if n, err := queueMgr.ExpirePromotedSlots(context.Background()); err != nil {
			slog.Error("expirePromotedSlots failed", "error", err)
		} else if n > 0 {
			slog.Info("expired promoted queue slots", "count", n)
		}
	})
	go runTicker(stopCh, cfg.HostHeartbeatCheckInterval, func() {
		if n, err := heartbeatMon.HandleHostTimeouts(context.Background()); err != nil {
			slog.Error("handleHostTimeouts failed", "error", err)
		} else if n > 0 {
			slog.Info("downed hosts on stale heartbeat", "count", n)
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/", app.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("relaydesk coordination core starting", "addr", "http://localhost"+addr, "dbType", cfg.DBType)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// refreshOccupancyGauges re-reads the session and queue occupancy from
// the database on the expiration sweep cadence, so the gauges survive
// restarts and transaction rollbacks without drifting.
func refreshOccupancyGauges(database *db.DB) {
	ctx := context.Background()
	if n, err := database.CountActiveSessions(ctx, nil); err == nil {
		metrics.ActiveSessions.Set(float64(n))
	}
	if n, err := database.CountAllWaiting(ctx, nil); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}

// runTicker invokes fn on every tick until stopCh closes, the same
// ticker/select/stop-channel shape the session manager's cleanup loop
// uses for its own background sweep.
func runTicker(stopCh <-chan struct{}, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-stopCh:
			return
		}
	}
}
