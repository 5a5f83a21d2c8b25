package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ferrysync/internal/admin"
	"ferrysync/internal/bot"
	"ferrysync/internal/config"
	"ferrysync/internal/ingest"
	"ferrysync/internal/mail"
	"ferrysync/internal/scheduler"
	"ferrysync/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	for _, p := range []string{cfg.DatabasePath, cfg.HistoricalDatabasePath, cfg.SchedulerConfigPath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				log.Error("create data directory", "path", dir, "error", err)
				os.Exit(1)
			}
		}
	}

	routes, err := storage.NewRoutesSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = routes.Close() }()

	historical, err := storage.NewHistoricalSQLite(cfg.HistoricalDatabasePath)
	if err != nil {
		log.Error("open historical database", "path", cfg.HistoricalDatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = historical.Close() }()

	updateCfg, err := config.LoadUpdateConfig(cfg.SchedulerConfigPath)
	if err != nil {
		log.Error("load update config", "path", cfg.SchedulerConfigPath, "error", err)
		os.Exit(1)
	}

	creds := cfg.Credentials()
	if !creds.Complete() {
		log.Warn("mailbox credentials incomplete, scheduled cycles will fail until GTFS_EMAIL and GTFS_PASSWORD are set")
	}

	loc := cfg.Location()
	mailOpts := []mail.Option{mail.WithFolder(cfg.IMAPFolder), mail.WithTimeout(cfg.IMAPTimeout)}
	pipeline := ingest.NewPipeline(
		ingest.NewLoader(routes, historical, log),
		ingest.MailboxFactoryFor(log, mailOpts...),
		log,
		ingest.WithLocation(loc),
	)
	sched := scheduler.New(pipeline, updateCfg, cfg.SchedulerConfigPath, creds, loc, log)
	svc := admin.New(sched, pipeline, historical, log, admin.WithMailOptions(mailOpts...))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, log)
	}

	sched.Start()
	defer sched.Stop()

	if next, ok := sched.NextUpdateTime(); ok {
		log.Info("starting ferrysync", "next_update", next, "timezone", loc.String())
	} else {
		log.Info("starting ferrysync", "next_update", "not scheduled", "timezone", loc.String())
	}

	if cfg.TelegramBotToken == "" {
		log.Info("TELEGRAM_BOT_TOKEN not set, admin bot disabled")
		<-ctx.Done()
		log.Info("ferrysync stopped")
		return
	}

	b, err := bot.New(cfg.TelegramBotToken, svc, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		return
	}
	sched.SetSender(b)

	b.Run(ctx)

	log.Info("ferrysync stopped")
}

func serveMetrics(ctx context.Context, addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
