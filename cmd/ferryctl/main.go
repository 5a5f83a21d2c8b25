// Package main implements ferryctl, the command-line admin tool for the ferry timetable stores.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"ferrysync/internal/admin"
	"ferrysync/internal/config"
	"ferrysync/internal/ingest"
	"ferrysync/internal/mail"
	"ferrysync/internal/scheduler"
	"ferrysync/internal/storage"
)

func main() {
	if err := execute(&app{}, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// execute runs one command line and closes the stores it opened, also when the command fails.
func execute(a *app, args []string, stdout, stderr io.Writer) error {
	defer a.close()
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

// app holds the stores and services opened for one command.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	routes     *storage.RoutesSQLite
	historical *storage.HistoricalSQLite
	pipeline   *ingest.Pipeline
	sched      *scheduler.Scheduler
	admin      *admin.Service
}

func (a *app) open() error {
	if a.admin != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = newLogger(cfg.LogLevel)

	for _, p := range []string{cfg.DatabasePath, cfg.HistoricalDatabasePath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("create data directory: %w", err)
			}
		}
	}

	if a.routes, err = storage.NewRoutesSQLite(cfg.DatabasePath); err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	if a.historical, err = storage.NewHistoricalSQLite(cfg.HistoricalDatabasePath); err != nil {
		return fmt.Errorf("open historical database %s: %w", cfg.HistoricalDatabasePath, err)
	}

	updateCfg, err := config.LoadUpdateConfig(cfg.SchedulerConfigPath)
	if err != nil {
		return err
	}

	loc := cfg.Location()
	mailOpts := []mail.Option{mail.WithFolder(cfg.IMAPFolder), mail.WithTimeout(cfg.IMAPTimeout)}
	a.pipeline = ingest.NewPipeline(
		ingest.NewLoader(a.routes, a.historical, a.log),
		ingest.MailboxFactoryFor(a.log, mailOpts...),
		a.log,
		ingest.WithLocation(loc),
	)
	a.sched = scheduler.New(a.pipeline, updateCfg, cfg.SchedulerConfigPath, cfg.Credentials(), loc, a.log)
	a.admin = admin.New(a.sched, a.pipeline, a.historical, a.log, admin.WithMailOptions(mailOpts...))
	return nil
}

func (a *app) close() {
	if a.routes != nil {
		_ = a.routes.Close()
	}
	if a.historical != nil {
		_ = a.historical.Close()
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "ferryctl",
		Short: "Admin tool for the ferry timetable stores",
		Long: `ferryctl runs ingestion cycles, loads timetable files and queries the stores.

Configuration is read from the environment and an optional .env file, the same
way the ferryd daemon reads it.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newRunNowCmd(a),
		newLoadCmd(a),
		newLoadHistoricalCmd(a),
		newFallbackCmd(a),
		newValidateCmd(),
		newNextUpdateCmd(a),
		newConfigCmd(a),
		newFilesCmd(a),
		newHistoricalCmd(a),
		newFaresCmd(a),
		newDownloadCmd(a),
		newTestMailCmd(a),
	)
	return root
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
