// Command quotaguardd runs the quota-safe session monitoring engine:
// HTTP API, SSE event stream, and the durable usage store.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quotaguard/quotaguard/internal/backup"
	"github.com/quotaguard/quotaguard/internal/config"
	gdb "github.com/quotaguard/quotaguard/internal/db/gorm"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/monitor"
	"github.com/quotaguard/quotaguard/internal/quota"
	"github.com/quotaguard/quotaguard/internal/server"
	"github.com/quotaguard/quotaguard/internal/session"
	"github.com/quotaguard/quotaguard/internal/sse"
)

func main() {
	configPath := flag.String("config", "quotaguard.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := run(cfg, *configPath); err != nil {
		log.Fatal().Err(err).Msg("quotaguardd exited with error")
	}
}

func run(cfg config.Config, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := gdb.NewStore(gdb.Config{
		Path:     cfg.DB.Path,
		MaxConns: cfg.DB.MaxConns,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	sessionStore := gdb.NewSessionStore(store)
	usageStore := gdb.NewUsageStore(store)
	checkpointStore := gdb.NewCheckpointStore(store)
	backupStore := gdb.NewBackupStore(store)

	m, err := metrics.New()
	if err != nil {
		log.Warn().Err(err).Msg("Metrics unavailable, continuing without")
	}

	hub := sse.NewBroadcaster()
	mon := monitor.NewMonitor(sessionStore, usageStore, hub, m, monitor.Config{
		FlushInterval: cfg.FlushInterval(),
		BatchSize:     cfg.Monitor.BatchSize,
	})
	manager := session.NewManager(sessionStore, usageStore, checkpointStore, mon, hub)
	evaluator := quota.NewEvaluator(cfg.QuotaLimits(), m)
	backups := backup.NewService(sessionStore, usageStore, backupStore)

	estimator, err := monitor.NewEstimator()
	if err != nil {
		log.Warn().Err(err).Msg("Token estimator unavailable, continuing without")
		estimator = nil
	}

	// Re-attach to sessions that were active when the process last
	// stopped; records win over stored totals.
	if _, err := manager.RecoverActiveSessions(ctx); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(configPath, func(next config.Config) {
		evaluator.SetLimits(next.QuotaLimits())
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else if err := watcher.Start(); err == nil {
		defer watcher.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(manager, mon, evaluator, backups, hub, estimator).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("quotaguardd listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Final flush so accepted usage is durable before exit.
	if closeErr := mon.Close(); closeErr != nil {
		log.Error().Err(closeErr).Msg("Final usage flush failed")
	}
	if cfg.BackupOnShutdown {
		backupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, backupErr := backups.Create(backupCtx); backupErr != nil {
			log.Error().Err(backupErr).Msg("Shutdown backup failed")
		}
	}
	return err
}
