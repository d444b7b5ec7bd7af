package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/jetdeploy/internal/audit"
	"github.com/fentz26/jetdeploy/internal/catalog"
	"github.com/fentz26/jetdeploy/internal/config"
	"github.com/fentz26/jetdeploy/internal/controlplane"
	"github.com/fentz26/jetdeploy/internal/deployer"
	"github.com/fentz26/jetdeploy/internal/logging"
	"github.com/fentz26/jetdeploy/internal/metrics"
	"github.com/fentz26/jetdeploy/internal/runner"
	"github.com/fentz26/jetdeploy/internal/scheduler"
	"github.com/fentz26/jetdeploy/internal/session"
	"github.com/fentz26/jetdeploy/internal/store"
	"github.com/fentz26/jetdeploy/internal/version"
	"github.com/spf13/cobra"
)

var (
	listenAddr  string
	dbPath      string
	catalogPath string
	logLevel    string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the jetdeploy daemon",
	Long:  `Starts the jetdeploy daemon which owns remote sessions and serves the HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().StringVar(&catalogPath, "catalog", "", "Workload catalog file (overrides config)")
	daemonCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = listenAddr
	}
	if cmd.Flags().Changed("db") {
		cfg.DB = dbPath
	}
	if cmd.Flags().Changed("catalog") {
		cfg.Catalog = catalogPath
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	return cfg, cfg.Validate()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	logger.Info().Str("version", version.Get()).Msg("starting jetdeploy daemon")

	cat, err := catalog.Load(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("load catalog %s: %w", cfg.Catalog, err)
	}
	logger.Info().Int("workloads", len(cat.List())).Str("path", cfg.Catalog).Msg("catalog loaded")

	s, err := store.New(cfg.DB)
	if err != nil {
		return err
	}
	defer s.Close()

	m := metrics.New()
	pdr := audit.NewPDRWriter(s)

	sessions := session.NewRegistry(session.Options{
		Dialer:  session.NewDialer(cfg.SSH, logger),
		Logger:  logger,
		Metrics: m,
	})
	deploys := deployer.New(deployer.Options{
		Sessions:        sessions,
		Catalog:         cat,
		Logger:          logger,
		Metrics:         m,
		History:         s,
		BufferLines:     cfg.Logs.BufferLines,
		SubscriberQueue: cfg.Logs.SubscriberQueue,
		CancelGrace:     cfg.Deploy.CancelGrace,
		KillTimeout:     cfg.Deploy.KillTimeout,
		StatusTimeout:   cfg.Deploy.StatusTimeout,
		CommandTimeout:  cfg.Deploy.CommandTimeout,
		Retention:       cfg.Jobs.Retention,
	})
	runs := runner.New(runner.Options{
		Sessions:                sessions,
		Catalog:                 cat,
		Installer:               deploys,
		Logger:                  logger,
		Metrics:                 m,
		History:                 s,
		BufferLines:             cfg.Logs.BufferLines,
		SubscriberQueue:         cfg.Logs.SubscriberQueue,
		ReadinessAttempts:       cfg.Run.ReadinessAttempts,
		ReadinessInterval:       cfg.Run.ReadinessInterval,
		ReadinessRequestTimeout: cfg.Run.ReadinessRequestTimeout,
		StopGrace:               cfg.Run.StopGrace,
		AlternatePortSpan:       cfg.Run.AlternatePortSpan,
		DirectProbeTimeout:      cfg.Run.DirectProbeTimeout,
		CapabilityTTL:           cfg.Run.CapabilityTTL,
		Retention:               cfg.Jobs.Retention,
	})
	sessions.OnTeardown(runs.CloseSession)
	sessions.OnTeardown(deploys.CloseSession)

	sched := scheduler.New(&scheduler.Config{
		Interval:     cfg.Housekeeping.Interval,
		SweepTimeout: cfg.Housekeeping.SweepTimeout,
	}, logger, m,
		scheduler.Func("sessions", func(ctx context.Context, now time.Time) int {
			return sessions.Reap(ctx, cfg.Sessions.IdleTimeout)
		}),
		scheduler.Func("deploys", func(ctx context.Context, now time.Time) int {
			return deploys.GC(now)
		}),
		scheduler.Func("runs", func(ctx context.Context, now time.Time) int {
			return runs.GC(now)
		}),
		scheduler.Func("history", func(ctx context.Context, now time.Time) int {
			if cfg.Jobs.HistoryRetention <= 0 {
				return 0
			}
			n, err := s.PruneJobs(now.Add(-cfg.Jobs.HistoryRetention))
			if err != nil {
				logger.Warn().Err(err).Msg("prune job history")
			}
			return int(n)
		}),
	)

	service := controlplane.NewService(controlplane.Deps{
		Sessions: sessions,
		Catalog:  cat,
		Deployer: deploys,
		Runner:   runs,
		Store:    s,
		PDR:      pdr,
		Logger:   logger,
	})
	server := controlplane.NewServer(service, m, logger, cfg.Listen)
	server.SetStats(sched.GetStats)

	sched.Start()
	defer sched.Stop()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			service.Shutdown(context.Background())
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stopping jobs first closes their hubs, which ends open log streams.
	logger.Info().Msg("stopping runs and deploys")
	service.Shutdown(shutdownCtx)

	logger.Info().Msg("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
