package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/covenantd/covenant/internal/backup"
	"github.com/covenantd/covenant/internal/config"
	"github.com/covenantd/covenant/internal/promise"
	"github.com/covenantd/covenant/internal/server"
	"github.com/covenantd/covenant/internal/trust"
)

var (
	servePort      int
	serveRateLimit int
	serveCORS      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trust API server with scheduled backups",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().IntVar(&serveRateLimit, "rate-limit", 50, "per-client requests per second (0 disables)")
	serveCmd.Flags().StringVar(&serveCORS, "cors-origins", "*", "comma-separated allowed CORS origins")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var coordinator *backup.Coordinator
	if cfg.BackupEnabled {
		coordinator = backup.NewCoordinator(backup.Config{
			Enabled:                    true,
			Dir:                        cfg.BackupDir(),
			Interval:                   cfg.BackupInterval,
			OnSignificantChange:        cfg.BackupOnSignificantChange,
			SignificantChangeThreshold: cfg.BackupChangeThreshold,
			RetainCount:                cfg.BackupRetainCount,
			RetainAge:                  cfg.BackupRetainAge,
			Ext:                        cfg.BackupExt(),
		}, st)
		if err := coordinator.Start(); err != nil {
			return fmt.Errorf("starting backup schedule: %w", err)
		}
		defer coordinator.Stop()
	}

	managerOpts := []trust.Option{
		trust.WithThresholds(cfg.Thresholds),
		trust.WithLockTimeout(cfg.LockTimeout),
		trust.WithCacheBound(cfg.CacheMaxEntries),
	}
	if coordinator != nil {
		managerOpts = append(managerOpts, trust.WithChangeListener(coordinator.NotifyChange))
	}
	manager := trust.NewManager(st, managerOpts...)
	defer manager.Close()

	// Warm the cache so the first requests do not all hit the backend.
	if err := manager.Prime(ctx); err != nil {
		log.Warn().Err(err).Msg("cache_prime_failed")
	}

	if cfg.DecayInterval > 0 {
		decayCron := cron.New()
		_, err := decayCron.AddFunc(fmt.Sprintf("@every %s", cfg.DecayInterval), func() {
			sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := manager.ApplyDecay(sweepCtx); err != nil {
				log.Warn().Err(err).Msg("scheduled decay sweep failed")
			}
		})
		if err != nil {
			return fmt.Errorf("scheduling decay: %w", err)
		}
		decayCron.Start()
		defer decayCron.Stop()
	}

	ledger := promise.NewLedger(manager)

	opts := []server.Option{
		server.WithCORSOrigins(strings.Split(serveCORS, ",")),
		server.WithRateLimit(serveRateLimit),
		server.WithVersion(resolvedVersion()),
	}
	if coordinator != nil {
		opts = append(opts, server.WithBackupCoordinator(coordinator))
	}
	srv := server.NewServer(manager, ledger, opts...)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("backend", cfg.StorageBackend).
		Bool("backups", coordinator != nil).
		Msg("covenant_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
