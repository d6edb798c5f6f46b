package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zenrent/hmrc-connect/internal/api"
	"github.com/zenrent/hmrc-connect/internal/config"
	"github.com/zenrent/hmrc-connect/internal/core"
	"github.com/zenrent/hmrc-connect/internal/crypto"
	"github.com/zenrent/hmrc-connect/internal/db"
	"github.com/zenrent/hmrc-connect/internal/hmrc"
	"github.com/zenrent/hmrc-connect/internal/logging"
	"github.com/zenrent/hmrc-connect/internal/metrics"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool)

	cipher, err := crypto.NewVault([]byte(cfg.VaultMasterKey))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise token vault cipher")
	}

	provider := hmrc.NewClient(hmrc.Config{
		ClientID:     cfg.HMRCClientID,
		ClientSecret: cfg.HMRCClientSecret,
		RedirectURI:  cfg.HMRCRedirectURI,
		BaseURL:      cfg.HMRCBaseURL,
		Scope:        cfg.HMRCScope,
		Timeout:      cfg.HMRCTimeout,
	}, logger)

	services := core.NewServices(pool, cfg, cipher, provider, logger)
	srv := api.NewServer(logger, pool, services, cfg)

	go func() {
		ticker := time.NewTicker(core.VerifierTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := services.Verifiers.Sweep(ctx); err != nil {
					logger.Warn().Err(err).Msg("auth request sweep failed")
				} else if n > 0 {
					logger.Debug().Int64("removed", n).Msg("swept expired auth requests")
				}
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting HMRC connector API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	srv.Shutdown(shutdownCtx)
}
