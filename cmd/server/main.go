// Command riviso-link starts the Search Console link service.
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

	"go.uber.org/zap"

	"github.com/TheHypedge/riviso-sub001/internal/config"
	"github.com/TheHypedge/riviso-sub001/internal/migrate"
	"github.com/TheHypedge/riviso-sub001/internal/provider"
	"github.com/TheHypedge/riviso-sub001/internal/repository/postgres"
	"github.com/TheHypedge/riviso-sub001/internal/server/httpapi"
	"github.com/TheHypedge/riviso-sub001/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main resolves configuration, runs migrations, and serves the HTTP API with
// the background refresh scheduler alongside.
func main() {
	// Flags
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if cfg.StateSecretDefaulted {
		logger.Warn("STATE_SIGNING_SECRET is not set, using built-in fallback")
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DatabaseDSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	// DB pool
	db, err := postgres.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres.New", zap.Error(err))
	}
	defer db.Close()

	// Repositories
	credStore := postgres.NewCredStore(db)
	websiteRepo := postgres.NewWebsiteRepo(db)

	// Provider
	google := provider.New(provider.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURI:  cfg.GoogleRedirectURI,
	}, logger)

	// Services
	links := service.NewLinkService(
		credStore,
		websiteRepo,
		google,
		cfg.EncryptionPassphrase,
		[]byte(cfg.StateSigningSecret),
		logger,
	)

	// Background refresh sweep
	scheduler := service.NewRefreshScheduler(credStore, links, logger)
	go scheduler.Run(ctx)

	// HTTP server
	api := httpapi.New(links, logger)
	srv := &http.Server{
		Addr:         *addr,
		Handler:      api.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", *addr))
		errCh <- srv.ListenAndServe()
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		// graceful shutdown
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			_ = srv.Close()
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
