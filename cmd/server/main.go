package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/feed"
	httpserver "gitea.jw6.us/james/calsync/internal/http"
	"gitea.jw6.us/james/calsync/internal/logging"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/syncer"
	"gitea.jw6.us/james/calsync/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "json").WithError(err).Fatal("failed to load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	log.Info("starting calsync server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.WithError(err).Fatal("failed to create db pool")
	}
	defer pool.Close()

	stor := store.New(pool)
	if err := stor.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("failed to apply migrations")
	}

	v, err := vault.New(cfg.Keys.RefreshToken, cfg.Keys.Payload)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize vault")
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	google, err := provider.New(provider.Options{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL(),
		Endpoint:     cfg.Google.APIEndpoint,
		TokenURL:     cfg.Google.TokenURL,
		HTTPClient:   httpClient,
		Vault:        v,
		WebhookURL:   cfg.WebhookURL(),
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize google client")
	}

	orch := syncer.New(stor, google, syncer.NewChannelSigner(v.SigningKey("channel")), syncer.Options{
		MaxRetries:     cfg.Sync.MaxRetries,
		RetryBase:      cfg.Sync.RetryBase,
		AccountTimeout: cfg.Sync.AccountTimeout,
		Concurrency:    cfg.Sync.Concurrency,
		RenewBefore:    cfg.Sync.WatchRenewBefore,
		Logger:         log.WithField("component", "syncer"),
	})
	defer orch.Close()

	sched, err := syncer.NewScheduler(orch, cfg.Sync.PollSchedule, cfg.Sync.WatchRenewSchedule, cfg.Sync.BatchTimeout, log.WithField("component", "scheduler"))
	if err != nil {
		log.WithError(err).Fatal("failed to initialize scheduler")
	}
	sched.Start()
	defer sched.Stop()

	hub := feed.NewHub()
	go func() {
		if err := feed.Listen(ctx, pool, hub, log.WithField("component", "feed")); err != nil {
			log.WithError(err).Error("event feed stopped")
		}
	}()

	sessions := auth.NewSessionManager(cfg)
	authService, err := auth.NewService(ctx, auth.Options{
		Config:     cfg,
		Users:      stor.Users,
		Sessions:   sessions,
		Vault:      v,
		Log:        log.WithField("component", "auth"),
		HTTPClient: httpClient,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize auth service")
	}

	r := httpserver.NewRouter(httpserver.Deps{
		Config: cfg,
		Store:  stor,
		Auth:   authService,
		Syncer: orch,
		Linker: google,
		Vault:  v,
		Hub:    hub,
		Log:    log,
		Ready:  stor.HealthCheck,
	})

	// No WriteTimeout: the event stream holds connections open.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}
}
