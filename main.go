package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/Martian-dev/mailbridge/internal/api"
	"github.com/Martian-dev/mailbridge/internal/auth"
	"github.com/Martian-dev/mailbridge/internal/config"
	natsjs "github.com/Martian-dev/mailbridge/internal/nats"
	"github.com/Martian-dev/mailbridge/internal/providers/outlook"
	"github.com/Martian-dev/mailbridge/internal/store/sqlite"
	"github.com/Martian-dev/mailbridge/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load config")
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open database")
	}
	defer store.Close()

	flow := auth.NewFlow(auth.OAuthConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Tenant:       cfg.Tenant,
		Scopes:       cfg.Scopes,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
	})

	var breaker *gobreaker.CircuitBreaker
	if cfg.BreakerEnabled {
		breaker = outlook.NewBreaker("graph")
	}
	newClient := func(token auth.TokenState, onRefresh sync.TokenPersister) (sync.MailClient, error) {
		return outlook.New(token, flow, onRefresh, outlook.Options{
			BaseURL: cfg.GraphBaseURL,
			Timeout: cfg.ProviderTimeout,
			Breaker: breaker,
		})
	}

	engine := sync.NewEngine(store, store, newClient, log,
		sync.WithWorkers(cfg.SyncWorkers),
		sync.WithFolders(
			sync.FolderPlan{Folder: sync.FolderInbox, PageSize: cfg.SyncInboxPageSize},
			sync.FolderPlan{Folder: sync.FolderSentItems, PageSize: cfg.SyncSentPageSize},
		),
	)
	connector := sync.NewConnector(flow, store, newClient, log)

	scheduler := sync.NewScheduler(engine, cfg.SyncInterval, log)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer scheduler.Stop()

	if cfg.NATSEnabled() {
		publisher, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure JetStream stream")
		}
		dispatcher := sync.NewDispatcher(store, publisher, log)
		dispatched := make(chan struct{})
		go func() {
			defer close(dispatched)
			_ = dispatcher.Run(ctx)
		}()
		// runs before the deferred closes of the publisher and store
		defer func() { <-dispatched }()
		log.Info().Str("stream", natsjs.StreamName).Msg("publishing mail events")
	}

	var opts []api.Option
	if cfg.AuthEnabled() {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize JWT verifier")
		}
		opts = append(opts, api.WithAuth(verifier.Middleware()))
	} else {
		log.Warn().Msg("JWKS_URL not set, operator endpoints are unauthenticated")
	}
	if strings.HasPrefix(cfg.RedirectURL, "https://") {
		opts = append(opts, api.WithSecureCookies())
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(connector, engine, store, log, opts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Dur("sync_interval", cfg.SyncInterval).Msg("mailbridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(cfg.LogFormat, "json") {
		return zerolog.New(os.Stdout).With().Timestamp().Str("service", "mailbridge").Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "mailbridge").Logger()
}
