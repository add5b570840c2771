package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corkboardhq/corkboard/backend/internal/auth"
	"github.com/corkboardhq/corkboard/backend/internal/boards"
	"github.com/corkboardhq/corkboard/backend/internal/cards"
	"github.com/corkboardhq/corkboard/backend/internal/config"
	"github.com/corkboardhq/corkboard/backend/internal/database"
	"github.com/corkboardhq/corkboard/backend/internal/events"
	"github.com/corkboardhq/corkboard/backend/internal/fanout"
	"github.com/corkboardhq/corkboard/backend/internal/feeds"
	"github.com/corkboardhq/corkboard/backend/internal/ids"
	"github.com/corkboardhq/corkboard/backend/internal/logging"
	"github.com/corkboardhq/corkboard/backend/internal/server"
	"github.com/corkboardhq/corkboard/backend/internal/subscriptions"
	"github.com/corkboardhq/corkboard/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "corkboard-api",
		Short: "Corkboard collaboration backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("identity-jwks-url", defaults.GetString("identity.jwks_url"), "Identity provider JWKS URL")
	cmd.PersistentFlags().String("identity-audience", defaults.GetString("identity.audience"), "Identity token audience")
	cmd.PersistentFlags().StringSlice("identity-issuers", defaults.GetStringSlice("identity.issuers"), "Allowed identity token issuers")
	cmd.PersistentFlags().Int("fanout-workers", defaults.GetInt("fanout.workers"), "Fan-out worker count")
	cmd.PersistentFlags().Int("fanout-max-attempts", defaults.GetInt("fanout.max_attempts"), "Fan-out attempts per task")
	cmd.PersistentFlags().Int("fanout-queue-depth", defaults.GetInt("fanout.queue_depth"), "Fan-out per-worker queue depth")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "identity.jwks_url", "identity-jwks-url")
	bindFlag(cmd, "identity.audience", "identity-audience")
	bindFlag(cmd, "identity.issuers", "identity-issuers")
	bindFlag(cmd, "fanout.workers", "fanout-workers")
	bindFlag(cmd, "fanout.max_attempts", "fanout-max-attempts")
	bindFlag(cmd, "fanout.queue_depth", "fanout-queue-depth")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "corkboard-auth",
		Audience:      "corkboard-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	identityVerifier, err := auth.NewIdentityVerifier(auth.IdentityVerifierConfig{
		Audience:       appConfig.IdentityAudience,
		JWKSURL:        appConfig.IdentityJWKSURL,
		AllowedIssuers: appConfig.IdentityIssuers,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	identityService, err := users.NewService(users.ServiceConfig{
		Database: db,
	})
	if err != nil {
		return err
	}

	idProvider := ids.NewUUIDProvider()
	cardDirectory := cards.NewDirectory(db)

	subscriptionStore, err := subscriptions.NewStore(subscriptions.StoreConfig{
		Database:   db,
		IDProvider: idProvider,
		Cards:      cardDirectory,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	fanoutEngine, err := fanout.NewEngine(fanout.EngineConfig{
		Database:    db,
		Intervals:   subscriptionStore,
		Workers:     appConfig.FanoutWorkers,
		QueueDepth:  appConfig.FanoutQueueDepth,
		MaxAttempts: appConfig.FanoutMaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	eventsService, err := events.NewService(events.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	eventsService.SetDispatcher(fanoutEngine)

	boardsService, err := boards.NewService(boards.ServiceConfig{
		Database:      db,
		IDProvider:    idProvider,
		Subscriptions: subscriptionStore,
		EventLog:      eventsService,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	cardsService, err := cards.NewService(cards.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Authority:  boardsService,
		EventLog:   eventsService,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	feedService, err := feeds.NewService(feeds.ServiceConfig{
		Database:  db,
		Intervals: subscriptionStore,
		Boards:    cardDirectory,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		IdentityVerifier: identityVerifier,
		TokenManager:     tokenManager,
		Identities:       identityService,
		BoardsService:    boardsService,
		CardsService:     cardsService,
		Subscriptions:    subscriptionStore,
		FeedService:      feedService,
		EventsService:    eventsService,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fanoutEngine.Start(signalCtx)
	defer fanoutEngine.Stop()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
