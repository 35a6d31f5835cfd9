package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chat-delivery/internal/auth"
	"chat-delivery/internal/broadcast"
	"chat-delivery/internal/cache"
	"chat-delivery/internal/config"
	"chat-delivery/internal/db"
	"chat-delivery/internal/delivery"
	grpchealth "chat-delivery/internal/grpc"
	"chat-delivery/internal/handlers"
	"chat-delivery/internal/logging"
	"chat-delivery/internal/moderation"
	"chat-delivery/internal/notifications"
	"chat-delivery/internal/observability"
	"chat-delivery/internal/presence"
	"chat-delivery/internal/rabbitmq"
	"chat-delivery/internal/ratelimit"
	"chat-delivery/internal/repositories"
	"chat-delivery/internal/server"
	"chat-delivery/internal/telemetry"
	"chat-delivery/internal/workers"
	"chat-delivery/internal/ws"
)

const (
	serviceName     = "chat-delivery"
	auditRoutingKey = "audit.chat"
	shutdownTimeout = 10 * time.Second
	healthInterval  = 15 * time.Second
)

var cfgFile string

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Real-time chat and notification delivery service",
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
	cmd.PersistentFlags().String("grpc-address", defaults.GetString("grpc.address"), "gRPC health listen address")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres DSN")
	cmd.PersistentFlags().String("redis-address", "", "Redis address; empty keeps counters in memory")
	cmd.PersistentFlags().String("amqp-url", "", "RabbitMQ URL; empty disables cross-node broadcast and audit publishing")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Bool("debug", false, "Enable debug routes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "grpc.address", "grpc-address")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "amqp.url", "amqp-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "debug.enabled", "debug")
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(signalCtx, appConfig.TracingEndpoint, serviceName, appConfig.Environment)
	if err != nil {
		return err
	}

	database, err := db.Connect(signalCtx, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	var counters cache.Store
	if appConfig.RedisAddress != "" {
		redisStore, err := cache.ConnectRedis(signalCtx, appConfig.RedisAddress)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		counters = redisStore
	} else {
		logger.Info("redis disabled, counters kept in process memory")
		counters = cache.NewMemory(nil)
	}

	publisher := rabbitmq.NewPublisher(appConfig.AMQPURL, appConfig.AuditExchange, logger)
	defer publisher.Close()
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, serviceName, appConfig.Environment, logger)

	group, groupCtx := errgroup.WithContext(signalCtx)

	hub := broadcast.NewHub(logger)
	var router broadcast.Router = hub
	if appConfig.AMQPURL != "" {
		amqpRouter, err := broadcast.NewAMQPRouter(appConfig.AMQPURL, appConfig.BroadcastExchange, hub, logger)
		if err != nil {
			return err
		}
		defer amqpRouter.Close()
		group.Go(func() error { return amqpRouter.Run(groupCtx) })
		router = amqpRouter
	}

	sanitizer, err := moderation.NewSanitizer(appConfig.CensoredWords, appConfig.ReplacementRune())
	if err != nil {
		return err
	}

	tokens, err := auth.NewTokenValidator(auth.Config{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	presenceStore := presence.NewStore(presence.Config{
		Repository: repositories.NewUserStatusRepo(database),
		Logger:     logger,
	})

	chats, err := delivery.NewService(delivery.Config{
		Conversations: repositories.NewConversationRepo(database),
		Messages:      repositories.NewMessageRepo(database),
		Presence:      presenceStore,
		Router:        router,
		Sanitizer:     sanitizer,
		Logger:        logger,
		MaxAttempts:   appConfig.MaxAttempts,
		CatchUpBatch:  appConfig.CatchUpBatch,
		CatchUpMax:    appConfig.CatchUpMax,
	})
	if err != nil {
		return err
	}

	notifier, err := notifications.NewService(notifications.Config{
		Repository: repositories.NewNotificationRepo(database),
		Cache:      counters,
		Router:     router,
		UnreadTTL:  appConfig.UnreadTTL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sockets := ws.NewHandler(ws.Config{
		Router:        router,
		Auth:          tokens,
		Presence:      presenceStore,
		Delivery:      chats,
		Notifications: notifier,
		Limiter: ratelimit.New(ratelimit.Config{
			Store:  counters,
			Limit:  appConfig.RateLimit,
			Window: appConfig.RateWindow,
			Logger: logger,
		}),
		Pool:         workers.NewPool(appConfig.Workers),
		Audit:        audit,
		Logger:       logger,
		Subprotocols: []string{ws.Subprotocol},
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		ServiceName:   serviceName,
		Auth:          tokens,
		Chats:         handlers.NewChatHandler(chats, audit, logger),
		Notifications: handlers.NewNotificationHandler(notifier, logger),
		Sockets:       sockets,
		Audit:         audit,
		Health:        database.PingContext,
		DebugEnabled:  appConfig.DebugEnabled,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	healthServer := grpchealth.NewHealthServer(logger)
	lis, err := net.Listen("tcp", appConfig.GRPCAddress)
	if err != nil {
		return err
	}

	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return healthServer.Serve(lis)
	})
	group.Go(func() error {
		healthServer.Monitor(groupCtx, healthInterval, database.PingContext)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down", zap.Int("open_sockets", sockets.Connections()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		healthServer.Stop()
		sockets.CloseAll()
		err := httpServer.Shutdown(shutdownCtx)
		if tracingErr := shutdownTracing(shutdownCtx); tracingErr != nil {
			logger.Warn("tracing shutdown failed", zap.Error(tracingErr))
		}
		return err
	})

	return group.Wait()
}
