package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"etatdeslieux/config"
	controller "etatdeslieux/controllers"
	"etatdeslieux/middleware"
	"etatdeslieux/routes"
	"etatdeslieux/store"
	"etatdeslieux/utils"
	"etatdeslieux/worker"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	utils.SetupLogger(cfg.LogLevel, cfg.IsProduction())
	logger := utils.Component("main")

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.WithError(err).Warn("Sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := config.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}

	ledger, err := openStore(cfg, redisClient)
	if err != nil {
		logger.Fatalf("Failed to open ledger store: %v", err)
	}
	defer ledger.Close()
	if redisClient != nil && cfg.StoreBackend != "redis" {
		defer redisClient.Close()
	}

	deps := routes.Dependencies{
		Config: cfg,
		Store:  ledger,
		Feed:   controller.NewLiveFeed(),
	}
	if redisClient != nil {
		deps.LimiterStorage = middleware.NewRedisStorage(redisClient)
	}
	if cfg.SMTPHost != "" {
		mailer := utils.NewSMTPMailer(cfg)
		deps.Sender = utils.NewCampaignSender(ledger, mailer, cfg.PublicBaseURL, cfg.DispatchRatePerSecond)
	} else {
		logger.Warn("SMTP_HOST not set, newsletter dispatch disabled")
	}

	if cfg.Bounce.Host != "" {
		go worker.NewBounceWorker(cfg.Bounce, ledger).Start(ctx)
	}

	app := routes.NewApp(deps)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logger.Info("Shutting down server")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Error("Graceful shutdown failed")
		}
	}()

	logger.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}

func openStore(cfg *config.Config, redisClient *redis.Client) (store.Store, error) {
	if cfg.StoreBackend == "redis" {
		return store.NewRedisStore(redisClient, store.WithTxRetries(cfg.LedgerTxRetries)), nil
	}
	db, err := config.ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	return store.NewGormStore(db), nil
}
