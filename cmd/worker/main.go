package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stripesync/stripesync/internal/config"
	"github.com/stripesync/stripesync/internal/events"
	"github.com/stripesync/stripesync/internal/logger"
	"github.com/stripesync/stripesync/internal/store"
	"github.com/stripesync/stripesync/internal/stripeclient"
	"github.com/stripesync/stripesync/internal/syncer"
	"github.com/stripesync/stripesync/internal/worker"
	"go.uber.org/zap"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v\n", err)
	}

	logger.InitLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	if cfg.WorkerQueueURL == "" {
		logger.Fatal("WORKER_QUEUE_URL environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolConfig, err := store.PoolConfig(cfg.DatabaseURL, cfg.DBMaxConnections, cfg.DBKeepAlive)
	if err != nil {
		logger.Fatal("Unable to configure database pool", zap.Error(err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal("Unable to create connection pool", zap.Error(err))
	}
	defer pool.Close()

	st := store.New(pool, cfg.Schema, logger.Log)
	sc := stripeclient.New(stripeclient.Config{
		SecretKey:         cfg.StripeSecretKey,
		AccountID:         cfg.StripeAccountID,
		APIVersion:        cfg.StripeAPIVersion,
		MaxRetries:        cfg.MaxRetries,
		InitialRetryDelay: cfg.InitialRetryDelay,
		MaxRetryDelay:     cfg.MaxRetryDelay,
		RetryJitter:       cfg.RetryJitter,
	}, logger.Log)

	sync := syncer.New(st, sc, nil, syncer.Config{
		BackfillRelatedEntities: cfg.BackfillRelatedEntities,
		AutoExpandLists:         cfg.AutoExpandLists,
		EnableSigma:             cfg.EnableSigma,
		MaxConcurrent:           cfg.MaxConcurrentRuns,
		MaxConcurrentCustomers:  cfg.MaxConcurrentCustomers,
		TriggeredBy:             "worker",
	}, logger.Log)

	// The router doubles as the account resolver for seeded messages.
	router := events.NewRouter(sync, st, sc, events.Config{
		SigningSecret:           cfg.StripeWebhookSecret,
		APIKeyHash:              store.HashAPIKey(cfg.StripeSecretKey),
		RevalidateEntities:      cfg.RevalidateEntities,
		BackfillRelatedEntities: cfg.BackfillRelatedEntities,
	}, logger.Log)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("Unable to load AWS configuration", zap.Error(err))
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	w := worker.New(sqsClient, sync, router, worker.Config{
		QueueURL:    cfg.WorkerQueueURL,
		Interval:    cfg.WorkerInterval,
		BatchSize:   cfg.WorkerBatchSize,
		EnableSigma: cfg.EnableSigma,
	}, logger.Log)

	logger.Info("Worker starting",
		zap.String("queue", cfg.WorkerQueueURL),
		zap.Duration("interval", cfg.WorkerInterval))
	if err := w.Run(ctx); err != nil {
		logger.Fatal("Worker exited", zap.Error(err))
	}
	logger.Info("Worker exiting")
}
