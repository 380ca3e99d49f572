// Command dlq-redrive moves dead-lettered sync messages back onto the
// worker queue. Run it after fixing whatever made the pages fail; the
// worker picks the objects up again on its next poll.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/stripesync/stripesync/internal/config"
	"github.com/stripesync/stripesync/internal/logger"
	"github.com/stripesync/stripesync/internal/worker"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v\n", err)
	}

	logger.InitLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	if cfg.WorkerQueueURL == "" || cfg.WorkerDLQURL == "" {
		logger.Fatal("WORKER_QUEUE_URL and WORKER_DLQ_URL environment variables are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("Unable to load AWS configuration", zap.Error(err))
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	// Redrive only touches the queues, so the sync service and account
	// resolver stay unset.
	w := worker.New(sqsClient, nil, nil, worker.Config{
		QueueURL:  cfg.WorkerQueueURL,
		BatchSize: cfg.WorkerBatchSize,
	}, logger.Log)

	res, err := w.Redrive(ctx, cfg.WorkerDLQURL)
	if err != nil {
		logger.Fatal("Redrive failed", zap.Error(err))
	}
	logger.Info("Redrive complete",
		zap.Int("moved", res.Moved),
		zap.Int("dropped", res.Dropped))
}
