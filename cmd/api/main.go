package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stripesync/stripesync/internal/config"
	"github.com/stripesync/stripesync/internal/events"
	"github.com/stripesync/stripesync/internal/logger"
	"github.com/stripesync/stripesync/internal/server"
	"github.com/stripesync/stripesync/internal/store"
	"github.com/stripesync/stripesync/internal/stripeclient"
	"github.com/stripesync/stripesync/internal/syncer"
	"github.com/stripesync/stripesync/internal/webhooks"
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

	pool := mustConnect(cfg)
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
		TriggeredBy:             "api",
	}, logger.Log)

	router := events.NewRouter(sync, st, sc, events.Config{
		SigningSecret:           cfg.StripeWebhookSecret,
		APIKeyHash:              store.HashAPIKey(cfg.StripeSecretKey),
		RevalidateEntities:      cfg.RevalidateEntities,
		BackfillRelatedEntities: cfg.BackfillRelatedEntities,
	}, logger.Log)

	// Converge the managed webhook endpoint before accepting traffic, so
	// deliveries signed with its secret verify from the first event.
	if cfg.WebhookTargetURL != "" {
		setupManagedWebhook(st, sc, router, cfg.WebhookTargetURL)
	}

	srv := server.New(router, sync, st, server.Config{
		Port:         cfg.Port,
		WorkerSecret: cfg.WorkerSecret,
	}, logger.Log)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: srv.Handler(),
	}
	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exiting")
}

func mustConnect(cfg *config.Config) *pgxpool.Pool {
	poolConfig, err := store.PoolConfig(cfg.DatabaseURL, cfg.DBMaxConnections, cfg.DBKeepAlive)
	if err != nil {
		logger.Fatal("Unable to configure database pool", zap.Error(err))
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Fatal("Unable to create connection pool", zap.Error(err))
	}
	return pool
}

func setupManagedWebhook(st *store.Store, sc *stripeclient.Client, router *events.Router, targetURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	accountID, err := router.DefaultAccountID(ctx)
	if err != nil {
		logger.Fatal("Unable to resolve account for managed webhook", zap.Error(err))
	}
	reconciler := webhooks.New(st, sc, logger.Log)
	wh, err := reconciler.FindOrCreateManagedWebhook(ctx, accountID, targetURL)
	if err != nil {
		logger.Fatal("Unable to set up managed webhook", zap.Error(err))
	}
	logger.Info("Managed webhook ready",
		zap.String("endpoint_id", wh.ID),
		zap.String("url", wh.URL))
}
