// Package server is the HTTP frontend of the sync engine: the webhook
// receiver, the sync trigger, run status, and account deletion.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripesync/stripesync/internal/events"
	"github.com/stripesync/stripesync/internal/registry"
	"github.com/stripesync/stripesync/internal/store"
	"github.com/stripesync/stripesync/internal/syncer"
	"go.uber.org/zap"
)

// maxWebhookBody caps the webhook request body. Stripe events are far
// smaller; anything bigger is not a Stripe webhook.
const maxWebhookBody = 1 << 20

// WebhookProcessor verifies and applies one raw webhook delivery.
type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, payload []byte, sigHeader string) error
	DefaultAccountID(ctx context.Context) (string, error)
}

// SyncService runs backfills.
type SyncService interface {
	ProcessUntilDone(ctx context.Context, accountID, object string, p syncer.Params) error
	ProcessNext(ctx context.Context, accountID, object string, p syncer.Params) (syncer.Result, error)
}

// AdminStore is the slice of the store the admin endpoints need.
type AdminStore interface {
	GetActiveSyncRun(ctx context.Context, accountID string) (*store.SyncRun, error)
	GetSyncRunStatus(ctx context.Context, accountID string, runStartedAt time.Time) (string, error)
	DangerouslyDeleteAccount(ctx context.Context, accountID string, tables []string, opts store.DeleteOptions) (map[string]int64, error)
}

// Config holds the HTTP layer's options.
type Config struct {
	Port string
	// WorkerSecret guards the trigger and admin endpoints.
	WorkerSecret string
}

// Server is the engine's HTTP frontend.
type Server struct {
	router  *gin.Engine
	webhook WebhookProcessor
	sync    SyncService
	store   AdminStore
	cfg     Config
	logger  *zap.Logger
}

// New builds the Server and registers its routes.
func New(wh WebhookProcessor, sync SyncService, st AdminStore, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:  gin.New(),
		webhook: wh,
		sync:    sync,
		store:   st,
		cfg:     cfg,
		logger:  logger,
	}
	s.router.Use(gin.Recovery(), s.correlationID())
	s.registerRoutes()
	return s
}

// Handler exposes the router for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the listener fails.
func (s *Server) Run() error {
	return s.router.Run(":" + s.cfg.Port)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/webhooks", s.handleWebhook)

	authed := s.router.Group("/", s.requireWorkerSecret())
	authed.POST("/sync", s.handleSync)
	authed.POST("/sync/:object", s.handleSync)
	authed.GET("/sync/status", s.handleSyncStatus)
	authed.DELETE("/accounts/:id", s.handleDeleteAccount)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebhook applies one Stripe delivery. Signature failures return
// 400 so Stripe retries with a fresh signature; processing failures
// return 500 so the delivery is retried wholesale.
func (s *Server) handleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	sig := c.GetHeader("Stripe-Signature")
	if err := s.webhook.ProcessWebhook(c.Request.Context(), payload, sig); err != nil {
		if errors.Is(err, events.ErrSignature) {
			s.logger.Warn("webhook signature rejected", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
			return
		}
		s.logger.Error("webhook processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type syncRequest struct {
	Created *struct {
		GTE int64 `json:"gte"`
		LTE int64 `json:"lte"`
	} `json:"created"`
	BackfillRelatedEntities *bool `json:"backfillRelatedEntities"`
}

// handleSync runs a backfill to completion: the whole registry, or a
// single object when named in the path.
func (s *Server) handleSync(c *gin.Context) {
	object := c.Param("object")
	if object != "" {
		if _, err := registry.Lookup(object); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
	}

	accountID, err := s.webhook.DefaultAccountID(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to resolve account", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve account"})
		return
	}

	params := syncer.Params{BackfillRelated: req.BackfillRelatedEntities}
	if req.Created != nil {
		params.CreatedGTE = req.Created.GTE
		params.CreatedLTE = req.Created.LTE
	}

	if err := s.sync.ProcessUntilDone(c.Request.Context(), accountID, object, params); err != nil {
		s.logger.Error("sync failed", zap.String("object", object), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "complete", "account_id": accountID})
}

// handleSyncStatus reports the state of the account's active run, or
// "idle" when none is open.
func (s *Server) handleSyncStatus(c *gin.Context) {
	accountID, err := s.webhook.DefaultAccountID(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve account"})
		return
	}

	run, err := s.store.GetActiveSyncRun(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusOK, gin.H{"status": "idle", "account_id": accountID})
		return
	}

	status, err := s.store.GetSyncRunStatus(c.Request.Context(), accountID, run.StartedAt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"account_id": accountID,
		"started_at": run.StartedAt,
	})
}

// handleDeleteAccount cascades an account out of the mirror. dry_run=true
// only counts; confirm must equal the account id for a real delete.
func (s *Server) handleDeleteAccount(c *gin.Context) {
	accountID := c.Param("id")
	dryRun := c.Query("dry_run") == "true"
	if !dryRun && c.Query("confirm") != accountID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirm query parameter must equal the account id"})
		return
	}

	counts, err := s.store.DangerouslyDeleteAccount(c.Request.Context(), accountID, registry.DeletionOrder(), store.DeleteOptions{
		DryRun:         dryRun,
		UseTransaction: c.Query("transaction") == "true",
	})
	if err != nil {
		s.logger.Error("account deletion failed", zap.String("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dry_run": dryRun, "deleted": counts})
}

// requireWorkerSecret guards admin routes with a constant-time check of
// the Authorization header against the configured worker secret.
func (s *Server) requireWorkerSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.WorkerSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "worker secret not configured"})
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.WorkerSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
