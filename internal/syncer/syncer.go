// Package syncer drives paginated historical backfills from Stripe into
// the mirror and owns the per-object upsert pipeline shared with the
// webhook path.
package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stripesync/stripesync/internal/store"
	"github.com/stripesync/stripesync/internal/stripeclient"
	"go.uber.org/zap"
)

// Gateway is the slice of the store the syncer depends on.
type Gateway interface {
	GetOrCreateSyncRun(ctx context.Context, accountID, triggeredBy string, maxConcurrent int) (*store.SyncRun, error)
	GetActiveSyncRun(ctx context.Context, accountID string) (*store.SyncRun, error)
	CloseSyncRun(ctx context.Context, accountID string, runStartedAt time.Time) error
	CreateObjectRuns(ctx context.Context, accountID string, runStartedAt time.Time, objects []string) error
	GetObjectRun(ctx context.Context, accountID string, runStartedAt time.Time, object string) (*store.ObjectRun, error)
	TryStartObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string, maxConcurrent int) (bool, error)
	IncrementObjectProgress(ctx context.Context, accountID string, runStartedAt time.Time, object string, n int) error
	UpdateObjectPageCursor(ctx context.Context, accountID string, runStartedAt time.Time, object, pageCursor string) error
	UpdateObjectCursor(ctx context.Context, accountID string, runStartedAt time.Time, object, cursor string) error
	CompleteObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string) error
	FailObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object, message string) error
	GetLastCursorBeforeRun(ctx context.Context, accountID, object string, runStartedAt time.Time) (string, error)

	UpsertRows(ctx context.Context, table, parentColumn, accountID string, rows []store.Row, syncedAt time.Time) error
	UpsertRowsUnprotected(ctx context.Context, table, parentColumn, accountID string, rows []store.Row, syncedAt time.Time) error
	FindMissingIDs(ctx context.Context, table string, ids []string) ([]string, error)
	DeleteByID(ctx context.Context, table, id string) (bool, error)
	MarkDeletedExcept(ctx context.Context, table, parentColumn, parentID string, keepIDs []string) error
	DeleteExcept(ctx context.Context, table, payloadField, value, accountID string, keepIDs []string) error
	ListCustomerIDs(ctx context.Context, accountID string) ([]string, error)
	MaxColumnValue(ctx context.Context, table, column string) (string, error)
}

// StripeAPI is the slice of the Stripe client the syncer depends on.
type StripeAPI interface {
	ListPage(ctx context.Context, path string, p stripeclient.PageParams) (*stripeclient.Page, error)
	Retrieve(ctx context.Context, path string) (json.RawMessage, error)
}

// Config holds the syncer's behavior switches.
type Config struct {
	BackfillRelatedEntities bool
	AutoExpandLists         bool
	EnableSigma             bool
	// MaxConcurrent caps parallel object runs within a sync run.
	MaxConcurrent int
	// MaxConcurrentCustomers caps the per-customer payment-method fan-out.
	MaxConcurrentCustomers int
	PageSize               int
	TriggeredBy            string
}

// Syncer is the backfill controller plus the upsert orchestrator.
type Syncer struct {
	store  Gateway
	stripe StripeAPI
	sigma  SigmaQueryRunner
	cfg    Config
	logger *zap.Logger

	upserts map[string]upsertFunc
}

// New creates a Syncer. sigma may be nil when sigma ingestion is disabled.
func New(gw Gateway, api StripeAPI, sigma SigmaQueryRunner, cfg Config, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxConcurrentCustomers <= 0 {
		cfg.MaxConcurrentCustomers = 10
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.TriggeredBy == "" {
		cfg.TriggeredBy = "worker"
	}
	s := &Syncer{
		store:  gw,
		stripe: api,
		sigma:  sigma,
		cfg:    cfg,
		logger: logger,
	}
	s.upserts = s.buildUpsertTable()
	return s
}

// Result is the outcome of processing one page.
type Result struct {
	Processed    int
	HasMore      bool
	RunStartedAt time.Time
}

// Params are the optional knobs of ProcessNext.
type Params struct {
	// RunStartedAt explicitly continues an existing run.
	RunStartedAt *time.Time
	// CreatedGTE / CreatedLTE are explicit created filters; when set they
	// override both cursors.
	CreatedGTE int64
	CreatedLTE int64
	// BackfillRelated overrides the engine default for this call.
	BackfillRelated *bool
}

func (s *Syncer) backfillRelated(p Params) bool {
	if p.BackfillRelated != nil {
		return *p.BackfillRelated
	}
	return s.cfg.BackfillRelatedEntities
}
