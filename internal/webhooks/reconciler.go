// Package webhooks reconciles the Stripe webhook endpoint the engine
// manages for itself: one endpoint per (account, target URL), its
// signing secret mirrored locally, recreated whenever Stripe's side and
// the mirror disagree.
package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripesync/stripesync/internal/store"
	"github.com/stripesync/stripesync/internal/stripeclient"
	"go.uber.org/zap"
)

// managedByValue tags endpoints created by this engine.
const managedByValue = "stripe-sync"

// managedVersion is recorded in endpoint metadata for forward migrations.
const managedVersion = "1"

// EnabledEvents is the event set a managed endpoint subscribes to. "*"
// keeps the subscription in step with the router's dispatch table without
// a second list to maintain.
var EnabledEvents = []string{"*"}

// WebhookStore is the slice of the store the reconciler needs.
type WebhookStore interface {
	GetManagedWebhook(ctx context.Context, accountID, url string) (*store.ManagedWebhook, error)
	ListManagedWebhooks(ctx context.Context, accountID string) ([]store.ManagedWebhook, error)
	UpsertManagedWebhook(ctx context.Context, wh store.ManagedWebhook) error
	DeleteManagedWebhook(ctx context.Context, accountID, id string) error
	WithAdvisoryLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// EndpointAPI is the slice of the Stripe client the reconciler needs.
type EndpointAPI interface {
	CreateWebhookEndpoint(ctx context.Context, params *stripe.WebhookEndpointCreateParams) (*stripe.WebhookEndpoint, error)
	RetrieveWebhookEndpoint(ctx context.Context, id string) (*stripe.WebhookEndpoint, error)
	DeleteWebhookEndpoint(ctx context.Context, id string) error
	ListWebhookEndpointsPage(ctx context.Context, startingAfter string) (*stripeclient.Page, error)
}

// Reconciler converges a managed webhook endpoint for an account.
type Reconciler struct {
	store  WebhookStore
	stripe EndpointAPI
	logger *zap.Logger
}

// New creates a Reconciler. The logger may be nil.
func New(s WebhookStore, api EndpointAPI, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: s, stripe: api, logger: logger}
}

// FindOrCreateManagedWebhook converges the managed endpoint for
// (account, targetURL) and returns its mirror row, holding an advisory
// lock so concurrent callers cannot create duplicate endpoints.
func (r *Reconciler) FindOrCreateManagedWebhook(ctx context.Context, accountID, targetURL string) (*store.ManagedWebhook, error) {
	var result *store.ManagedWebhook
	err := r.store.WithAdvisoryLock(ctx, "webhook:"+accountID+":"+targetURL, func(ctx context.Context) error {
		wh, err := r.reconcile(ctx, accountID, targetURL)
		if err != nil {
			return err
		}
		result = wh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// reconcile walks the mirror row and the live endpoint to one of four
// outcomes: keep both, recreate after the endpoint vanished, recreate
// after it was disabled, or adopt-and-replace an orphaned endpoint whose
// secret the mirror never learned.
func (r *Reconciler) reconcile(ctx context.Context, accountID, targetURL string) (*store.ManagedWebhook, error) {
	local, err := r.store.GetManagedWebhook(ctx, accountID, targetURL)
	if err != nil {
		return nil, err
	}

	if local != nil {
		endpoint, err := r.stripe.RetrieveWebhookEndpoint(ctx, local.ID)
		switch {
		case err != nil && stripeclient.IsResourceMissing(err):
			// Endpoint deleted upstream; the mirrored secret is dead.
			if err := r.store.DeleteManagedWebhook(ctx, accountID, local.ID); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, fmt.Errorf("failed to check webhook endpoint %s: %w", local.ID, err)
		case endpoint.Status == "enabled" && endpoint.URL == targetURL:
			return local, nil
		default:
			r.logger.Info("replacing drifted managed webhook",
				zap.String("endpoint_id", endpoint.ID),
				zap.String("status", string(endpoint.Status)),
				zap.String("url", endpoint.URL))
			if err := r.stripe.DeleteWebhookEndpoint(ctx, endpoint.ID); err != nil {
				return nil, err
			}
			if err := r.store.DeleteManagedWebhook(ctx, accountID, local.ID); err != nil {
				return nil, err
			}
		}
	}

	// No usable mirror row. Mirror rows left behind by earlier target URLs
	// are purged along with their endpoints, then any remaining managed
	// endpoint without a mirror row (lost table, earlier deployment) is
	// deleted: its secret is unrecoverable.
	keep, err := r.purgeSupersededMirrors(ctx, accountID, targetURL)
	if err != nil {
		return nil, err
	}
	if err := r.deleteOrphanedEndpoints(ctx, keep); err != nil {
		return nil, err
	}
	return r.create(ctx, accountID, targetURL)
}

// purgeSupersededMirrors deletes the account's mirror rows whose URL is
// not targetURL, best-effort deleting their endpoints in Stripe first.
// Returns the ids of the surviving rows.
func (r *Reconciler) purgeSupersededMirrors(ctx context.Context, accountID, targetURL string) (map[string]bool, error) {
	rows, err := r.store.ListManagedWebhooks(ctx, accountID)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool, len(rows))
	for _, wh := range rows {
		if wh.URL == targetURL {
			keep[wh.ID] = true
			continue
		}
		r.logger.Info("purging superseded managed webhook",
			zap.String("endpoint_id", wh.ID),
			zap.String("url", wh.URL),
			zap.String("target_url", targetURL))
		if err := r.stripe.DeleteWebhookEndpoint(ctx, wh.ID); err != nil && !stripeclient.IsResourceMissing(err) {
			r.logger.Warn("failed to delete superseded webhook endpoint",
				zap.String("endpoint_id", wh.ID), zap.Error(err))
		}
		if err := r.store.DeleteManagedWebhook(ctx, accountID, wh.ID); err != nil {
			return nil, err
		}
	}
	return keep, nil
}

func (r *Reconciler) create(ctx context.Context, accountID, targetURL string) (*store.ManagedWebhook, error) {
	params := &stripe.WebhookEndpointCreateParams{
		URL:           stripe.String(targetURL),
		EnabledEvents: stripe.StringSlice(EnabledEvents),
		Description:   stripe.String("Managed by stripe-sync. Do not modify."),
		Metadata: map[string]string{
			"managed_by": managedByValue,
			"version":    managedVersion,
		},
	}
	endpoint, err := r.stripe.CreateWebhookEndpoint(ctx, params)
	if err != nil {
		return nil, err
	}

	wh := store.ManagedWebhook{
		ID:            endpoint.ID,
		AccountID:     accountID,
		URL:           targetURL,
		Secret:        endpoint.Secret,
		EnabledEvents: EnabledEvents,
		Status:        string(endpoint.Status),
		CreatedAt:     time.Unix(endpoint.Created, 0),
	}
	if err := r.store.UpsertManagedWebhook(ctx, wh); err != nil {
		// The endpoint exists but its secret was not recorded; remove it so
		// the next attempt starts clean.
		if delErr := r.stripe.DeleteWebhookEndpoint(ctx, endpoint.ID); delErr != nil {
			r.logger.Error("failed to roll back webhook endpoint",
				zap.String("endpoint_id", endpoint.ID), zap.Error(delErr))
		}
		return nil, err
	}

	r.logger.Info("created managed webhook endpoint",
		zap.String("endpoint_id", endpoint.ID),
		zap.String("account_id", accountID),
		zap.String("url", targetURL))
	return &wh, nil
}

// deleteOrphanedEndpoints removes live endpoints, at any URL, that carry
// the managed marker but have no mirror row (keep holds the endpoint ids
// the mirror still tracks).
func (r *Reconciler) deleteOrphanedEndpoints(ctx context.Context, keep map[string]bool) error {
	startingAfter := ""
	for {
		page, err := r.stripe.ListWebhookEndpointsPage(ctx, startingAfter)
		if err != nil {
			return fmt.Errorf("failed to list webhook endpoints: %w", err)
		}
		for _, raw := range page.Data {
			var ep struct {
				ID          string            `json:"id"`
				URL         string            `json:"url"`
				Description string            `json:"description"`
				Metadata    map[string]string `json:"metadata"`
			}
			if err := json.Unmarshal(raw, &ep); err != nil {
				continue
			}
			if keep[ep.ID] || !isManagedEndpoint(ep.Metadata, ep.Description) {
				continue
			}
			r.logger.Warn("deleting orphaned managed webhook endpoint",
				zap.String("endpoint_id", ep.ID), zap.String("url", ep.URL))
			if err := r.stripe.DeleteWebhookEndpoint(ctx, ep.ID); err != nil {
				return err
			}
		}
		if !page.HasMore || len(page.Data) == 0 {
			return nil
		}
		startingAfter = page.LastID()
	}
}

// isManagedEndpoint recognizes endpoints this engine created, across
// marker spellings of earlier versions: the metadata tag is normalized by
// lowercasing and stripping spaces, hyphens and underscores, and
// endpoints predating metadata tags are matched on their description
// containing the marker under the same normalization.
func isManagedEndpoint(metadata map[string]string, description string) bool {
	if tag, ok := metadata["managed_by"]; ok && normalizeMarker(tag) == "stripesync" {
		return true
	}
	return strings.Contains(normalizeMarker(description), "stripesync")
}

func normalizeMarker(s string) string {
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(strings.ToLower(s))
}
