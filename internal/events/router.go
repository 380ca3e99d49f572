// Package events turns verified Stripe webhook events into mirror
// writes: each supported event type maps to an object kind and is
// upserted, revalidated against the live API, or deleted locally.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/stripesync/stripesync/internal/registry"
	"github.com/stripesync/stripesync/internal/stripeclient"
	"go.uber.org/zap"
)

// ErrSignature marks a webhook whose signature did not verify. The HTTP
// layer maps it to 400 so Stripe retries with a fresh signature.
var ErrSignature = errors.New("webhook signature verification failed")

// Pipeline is the slice of the syncer the router writes through.
type Pipeline interface {
	UpsertObjects(ctx context.Context, object, accountID string, items []json.RawMessage, backfillRelated bool, syncedAt time.Time) error
	DeleteObject(ctx context.Context, object, id string) (bool, error)
	ReplaceEntitlements(ctx context.Context, accountID, customerID string, items []json.RawMessage, syncedAt time.Time) error
}

// AccountStore is the slice of the store the router resolves accounts and
// signing secrets from.
type AccountStore interface {
	GetAccountIDByAPIKey(ctx context.Context, keyHash string) (string, error)
	AccountExists(ctx context.Context, accountID string) (bool, error)
	UpsertAccount(ctx context.Context, accountID string, payload json.RawMessage, keyHash string) error
	GetManagedWebhookSecret(ctx context.Context, accountID string) (string, error)
}

// StripeAPI is the slice of the Stripe client the router refetches from.
type StripeAPI interface {
	Retrieve(ctx context.Context, path string) (json.RawMessage, error)
	RetrieveAccount(ctx context.Context) (json.RawMessage, error)
	RetrieveConnectedAccount(ctx context.Context, accountID string) (json.RawMessage, error)
}

// Config holds the router's behavior switches.
type Config struct {
	// SigningSecret is the static webhook signing secret. When empty, the
	// secret of the account's managed webhook is used instead.
	SigningSecret string
	// APIKeyHash identifies the engine's own account row.
	APIKeyHash string
	// RevalidateEntities lists object kinds refetched from the live API on
	// every webhook instead of trusting the event snapshot.
	RevalidateEntities []string
	// BackfillRelatedEntities is passed through to the upsert pipeline.
	BackfillRelatedEntities bool
}

// Router verifies and dispatches webhook events.
type Router struct {
	pipeline Pipeline
	store    AccountStore
	stripe   StripeAPI
	cfg      Config
	logger   *zap.Logger

	revalidate map[string]bool

	mu               sync.Mutex
	defaultAccountID string
}

// NewRouter creates a Router. The logger may be nil.
func NewRouter(p Pipeline, s AccountStore, api StripeAPI, cfg Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	revalidate := make(map[string]bool, len(cfg.RevalidateEntities))
	for _, name := range cfg.RevalidateEntities {
		revalidate[name] = true
	}
	return &Router{
		pipeline:   p,
		store:      s,
		stripe:     api,
		cfg:        cfg,
		logger:     logger,
		revalidate: revalidate,
	}
}

// eventObjects maps event-type prefixes to registry object kinds. Lookup
// walks from the most specific prefix to the least, so
// "customer.subscription.updated" resolves to subscription, not customer.
var eventObjects = map[string]string{
	"product":                   "product",
	"price":                     "price",
	"plan":                      "plan",
	"customer":                  "customer",
	"customer.subscription":     "subscription",
	"customer.tax_id":           "tax_id",
	"subscription_schedule":     "subscription_schedules",
	"invoice":                   "invoice",
	"invoiceitem":               "",
	"charge":                    "charge",
	"charge.dispute":            "dispute",
	"charge.refund":             "refund",
	"setup_intent":              "setup_intent",
	"payment_method":            "payment_method",
	"payment_intent":            "payment_intent",
	"credit_note":               "credit_note",
	"checkout.session":          "checkout_sessions",
	"radar.early_fraud_warning": "early_fraud_warning",
	"refund":                    "refund",
}

// deleteEvents are the event types that remove the mirrored row: the
// object is gone upstream and its payload would only say so.
var deleteEvents = map[string]bool{
	"product.deleted":         true,
	"price.deleted":           true,
	"plan.deleted":            true,
	"customer.deleted":        true,
	"customer.tax_id.deleted": true,
}

// finalStateEvents describe objects in a terminal state. Their snapshots
// cannot be superseded, so the revalidation refetch is skipped even for
// revalidated kinds.
var finalStateEvents = map[string]bool{
	"charge.succeeded":              true,
	"charge.failed":                 true,
	"customer.subscription.deleted": true,
	"payment_intent.succeeded":      true,
	"payment_intent.canceled":       true,
}

const entitlementSummaryEvent = "entitlements.active_entitlement_summary.updated"

// ProcessWebhook verifies the raw webhook body against the configured or
// managed signing secret and dispatches the event.
func (r *Router) ProcessWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	secret := r.cfg.SigningSecret
	if secret == "" {
		accountID, err := r.peekAccountID(ctx, payload)
		if err != nil {
			return err
		}
		secret, err = r.store.GetManagedWebhookSecret(ctx, accountID)
		if err != nil {
			return err
		}
		if secret == "" {
			return fmt.Errorf("no signing secret available for account %s: %w", accountID, ErrSignature)
		}
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return r.HandleEvent(ctx, &event)
}

// peekAccountID resolves the owning account of an unverified payload, for
// the managed-secret lookup only.
func (r *Router) peekAccountID(ctx context.Context, payload []byte) (string, error) {
	var probe struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("%w: malformed payload", ErrSignature)
	}
	if probe.Account != "" {
		return probe.Account, nil
	}
	return r.resolveDefaultAccount(ctx)
}

// HandleEvent routes one verified event. Unsupported event types are
// logged and dropped; the mirror only tracks registry objects.
func (r *Router) HandleEvent(ctx context.Context, event *stripe.Event) error {
	eventType := string(event.Type)

	accountID, err := r.resolveEventAccount(ctx, event)
	if err != nil {
		return err
	}

	if eventType == entitlementSummaryEvent {
		return r.applyEntitlementSummary(ctx, accountID, event)
	}

	object, ok := lookupEventObject(eventType)
	if !ok {
		r.logger.Debug("ignoring unsupported event type",
			zap.String("type", eventType), zap.String("event_id", event.ID))
		return nil
	}

	raw := json.RawMessage(event.Data.Raw)
	id := objectID(raw)
	if id == "" {
		return fmt.Errorf("event %s carries no object id", event.ID)
	}

	if deleteEvents[eventType] {
		deleted, err := r.pipeline.DeleteObject(ctx, object, id)
		if err != nil {
			return err
		}
		if !deleted {
			r.logger.Debug("delete event for object not in mirror",
				zap.String("object", object), zap.String("id", id))
		}
		return nil
	}

	syncedAt := time.Unix(event.Created, 0)
	if r.revalidate[object] && !finalStateEvents[eventType] {
		res, err := registry.Lookup(object)
		if err != nil {
			return err
		}
		fresh, err := r.stripe.Retrieve(ctx, res.RetrievePath(id))
		if err != nil {
			if stripeclient.IsResourceMissing(err) {
				// Deleted between the event and now; drop the local row.
				_, delErr := r.pipeline.DeleteObject(ctx, object, id)
				return delErr
			}
			return err
		}
		raw = fresh
		syncedAt = time.Now()
	}

	return r.pipeline.UpsertObjects(ctx, object, accountID,
		[]json.RawMessage{raw}, r.cfg.BackfillRelatedEntities, syncedAt)
}

// lookupEventObject resolves the registry kind for an event type by
// longest-prefix match on its dotted segments.
func lookupEventObject(eventType string) (string, bool) {
	prefix := eventType
	for {
		i := strings.LastIndex(prefix, ".")
		if i < 0 {
			return "", false
		}
		prefix = prefix[:i]
		if object, ok := eventObjects[prefix]; ok {
			return object, object != ""
		}
	}
}

// applyEntitlementSummary replaces the customer's active entitlements
// with the summary's set.
func (r *Router) applyEntitlementSummary(ctx context.Context, accountID string, event *stripe.Event) error {
	var summary struct {
		Customer     string `json:"customer"`
		Entitlements struct {
			Data []json.RawMessage `json:"data"`
		} `json:"entitlements"`
	}
	if err := json.Unmarshal(event.Data.Raw, &summary); err != nil {
		return fmt.Errorf("failed to decode entitlement summary: %w", err)
	}
	if summary.Customer == "" {
		return fmt.Errorf("entitlement summary event %s carries no customer", event.ID)
	}
	return r.pipeline.ReplaceEntitlements(ctx, accountID, summary.Customer,
		summary.Entitlements.Data, time.Unix(event.Created, 0))
}

// resolveEventAccount returns the account the event belongs to, creating
// the account row on first contact. Connect events name their account;
// direct events belong to the account owning the configured API key.
func (r *Router) resolveEventAccount(ctx context.Context, event *stripe.Event) (string, error) {
	if event.Account != "" {
		exists, err := r.store.AccountExists(ctx, event.Account)
		if err != nil {
			return "", err
		}
		if !exists {
			payload, err := r.stripe.RetrieveConnectedAccount(ctx, event.Account)
			if err != nil {
				return "", fmt.Errorf("failed to fetch connected account %s: %w", event.Account, err)
			}
			if err := r.store.UpsertAccount(ctx, event.Account, payload, ""); err != nil {
				return "", err
			}
		}
		return event.Account, nil
	}
	return r.resolveDefaultAccount(ctx)
}

// DefaultAccountID returns the account owning the configured API key,
// creating its row on first use. The HTTP layer uses it to scope sync
// triggers and status reads.
func (r *Router) DefaultAccountID(ctx context.Context) (string, error) {
	return r.resolveDefaultAccount(ctx)
}

// resolveDefaultAccount resolves and caches the account owning the
// configured API key, creating its row on first use.
func (r *Router) resolveDefaultAccount(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultAccountID != "" {
		return r.defaultAccountID, nil
	}

	id, err := r.store.GetAccountIDByAPIKey(ctx, r.cfg.APIKeyHash)
	if err != nil {
		return "", err
	}
	if id == "" {
		payload, err := r.stripe.RetrieveAccount(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to fetch own account: %w", err)
		}
		id = objectID(payload)
		if id == "" {
			return "", errors.New("account payload carries no id")
		}
		if err := r.store.UpsertAccount(ctx, id, payload, r.cfg.APIKeyHash); err != nil {
			return "", err
		}
	}
	r.defaultAccountID = id
	return id, nil
}

func objectID(payload json.RawMessage) string {
	var meta struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		return ""
	}
	return meta.ID
}
