// Package stripeclient wraps the Stripe API for the sync engine: opaque
// single-page list fetches, single-object retrieves, and webhook endpoint
// management, with transient failures retried under exponential backoff.
package stripeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/rawrequest"
	"go.uber.org/zap"
)

// Config holds the Stripe-facing engine options.
type Config struct {
	SecretKey string
	// AccountID scopes requests to a connected account (Connect).
	AccountID  string
	APIVersion string

	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	// RetryJitter is the randomization factor applied to each delay.
	RetryJitter float64
}

// Client is the engine's Stripe API client. Typed endpoints go through
// the v82 client; opaque list pages and retrieves go through the raw
// request backend, which hands back unparsed JSON.
type Client struct {
	sc     *stripe.Client
	raw    rawrequest.Client
	cfg    Config
	logger *zap.Logger
}

// New creates a Client. The logger may be nil.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	// The default API backend always implements RawRequestBackend.
	rawBackend, err := stripe.GetRawRequestBackend(stripe.APIBackend)
	if err != nil {
		panic(err)
	}
	return &Client{
		sc:     stripe.NewClient(cfg.SecretKey, nil),
		raw:    rawrequest.Client{B: rawBackend, Key: cfg.SecretKey},
		cfg:    cfg,
		logger: logger,
	}
}

// ListPage fetches exactly one page of a list endpoint as raw JSON.
func (c *Client) ListPage(ctx context.Context, path string, p PageParams) (*Page, error) {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	url := path + "?" + p.Encode()

	var page Page
	err := c.retry(ctx, "list "+path, func() error {
		resp, err := c.raw.RawRequest(http.MethodGet, url, "", c.rawParams())
		if err != nil {
			return err
		}
		return json.Unmarshal(resp.RawJSON, &page)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}
	return &page, nil
}

// Retrieve fetches a single object as raw JSON.
func (c *Client) Retrieve(ctx context.Context, path string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.retry(ctx, "retrieve "+path, func() error {
		resp, err := c.raw.RawRequest(http.MethodGet, path, "", c.rawParams())
		if err != nil {
			return err
		}
		raw = resp.RawJSON
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve %s: %w", path, err)
	}
	return raw, nil
}

// RetrieveAccount fetches the account owning the configured secret key.
func (c *Client) RetrieveAccount(ctx context.Context) (json.RawMessage, error) {
	return c.Retrieve(ctx, "/v1/account")
}

// RetrieveConnectedAccount fetches a connected account by id.
func (c *Client) RetrieveConnectedAccount(ctx context.Context, accountID string) (json.RawMessage, error) {
	return c.Retrieve(ctx, "/v1/accounts/"+accountID)
}

// CreateWebhookEndpoint creates a webhook endpoint; the response carries
// the signing secret, returned only at creation time.
func (c *Client) CreateWebhookEndpoint(ctx context.Context, params *stripe.WebhookEndpointCreateParams) (*stripe.WebhookEndpoint, error) {
	endpoint, err := c.sc.V1WebhookEndpoints.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook endpoint: %w", err)
	}
	return endpoint, nil
}

// RetrieveWebhookEndpoint fetches a webhook endpoint by id.
func (c *Client) RetrieveWebhookEndpoint(ctx context.Context, id string) (*stripe.WebhookEndpoint, error) {
	endpoint, err := c.sc.V1WebhookEndpoints.Retrieve(ctx, id, &stripe.WebhookEndpointRetrieveParams{})
	if err != nil {
		return nil, err
	}
	return endpoint, nil
}

// DeleteWebhookEndpoint deletes a webhook endpoint by id.
func (c *Client) DeleteWebhookEndpoint(ctx context.Context, id string) error {
	if _, err := c.sc.V1WebhookEndpoints.Delete(ctx, id, &stripe.WebhookEndpointDeleteParams{}); err != nil {
		return fmt.Errorf("failed to delete webhook endpoint %s: %w", id, err)
	}
	return nil
}

// ListWebhookEndpointsPage fetches one page of webhook endpoints as raw
// JSON, for the reconciler's orphan scan.
func (c *Client) ListWebhookEndpointsPage(ctx context.Context, startingAfter string) (*Page, error) {
	return c.ListPage(ctx, "/v1/webhook_endpoints", PageParams{Limit: 100, StartingAfter: startingAfter})
}

func (c *Client) rawParams() *stripe.RawParams {
	params := &stripe.RawParams{}
	if c.cfg.AccountID != "" {
		params.StripeAccount = stripe.String(c.cfg.AccountID)
	}
	if c.cfg.APIVersion != "" {
		params.Headers = http.Header{"Stripe-Version": []string{c.cfg.APIVersion}}
	}
	return params
}

// retry runs fn, retrying rate-limit and transient 5xx Stripe failures
// with exponential backoff and jitter up to MaxRetries. Any other failure
// is permanent and propagates immediately.
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialRetryDelay
	bo.MaxInterval = c.cfg.MaxRetryDelay
	bo.RandomizationFactor = c.cfg.RetryJitter
	bo.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		attempt++
		c.logger.Warn("transient stripe error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx))
}

// IsTransient reports whether err is a Stripe rate-limit or server error
// worth retrying.
func IsTransient(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError
}

// IsResourceMissing reports whether err is Stripe's 404 for a deleted or
// never-existing object.
func IsResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing
}
