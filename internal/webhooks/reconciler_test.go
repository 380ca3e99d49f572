package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripesync/stripesync/internal/store"
	"github.com/stripesync/stripesync/internal/stripeclient"
)

type fakeWebhookStore struct {
	rows      map[string]*store.ManagedWebhook // keyed account|url
	lockCalls []string
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{rows: map[string]*store.ManagedWebhook{}}
}

func (s *fakeWebhookStore) key(accountID, url string) string { return accountID + "|" + url }

func (s *fakeWebhookStore) GetManagedWebhook(ctx context.Context, accountID, url string) (*store.ManagedWebhook, error) {
	if wh, ok := s.rows[s.key(accountID, url)]; ok {
		copied := *wh
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeWebhookStore) ListManagedWebhooks(ctx context.Context, accountID string) ([]store.ManagedWebhook, error) {
	var out []store.ManagedWebhook
	for _, wh := range s.rows {
		if wh.AccountID == accountID {
			out = append(out, *wh)
		}
	}
	return out, nil
}

func (s *fakeWebhookStore) UpsertManagedWebhook(ctx context.Context, wh store.ManagedWebhook) error {
	s.rows[s.key(wh.AccountID, wh.URL)] = &wh
	return nil
}

func (s *fakeWebhookStore) DeleteManagedWebhook(ctx context.Context, accountID, id string) error {
	for k, wh := range s.rows {
		if wh.AccountID == accountID && wh.ID == id {
			delete(s.rows, k)
		}
	}
	return nil
}

func (s *fakeWebhookStore) WithAdvisoryLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s.lockCalls = append(s.lockCalls, key)
	return fn(ctx)
}

type fakeEndpointAPI struct {
	endpoints map[string]*stripe.WebhookEndpoint
	listed    []map[string]any
	created   int
	deleted   []string
	nextID    int
}

func newFakeEndpointAPI() *fakeEndpointAPI {
	return &fakeEndpointAPI{endpoints: map[string]*stripe.WebhookEndpoint{}}
}

func (f *fakeEndpointAPI) CreateWebhookEndpoint(ctx context.Context, params *stripe.WebhookEndpointCreateParams) (*stripe.WebhookEndpoint, error) {
	f.created++
	f.nextID++
	ep := &stripe.WebhookEndpoint{
		ID:      fmt.Sprintf("we_%d", f.nextID),
		URL:     stripe.StringValue(params.URL),
		Secret:  fmt.Sprintf("whsec_%d", f.nextID),
		Status:  "enabled",
		Created: time.Now().Unix(),
	}
	f.endpoints[ep.ID] = ep
	return ep, nil
}

func (f *fakeEndpointAPI) RetrieveWebhookEndpoint(ctx context.Context, id string) (*stripe.WebhookEndpoint, error) {
	if ep, ok := f.endpoints[id]; ok {
		return ep, nil
	}
	return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing}
}

func (f *fakeEndpointAPI) DeleteWebhookEndpoint(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	delete(f.endpoints, id)
	return nil
}

func (f *fakeEndpointAPI) ListWebhookEndpointsPage(ctx context.Context, startingAfter string) (*stripeclient.Page, error) {
	page := &stripeclient.Page{Object: "list"}
	for _, ep := range f.listed {
		raw, _ := json.Marshal(ep)
		page.Data = append(page.Data, raw)
	}
	return page, nil
}

const targetURL = "https://sync.example.com/webhooks"

func TestFindOrCreateManagedWebhookCreates(t *testing.T) {
	st := newFakeWebhookStore()
	api := newFakeEndpointAPI()
	r := New(st, api, nil)

	wh, err := r.FindOrCreateManagedWebhook(context.Background(), "acct_1", targetURL)
	require.NoError(t, err)
	require.NotNil(t, wh)
	assert.Equal(t, 1, api.created)
	assert.Equal(t, "whsec_1", wh.Secret, "creation-time secret mirrored")
	assert.Equal(t, []string{"webhook:acct_1:" + targetURL}, st.lockCalls)
	assert.NotNil(t, st.rows["acct_1|"+targetURL])
}

func TestFindOrCreateManagedWebhookIdempotent(t *testing.T) {
	st := newFakeWebhookStore()
	api := newFakeEndpointAPI()
	r := New(st, api, nil)

	first, err := r.FindOrCreateManagedWebhook(context.Background(), "acct_1", targetURL)
	require.NoError(t, err)
	second, err := r.FindOrCreateManagedWebhook(context.Background(), "acct_1", targetURL)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Secret, second.Secret)
	assert.Equal(t, 1, api.created, "healthy endpoint is kept, not recreated")
}

func TestFindOrCreateRecreatesAfterRemoteDeletion(t *testing.T) {
	st := newFakeWebhookStore()
	api := newFakeEndpointAPI()
	r := New(st, api, nil)

	first, err := r.FindOrCreateManagedWebhook(context.Background(), "acct_1", targetURL)
	require.NoError(t, err)

	// Endpoint removed in the Stripe dashboard; the mirrored secret is dead.
	delete(api.endpoints, first.ID)

	second, err := r.FindOrCreateManagedWebhook(context.Background(), "acct_1", targetURL)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, api.created)
}

func TestFindOrCreateReplacesDisabledEndpoint(t *testing.T) {
	st := newFakeWebhookStore()
	api := newFakeEndpointAPI()
	r := New(st, api, nil)

	first, err := r.FindOrCreateManagedWebhook(context.Background(), "acct_1", targetURL)
	require.NoError(t, err)
	api.endpoints[first.ID].Status = "disabled"

	second, err := r.FindOrCreateManagedWebhook(context.Background(), "acct_1", targetURL)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Contains(t, api.deleted, first.ID, "disabled endpoint torn down")
}

func TestFindOrCreatePurgesOrphanedEndpoints(t *testing.T) {
	st := newFakeWebhookStore()
	api := newFakeEndpointAPI()
	// Endpoints from a lost mirror: tagged as managed but no local row, so
	// their secrets are unknown. The URL does not matter, only the marker.
	api.listed = []map[string]any{
		{"id": "we_orphan", "url": targetURL, "metadata": map[string]string{"managed_by": "stripe-sync"}},
		{"id": "we_other", "url": "https://other.example.com/hooks", "metadata": map[string]string{"managed_by": "stripe-sync"}},
		{"id": "we_foreign", "url": targetURL, "metadata": map[string]string{}},
	}
	r := New(st, api, nil)

	_, err := r.FindOrCreateManagedWebhook(context.Background(), "acct_1", targetURL)
	require.NoError(t, err)
	assert.Contains(t, api.deleted, "we_orphan")
	assert.Contains(t, api.deleted, "we_other", "managed orphans at any url deleted")
	assert.NotContains(t, api.deleted, "we_foreign", "unmanaged endpoints untouched")
}

func TestFindOrCreatePurgesSupersededURL(t *testing.T) {
	st := newFakeWebhookStore()
	api := newFakeEndpointAPI()
	r := New(st, api, nil)

	const oldURL = "https://old.example.com/webhooks"
	old, err := r.FindOrCreateManagedWebhook(context.Background(), "acct_1", oldURL)
	require.NoError(t, err)

	// The target URL moved; the old endpoint and its mirror row, old
	// secret included, must not outlive the change.
	fresh, err := r.FindOrCreateManagedWebhook(context.Background(), "acct_1", targetURL)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Contains(t, api.deleted, old.ID, "endpoint at the previous url deleted in Stripe")
	assert.Nil(t, st.rows["acct_1|"+oldURL], "mirror row for the previous url purged")
	require.NotNil(t, st.rows["acct_1|"+targetURL])
	assert.Equal(t, fresh.Secret, st.rows["acct_1|"+targetURL].Secret)
}

func TestIsManagedEndpointMarkerSpellings(t *testing.T) {
	cases := []struct {
		tag  string
		want bool
	}{
		{"stripe-sync", true},
		{"Stripe Sync", true},
		{"STRIPE_SYNC", true},
		{"stripesync", true},
		{"billing-sync", false},
		{"", false},
	}
	for _, tc := range cases {
		got := isManagedEndpoint(map[string]string{"managed_by": tc.tag}, "")
		assert.Equal(t, tc.want, got, "tag %q", tc.tag)
	}

	// Endpoints predating metadata tags match on their description.
	assert.True(t, isManagedEndpoint(nil, "Managed by stripe-sync. Do not modify."))
	assert.True(t, isManagedEndpoint(nil, "stripesync endpoint"))
	assert.True(t, isManagedEndpoint(nil, "Stripe Sync managed"))
	assert.False(t, isManagedEndpoint(nil, "customer endpoint"))
}
