package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("DATABASE_URL", "postgres://localhost/stripe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "stripe", cfg.Schema)
	assert.False(t, cfg.AutoExpandLists)
	assert.True(t, cfg.BackfillRelatedEntities)
	assert.EqualValues(t, 10, cfg.DBMaxConnections)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, 0.25, cfg.RetryJitter)
	assert.Equal(t, 10, cfg.MaxConcurrentCustomers)
	assert.Equal(t, 5, cfg.MaxConcurrentRuns)
	assert.Equal(t, 10*time.Second, cfg.WorkerInterval)
	assert.Equal(t, "8080", cfg.Port)
}

func TestLoadRequiresStripeKey(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/stripe")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("DATABASE_URL", "postgres://localhost/stripe")
	t.Setenv("SCHEMA", "billing")
	t.Setenv("AUTO_EXPAND_LISTS", "true")
	t.Setenv("REVALIDATE_ENTITY_VIA_STRIPE_API", "customer, invoice,charge")
	t.Setenv("WORKER_INTERVAL", "30")
	t.Setenv("MAX_RETRIES", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "billing", cfg.Schema)
	assert.True(t, cfg.AutoExpandLists)
	assert.Equal(t, []string{"customer", "invoice", "charge"}, cfg.RevalidateEntities)
	assert.Equal(t, 30*time.Second, cfg.WorkerInterval, "bare seconds accepted")
	assert.Equal(t, 7, cfg.MaxRetries)
}

func TestValidateWorkerInterval(t *testing.T) {
	valid := []time.Duration{
		time.Second,
		59 * time.Second,
		time.Minute,
		5 * time.Minute,
		59 * time.Minute,
	}
	for _, d := range valid {
		assert.NoError(t, ValidateWorkerInterval(d), d.String())
	}

	invalid := []time.Duration{
		0,
		500 * time.Millisecond,
		90 * time.Second,
		time.Hour,
		61 * time.Minute,
		2*time.Minute + 30*time.Second,
	}
	for _, d := range invalid {
		assert.Error(t, ValidateWorkerInterval(d), d.String())
	}
}
