package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ManagedWebhook mirrors a Stripe webhook endpoint owned by this engine.
// The row is keyed (id, account_id) and stores the signing secret handed
// out at creation time, which Stripe never returns again.
type ManagedWebhook struct {
	ID            string
	AccountID     string
	URL           string
	Secret        string
	EnabledEvents []string
	Status        string
	CreatedAt     time.Time
}

// Allowed columns of the _managed_webhooks internal table.
var managedWebhookColumns = []string{"id", "account_id", "url", "secret", "enabled_events", "status", "created_at"}

// GetManagedWebhook returns the mirror row for (account, url), or nil.
func (s *Store) GetManagedWebhook(ctx context.Context, accountID, url string) (*ManagedWebhook, error) {
	sql := fmt.Sprintf(`SELECT id, account_id, url, secret, enabled_events, status, created_at
FROM %s WHERE account_id = $1 AND url = $2`, s.table(tableManagedWebhooks))
	wh := &ManagedWebhook{}
	err := s.db.QueryRow(ctx, sql, accountID, url).
		Scan(&wh.ID, &wh.AccountID, &wh.URL, &wh.Secret, &wh.EnabledEvents, &wh.Status, &wh.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get managed webhook", err)
	}
	return wh, nil
}

// ListManagedWebhooks returns every mirror row for the account.
func (s *Store) ListManagedWebhooks(ctx context.Context, accountID string) ([]ManagedWebhook, error) {
	sql := fmt.Sprintf(`SELECT id, account_id, url, secret, enabled_events, status, created_at
FROM %s WHERE account_id = $1 ORDER BY created_at`, s.table(tableManagedWebhooks))
	rows, err := s.db.Query(ctx, sql, accountID)
	if err != nil {
		return nil, wrapErr("list managed webhooks", err)
	}
	defer rows.Close()

	var out []ManagedWebhook
	for rows.Next() {
		var wh ManagedWebhook
		if err := rows.Scan(&wh.ID, &wh.AccountID, &wh.URL, &wh.Secret, &wh.EnabledEvents, &wh.Status, &wh.CreatedAt); err != nil {
			return nil, wrapErr("list managed webhooks", err)
		}
		out = append(out, wh)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list managed webhooks", err)
	}
	return out, nil
}

// UpsertManagedWebhook writes a mirror row, overwriting on conflict.
func (s *Store) UpsertManagedWebhook(ctx context.Context, wh ManagedWebhook) error {
	return s.UpsertInternalRows(ctx, tableManagedWebhooks,
		managedWebhookColumns, []string{"id", "account_id"},
		[][]any{{wh.ID, wh.AccountID, wh.URL, wh.Secret, wh.EnabledEvents, wh.Status, wh.CreatedAt}})
}

// DeleteManagedWebhook removes a mirror row by endpoint id.
func (s *Store) DeleteManagedWebhook(ctx context.Context, accountID, id string) error {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE account_id = $1 AND id = $2`, s.table(tableManagedWebhooks))
	if _, err := s.db.Exec(ctx, sql, accountID, id); err != nil {
		return wrapErr("delete managed webhook", err)
	}
	return nil
}

// GetManagedWebhookSecret returns the signing secret of any enabled
// managed webhook for the account, or "" when none exists. The webhook
// frontend falls back to it when no static signing secret is configured.
func (s *Store) GetManagedWebhookSecret(ctx context.Context, accountID string) (string, error) {
	sql := fmt.Sprintf(`SELECT secret FROM %s
WHERE account_id = $1 AND status = 'enabled'
ORDER BY created_at DESC LIMIT 1`, s.table(tableManagedWebhooks))
	var secret string
	err := s.db.QueryRow(ctx, sql, accountID).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapErr("get managed webhook secret", err)
	}
	return secret, nil
}
