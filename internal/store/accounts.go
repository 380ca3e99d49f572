package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// HashAPIKey returns the SHA-256 hex digest of a Stripe secret key. Only
// hashes are ever stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GetAccountIDByAPIKey resolves the account owning the hashed API key, or
// "" when no account has recorded it.
func (s *Store) GetAccountIDByAPIKey(ctx context.Context, keyHash string) (string, error) {
	sql := fmt.Sprintf(`SELECT id FROM %s WHERE $1 = ANY(api_key_hashes)`, s.table(tableAccounts))
	var id string
	err := s.db.QueryRow(ctx, sql, keyHash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapErr("get account by api key", err)
	}
	return id, nil
}

// AccountExists reports whether an account row exists.
func (s *Store) AccountExists(ctx context.Context, accountID string) (bool, error) {
	sql := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table(tableAccounts))
	var exists bool
	if err := s.db.QueryRow(ctx, sql, accountID).Scan(&exists); err != nil {
		return false, wrapErr("account exists", err)
	}
	return exists, nil
}

// UpsertAccount writes the account row unconditionally: the payload is
// overwritten, the API-key hash merged into the hash set (duplicates
// suppressed), and last_synced/updated bumped. keyHash may be empty when
// the account was observed without key context (Connect events).
func (s *Store) UpsertAccount(ctx context.Context, accountID string, payload json.RawMessage, keyHash string) error {
	var hashes []string
	if keyHash != "" {
		hashes = []string{keyHash}
	}
	sql := fmt.Sprintf(`INSERT INTO %s (id, payload, api_key_hashes, first_synced_at, last_synced_at, updated_at)
VALUES ($1, $2, COALESCE($3, '{}'::text[]), now(), now(), now())
ON CONFLICT (id) DO UPDATE SET
  payload = excluded.payload,
  api_key_hashes = (
    SELECT COALESCE(array_agg(DISTINCT h ORDER BY h), '{}'::text[])
    FROM unnest(%s.api_key_hashes || excluded.api_key_hashes) AS h),
  last_synced_at = now(),
  updated_at = now()`, s.table(tableAccounts), s.table(tableAccounts))
	if _, err := s.db.Exec(ctx, sql, accountID, payload, hashes); err != nil {
		return wrapErr("upsert account", err)
	}
	return nil
}

// DeleteOptions controls DangerouslyDeleteAccount.
type DeleteOptions struct {
	// DryRun counts rows per table without deleting anything.
	DryRun bool
	// UseTransaction wraps the whole cascade in one transaction. Leave
	// false when totals are large (roughly >100k rows).
	UseTransaction bool
}

// DangerouslyDeleteAccount cascades through the mirrored tables in the
// given order (accounts row last) and returns the per-table row counts.
// The counts of a dry run and the subsequent real run are identical as
// long as no traffic lands in between.
func (s *Store) DangerouslyDeleteAccount(ctx context.Context, accountID string, tables []string, opts DeleteOptions) (map[string]int64, error) {
	counts := make(map[string]int64, len(tables)+1)

	var q Querier = s.db
	var tx pgx.Tx
	if opts.UseTransaction && !opts.DryRun {
		var err error
		tx, err = s.db.Begin(ctx)
		if err != nil {
			return nil, wrapErr("begin delete transaction", err)
		}
		defer tx.Rollback(ctx)
		q = tx
	}

	for _, table := range tables {
		countSQL := fmt.Sprintf(`SELECT count(*) FROM %s WHERE account_id = $1`, s.table(table))
		var n int64
		if err := q.QueryRow(ctx, countSQL, accountID).Scan(&n); err != nil {
			return nil, wrapErr("count "+table, err)
		}
		counts[table] = n
		if opts.DryRun {
			continue
		}
		deleteSQL := fmt.Sprintf(`DELETE FROM %s WHERE account_id = $1`, s.table(table))
		if _, err := q.Exec(ctx, deleteSQL, accountID); err != nil {
			return nil, wrapErr("delete "+table, err)
		}
	}

	accountSQL := fmt.Sprintf(`SELECT count(*) FROM %s WHERE id = $1`, s.table(tableAccounts))
	var n int64
	if err := q.QueryRow(ctx, accountSQL, accountID).Scan(&n); err != nil {
		return nil, wrapErr("count accounts", err)
	}
	counts[tableAccounts] = n
	if !opts.DryRun {
		deleteSQL := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table(tableAccounts))
		if _, err := q.Exec(ctx, deleteSQL, accountID); err != nil {
			return nil, wrapErr("delete account", err)
		}
		if tx != nil {
			if err := tx.Commit(ctx); err != nil {
				return nil, wrapErr("commit delete transaction", err)
			}
		}
		s.logger.Warn("deleted account and mirrored data",
			zap.String("account_id", accountID),
			zap.Any("counts", counts))
	}

	return counts, nil
}
