package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Row is one mirrored payload destined for an object table. ParentID is
// only set for tables that carry a parent-id column.
type Row struct {
	ID       string
	ParentID string
	Payload  json.RawMessage
}

// UpsertRows writes a batch of payloads into an object table with
// timestamp protection: an existing row is only overwritten when syncedAt
// is strictly newer than its stored last_synced_at (null counts as older
// than any timestamp). Statements run with a bounded fan-out.
func (s *Store) UpsertRows(ctx context.Context, table, parentColumn, accountID string, rows []Row, syncedAt time.Time) error {
	return s.upsertRows(ctx, table, parentColumn, accountID, rows, syncedAt, true)
}

// UpsertRowsUnprotected writes a batch unconditionally. Used for internal
// metadata tables whose writers are already serialized.
func (s *Store) UpsertRowsUnprotected(ctx context.Context, table, parentColumn, accountID string, rows []Row, syncedAt time.Time) error {
	return s.upsertRows(ctx, table, parentColumn, accountID, rows, syncedAt, false)
}

func (s *Store) upsertRows(ctx context.Context, table, parentColumn, accountID string, rows []Row, syncedAt time.Time, protected bool) error {
	if len(rows) == 0 {
		return nil
	}
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}

	tbl := s.table(table)
	var sql string
	if parentColumn == "" {
		sql = fmt.Sprintf(`INSERT INTO %s (id, account_id, payload, last_synced_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
  account_id = excluded.account_id,
  payload = excluded.payload,
  last_synced_at = excluded.last_synced_at`, tbl)
	} else {
		col := pgx.Identifier{parentColumn}.Sanitize()
		sql = fmt.Sprintf(`INSERT INTO %s (id, account_id, %s, payload, last_synced_at)
VALUES ($1, $2, $5, $3, $4)
ON CONFLICT (id) DO UPDATE SET
  account_id = excluded.account_id,
  %s = excluded.%s,
  payload = excluded.payload,
  last_synced_at = excluded.last_synced_at`, tbl, col, col, col)
	}
	if protected {
		sql += fmt.Sprintf(`
WHERE %s.last_synced_at IS NULL OR excluded.last_synced_at > %s.last_synced_at`, tbl, tbl)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrentWrites)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			args := []any{row.ID, accountID, row.Payload, syncedAt}
			if parentColumn != "" {
				args = append(args, row.ParentID)
			}
			if _, err := s.db.Exec(gctx, sql, args...); err != nil {
				return wrapErr("upsert "+table, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Debug("upserted rows",
		zap.String("table", table),
		zap.String("account_id", accountID),
		zap.Int("count", len(rows)))
	return nil
}

// FindMissingIDs returns the subset of ids with no row in table.
func (s *Store) FindMissingIDs(ctx context.Context, table string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sql := fmt.Sprintf(`SELECT id FROM %s WHERE id = ANY($1)`, s.table(table))
	rows, err := s.db.Query(ctx, sql, ids)
	if err != nil {
		return nil, wrapErr("find missing ids "+table, err)
	}
	defer rows.Close()

	present := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("find missing ids "+table, err)
		}
		present[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("find missing ids "+table, err)
	}

	var missing []string
	for _, id := range ids {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// DeleteByID removes a single mirrored row. Returns whether a row existed.
func (s *Store) DeleteByID(ctx context.Context, table, id string) (bool, error) {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table(table))
	tag, err := s.db.Exec(ctx, sql, id)
	if err != nil {
		return false, wrapErr("delete "+table, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDeletedExcept patches deleted=true into the stored payload of every
// row of table whose parent column matches parentID and whose id is not in
// keepIDs. Used to soft-delete subscription items dropped from a
// subscription's current payload.
func (s *Store) MarkDeletedExcept(ctx context.Context, table, parentColumn, parentID string, keepIDs []string) error {
	col := pgx.Identifier{parentColumn}.Sanitize()
	sql := fmt.Sprintf(`UPDATE %s
SET payload = jsonb_set(payload, '{deleted}', 'true'::jsonb)
WHERE %s = $1 AND NOT (id = ANY($2))`, s.table(table), col)
	if _, err := s.db.Exec(ctx, sql, parentID, keepIDs); err != nil {
		return wrapErr("mark deleted "+table, err)
	}
	return nil
}

// DeleteExcept removes every row of table owned by accountID whose payload
// field matches value and whose id is not in keepIDs. This is the
// compare-and-replace primitive behind entitlement summaries.
func (s *Store) DeleteExcept(ctx context.Context, table, payloadField, value, accountID string, keepIDs []string) error {
	sql := fmt.Sprintf(`DELETE FROM %s
WHERE account_id = $1 AND payload->>'%s' = $2 AND NOT (id = ANY($3))`, s.table(table), payloadField)
	if _, err := s.db.Exec(ctx, sql, accountID, value, keepIDs); err != nil {
		return wrapErr("delete except "+table, err)
	}
	return nil
}

// ListCustomerIDs returns the ids of all non-deleted mirrored customers
// for an account. Drives the per-customer payment-method backfill.
func (s *Store) ListCustomerIDs(ctx context.Context, accountID string) ([]string, error) {
	sql := fmt.Sprintf(`SELECT id FROM %s
WHERE account_id = $1 AND COALESCE((payload->>'deleted')::bool, false) = false
ORDER BY id`, s.table("customers"))
	rows, err := s.db.Query(ctx, sql, accountID)
	if err != nil {
		return nil, wrapErr("list customer ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("list customer ids", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list customer ids", err)
	}
	return ids, nil
}

// MaxColumnValue returns the greatest value of column in table as text, or
// "" when the table is empty. The sigma backfill uses it to derive a
// fallback cursor from already-stored rows.
func (s *Store) MaxColumnValue(ctx context.Context, table, column string) (string, error) {
	col := pgx.Identifier{column}.Sanitize()
	sql := fmt.Sprintf(`SELECT COALESCE(max(%s)::text, '') FROM %s`, col, s.table(table))
	var out string
	if err := s.db.QueryRow(ctx, sql).Scan(&out); err != nil {
		return "", wrapErr("max column value "+table, err)
	}
	return out, nil
}

// UpsertInternalRows writes rows with explicit columns into an internal
// (underscore-prefixed) table, unconditionally. Column names must come
// from the caller's fixed allow-list, never from payload data.
func (s *Store) UpsertInternalRows(ctx context.Context, table string, columns []string, conflictColumns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	cols := ""
	placeholders := ""
	updates := ""
	for i, c := range columns {
		if i > 0 {
			cols += ", "
			placeholders += ", "
		}
		quoted := pgx.Identifier{c}.Sanitize()
		cols += quoted
		placeholders += fmt.Sprintf("$%d", i+1)
		if !contains(conflictColumns, c) {
			if updates != "" {
				updates += ", "
			}
			updates += fmt.Sprintf("%s = excluded.%s", quoted, quoted)
		}
	}
	conflict := ""
	for i, c := range conflictColumns {
		if i > 0 {
			conflict += ", "
		}
		conflict += pgx.Identifier{c}.Sanitize()
	}
	sql := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
ON CONFLICT (%s) DO UPDATE SET %s`, s.table(table), cols, placeholders, conflict, updates)

	for _, args := range rows {
		if _, err := s.db.Exec(ctx, sql, args...); err != nil {
			return wrapErr("upsert internal "+table, err)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
