package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ObjectRunStatus is the lifecycle state of one object's backfill within a
// sync run. pending and running are live; complete and error are final.
type ObjectRunStatus string

const (
	StatusPending  ObjectRunStatus = "pending"
	StatusRunning  ObjectRunStatus = "running"
	StatusComplete ObjectRunStatus = "complete"
	StatusError    ObjectRunStatus = "error"
)

// StaleAfter is how long a running object run may go without a progress
// update before the next tick cancels it.
const StaleAfter = 5 * time.Minute

const staleMessage = "stale (no update in 5 min)"

// SyncRun groups the object runs started together for one account. At most
// one run per account may be open (closed_at null), enforced by a database
// exclusion constraint.
type SyncRun struct {
	AccountID     string
	StartedAt     time.Time
	MaxConcurrent int
	ClosedAt      *time.Time
	TriggeredBy   string
}

// ObjectRun is the unit of work of the backfill state machine.
type ObjectRun struct {
	AccountID    string
	RunStartedAt time.Time
	Object       string
	Status       ObjectRunStatus
	Processed    int64
	Cursor       *string
	PageCursor   *string
	StartedAt    *time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
}

// CancelStaleRuns marks every running object run for the account that has
// not updated within StaleAfter as error and closes any run whose children
// are all terminal.
func (s *Store) CancelStaleRuns(ctx context.Context, accountID string) error {
	sql := fmt.Sprintf(`UPDATE %s
SET status = 'error',
    error_message = '%s',
    page_cursor = NULL,
    completed_at = now(),
    updated_at = now()
WHERE account_id = $1 AND status = 'running' AND updated_at < now() - interval '5 minutes'`,
		s.table(tableObjectRuns), staleMessage)
	tag, err := s.db.Exec(ctx, sql, accountID)
	if err != nil {
		return wrapErr("cancel stale runs", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Warn("cancelled stale object runs",
			zap.String("account_id", accountID),
			zap.Int64("count", n))
	}

	return s.closeFinishedRuns(ctx, accountID)
}

// closeFinishedRuns closes every open run for the account that has at
// least one object run and no pending or running children.
func (s *Store) closeFinishedRuns(ctx context.Context, accountID string) error {
	sql := fmt.Sprintf(`UPDATE %s r
SET closed_at = now()
WHERE r.account_id = $1 AND r.closed_at IS NULL
  AND EXISTS (
    SELECT 1 FROM %s o
    WHERE o.account_id = r.account_id AND o.run_started_at = r.started_at)
  AND NOT EXISTS (
    SELECT 1 FROM %s o
    WHERE o.account_id = r.account_id AND o.run_started_at = r.started_at
      AND o.status IN ('pending', 'running'))`,
		s.table(tableSyncRuns), s.table(tableObjectRuns), s.table(tableObjectRuns))
	if _, err := s.db.Exec(ctx, sql, accountID); err != nil {
		return wrapErr("close finished runs", err)
	}
	return nil
}

// GetActiveSyncRun returns the account's open run, or nil when none exists.
func (s *Store) GetActiveSyncRun(ctx context.Context, accountID string) (*SyncRun, error) {
	sql := fmt.Sprintf(`SELECT account_id, started_at, max_concurrent, closed_at, triggered_by
FROM %s WHERE account_id = $1 AND closed_at IS NULL`, s.table(tableSyncRuns))
	run := &SyncRun{}
	err := s.db.QueryRow(ctx, sql, accountID).
		Scan(&run.AccountID, &run.StartedAt, &run.MaxConcurrent, &run.ClosedAt, &run.TriggeredBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get active sync run", err)
	}
	return run, nil
}

// GetOrCreateSyncRun cancels stale runs, then returns the active run or
// creates a new one. An exclusion-constraint violation during insert is a
// benign race with a concurrent creator; the active run is re-fetched.
func (s *Store) GetOrCreateSyncRun(ctx context.Context, accountID, triggeredBy string, maxConcurrent int) (*SyncRun, error) {
	if err := s.CancelStaleRuns(ctx, accountID); err != nil {
		return nil, err
	}

	if run, err := s.GetActiveSyncRun(ctx, accountID); err != nil || run != nil {
		return run, err
	}

	// started_at is truncated to millisecond precision so returned values
	// round-trip exactly across process boundaries.
	sql := fmt.Sprintf(`INSERT INTO %s (account_id, started_at, max_concurrent, triggered_by)
VALUES ($1, date_trunc('milliseconds', now()), $2, $3)
RETURNING started_at`, s.table(tableSyncRuns))
	run := &SyncRun{AccountID: accountID, MaxConcurrent: maxConcurrent, TriggeredBy: triggeredBy}
	err := s.db.QueryRow(ctx, sql, accountID, maxConcurrent, triggeredBy).Scan(&run.StartedAt)
	if err != nil {
		if IsExclusionViolation(wrapErr("create sync run", err)) {
			return s.GetActiveSyncRun(ctx, accountID)
		}
		return nil, wrapErr("create sync run", err)
	}

	s.logger.Info("created sync run",
		zap.String("account_id", accountID),
		zap.Time("started_at", run.StartedAt),
		zap.String("triggered_by", triggeredBy))
	return run, nil
}

// CloseSyncRun closes a run unconditionally; its derived status follows
// from the object-run states.
func (s *Store) CloseSyncRun(ctx context.Context, accountID string, runStartedAt time.Time) error {
	sql := fmt.Sprintf(`UPDATE %s SET closed_at = now()
WHERE account_id = $1 AND started_at = $2 AND closed_at IS NULL`, s.table(tableSyncRuns))
	if _, err := s.db.Exec(ctx, sql, accountID, runStartedAt); err != nil {
		return wrapErr("close sync run", err)
	}
	return nil
}

// CreateObjectRuns inserts pending object runs for the named objects,
// ignoring those that already exist.
func (s *Store) CreateObjectRuns(ctx context.Context, accountID string, runStartedAt time.Time, objects []string) error {
	if len(objects) == 0 {
		return nil
	}
	sql := fmt.Sprintf(`INSERT INTO %s (account_id, run_started_at, object_name, status, processed, updated_at)
SELECT $1, $2, o, 'pending', 0, now() FROM unnest($3::text[]) AS o
ON CONFLICT (account_id, run_started_at, object_name) DO NOTHING`, s.table(tableObjectRuns))
	if _, err := s.db.Exec(ctx, sql, accountID, runStartedAt, objects); err != nil {
		return wrapErr("create object runs", err)
	}
	return nil
}

// GetObjectRun returns the object run for (account, run, object), or nil.
func (s *Store) GetObjectRun(ctx context.Context, accountID string, runStartedAt time.Time, object string) (*ObjectRun, error) {
	sql := fmt.Sprintf(`SELECT account_id, run_started_at, object_name, status, processed,
  cursor, page_cursor, started_at, updated_at, completed_at, error_message
FROM %s WHERE account_id = $1 AND run_started_at = $2 AND object_name = $3`, s.table(tableObjectRuns))
	run := &ObjectRun{}
	err := s.db.QueryRow(ctx, sql, accountID, runStartedAt, object).Scan(
		&run.AccountID, &run.RunStartedAt, &run.Object, &run.Status, &run.Processed,
		&run.Cursor, &run.PageCursor, &run.StartedAt, &run.UpdatedAt, &run.CompletedAt, &run.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get object run", err)
	}
	return run, nil
}

// TryStartObjectSync attempts the pending → running transition. It returns
// true iff fewer than maxConcurrent siblings are running and the atomic
// update claimed the row. The count and update are separate statements, so
// at worst maxConcurrent+1 objects run at once; the caller accepts that.
func (s *Store) TryStartObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string, maxConcurrent int) (bool, error) {
	sql := fmt.Sprintf(`UPDATE %s
SET status = 'running', started_at = COALESCE(started_at, now()), updated_at = now()
WHERE account_id = $1 AND run_started_at = $2 AND object_name = $3 AND status = 'pending'
  AND (SELECT count(*) FROM %s
       WHERE account_id = $1 AND run_started_at = $2 AND status = 'running') < $4`,
		s.table(tableObjectRuns), s.table(tableObjectRuns))
	tag, err := s.db.Exec(ctx, sql, accountID, runStartedAt, object, maxConcurrent)
	if err != nil {
		return false, wrapErr("try start object sync", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementObjectProgress bumps the processed count and refreshes
// updated_at, which is what keeps a long-running page from being declared
// stale.
func (s *Store) IncrementObjectProgress(ctx context.Context, accountID string, runStartedAt time.Time, object string, n int) error {
	sql := fmt.Sprintf(`UPDATE %s SET processed = processed + $4, updated_at = now()
WHERE account_id = $1 AND run_started_at = $2 AND object_name = $3`, s.table(tableObjectRuns))
	if _, err := s.db.Exec(ctx, sql, accountID, runStartedAt, object, n); err != nil {
		return wrapErr("increment object progress", err)
	}
	return nil
}

// UpdateObjectPageCursor records the opaque starting_after token of the
// current historical traversal.
func (s *Store) UpdateObjectPageCursor(ctx context.Context, accountID string, runStartedAt time.Time, object, pageCursor string) error {
	sql := fmt.Sprintf(`UPDATE %s SET page_cursor = $4, updated_at = now()
WHERE account_id = $1 AND run_started_at = $2 AND object_name = $3`, s.table(tableObjectRuns))
	if _, err := s.db.Exec(ctx, sql, accountID, runStartedAt, object, pageCursor); err != nil {
		return wrapErr("update object page cursor", err)
	}
	return nil
}

// UpdateObjectCursor advances the object's cursor monotonically. All-digit
// cursors compare as 64-bit integers, anything else as byte-ordered text;
// the stored value never decreases under its ordering.
func (s *Store) UpdateObjectCursor(ctx context.Context, accountID string, runStartedAt time.Time, object, cursor string) error {
	sql := fmt.Sprintf(`UPDATE %s
SET cursor = CASE
    WHEN cursor IS NULL THEN $4
    WHEN cursor ~ '^[0-9]+$' AND $4 ~ '^[0-9]+$'
      THEN GREATEST(cursor::bigint, $4::bigint)::text
    WHEN $4 > cursor THEN $4
    ELSE cursor
  END,
  updated_at = now()
WHERE account_id = $1 AND run_started_at = $2 AND object_name = $3`, s.table(tableObjectRuns))
	if _, err := s.db.Exec(ctx, sql, accountID, runStartedAt, object, cursor); err != nil {
		return wrapErr("update object cursor", err)
	}
	return nil
}

// CompleteObjectSync moves the object run to complete, clears its page
// cursor, and closes the run when every sibling is terminal.
func (s *Store) CompleteObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string) error {
	sql := fmt.Sprintf(`UPDATE %s
SET status = 'complete', page_cursor = NULL, completed_at = now(), updated_at = now()
WHERE account_id = $1 AND run_started_at = $2 AND object_name = $3 AND status = 'running'`,
		s.table(tableObjectRuns))
	if _, err := s.db.Exec(ctx, sql, accountID, runStartedAt, object); err != nil {
		return wrapErr("complete object sync", err)
	}
	return s.closeRunIfDone(ctx, accountID, runStartedAt)
}

// FailObjectSync moves the object run to error with a message, clears its
// page cursor, and closes the run when every sibling is terminal.
func (s *Store) FailObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object, message string) error {
	sql := fmt.Sprintf(`UPDATE %s
SET status = 'error', error_message = $4, page_cursor = NULL, completed_at = now(), updated_at = now()
WHERE account_id = $1 AND run_started_at = $2 AND object_name = $3 AND status IN ('pending', 'running')`,
		s.table(tableObjectRuns))
	if _, err := s.db.Exec(ctx, sql, accountID, runStartedAt, object, message); err != nil {
		return wrapErr("fail object sync", err)
	}
	s.logger.Warn("object sync failed",
		zap.String("account_id", accountID),
		zap.String("object", object),
		zap.String("error", message))
	return s.closeRunIfDone(ctx, accountID, runStartedAt)
}

func (s *Store) closeRunIfDone(ctx context.Context, accountID string, runStartedAt time.Time) error {
	sql := fmt.Sprintf(`UPDATE %s r
SET closed_at = now()
WHERE r.account_id = $1 AND r.started_at = $2 AND r.closed_at IS NULL
  AND EXISTS (
    SELECT 1 FROM %s o
    WHERE o.account_id = r.account_id AND o.run_started_at = r.started_at)
  AND NOT EXISTS (
    SELECT 1 FROM %s o
    WHERE o.account_id = r.account_id AND o.run_started_at = r.started_at
      AND o.status IN ('pending', 'running'))`,
		s.table(tableSyncRuns), s.table(tableObjectRuns), s.table(tableObjectRuns))
	if _, err := s.db.Exec(ctx, sql, accountID, runStartedAt); err != nil {
		return wrapErr("close run if done", err)
	}
	return nil
}

// cursorAggExpr aggregates cursors across runs: when every cursor is
// numeric the max is taken as a 64-bit integer, otherwise the whole
// aggregation falls back to byte-ordered text.
const cursorAggExpr = `CASE
    WHEN bool_and(cursor ~ '^[0-9]+$') THEN max(cursor::bigint)::text
    ELSE max(cursor)
  END`

// GetLastCursorBeforeRun returns the highest cursor across the object's
// completed runs that started before runStartedAt, or "" when none
// exists. It is the incremental-vs-historical boundary for the given run.
func (s *Store) GetLastCursorBeforeRun(ctx context.Context, accountID, object string, runStartedAt time.Time) (string, error) {
	sql := fmt.Sprintf(`SELECT COALESCE(%s, '') FROM %s
WHERE account_id = $1 AND object_name = $2 AND status = 'complete'
  AND cursor IS NOT NULL AND run_started_at < $3`,
		cursorAggExpr, s.table(tableObjectRuns))
	var cursor string
	if err := s.db.QueryRow(ctx, sql, accountID, object, runStartedAt).Scan(&cursor); err != nil {
		return "", wrapErr("get last cursor before run", err)
	}
	return cursor, nil
}

// GetSyncRunStatus derives a run's overall status from its children:
// "error" when any child errored, "in_progress" while any child is live,
// else "complete".
func (s *Store) GetSyncRunStatus(ctx context.Context, accountID string, runStartedAt time.Time) (string, error) {
	sql := fmt.Sprintf(`SELECT
  count(*) FILTER (WHERE status = 'error'),
  count(*) FILTER (WHERE status IN ('pending', 'running'))
FROM %s WHERE account_id = $1 AND run_started_at = $2`, s.table(tableObjectRuns))
	var errored, live int64
	if err := s.db.QueryRow(ctx, sql, accountID, runStartedAt).Scan(&errored, &live); err != nil {
		return "", wrapErr("get sync run status", err)
	}
	switch {
	case live > 0:
		return "in_progress", nil
	case errored > 0:
		return "error", nil
	default:
		return "complete", nil
	}
}
