package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runStart = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func expectCancelStale(mock pgxmock.PgxPoolIface, cancelled int64) {
	mock.ExpectExec(`(?s)UPDATE "stripe"\."_sync_obj_runs"\s+SET status = 'error',\s+error_message = 'stale \(no update in 5 min\)'.*status = 'running' AND updated_at < now\(\) - interval '5 minutes'`).
		WithArgs("acct_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", cancelled))
	mock.ExpectExec(`(?s)UPDATE "stripe"\."_sync_runs" r\s+SET closed_at = now\(\)`).
		WithArgs("acct_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
}

func TestGetOrCreateSyncRunReturnsActive(t *testing.T) {
	s, mock := newMockStore(t)
	expectCancelStale(mock, 0)

	mock.ExpectQuery(`(?s)SELECT account_id, started_at, max_concurrent, closed_at, triggered_by\s+FROM "stripe"\."_sync_runs" WHERE account_id = \$1 AND closed_at IS NULL`).
		WithArgs("acct_1").
		WillReturnRows(pgxmock.NewRows([]string{"account_id", "started_at", "max_concurrent", "closed_at", "triggered_by"}).
			AddRow("acct_1", runStart, 5, nil, "worker"))

	run, err := s.GetOrCreateSyncRun(context.Background(), "acct_1", "worker", 5)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, runStart, run.StartedAt)
	assert.Equal(t, "worker", run.TriggeredBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateSyncRunCreatesWhenIdle(t *testing.T) {
	s, mock := newMockStore(t)
	expectCancelStale(mock, 0)

	mock.ExpectQuery(`FROM "stripe"\."_sync_runs" WHERE account_id = \$1 AND closed_at IS NULL`).
		WithArgs("acct_1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`(?s)INSERT INTO "stripe"\."_sync_runs" \(account_id, started_at, max_concurrent, triggered_by\)\s+VALUES \(\$1, date_trunc\('milliseconds', now\(\)\), \$2, \$3\)\s+RETURNING started_at`).
		WithArgs("acct_1", 5, "worker").
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}).AddRow(runStart))

	run, err := s.GetOrCreateSyncRun(context.Background(), "acct_1", "worker", 5)
	require.NoError(t, err)
	assert.Equal(t, runStart, run.StartedAt)
	assert.Equal(t, 5, run.MaxConcurrent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveSyncRunNoneOpen(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM "stripe"\."_sync_runs" WHERE account_id = \$1 AND closed_at IS NULL`).
		WithArgs("acct_1").
		WillReturnError(pgx.ErrNoRows)

	run, err := s.GetActiveSyncRun(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestCreateObjectRunsIgnoresExisting(t *testing.T) {
	s, mock := newMockStore(t)
	objects := []string{"product", "customer"}

	mock.ExpectExec(`(?s)INSERT INTO "stripe"\."_sync_obj_runs".*FROM unnest\(\$3::text\[\]\) AS o\s+ON CONFLICT \(account_id, run_started_at, object_name\) DO NOTHING`).
		WithArgs("acct_1", runStart, objects).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateObjectRuns(context.Background(), "acct_1", runStart, objects))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryStartObjectSync(t *testing.T) {
	s, mock := newMockStore(t)

	pattern := `(?s)UPDATE "stripe"\."_sync_obj_runs"\s+SET status = 'running'.*status = 'pending'\s+AND \(SELECT count\(\*\) FROM "stripe"\."_sync_obj_runs"\s+WHERE account_id = \$1 AND run_started_at = \$2 AND status = 'running'\) < \$4`

	mock.ExpectExec(pattern).
		WithArgs("acct_1", runStart, "product", 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	started, err := s.TryStartObjectSync(context.Background(), "acct_1", runStart, "product", 5)
	require.NoError(t, err)
	assert.True(t, started)

	// Cap reached: the guarded update touches no row.
	mock.ExpectExec(pattern).
		WithArgs("acct_1", runStart, "price", 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	started, err = s.TryStartObjectSync(context.Background(), "acct_1", runStart, "price", 5)
	require.NoError(t, err)
	assert.False(t, started)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateObjectCursorMonotonic(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`(?s)SET cursor = CASE\s+WHEN cursor IS NULL THEN \$4\s+WHEN cursor ~ '\^\[0-9\]\+\$' AND \$4 ~ '\^\[0-9\]\+\$'\s+THEN GREATEST\(cursor::bigint, \$4::bigint\)::text\s+WHEN \$4 > cursor THEN \$4\s+ELSE cursor\s+END`).
		WithArgs("acct_1", runStart, "product", "1700000000").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateObjectCursor(context.Background(), "acct_1", runStart, "product", "1700000000"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteObjectSyncClosesFinishedRun(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`(?s)SET status = 'complete', page_cursor = NULL.*AND status = 'running'`).
		WithArgs("acct_1", runStart, "product").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`(?s)UPDATE "stripe"\."_sync_runs" r\s+SET closed_at = now\(\).*NOT EXISTS.*status IN \('pending', 'running'\)`).
		WithArgs("acct_1", runStart).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.CompleteObjectSync(context.Background(), "acct_1", runStart, "product"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailObjectSyncRecordsMessage(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`(?s)SET status = 'error', error_message = \$4, page_cursor = NULL.*status IN \('pending', 'running'\)`).
		WithArgs("acct_1", runStart, "product", "has_more=true with empty page").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`(?s)UPDATE "stripe"\."_sync_runs" r\s+SET closed_at = now\(\)`).
		WithArgs("acct_1", runStart).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.FailObjectSync(context.Background(), "acct_1", runStart, "product",
		"has_more=true with empty page"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLastCursorBeforeRun(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`(?s)SELECT COALESCE\(CASE\s+WHEN bool_and\(cursor ~ '\^\[0-9\]\+\$'\) THEN max\(cursor::bigint\)::text\s+ELSE max\(cursor\)\s+END, ''\).*AND run_started_at < \$3`).
		WithArgs("acct_1", "product", runStart).
		WillReturnRows(pgxmock.NewRows([]string{"cursor"}).AddRow("1699999999"))

	cursor, err := s.GetLastCursorBeforeRun(context.Background(), "acct_1", "product", runStart)
	require.NoError(t, err)
	assert.Equal(t, "1699999999", cursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSyncRunStatus(t *testing.T) {
	s, mock := newMockStore(t)
	pattern := regexp.QuoteMeta(`count(*) FILTER (WHERE status = 'error')`)

	cases := []struct {
		errored, live int64
		want          string
	}{
		{0, 2, "in_progress"},
		{1, 0, "error"},
		{0, 0, "complete"},
		{1, 1, "in_progress"},
	}
	for _, tc := range cases {
		mock.ExpectQuery(pattern).
			WithArgs("acct_1", runStart).
			WillReturnRows(pgxmock.NewRows([]string{"errored", "live"}).AddRow(tc.errored, tc.live))
		status, err := s.GetSyncRunStatus(context.Background(), "acct_1", runStart)
		require.NoError(t, err)
		assert.Equal(t, tc.want, status)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
