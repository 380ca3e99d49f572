package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAPIKey(t *testing.T) {
	// sha256 hex digest, never the key itself.
	assert.Equal(t,
		"2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae",
		HashAPIKey("foo"))
	assert.Len(t, HashAPIKey("sk_test_abc"), 64)
	assert.NotEqual(t, HashAPIKey("sk_a"), HashAPIKey("sk_b"))
}

func TestGetAccountIDByAPIKey(t *testing.T) {
	s, mock := newMockStore(t)
	hash := HashAPIKey("sk_test_abc")

	mock.ExpectQuery(`SELECT id FROM "stripe"\."accounts" WHERE \$1 = ANY\(api_key_hashes\)`).
		WithArgs(hash).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("acct_1"))
	id, err := s.GetAccountIDByAPIKey(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, "acct_1", id)

	mock.ExpectQuery(`SELECT id FROM "stripe"\."accounts" WHERE \$1 = ANY\(api_key_hashes\)`).
		WithArgs("unknown").
		WillReturnError(pgx.ErrNoRows)
	id, err = s.GetAccountIDByAPIKey(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, id, "unknown key resolves to empty, not an error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAccountMergesKeyHashes(t *testing.T) {
	s, mock := newMockStore(t)
	payload := json.RawMessage(`{"id": "acct_1", "object": "account"}`)
	hash := HashAPIKey("sk_test_abc")

	mock.ExpectExec(`(?s)INSERT INTO "stripe"\."accounts" \(id, payload, api_key_hashes, first_synced_at, last_synced_at, updated_at\).*array_agg\(DISTINCT h ORDER BY h\)`).
		WithArgs("acct_1", payload, []string{hash}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertAccount(context.Background(), "acct_1", payload, hash))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAccountWithoutKeyHash(t *testing.T) {
	s, mock := newMockStore(t)
	payload := json.RawMessage(`{"id": "acct_2"}`)

	mock.ExpectExec(`INSERT INTO "stripe"\."accounts"`).
		WithArgs("acct_2", payload, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertAccount(context.Background(), "acct_2", payload, ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDangerouslyDeleteAccountDryRun(t *testing.T) {
	s, mock := newMockStore(t)
	tables := []string{"subscriptions", "customers"}

	mock.ExpectQuery(`SELECT count\(\*\) FROM "stripe"\."subscriptions" WHERE account_id = \$1`).
		WithArgs("acct_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(12)))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "stripe"\."customers" WHERE account_id = \$1`).
		WithArgs("acct_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(4)))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "stripe"\."accounts" WHERE id = \$1`).
		WithArgs("acct_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))

	counts, err := s.DangerouslyDeleteAccount(context.Background(), "acct_1", tables, DeleteOptions{DryRun: true})
	require.NoError(t, err)
	assert.EqualValues(t, 12, counts["subscriptions"])
	assert.EqualValues(t, 4, counts["customers"])
	assert.EqualValues(t, 1, counts["accounts"])
	assert.NoError(t, mock.ExpectationsWereMet(), "dry run must not issue deletes")
}

func TestDangerouslyDeleteAccountDeletesInOrder(t *testing.T) {
	s, mock := newMockStore(t)
	tables := []string{"subscriptions", "customers"}

	mock.ExpectQuery(`SELECT count\(\*\) FROM "stripe"\."subscriptions"`).
		WithArgs("acct_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectExec(`DELETE FROM "stripe"\."subscriptions" WHERE account_id = \$1`).
		WithArgs("acct_1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "stripe"\."customers"`).
		WithArgs("acct_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectExec(`DELETE FROM "stripe"\."customers" WHERE account_id = \$1`).
		WithArgs("acct_1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "stripe"\."accounts" WHERE id = \$1`).
		WithArgs("acct_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectExec(`DELETE FROM "stripe"\."accounts" WHERE id = \$1`).
		WithArgs("acct_1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	counts, err := s.DangerouslyDeleteAccount(context.Background(), "acct_1", tables, DeleteOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts["accounts"])
	assert.NoError(t, mock.ExpectationsWereMet(), "account row deleted last")
}
