package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = ?, b = ? WHERE id = ?"

	assert.Equal(t, q, Rebind(DriverSQLite, q))
	assert.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", Rebind(DriverPostgres, q))
}

func TestTimeRoundTripKeepsOrder(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)
	later := base.Add(100 * time.Millisecond)

	a, b := FormatTime(base), FormatTime(later)
	assert.Less(t, a, b)

	parsed, err := ParseTime(b)
	require.NoError(t, err)
	assert.True(t, later.Equal(parsed))

	zero, err := ParseNullTime(sql.NullString{})
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
	assert.Nil(t, NullTime(time.Time{}))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemory(ctx, t.Name())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.ApplySchema(ctx, `CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)`))

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, db.Rebind(`INSERT INTO kv (k, v) VALUES (?, ?)`), "b", "2")
		return err
	}))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	require.Error(t, err)
}
