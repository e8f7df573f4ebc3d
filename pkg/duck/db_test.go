package duck

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDuck_NewDB_CreatesParentDirectory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "nested", "dir", "taxi.duckdb")
	db, err := NewDB(ctx, path, logger)
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, path, db.Path())
	_, err = os.Stat(filepath.Dir(path))
	require.NoError(t, err)
}

func TestDuck_NewDB_InMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := NewDB(ctx, "", logger)
	require.NoError(t, err)
	defer db.Close()

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT 41 + 1").Scan(&n))
	require.Equal(t, 42, n)
}

func TestDuck_IsLockError(t *testing.T) {
	t.Parallel()

	require.False(t, isLockError(nil))
	require.True(t, isLockError(errors.New(`IO Error: Could not set lock on file "x.duckdb": Conflicting lock is held`)))
	require.False(t, isLockError(errors.New("Catalog Error: Table does not exist")))
}

func TestDuck_Quote(t *testing.T) {
	t.Parallel()

	require.Equal(t, `'it''s'`, QuoteLiteral("it's"))
	require.Equal(t, `"weird""name"`, QuoteIdent(`weird"name`))
}

func TestDuck_CountRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testDBWithConn(t)

	_, err := conn.ExecContext(ctx, "CREATE TABLE t AS SELECT * FROM range(7)")
	require.NoError(t, err)

	n, err := CountRows(ctx, conn, "t")
	require.NoError(t, err)
	require.Equal(t, int64(7), n)

	_, err = CountRows(ctx, conn, "missing")
	require.Error(t, err)
}

func TestDuck_WithTx_CommitsAndRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testDBWithConn(t)

	_, err := conn.ExecContext(ctx, "CREATE TABLE t (id INTEGER)")
	require.NoError(t, err)

	err = WithTx(ctx, logger, conn, "insert", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO t VALUES (1), (2)")
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithTx(ctx, logger, conn, "insert then fail", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t VALUES (3)"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := CountRows(ctx, conn, "t")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestDuck_RetryWithBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("retries transaction conflicts until success", func(t *testing.T) {
		attempts := 0
		err := retryWithBackoff(ctx, logger, "test", func() error {
			attempts++
			if attempts < 3 {
				return errors.New("TransactionContext Error: Transaction conflict: cannot update a table that has been altered")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		attempts := 0
		err := retryWithBackoff(ctx, logger, "test", func() error {
			attempts++
			return errors.New("Binder Error: column not found")
		})
		require.Error(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		attempts := 0
		err := retryWithBackoff(ctx, logger, "test", func() error {
			attempts++
			return errors.New("Conflict on update")
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), fmt.Sprintf("after %d attempts", maxRetries))
		require.Equal(t, maxRetries, attempts)
	})
}

func TestDuck_AppendTableViaCSV(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testDBWithConn(t)

	_, err := conn.ExecContext(ctx, "CREATE TABLE factors (vehicle_type VARCHAR, grams BIGINT)")
	require.NoError(t, err)

	rows := []struct {
		vehicleType string
		grams       int64
	}{
		{"yellow_taxi", 404},
		{"green_taxi, hybrid", 280},
	}
	err = AppendTableViaCSV(ctx, logger, conn, "factors", len(rows), func(w *csv.Writer, i int) error {
		return w.Write([]string{rows[i].vehicleType, strconv.FormatInt(rows[i].grams, 10)})
	})
	require.NoError(t, err)

	var grams int64
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT grams FROM factors WHERE vehicle_type = ?", "green_taxi, hybrid").Scan(&grams))
	require.Equal(t, int64(280), grams)

	require.NoError(t, AppendTableViaCSV(ctx, logger, conn, "factors", 0, nil))
	n, err := CountRows(ctx, conn, "factors")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
