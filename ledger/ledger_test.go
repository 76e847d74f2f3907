/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package ledger_test

import (
	"context"
	"database/sql"
	"regexp"
	gotesting "testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-dbpatch"
	"github.com/acronis/go-dbpatch/catalog"
	"github.com/acronis/go-dbpatch/internal/testing"
	"github.com/acronis/go-dbpatch/ledger"
)

func newPatch(version int64, name, content string) catalog.Patch {
	return catalog.Patch{Version: version, Name: name, Content: content, Checksum: catalog.Checksum(content)}
}

func newSQLiteLedger(t *gotesting.T, opts ...ledger.Option) (*sql.DB, *ledger.Ledger) {
	t.Helper()
	dbConn := testing.OpenSQLiteTestDB(t)
	led, err := ledger.New(dbConn, dbpatch.DialectSQLite, opts...)
	require.NoError(t, err)
	return dbConn, led
}

func recordInTx(t *gotesting.T, dbConn *sql.DB, led *ledger.Ledger, p catalog.Patch, appliedAt time.Time) ledger.Entry {
	t.Helper()
	var entry ledger.Entry
	require.NoError(t, dbpatch.DoInTx(context.Background(), dbConn, func(tx *sql.Tx) error {
		var err error
		entry, err = led.Record(context.Background(), tx, p, appliedAt, "tester")
		return err
	}))
	return entry
}

func TestNew(t *gotesting.T) {
	_, err := ledger.New(nil, dbpatch.DialectSQLite)
	require.EqualError(t, err, "db cannot be nil")

	dbConn := testing.OpenSQLiteTestDB(t)
	_, err = ledger.New(dbConn, dbpatch.Dialect("oracle"))
	require.EqualError(t, err, "unsupported dialect: oracle")

	led, err := ledger.New(dbConn, dbpatch.DialectSQLite)
	require.NoError(t, err)
	require.Equal(t, ledger.DefaultTableName, led.TableName())
}

func TestLedger_Ensure(t *gotesting.T) {
	ctx := context.Background()
	_, led := newSQLiteLedger(t)

	exists, err := led.Exists(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, led.Ensure(ctx))
	require.NoError(t, led.Ensure(ctx), "Ensure must be idempotent")

	exists, err = led.Exists(ctx)
	require.NoError(t, err)
	require.True(t, exists)

	entries, err := led.Entries(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, found, err := led.CurrentVersion(ctx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestLedger_EnsureDetectsCorruptTable(t *gotesting.T) {
	ctx := context.Background()
	dbConn, led := newSQLiteLedger(t)

	_, err := dbConn.ExecContext(ctx, "CREATE TABLE schema_patches (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	err = led.Ensure(ctx)
	require.ErrorIs(t, err, ledger.ErrCorrupt)
}

func TestLedger_RecordAndRead(t *gotesting.T) {
	ctx := context.Background()
	dbConn, led := newSQLiteLedger(t)
	require.NoError(t, led.Ensure(ctx))

	appliedAt := time.Date(2026, 1, 15, 10, 30, 0, 123456789, time.FixedZone("CET", 3600))
	recorded := recordInTx(t, dbConn, led, newPatch(2, "add_email", "ALTER TABLE users ADD email TEXT;"), appliedAt)
	recordInTx(t, dbConn, led, newPatch(1, "create_users", "CREATE TABLE users (id INTEGER);"), appliedAt)

	require.Equal(t, time.UTC, recorded.AppliedAt.Location())
	require.True(t, recorded.AppliedAt.Equal(appliedAt.Truncate(time.Microsecond)))

	entries, err := led.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(1), entries[0].Version)
	require.Equal(t, "create_users", entries[0].Name)
	require.Equal(t, int64(2), entries[1].Version)
	require.Equal(t, recorded.Checksum, entries[1].Checksum)
	require.Equal(t, "tester", entries[1].AppliedBy)
	require.WithinDuration(t, recorded.AppliedAt, entries[1].AppliedAt, time.Millisecond)

	current, found, err := led.CurrentVersion(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(2), current)

	applied, err := led.IsApplied(ctx, 2)
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = led.IsApplied(ctx, 3)
	require.NoError(t, err)
	require.False(t, applied)

	entry, found, err := led.Entry(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, catalog.Checksum("CREATE TABLE users (id INTEGER);"), entry.Checksum)
}

func TestLedger_RecordIsPartOfTransaction(t *gotesting.T) {
	ctx := context.Background()
	dbConn, led := newSQLiteLedger(t)
	require.NoError(t, led.Ensure(ctx))

	err := dbpatch.DoInTx(ctx, dbConn, func(tx *sql.Tx) error {
		if _, err := led.Record(ctx, tx, newPatch(1, "create_users", "SELECT 1;"), time.Now(), "tester"); err != nil {
			return err
		}
		return sql.ErrTxDone
	})
	require.ErrorIs(t, err, sql.ErrTxDone)

	applied, err := led.IsApplied(ctx, 1)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestLedger_RecordSameVersionTwice(t *gotesting.T) {
	ctx := context.Background()
	dbConn, led := newSQLiteLedger(t)
	require.NoError(t, led.Ensure(ctx))

	recordInTx(t, dbConn, led, newPatch(1, "create_users", "SELECT 1;"), time.Now())
	_, err := led.Record(ctx, dbConn, newPatch(1, "create_users", "SELECT 1;"), time.Now(), "tester")
	require.Error(t, err)

	entries, err := led.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLedger_CustomTableName(t *gotesting.T) {
	ctx := context.Background()
	dbConn, led := newSQLiteLedger(t, ledger.WithTableName("app_patches"))
	require.NoError(t, led.Ensure(ctx))
	recordInTx(t, dbConn, led, newPatch(7, "seven", "SELECT 7;"), time.Now())

	var count int
	require.NoError(t, dbConn.QueryRowContext(ctx, "SELECT COUNT(*) FROM app_patches").Scan(&count))
	require.Equal(t, 1, count)
}

func TestLedger_DialectPlaceholders(t *gotesting.T) {
	tests := []struct {
		dialect     dbpatch.Dialect
		createSQL   string
		insertSQL   string
		entryFilter string
	}{
		{
			dialect:     dbpatch.DialectPgx,
			createSQL:   `CREATE TABLE IF NOT EXISTS "schema_patches"`,
			insertSQL:   `INSERT INTO "schema_patches" ("applied_at", "applied_by", "checksum", "name", "version") VALUES ($1, $2, $3, $4, $5)`,
			entryFilter: `FROM "schema_patches" WHERE ("version" = $1)`,
		},
		{
			dialect:     dbpatch.DialectMySQL,
			createSQL:   "CREATE TABLE IF NOT EXISTS `schema_patches`",
			insertSQL:   "INSERT INTO `schema_patches` (`applied_at`, `applied_by`, `checksum`, `name`, `version`) VALUES (?, ?, ?, ?, ?)",
			entryFilter: "FROM `schema_patches` WHERE (`version` = ?)",
		},
		{
			dialect:     dbpatch.DialectMSSQL,
			createSQL:   `IF OBJECT_ID(N'schema_patches', N'U') IS NULL`,
			insertSQL:   `INSERT INTO "schema_patches" ("applied_at", "applied_by", "checksum", "name", "version") VALUES (@p1, @p2, @p3, @p4, @p5)`,
			entryFilter: `FROM "schema_patches" WHERE ("version" = @p1)`,
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *gotesting.T) {
			ctx := context.Background()
			dbConn, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() {
				mock.ExpectClose()
				require.NoError(t, dbConn.Close())
				require.NoError(t, mock.ExpectationsWereMet())
			}()

			led, err := ledger.New(dbConn, tt.dialect)
			require.NoError(t, err)

			mock.ExpectExec(regexp.QuoteMeta(tt.createSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(`SELECT .* FROM .*schema_patches.* WHERE 1 = 0`).
				WillReturnRows(sqlmock.NewRows([]string{"version", "name", "checksum", "applied_at", "applied_by"}))
			require.NoError(t, led.Ensure(ctx))

			p := newPatch(1, "create_users", "CREATE TABLE users (id INTEGER);")
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(tt.insertSQL)).
				WithArgs(sqlmock.AnyArg(), "tester", p.Checksum, "create_users", int64(1)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()
			require.NoError(t, dbpatch.DoInTx(ctx, dbConn, func(tx *sql.Tx) error {
				_, recErr := led.Record(ctx, tx, p, time.Now(), "tester")
				return recErr
			}))

			mock.ExpectQuery(regexp.QuoteMeta(tt.entryFilter)).
				WithArgs(int64(1)).
				WillReturnRows(sqlmock.NewRows([]string{"version", "name", "checksum", "applied_at", "applied_by"}).
					AddRow(int64(1), "create_users", p.Checksum, time.Now(), "tester"))
			entry, found, err := led.Entry(ctx, 1)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, p.Checksum, entry.Checksum)

			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLedger_Unavailable(t *gotesting.T) {
	dbConn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() {
		mock.ExpectClose()
		require.NoError(t, dbConn.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	}()

	led, err := ledger.New(dbConn, dbpatch.DialectPostgres)
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnError(sql.ErrConnDone)
	err = led.Ensure(context.Background())
	require.ErrorIs(t, err, ledger.ErrUnavailable)
	require.ErrorIs(t, err, sql.ErrConnDone)

	mock.ExpectQuery("SELECT").WillReturnError(sql.ErrConnDone)
	_, err = led.Entries(context.Background())
	require.ErrorIs(t, err, ledger.ErrUnavailable)

	require.NoError(t, mock.ExpectationsWereMet())
}
