/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package applier_test

import (
	"context"
	"database/sql"
	"errors"
	gotesting "testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-dbpatch"
	"github.com/acronis/go-dbpatch/applier"
	"github.com/acronis/go-dbpatch/catalog"
	"github.com/acronis/go-dbpatch/internal/testing"
	"github.com/acronis/go-dbpatch/ledger"
)

func makePatch(version int64, name string, statements ...string) catalog.Patch {
	content := ""
	for _, stmt := range statements {
		content += stmt + ";\n"
	}
	return catalog.Patch{
		Version:    version,
		Name:       name,
		Content:    content,
		Checksum:   catalog.Checksum(content),
		Statements: statements,
	}
}

func newSQLiteApplier(t *gotesting.T, opts ...applier.Option) (*sql.DB, *ledger.Ledger, *applier.Applier) {
	t.Helper()
	dbConn := testing.OpenSQLiteTestDB(t)
	led, err := ledger.New(dbConn, dbpatch.DialectSQLite)
	require.NoError(t, err)
	require.NoError(t, led.Ensure(context.Background()))
	app, err := applier.New(dbConn, led, log.NewDisabledLogger(), opts...)
	require.NoError(t, err)
	return dbConn, led, app
}

func tableExists(t *gotesting.T, dbConn *sql.DB, table string) bool {
	t.Helper()
	var count int
	require.NoError(t, dbConn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&count))
	return count > 0
}

func TestNew(t *gotesting.T) {
	dbConn := testing.OpenSQLiteTestDB(t)
	led, err := ledger.New(dbConn, dbpatch.DialectSQLite)
	require.NoError(t, err)

	_, err = applier.New(nil, led, log.NewDisabledLogger())
	require.EqualError(t, err, "db cannot be nil")
	_, err = applier.New(dbConn, nil, log.NewDisabledLogger())
	require.EqualError(t, err, "ledger cannot be nil")
	_, err = applier.New(dbConn, led, nil)
	require.EqualError(t, err, "logger cannot be nil")
}

func TestApply_AppliesAndRecords(t *gotesting.T) {
	ctx := context.Background()
	appliedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dbConn, led, app := newSQLiteApplier(t,
		applier.WithActor("ci-runner"),
		applier.WithClock(func() time.Time { return appliedAt }))

	p := makePatch(1, "create_users",
		"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)",
		"INSERT INTO users (id, name) VALUES (1, 'root')")
	entry, err := app.Apply(ctx, p)
	require.NoError(t, err)
	require.Equal(t, ledger.Entry{
		Version:   1,
		Name:      "create_users",
		Checksum:  p.Checksum,
		AppliedAt: appliedAt,
		AppliedBy: "ci-runner",
	}, entry)

	var name string
	require.NoError(t, dbConn.QueryRowContext(ctx, "SELECT name FROM users WHERE id = 1").Scan(&name))
	require.Equal(t, "root", name)

	recorded, found, err := led.Entry(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, p.Checksum, recorded.Checksum)
	require.Equal(t, "ci-runner", recorded.AppliedBy)
	require.True(t, recorded.AppliedAt.Equal(appliedAt))
}

func TestApply_StatementFailureRollsBackWholePatch(t *gotesting.T) {
	ctx := context.Background()
	dbConn, led, app := newSQLiteApplier(t)

	p := makePatch(5, "broken",
		"CREATE TABLE accounts (id INTEGER PRIMARY KEY)",
		"INSERT INTO missing_table (id) VALUES (1)",
		"CREATE TABLE never_created (id INTEGER)")
	_, err := app.Apply(ctx, p)
	require.Error(t, err)

	var stmtErr *applier.StatementFailedError
	require.ErrorAs(t, err, &stmtErr)
	require.Equal(t, int64(5), stmtErr.Version)
	require.Equal(t, 2, stmtErr.Statement)
	require.Equal(t, "INSERT INTO missing_table (id) VALUES (1)", stmtErr.SQL)
	require.ErrorContains(t, err, "no such table: missing_table")

	require.False(t, tableExists(t, dbConn, "accounts"), "statements before the failed one must be rolled back")
	require.False(t, tableExists(t, dbConn, "never_created"))
	applied, err := led.IsApplied(ctx, 5)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestApply_AlreadyApplied(t *gotesting.T) {
	ctx := context.Background()
	_, _, app := newSQLiteApplier(t)

	p := makePatch(1, "create_users", "CREATE TABLE users (id INTEGER PRIMARY KEY)")
	first, err := app.Apply(ctx, p)
	require.NoError(t, err)

	second, err := app.Apply(ctx, p)
	require.ErrorIs(t, err, applier.ErrAlreadyApplied)
	require.Equal(t, first, second)
}

func TestApply_ChecksumMismatch(t *gotesting.T) {
	ctx := context.Background()
	dbConn, _, app := newSQLiteApplier(t)

	_, err := app.Apply(ctx, makePatch(1, "create_users", "CREATE TABLE users (id INTEGER PRIMARY KEY)"))
	require.NoError(t, err)

	edited := makePatch(1, "create_users", "CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT)")
	_, err = app.Apply(ctx, edited)
	require.ErrorIs(t, err, applier.ErrChecksumMismatch)

	var mismatchErr *applier.ChecksumMismatchError
	require.ErrorAs(t, err, &mismatchErr)
	require.Equal(t, edited.Checksum, mismatchErr.Actual)
	require.NotEqual(t, mismatchErr.Recorded, mismatchErr.Actual)

	_, err = dbConn.ExecContext(ctx, "INSERT INTO users (id) VALUES (1)")
	require.NoError(t, err, "original table must be untouched")
}

func TestApply_WithoutTransaction(t *gotesting.T) {
	ctx := context.Background()
	dbConn, led, app := newSQLiteApplier(t)

	p := makePatch(3, "no_tx",
		"CREATE TABLE audit (id INTEGER PRIMARY KEY)",
		"INSERT INTO missing_table (id) VALUES (1)")
	p.DisableTx = true

	_, err := app.Apply(ctx, p)
	var stmtErr *applier.StatementFailedError
	require.ErrorAs(t, err, &stmtErr)
	require.Equal(t, 2, stmtErr.Statement)
	require.True(t, tableExists(t, dbConn, "audit"), "non-transactional patch keeps the statements that succeeded")

	applied, err := led.IsApplied(ctx, 3)
	require.NoError(t, err)
	require.False(t, applied)

	p = makePatch(4, "no_tx_ok", "CREATE TABLE audit2 (id INTEGER PRIMARY KEY)")
	p.DisableTx = true
	_, err = app.Apply(ctx, p)
	require.NoError(t, err)
	applied, err = led.IsApplied(ctx, 4)
	require.NoError(t, err)
	require.True(t, applied)
}

// cancelingLedger cancels the run context right after the precondition check.
type cancelingLedger struct {
	*ledger.Ledger
	cancel context.CancelFunc
}

func (l *cancelingLedger) Entry(ctx context.Context, version int64) (ledger.Entry, bool, error) {
	defer l.cancel()
	return l.Ledger.Entry(ctx, version)
}

func TestApply_StartedPatchIgnoresCancellation(t *gotesting.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn := testing.OpenSQLiteTestDB(t)
	led, err := ledger.New(dbConn, dbpatch.DialectSQLite)
	require.NoError(t, err)
	require.NoError(t, led.Ensure(ctx))
	app, err := applier.New(dbConn, &cancelingLedger{Ledger: led, cancel: cancel}, log.NewDisabledLogger())
	require.NoError(t, err)

	_, err = app.Apply(ctx, makePatch(1, "create_users", "CREATE TABLE users (id INTEGER PRIMARY KEY)"))
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	require.True(t, tableExists(t, dbConn, "users"))
}

// stubLedger records patches with a plain INSERT so that sqlmock can expect it.
type stubLedger struct{}

func (stubLedger) Entry(context.Context, int64) (ledger.Entry, bool, error) {
	return ledger.Entry{}, false, nil
}

func (stubLedger) Record(
	ctx context.Context, exec ledger.Execer, p catalog.Patch, appliedAt time.Time, appliedBy string,
) (ledger.Entry, error) {
	if _, err := exec.ExecContext(ctx, "INSERT INTO schema_patches", p.Version); err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{Version: p.Version, Checksum: p.Checksum, AppliedAt: appliedAt, AppliedBy: appliedBy}, nil
}

func TestApply_RetriesTransientErrors(t *gotesting.T) {
	errDeadlock := errors.New("deadlock")

	dbConn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() {
		mock.ExpectClose()
		require.NoError(t, dbConn.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	}()

	dbpatch.RegisterIsRetryableFunc(dbConn.Driver(), func(err error) bool { return errors.Is(err, errDeadlock) })
	defer dbpatch.UnregisterAllIsRetryableFuncs(dbConn.Driver())

	metrics := &recordingMetrics{}
	app, err := applier.New(dbConn, stubLedger{}, log.NewDisabledLogger(),
		applier.WithRetryPolicy(retry.NewConstantBackoffPolicy(time.Millisecond, 3)),
		applier.WithMetrics(metrics))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").WillReturnError(errDeadlock)
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO schema_patches").WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := app.Apply(context.Background(), makePatch(2, "touch", "UPDATE accounts SET balance = 0"))
	require.NoError(t, err)
	require.Equal(t, int64(2), entry.Version)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Equal(t, []string{applier.StatusApplied}, metrics.statuses)
}

func TestApply_DoesNotRetryPermanentErrors(t *gotesting.T) {
	dbConn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() {
		mock.ExpectClose()
		require.NoError(t, dbConn.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	}()

	errSyntax := errors.New("syntax error")
	dbpatch.RegisterIsRetryableFunc(dbConn.Driver(), func(error) bool { return false })
	defer dbpatch.UnregisterAllIsRetryableFuncs(dbConn.Driver())

	metrics := &recordingMetrics{}
	app, err := applier.New(dbConn, stubLedger{}, log.NewDisabledLogger(),
		applier.WithRetryPolicy(retry.NewConstantBackoffPolicy(time.Millisecond, 3)),
		applier.WithMetrics(metrics))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDAT accounts").WillReturnError(errSyntax)
	mock.ExpectRollback()

	_, err = app.Apply(context.Background(), makePatch(2, "typo", "UPDAT accounts SET balance = 0"))
	require.ErrorIs(t, err, errSyntax)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Equal(t, []string{applier.StatusFailed}, metrics.statuses)
}

type recordingMetrics struct {
	statuses []string
}

func (m *recordingMetrics) ObservePatch(status string, _ time.Duration) {
	m.statuses = append(m.statuses, status)
}

func (m *recordingMetrics) ObserveRun(string) {}
