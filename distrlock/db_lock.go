/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package distrlock provides a TTL-based distributed lock stored in a table of the target database.
// A patch run holds the lock for its whole duration so that concurrent runs against the same
// database are serialized. A crashed holder does not block others forever: its lock simply expires.
package distrlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/acronis/go-dbpatch"
)

// DefaultTableName is a default name for the table that stores distributed locks.
const DefaultTableName = "dbpatch_locks"

// MaxKeyLength is the maximum length of a lock key.
const MaxKeyLength = 40

// DBManager provides management functionality for distributed locks based on the SQL database.
type DBManager struct {
	queries dbQueries
}

// DBManagerOption is an option for NewDBManager.
type DBManagerOption func(*dbManagerOptions)

type dbManagerOptions struct {
	tableName string
}

// WithTableName sets a custom table name for the table that stores distributed locks.
func WithTableName(tableName string) DBManagerOption {
	return func(o *dbManagerOptions) {
		o.tableName = tableName
	}
}

// NewDBManager creates a new distributed lock manager that uses SQL database as a backend.
func NewDBManager(dialect dbpatch.Dialect, options ...DBManagerOption) (*DBManager, error) {
	var opts dbManagerOptions
	for _, opt := range options {
		opt(&opts)
	}
	if opts.tableName == "" {
		opts.tableName = DefaultTableName
	}
	q, err := newDBQueries(dialect, opts.tableName)
	if err != nil {
		return nil, err
	}
	return &DBManager{q}, nil
}

// CreateTableSQL returns SQL query for creating a table that stores distributed locks.
func (m *DBManager) CreateTableSQL() string {
	return m.queries.createTable
}

// DropTableSQL returns SQL query for dropping a table that stores distributed locks.
func (m *DBManager) DropTableSQL() string {
	return m.queries.dropTable
}

// EnsureTable creates the table that stores distributed locks if it does not exist.
func (m *DBManager) EnsureTable(ctx context.Context, executor SQLExecutor) error {
	if _, err := executor.ExecContext(ctx, m.queries.createTable); err != nil {
		return fmt.Errorf("create locks table: %w", err)
	}
	return nil
}

// NewLock creates new initialized (but not acquired) distributed lock.
func (m *DBManager) NewLock(ctx context.Context, executor SQLExecutor, key string) (DBLock, error) {
	if key == "" {
		return DBLock{}, fmt.Errorf("lock key cannot be empty")
	}
	if len(key) > MaxKeyLength {
		return DBLock{}, fmt.Errorf("lock key cannot be longer than %d symbols", MaxKeyLength)
	}
	if _, err := executor.ExecContext(ctx, m.queries.initLock, key); err != nil {
		return DBLock{}, fmt.Errorf("init lock with key %s: %w", key, err)
	}
	return DBLock{Key: key, manager: m}, nil
}

// DBLock represents a lock object in the database.
type DBLock struct {
	Key     string
	TTL     time.Duration
	token   string
	manager *DBManager
}

// Acquire acquires lock for the key in the database.
func (l *DBLock) Acquire(ctx context.Context, executor SQLExecutor, lockTTL time.Duration) error {
	token := uuid.NewString()
	interval := l.manager.queries.intervalMaker(lockTTL)
	err := execQueryAndCheckAffectedRow(ctx, executor, l.manager.queries.acquireLock,
		[]interface{}{interval, token, l.Key, token}, ErrLockAlreadyAcquired)
	if err != nil {
		return err
	}
	l.TTL = lockTTL
	l.token = token
	return nil
}

// AcquireWithWait acquires the lock, retrying with exponential backoff while it is held by someone else.
// ErrLockAlreadyAcquired is returned if the lock is still held when maxWait elapses.
// A zero maxWait makes a single attempt.
func (l *DBLock) AcquireWithWait(ctx context.Context, executor SQLExecutor, lockTTL, maxWait time.Duration) error {
	if maxWait <= 0 {
		return l.Acquire(ctx, executor, lockTTL)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = maxWait / 4
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = maxWait
	return backoff.Retry(func() error {
		err := l.Acquire(ctx, executor, lockTTL)
		if err != nil && !errors.Is(err, ErrLockAlreadyAcquired) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// Release releases lock for the key in the database.
func (l *DBLock) Release(ctx context.Context, executor SQLExecutor) error {
	return execQueryAndCheckAffectedRow(ctx, executor,
		l.manager.queries.releaseLock, []interface{}{l.Key, l.token}, ErrLockAlreadyReleased)
}

// Extend resets expiration timeout for already acquired lock.
// ErrLockAlreadyReleased error will be returned if lock is already released, in this case lock should be acquired again.
func (l *DBLock) Extend(ctx context.Context, executor SQLExecutor) error {
	interval := l.manager.queries.intervalMaker(l.TTL)
	return execQueryAndCheckAffectedRow(ctx, executor,
		l.manager.queries.extendLock, []interface{}{interval, l.Key, l.token}, ErrLockAlreadyReleased)
}

// Token returns token of the last acquired lock.
// May be used in logs to make the investigation process easier.
func (l *DBLock) Token() string {
	return l.token
}

// Logger is an interface for logging errors.
type Logger interface {
	Errorf(format string, args ...interface{})
}

type doOptions struct {
	lockTTL                time.Duration
	acquireWait            time.Duration
	periodicExtendInterval time.Duration
	releaseTimeout         time.Duration
	logger                 Logger
}

// DoOption is an option for DoExclusively method.
type DoOption func(*doOptions)

// WithLockTTL sets TTL for the lock acquired by DoExclusively.
func WithLockTTL(ttl time.Duration) DoOption {
	return func(o *doOptions) {
		o.lockTTL = ttl
	}
}

// WithAcquireWait sets how long DoExclusively waits for a lock held by someone else.
func WithAcquireWait(wait time.Duration) DoOption {
	return func(o *doOptions) {
		o.acquireWait = wait
	}
}

// WithPeriodicExtendInterval sets interval for periodic lock extension.
func WithPeriodicExtendInterval(interval time.Duration) DoOption {
	return func(o *doOptions) {
		o.periodicExtendInterval = interval
	}
}

// WithReleaseTimeout sets timeout for lock release.
func WithReleaseTimeout(timeout time.Duration) DoOption {
	return func(o *doOptions) {
		o.releaseTimeout = timeout
	}
}

// WithLogger sets logger for DoExclusively.
func WithLogger(logger Logger) DoOption {
	return func(o *doOptions) {
		o.logger = logger
	}
}

// DoExclusively acquires distributed lock, calls passed function and releases the lock when the function is finished.
// Lock is acquired with a default TTL of 1 minute. TTL can be configured with WithLockTTL option.
// If the lock is held by someone else, DoExclusively fails immediately unless WithAcquireWait is used.
// The lock is extended periodically within a separate goroutine, by default every half of the lock TTL.
// If an extension finds that the lock was lost, the context passed to fn is canceled.
// Timeout for lock release can be configured with WithReleaseTimeout option. By default, it's 5 seconds.
// If fn succeeds but the lock cannot be released, the release error is returned.
func (l *DBLock) DoExclusively(
	ctx context.Context,
	dbConn *sql.DB,
	fn func(ctx context.Context) error,
	options ...DoOption,
) (err error) {
	var opts doOptions
	for _, opt := range options {
		opt(&opts)
	}
	if opts.lockTTL == 0 {
		opts.lockTTL = 1 * time.Minute
	}
	if opts.periodicExtendInterval == 0 {
		opts.periodicExtendInterval = opts.lockTTL / 2
	}
	if opts.releaseTimeout == 0 {
		opts.releaseTimeout = 5 * time.Second
	}
	if opts.logger == nil {
		opts.logger = disabledLogger{}
	}

	if acquireLockErr := l.AcquireWithWait(ctx, dbConn, opts.lockTTL, opts.acquireWait); acquireLockErr != nil {
		return acquireLockErr
	}

	//nolint:contextcheck // context.Background() is being used to allow lock release even
	// if the passed ctx is already canceled
	defer func() {
		releaseCtx, releaseCtxCancel := context.WithTimeout(context.Background(), opts.releaseTimeout)
		defer releaseCtxCancel()
		if releaseLockErr := l.Release(releaseCtx, dbConn); releaseLockErr != nil {
			opts.logger.Errorf("failed to release lock with key %s and token %s, error: %v", l.Key, l.token, releaseLockErr)
			if err == nil {
				err = fmt.Errorf("release lock with key %s: %w", l.Key, releaseLockErr)
			}
		}
	}()

	childCtx, childCtxCancel := context.WithCancel(ctx)
	defer childCtxCancel()

	periodicalExtensionExit := make(chan struct{})
	periodicalExtensionDone := make(chan struct{})
	defer func() {
		close(periodicalExtensionDone)
		<-periodicalExtensionExit
	}()

	go func() {
		defer func() { close(periodicalExtensionExit) }()
		ticker := time.NewTicker(opts.periodicExtendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-periodicalExtensionDone:
				return
			case <-ticker.C:
				if extendErr := l.Extend(ctx, dbConn); extendErr != nil {
					opts.logger.Errorf("failed to extend lock with key %s and token %s, error: %v", l.Key, l.token, extendErr)
					if errors.Is(extendErr, ErrLockAlreadyReleased) {
						childCtxCancel() // If lock was already released, let's try to stop an exclusive job asap.
						return
					}
				}
			}
		}
	}()

	return fn(childCtx)
}

func execQueryAndCheckAffectedRow(
	ctx context.Context, executor SQLExecutor, query string, args []interface{}, errOnNoAffectedRows error,
) error {
	result, err := executor.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	// lib/pq may not report cancellation of a context shared with the surrounding transaction
	// (https://github.com/lib/pq/issues/874), so the context is checked explicitly.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var affected int64
	if affected, err = result.RowsAffected(); err != nil {
		return err
	} else if affected == 0 {
		return errOnNoAffectedRows
	}
	return nil
}

// SQLExecutor executes a statement. Both *sql.DB and *sql.Tx implement it.
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type dbQueries struct {
	createTable   string
	dropTable     string
	initLock      string
	acquireLock   string
	releaseLock   string
	extendLock    string
	intervalMaker func(interval time.Duration) interface{}
}

func newDBQueries(dialect dbpatch.Dialect, tableName string) (dbQueries, error) {
	switch dialect {
	case dbpatch.DialectPostgres, dbpatch.DialectPgx:
		return dbQueries{
			createTable:   fmt.Sprintf(postgresCreateTableQuery, tableName),
			dropTable:     fmt.Sprintf(postgresDropTableQuery, tableName),
			initLock:      fmt.Sprintf(postgresInitLockQuery, tableName),
			acquireLock:   fmt.Sprintf(postgresAcquireLockQuery, tableName),
			releaseLock:   fmt.Sprintf(postgresReleaseLockQuery, tableName),
			extendLock:    fmt.Sprintf(postgresExtendLockQuery, tableName),
			intervalMaker: postgresMakeInterval,
		}, nil
	case dbpatch.DialectMySQL:
		return dbQueries{
			createTable:   fmt.Sprintf(mySQLCreateTableQuery, tableName),
			dropTable:     fmt.Sprintf(mySQLDropTableQuery, tableName),
			initLock:      fmt.Sprintf(mySQLInitLockQuery, tableName),
			acquireLock:   fmt.Sprintf(mySQLAcquireLockQuery, tableName),
			releaseLock:   fmt.Sprintf(mySQLReleaseLockQuery, tableName),
			extendLock:    fmt.Sprintf(mySQLExtendLockQuery, tableName),
			intervalMaker: mySQLMakeInterval,
		}, nil
	case dbpatch.DialectSQLite:
		return dbQueries{
			createTable:   fmt.Sprintf(sqliteCreateTableQuery, tableName),
			dropTable:     fmt.Sprintf(sqliteDropTableQuery, tableName),
			initLock:      fmt.Sprintf(sqliteInitLockQuery, tableName),
			acquireLock:   strings.ReplaceAll(fmt.Sprintf(sqliteAcquireLockQuery, tableName), "NOW_US", sqliteNowMicroseconds),
			releaseLock:   strings.ReplaceAll(fmt.Sprintf(sqliteReleaseLockQuery, tableName), "NOW_US", sqliteNowMicroseconds),
			extendLock:    strings.ReplaceAll(fmt.Sprintf(sqliteExtendLockQuery, tableName), "NOW_US", sqliteNowMicroseconds),
			intervalMaker: microsecondsInterval,
		}, nil
	case dbpatch.DialectMSSQL:
		return dbQueries{
			createTable:   fmt.Sprintf(msSQLCreateTableQuery, tableName),
			dropTable:     fmt.Sprintf(msSQLDropTableQuery, tableName),
			initLock:      fmt.Sprintf(msSQLInitLockQuery, tableName),
			acquireLock:   fmt.Sprintf(msSQLAcquireLockQuery, tableName),
			releaseLock:   fmt.Sprintf(msSQLReleaseLockQuery, tableName),
			extendLock:    fmt.Sprintf(msSQLExtendLockQuery, tableName),
			intervalMaker: millisecondsInterval,
		}, nil
	default:
		return dbQueries{}, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
}

//nolint:lll
const (
	postgresCreateTableQuery = `CREATE TABLE IF NOT EXISTS "%s" (lock_key varchar(40) PRIMARY KEY, token uuid, expire_at timestamp);`
	postgresDropTableQuery   = `DROP TABLE IF EXISTS "%s";`
	postgresInitLockQuery    = `INSERT INTO "%s" (lock_key) VALUES ($1) ON CONFLICT (lock_key) DO NOTHING;`
	postgresAcquireLockQuery = `UPDATE "%s" SET expire_at = NOW() + $1::interval, token = $2 WHERE lock_key = $3 AND ((expire_at IS NULL OR expire_at < NOW()) OR token = $4);`
	postgresReleaseLockQuery = `UPDATE "%s" SET expire_at = NULL WHERE lock_key = $1 AND token = $2 AND expire_at >= NOW();`
	postgresExtendLockQuery  = `UPDATE "%s" SET expire_at = NOW() + $1::interval WHERE lock_key = $2 AND token = $3 AND expire_at >= NOW();`
)

func postgresMakeInterval(interval time.Duration) interface{} {
	return strconv.FormatInt(interval.Microseconds(), 10) + " microseconds"
}

//nolint:lll
const (
	mySQLCreateTableQuery = "CREATE TABLE IF NOT EXISTS `%s` (lock_key VARCHAR(40) PRIMARY KEY, token VARCHAR(36), expire_at BIGINT);"
	mySQLDropTableQuery   = "DROP TABLE IF EXISTS `%s`;"
	mySQLInitLockQuery    = "INSERT IGNORE `%s` (lock_key) VALUES (?);"
	mySQLAcquireLockQuery = "UPDATE `%s` SET expire_at = UNIX_TIMESTAMP(DATE_ADD(CURTIME(4), INTERVAL ? MICROSECOND))*10000, token = ? WHERE lock_key = ? AND ((expire_at IS NULL OR expire_at < UNIX_TIMESTAMP(CURTIME(4))*10000) OR token = ?);"
	mySQLReleaseLockQuery = "UPDATE `%s` SET expire_at = NULL WHERE lock_key = ? AND token = ? AND expire_at >= UNIX_TIMESTAMP(CURTIME(4))*10000;"
	mySQLExtendLockQuery  = "UPDATE `%s` SET expire_at = UNIX_TIMESTAMP(DATE_ADD(CURTIME(4), INTERVAL ? MICROSECOND))*10000 WHERE lock_key = ? AND token = ? AND expire_at >= UNIX_TIMESTAMP(CURTIME(4))*10000;"
)

func mySQLMakeInterval(interval time.Duration) interface{} {
	return strconv.FormatInt(interval.Microseconds(), 10)
}

// SQLite keeps expire_at as microseconds since the Unix epoch.
const sqliteNowMicroseconds = "CAST((julianday('now') - 2440587.5) * 86400000000 AS INTEGER)"

//nolint:lll
const (
	sqliteCreateTableQuery = "CREATE TABLE IF NOT EXISTS `%s` (lock_key VARCHAR(40) PRIMARY KEY, token VARCHAR(36), expire_at BIGINT);"
	sqliteDropTableQuery   = "DROP TABLE IF EXISTS `%s`;"
	sqliteInitLockQuery    = "INSERT OR IGNORE INTO `%s` (lock_key) VALUES (?);"
	sqliteAcquireLockQuery = "UPDATE `%s` SET expire_at = NOW_US + ?, token = ? WHERE lock_key = ? AND ((expire_at IS NULL OR expire_at < NOW_US) OR token = ?);"
	sqliteReleaseLockQuery = "UPDATE `%s` SET expire_at = NULL WHERE lock_key = ? AND token = ? AND expire_at >= NOW_US;"
	sqliteExtendLockQuery  = "UPDATE `%s` SET expire_at = NOW_US + ? WHERE lock_key = ? AND token = ? AND expire_at >= NOW_US;"
)

func microsecondsInterval(interval time.Duration) interface{} {
	return interval.Microseconds()
}

//nolint:lll
const (
	msSQLCreateTableQuery = `IF OBJECT_ID(N'%[1]s', N'U') IS NULL CREATE TABLE "%[1]s" (lock_key VARCHAR(40) PRIMARY KEY, token VARCHAR(36), expire_at DATETIME2);`
	msSQLDropTableQuery   = `IF OBJECT_ID(N'%[1]s', N'U') IS NOT NULL DROP TABLE "%[1]s";`
	msSQLInitLockQuery    = `IF NOT EXISTS (SELECT 1 FROM "%[1]s" WHERE lock_key = @p1) INSERT INTO "%[1]s" (lock_key) VALUES (@p1);`
	msSQLAcquireLockQuery = `UPDATE "%s" SET expire_at = DATEADD(millisecond, CAST(@p1 AS INT), SYSUTCDATETIME()), token = @p2 WHERE lock_key = @p3 AND ((expire_at IS NULL OR expire_at < SYSUTCDATETIME()) OR token = @p4);`
	msSQLReleaseLockQuery = `UPDATE "%s" SET expire_at = NULL WHERE lock_key = @p1 AND token = @p2 AND expire_at >= SYSUTCDATETIME();`
	msSQLExtendLockQuery  = `UPDATE "%s" SET expire_at = DATEADD(millisecond, CAST(@p1 AS INT), SYSUTCDATETIME()) WHERE lock_key = @p2 AND token = @p3 AND expire_at >= SYSUTCDATETIME();`
)

func millisecondsInterval(interval time.Duration) interface{} {
	return interval.Milliseconds()
}

type disabledLogger struct{}

func (disabledLogger) Errorf(string, ...interface{}) {}
