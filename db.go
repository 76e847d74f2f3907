/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package dbpatch provides the connection layer for applying versioned SQL patches:
// dialects, connection configuration, DSN building, transaction helpers and metrics.
//
// The patch pipeline itself lives in sub-packages:
//   - catalog scans a directory of patch files,
//   - ledger persists which patch versions were applied,
//   - applier applies a single patch atomically,
//   - distrlock provides the lease that serializes concurrent runs,
//   - runner composes them into a single run.
package dbpatch

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/acronis/go-appkit/retry"
)

// Dialect defines possible values for supported SQL dialects.
type Dialect string

// Supported SQL dialects.
const (
	DialectSQLite   Dialect = "sqlite3"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectPgx      Dialect = "pgx"
	DialectMSSQL    Dialect = "mssql"
)

// Default values of connection parameters.
const (
	DefaultMaxIdleConns    = 2
	DefaultMaxOpenConns    = 10
	DefaultConnMaxLifetime = 10 * time.Minute
)

// Default transaction isolation levels.
const (
	MySQLDefaultTxLevel    = sql.LevelReadCommitted
	PostgresDefaultTxLevel = sql.LevelReadCommitted
	MSSQLDefaultTxLevel    = sql.LevelReadCommitted
)

// PostgresSSLMode defines possible values for Postgres sslmode connection parameter.
type PostgresSSLMode string

// Postgres SSL modes.
const (
	PostgresSSLModeDisable    PostgresSSLMode = "disable"
	PostgresSSLModeRequire    PostgresSSLMode = "require"
	PostgresSSLModeVerifyCA   PostgresSSLMode = "verify-ca"
	PostgresSSLModeVerifyFull PostgresSSLMode = "verify-full"
)

// PostgresDefaultSSLMode is used when sslMode is not configured.
const PostgresDefaultSSLMode = PostgresSSLModeVerifyCA

// Patroni-aware connection parameter that is forced for the pgx driver.
const (
	PgTargetSessionAttrs = "target_session_attrs"
	PgReadWriteParam     = "read-write"
)

// Open opens a new database connection pool for the given config.
// If ping is true, the connection is verified before returning.
func Open(cfg *Config, ping bool) (*sql.DB, error) {
	driverName, dsn := cfg.DriverNameAndDSN()
	if driverName == "" {
		return nil, fmt.Errorf("unsupported dialect %q", cfg.Dialect)
	}
	dbConn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime))

	if ping {
		if err = dbConn.Ping(); err != nil {
			_ = dbConn.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
	}
	return dbConn, nil
}

// RetryableFunc reports whether the error is transient and the operation may be retried.
type RetryableFunc func(err error) bool

var retryableFuncs = struct {
	sync.RWMutex
	byDriver map[reflect.Type][]RetryableFunc
}{byDriver: make(map[reflect.Type][]RetryableFunc)}

// RegisterIsRetryableFunc registers a function that classifies transient errors for the driver.
// Driver packages (mysql, pgx, postgres, mssql, sqlite) call it from their init functions.
func RegisterIsRetryableFunc(d driver.Driver, fn RetryableFunc) {
	retryableFuncs.Lock()
	defer retryableFuncs.Unlock()
	t := reflect.TypeOf(d)
	retryableFuncs.byDriver[t] = append(retryableFuncs.byDriver[t], fn)
}

// UnregisterAllIsRetryableFuncs removes all classifiers registered for the driver.
func UnregisterAllIsRetryableFuncs(d driver.Driver) {
	retryableFuncs.Lock()
	defer retryableFuncs.Unlock()
	delete(retryableFuncs.byDriver, reflect.TypeOf(d))
}

// GetIsRetryable returns a classifier combining every function registered for the driver,
// or nil if none is registered.
func GetIsRetryable(d driver.Driver) RetryableFunc {
	retryableFuncs.RLock()
	fns := append([]RetryableFunc(nil), retryableFuncs.byDriver[reflect.TypeOf(d)]...)
	retryableFuncs.RUnlock()
	if len(fns) == 0 {
		return nil
	}
	return func(err error) bool {
		for _, fn := range fns {
			if fn(err) {
				return true
			}
		}
		return false
	}
}

// TxOption is a functional option for DoInTx.
type TxOption func(*txOptions)

type txOptions struct {
	txOpts      *sql.TxOptions
	retryPolicy retry.Policy
}

// WithTxOptions sets options (isolation level, read-only) for the transaction.
func WithTxOptions(opts *sql.TxOptions) TxOption {
	return func(o *txOptions) {
		o.txOpts = opts
	}
}

// WithRetryPolicy makes DoInTx re-run the whole transaction when it fails with an error
// that the registered driver classifier considers transient.
func WithRetryPolicy(policy retry.Policy) TxOption {
	return func(o *txOptions) {
		o.retryPolicy = policy
	}
}

// DoInTx begins a transaction, calls fn and commits if fn returns nil.
// The transaction is rolled back on any other exit path, including a panic in fn
// (the panic is re-raised after the rollback).
func DoInTx(ctx context.Context, dbConn *sql.DB, fn func(tx *sql.Tx) error, options ...TxOption) error {
	var opts txOptions
	for _, opt := range options {
		opt(&opts)
	}
	if opts.retryPolicy == nil {
		return doInTx(ctx, dbConn, opts.txOpts, fn)
	}
	isRetryable := GetIsRetryable(dbConn.Driver())
	if isRetryable == nil {
		return doInTx(ctx, dbConn, opts.txOpts, fn)
	}
	return retry.DoWithRetry(ctx, opts.retryPolicy, func(err error) bool { return isRetryable(err) }, nil,
		func(ctx context.Context) error {
			return doInTx(ctx, dbConn, opts.txOpts, fn)
		})
}

func doInTx(ctx context.Context, dbConn *sql.DB, txOpts *sql.TxOptions, fn func(tx *sql.Tx) error) (err error) {
	tx, err := dbConn.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
