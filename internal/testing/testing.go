/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package testing contains helpers that bootstrap databases for tests.
// Server databases run in Docker via testcontainers, SQLite uses a temporary file.
package testing

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	gotesting "testing"
	"time"

	_ "github.com/go-sql-driver/mysql" // register "mysql" driver
	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" driver
	_ "github.com/lib/pq"              // register "postgres" driver
	_ "github.com/mattn/go-sqlite3"    // register "sqlite3" driver
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mariadb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	mariadbImage  = "mariadb:11.4"

	testDatabase = "dbpatch_test"
	testUser     = "dbpatch"
	testPassword = "dbpatch"

	startupTimeout = 2 * time.Minute
)

// StopFunc terminates the container started by MustRunAndOpenTestDB.
type StopFunc func(ctx context.Context) error

// MustRunAndOpenTestDB starts a database container for the dialect ("postgres", "pgx" or "mysql")
// and opens a connection pool to it. It panics if the container cannot be started.
// Callers should skip the test beforehand with testcontainers.SkipIfProviderIsNotHealthy.
func MustRunAndOpenTestDB(ctx context.Context, dialect string) (*sql.DB, StopFunc) {
	dbConn, stop, err := runAndOpenTestDB(ctx, dialect)
	if err != nil {
		panic(err)
	}
	return dbConn, stop
}

func runAndOpenTestDB(ctx context.Context, dialect string) (*sql.DB, StopFunc, error) {
	var (
		container  testcontainers.Container
		driverName string
		dsn        string
		err        error
	)
	switch dialect {
	case "postgres", "pgx":
		var pgContainer *postgres.PostgresContainer
		pgContainer, err = postgres.Run(ctx, postgresImage,
			postgres.WithDatabase(testDatabase),
			postgres.WithUsername(testUser),
			postgres.WithPassword(testPassword),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(startupTimeout)),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("run postgres container: %w", err)
		}
		container = pgContainer
		driverName = dialect
		dsn, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	case "mysql":
		var mariadbContainer *mariadb.MariaDBContainer
		mariadbContainer, err = mariadb.Run(ctx, mariadbImage,
			mariadb.WithDatabase(testDatabase),
			mariadb.WithUsername(testUser),
			mariadb.WithPassword(testPassword),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("run mariadb container: %w", err)
		}
		container = mariadbContainer
		driverName = "mysql"
		dsn, err = mariadbContainer.ConnectionString(ctx, "multiStatements=true", "parseTime=true")
	default:
		return nil, nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	stop := func(ctx context.Context) error {
		return container.Terminate(ctx)
	}
	if err != nil {
		_ = stop(ctx)
		return nil, nil, fmt.Errorf("get connection string: %w", err)
	}

	dbConn, err := sql.Open(driverName, dsn)
	if err != nil {
		_ = stop(ctx)
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err = dbConn.PingContext(ctx); err != nil {
		_ = dbConn.Close()
		_ = stop(ctx)
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return dbConn, func(ctx context.Context) error {
		_ = dbConn.Close()
		return stop(ctx)
	}, nil
}

// OpenSQLiteTestDB opens a SQLite database stored in a temporary directory of the test.
// The pool is limited to a single connection so every query observes the same transaction state.
func OpenSQLiteTestDB(t gotesting.TB) *sql.DB {
	t.Helper()
	dbConn, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	dbConn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = dbConn.Close() })
	return dbConn
}
