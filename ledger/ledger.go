/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package ledger persists which patch versions were applied to a database.
//
// The ledger is a table (schema_patches by default) with one row per applied patch:
// version, name, checksum, applied_at (UTC) and applied_by. Rows are inserted by Record
// inside the transaction that applies the patch, so a patch and its ledger row commit together.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"     // register goqu dialect
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"  // register goqu dialect
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"   // register goqu dialect
	_ "github.com/doug-martin/goqu/v9/dialect/sqlserver" // register goqu dialect
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/acronis/go-dbpatch"
	"github.com/acronis/go-dbpatch/catalog"
)

// ErrUnavailable is returned when the ledger table cannot be created or read.
var ErrUnavailable = errors.New("ledger unavailable")

// ErrCorrupt is returned when the ledger table exists but does not have the expected layout.
var ErrCorrupt = errors.New("ledger corrupt")

// Entry is a record of a successfully applied patch. Entries are never updated.
type Entry struct {
	Version   int64
	Name      string
	Checksum  string
	AppliedAt time.Time
	AppliedBy string
}

// Execer executes a statement. Both *sql.DB and *sql.Tx implement it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Ledger reads and writes the table of applied patches.
type Ledger struct {
	db        *sql.DB
	dialect   dbpatch.Dialect
	qb        goqu.DialectWrapper
	tableName string
}

// Option is a functional option for Ledger.
type Option func(*Ledger)

// WithTableName sets a custom ledger table name. The name may be schema-qualified ("app.schema_patches").
func WithTableName(name string) Option {
	return func(l *Ledger) {
		if name != "" {
			l.tableName = name
		}
	}
}

// New creates a ledger for the database of the given dialect.
func New(db *sql.DB, dialect dbpatch.Dialect, opts ...Option) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	goquDialectName, err := goquDialect(dialect)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		db:        db,
		dialect:   dialect,
		qb:        goqu.Dialect(goquDialectName),
		tableName: DefaultTableName,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// TableName returns the name of the ledger table.
func (l *Ledger) TableName() string {
	return l.tableName
}

func (l *Ledger) table() exp.IdentifierExpression {
	schema, table := splitTableName(l.tableName)
	if schema == "" {
		return goqu.T(table)
	}
	return goqu.S(schema).Table(table)
}

// Ensure creates the ledger table if it does not exist and verifies that it has the expected columns.
func (l *Ledger) Ensure(ctx context.Context) error {
	createSQL, err := createTableSQL(l.dialect, l.tableName)
	if err != nil {
		return err
	}
	if _, err = l.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("%w: create table %s: %w", ErrUnavailable, l.tableName, err)
	}
	return l.validate(ctx)
}

// validate runs a query that selects every expected column and matches no rows.
func (l *Ledger) validate(ctx context.Context) error {
	query, args, err := l.qb.From(l.table()).
		Select(allColumns...).
		Where(goqu.L("1 = 0")).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build validation query: %w", err)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: table %s does not have the expected columns: %w", ErrCorrupt, l.tableName, err)
	}
	if err = rows.Close(); err != nil {
		return fmt.Errorf("%w: close validation rows: %w", ErrUnavailable, err)
	}
	return nil
}

// Exists reports whether the ledger table exists. It never modifies the database.
func (l *Ledger) Exists(ctx context.Context) (bool, error) {
	schema, table := splitTableName(l.tableName)

	var ds *goqu.SelectDataset
	switch l.dialect {
	case dbpatch.DialectSQLite:
		ds = l.qb.From("sqlite_master").Where(goqu.C("type").Eq("table"), goqu.C("name").Eq(table))
	default:
		schemaCond := goqu.C("table_schema").Eq(goqu.L(currentSchemaFunc(l.dialect)))
		if schema != "" {
			schemaCond = goqu.C("table_schema").Eq(schema)
		}
		ds = l.qb.From(goqu.S("information_schema").Table("tables")).
			Where(goqu.C("table_name").Eq(table), schemaCond)
	}
	query, args, err := ds.Select(goqu.COUNT(goqu.Star())).Prepared(true).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build exists query: %w", err)
	}

	var count int64
	if err = l.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("%w: check table %s: %w", ErrUnavailable, l.tableName, err)
	}
	return count > 0, nil
}

func currentSchemaFunc(dialect dbpatch.Dialect) string {
	switch dialect {
	case dbpatch.DialectMySQL:
		return "DATABASE()"
	case dbpatch.DialectMSSQL:
		return "SCHEMA_NAME()"
	default:
		return "current_schema()"
	}
}

// CurrentVersion returns the highest applied version. The second value is false when nothing was applied.
func (l *Ledger) CurrentVersion(ctx context.Context) (int64, bool, error) {
	query, args, err := l.qb.From(l.table()).
		Select(goqu.MAX(colVersion)).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, false, fmt.Errorf("build current version query: %w", err)
	}
	var version sql.NullInt64
	if err = l.db.QueryRowContext(ctx, query, args...).Scan(&version); err != nil {
		return 0, false, fmt.Errorf("%w: query current version: %w", ErrUnavailable, err)
	}
	return version.Int64, version.Valid, nil
}

// IsApplied reports whether the version is recorded in the ledger.
func (l *Ledger) IsApplied(ctx context.Context, version int64) (bool, error) {
	_, found, err := l.Entry(ctx, version)
	return found, err
}

// Entry returns the ledger entry of the version. The second value is false when the version is not recorded.
func (l *Ledger) Entry(ctx context.Context, version int64) (Entry, bool, error) {
	query, args, err := l.qb.From(l.table()).
		Select(allColumns...).
		Where(goqu.C(colVersion).Eq(version)).
		Prepared(true).ToSQL()
	if err != nil {
		return Entry{}, false, fmt.Errorf("build entry query: %w", err)
	}
	entry, err := scanEntry(l.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("%w: query entry %d: %w", ErrUnavailable, version, err)
	}
	return entry, true, nil
}

// Entries returns all ledger entries ordered by ascending version.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	query, args, err := l.qb.From(l.table()).
		Select(allColumns...).
		Order(goqu.C(colVersion).Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build entries query: %w", err)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query entries: %w", ErrUnavailable, err)
	}
	defer rows.Close() // nolint: errcheck

	var entries []Entry
	for rows.Next() {
		entry, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%w: scan entry: %w", ErrCorrupt, scanErr)
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entries: %w", ErrUnavailable, err)
	}
	return entries, nil
}

// Record inserts the ledger row of the patch using exec, which is normally the transaction
// that applied the patch. A second record of the same version fails on the primary key.
func (l *Ledger) Record(ctx context.Context, exec Execer, p catalog.Patch, appliedAt time.Time, appliedBy string) (Entry, error) {
	entry := Entry{
		Version:   p.Version,
		Name:      p.Name,
		Checksum:  p.Checksum,
		AppliedAt: appliedAt.UTC().Truncate(time.Microsecond),
		AppliedBy: appliedBy,
	}
	query, args, err := l.qb.Insert(l.table()).
		Rows(goqu.Record{
			colVersion:   entry.Version,
			colName:      entry.Name,
			colChecksum:  entry.Checksum,
			colAppliedAt: entry.AppliedAt,
			colAppliedBy: entry.AppliedBy,
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return Entry{}, fmt.Errorf("build insert query: %w", err)
	}
	if _, err = exec.ExecContext(ctx, query, args...); err != nil {
		return Entry{}, fmt.Errorf("insert ledger entry %d: %w", p.Version, err)
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	if err := row.Scan(&e.Version, &e.Name, &e.Checksum, &e.AppliedAt, &e.AppliedBy); err != nil {
		return Entry{}, err
	}
	e.AppliedAt = e.AppliedAt.UTC()
	return e, nil
}
