/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package ledger

import (
	"fmt"
	"strings"

	"github.com/acronis/go-dbpatch"
	"github.com/acronis/go-dbpatch/catalog"
)

// DefaultTableName is the default name of the table that tracks applied patches.
const DefaultTableName = "schema_patches"

const (
	colVersion   = "version"
	colName      = "name"
	colChecksum  = "checksum"
	colAppliedAt = "applied_at"
	colAppliedBy = "applied_by"
)

var allColumns = []interface{}{colVersion, colName, colChecksum, colAppliedAt, colAppliedBy}

// goquDialect maps a dialect to the name of the goqu dialect that renders its queries.
func goquDialect(dialect dbpatch.Dialect) (string, error) {
	switch dialect {
	case dbpatch.DialectMySQL:
		return "mysql", nil
	case dbpatch.DialectPostgres, dbpatch.DialectPgx:
		return "postgres", nil
	case dbpatch.DialectSQLite:
		return "sqlite3", nil
	case dbpatch.DialectMSSQL:
		return "sqlserver", nil
	default:
		return "", fmt.Errorf("unsupported dialect: %s", dialect)
	}
}

// quoteIdent quotes a possibly schema-qualified identifier the same way goqu does for the dialect.
func quoteIdent(dialect dbpatch.Dialect, ident string) string {
	quote := `"`
	if dialect == dbpatch.DialectMySQL || dialect == dbpatch.DialectSQLite {
		quote = "`"
	}
	parts := strings.Split(ident, ".")
	for i, part := range parts {
		parts[i] = quote + strings.ReplaceAll(part, quote, quote+quote) + quote
	}
	return strings.Join(parts, ".")
}

// splitTableName splits "schema.table" into its parts. Schema is empty for unqualified names.
func splitTableName(tableName string) (schema, table string) {
	if idx := strings.LastIndexByte(tableName, '.'); idx >= 0 {
		return tableName[:idx], tableName[idx+1:]
	}
	return "", tableName
}

// createTableSQL returns the dialect-specific DDL for the ledger table.
func createTableSQL(dialect dbpatch.Dialect, tableName string) (string, error) {
	table := quoteIdent(dialect, tableName)
	switch dialect {
	case dbpatch.DialectMySQL:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			version BIGINT NOT NULL PRIMARY KEY,
			name VARCHAR(%[2]d) NOT NULL,
			checksum VARCHAR(64) NOT NULL,
			applied_at DATETIME(6) NOT NULL,
			applied_by VARCHAR(255) NOT NULL
		)`, table, catalog.MaxNameLength), nil

	case dbpatch.DialectPostgres, dbpatch.DialectPgx:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			version BIGINT NOT NULL PRIMARY KEY,
			name VARCHAR(%[2]d) NOT NULL,
			checksum VARCHAR(64) NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			applied_by VARCHAR(255) NOT NULL
		)`, table, catalog.MaxNameLength), nil

	case dbpatch.DialectSQLite:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			version BIGINT NOT NULL PRIMARY KEY,
			name VARCHAR(%[2]d) NOT NULL,
			checksum VARCHAR(64) NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			applied_by VARCHAR(255) NOT NULL
		)`, table, catalog.MaxNameLength), nil

	case dbpatch.DialectMSSQL:
		// MSSQL doesn't support CREATE TABLE IF NOT EXISTS.
		return fmt.Sprintf(`IF OBJECT_ID(N'%[1]s', N'U') IS NULL
			CREATE TABLE %[2]s (
				version BIGINT NOT NULL PRIMARY KEY,
				name NVARCHAR(%[3]d) NOT NULL,
				checksum VARCHAR(64) NOT NULL,
				applied_at DATETIME2 NOT NULL,
				applied_by NVARCHAR(255) NOT NULL
			)`, strings.ReplaceAll(tableName, "'", "''"), table, catalog.MaxNameLength), nil

	default:
		return "", fmt.Errorf("unsupported dialect: %s", dialect)
	}
}
