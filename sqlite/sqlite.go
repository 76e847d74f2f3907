/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package sqlite registers the github.com/mattn/go-sqlite3 database/sql driver ("sqlite3")
// together with the classifier of its transient errors.
package sqlite

import (
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/acronis/go-dbpatch"
)

func init() {
	dbpatch.RegisterIsRetryableFunc(&sqlite3.SQLiteDriver{}, IsRetryable)
}

// IsRetryable reports whether the transaction that failed with err may be re-run.
// SQLITE_BUSY and SQLITE_LOCKED are returned when another connection holds the database lock.
func IsRetryable(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
