/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package pgx registers the github.com/jackc/pgx/v5 database/sql driver ("pgx")
// together with the classifier of its transient errors.
// Import it for side effects when the pgx dialect is used:
//
//	import _ "github.com/acronis/go-dbpatch/pgx"
package pgx

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	pg "github.com/jackc/pgx/v5/stdlib"

	"github.com/acronis/go-dbpatch"
)

// ErrCode defines the type (SQLSTATE) of Postgres errors.
type ErrCode string

// Postgres error codes that patch runs care about.
const (
	ErrCodeUniqueViolation      ErrCode = "23505"
	ErrCodeUndefinedTable       ErrCode = "42P01"
	ErrCodeDeadlockDetected     ErrCode = "40P01"
	ErrCodeSerializationFailure ErrCode = "40001"
	ErrCodeLockNotAvailable     ErrCode = "55P03"
)

func init() {
	dbpatch.RegisterIsRetryableFunc(&pg.Driver{}, IsRetryable)
}

// IsRetryable reports whether the transaction that failed with err may be re-run.
func IsRetryable(err error) bool {
	return CheckPostgresError(err, ErrCodeDeadlockDetected) ||
		CheckPostgresError(err, ErrCodeSerializationFailure)
}

// CheckPostgresError checks if the passed error relates to Postgres and has the given code.
func CheckPostgresError(err error, errCode ErrCode) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == string(errCode)
	}
	return false
}
