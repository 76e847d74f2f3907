/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package postgres registers the github.com/lib/pq database/sql driver ("postgres")
// together with the classifier of its transient errors.
package postgres

import (
	"errors"

	"github.com/lib/pq"

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
)

func init() {
	dbpatch.RegisterIsRetryableFunc(&pq.Driver{}, IsRetryable)
}

// IsRetryable reports whether the transaction that failed with err may be re-run.
func IsRetryable(err error) bool {
	return CheckPostgresError(err, ErrCodeDeadlockDetected) ||
		CheckPostgresError(err, ErrCodeSerializationFailure)
}

// CheckPostgresError checks if the passed error relates to Postgres and has the given code.
func CheckPostgresError(err error, errCode ErrCode) bool {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgErr.Code == pq.ErrorCode(errCode)
	}
	return false
}
