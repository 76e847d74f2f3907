/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package mssql registers the github.com/microsoft/go-mssqldb database/sql drivers
// ("mssql" and "sqlserver") together with the classifier of their transient errors.
package mssql

import (
	"errors"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/acronis/go-dbpatch"
)

// ErrCode defines the type of MSSQL errors.
type ErrCode int32

// MSSQL error codes that patch runs care about.
const (
	ErrCodeDeadlock        ErrCode = 1205
	ErrCodeLockTimeout     ErrCode = 1222
	ErrCodeInvalidObject   ErrCode = 208
	ErrCodeUniqueViolation ErrCode = 2627
)

func init() {
	dbpatch.RegisterIsRetryableFunc(&mssql.Driver{}, IsRetryable)
}

// IsRetryable reports whether the transaction that failed with err may be re-run.
func IsRetryable(err error) bool {
	return CheckMSSQLError(err, ErrCodeDeadlock) || CheckMSSQLError(err, ErrCodeLockTimeout)
}

// CheckMSSQLError checks if the passed error relates to MSSQL and has the given code.
func CheckMSSQLError(err error, errCode ErrCode) bool {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return msErr.Number == int32(errCode)
	}
	return false
}
