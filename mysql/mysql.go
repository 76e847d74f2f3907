/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package mysql registers the github.com/go-sql-driver/mysql database/sql driver
// together with the classifier of its transient errors.
//
// Note that MySQL commits DDL statements implicitly, so a patch containing DDL
// cannot be rolled back as a whole on this dialect.
package mysql

import (
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/acronis/go-dbpatch"
)

// ErrCode defines the type of MySQL errors.
type ErrCode uint16

// MySQL error codes that patch runs care about.
const (
	ErrCodeDupEntry         ErrCode = 1062
	ErrCodeNoSuchTable      ErrCode = 1146
	ErrCodeDeadlock         ErrCode = 1213
	ErrCodeLockWaitTimeout  ErrCode = 1205
	ErrCodeTableExistsError ErrCode = 1050
)

func init() {
	dbpatch.RegisterIsRetryableFunc(&mysql.MySQLDriver{}, IsRetryable)
}

// IsRetryable reports whether the transaction that failed with err may be re-run.
func IsRetryable(err error) bool {
	return CheckMySQLError(err, ErrCodeDeadlock) || CheckMySQLError(err, ErrCodeLockWaitTimeout)
}

// CheckMySQLError checks if the passed error relates to MySQL and has the given code.
func CheckMySQLError(err error, errCode ErrCode) bool {
	var mySQLErr *mysql.MySQLError
	if errors.As(err, &mySQLErr) {
		return mySQLErr.Number == uint16(errCode)
	}
	return false
}
