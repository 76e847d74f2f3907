/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package mysql

import (
	"database/sql/driver"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-dbpatch"
)

func TestMySQLIsRetryable(t *testing.T) {
	isRetryable := dbpatch.GetIsRetryable(&mysql.MySQLDriver{})
	require.NotNil(t, isRetryable)
	require.True(t, isRetryable(&mysql.MySQLError{Number: uint16(ErrCodeDeadlock)}))
	require.True(t, isRetryable(fmt.Errorf("wrapped: %w", &mysql.MySQLError{Number: uint16(ErrCodeLockWaitTimeout)})))
	require.False(t, isRetryable(&mysql.MySQLError{Number: uint16(ErrCodeNoSuchTable)}))
	require.False(t, isRetryable(driver.ErrBadConn))
}

func TestCheckMySQLError(t *testing.T) {
	err := fmt.Errorf("execute statement 2: %w", &mysql.MySQLError{Number: 1050, Message: "Table 'users' already exists"})
	require.True(t, CheckMySQLError(err, ErrCodeTableExistsError))
	require.False(t, CheckMySQLError(err, ErrCodeDupEntry))
}
