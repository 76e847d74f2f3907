/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package dbpatch

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MakeMSSQLDSN makes DSN for opening MSSQL database.
func MakeMSSQLDSN(cfg *MSSQLConfig) string {
	const dbKey = "database"
	query := url.Values{}
	query.Add(dbKey, cfg.Database)

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		RawQuery: query.Encode(),
	}
	return withAdditionalParameters(u, cfg.AdditionalParameters, map[string]struct{}{dbKey: {}})
}

// MakeMySQLDSN makes DSN for opening MySQL database.
// Multi-statements are enabled so a patch may be sent to the server as a single script.
// Autocommit stays on: non-transactional patches and lease updates are executed outside of a transaction.
func MakeMySQLDSN(cfg *MySQLConfig) string {
	c := mysql.NewConfig()
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.DBName = cfg.Database
	c.ParseTime = true
	c.MultiStatements = true
	c.Params = map[string]string{"autocommit": "true"}
	return c.FormatDSN()
}

// MakePostgresDSN makes DSN for opening Postgres database.
func MakePostgresDSN(cfg *PostgresConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = PostgresDefaultSSLMode
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     cfg.Database,
		RawQuery: "sslmode=" + url.QueryEscape(string(sslMode)),
	}
	ignore := map[string]struct{}{"sslmode": {}}
	if cfg.SearchPath != "" {
		u.RawQuery += "&search_path=" + url.QueryEscape(cfg.SearchPath)
		ignore["search_path"] = struct{}{}
	}
	return withAdditionalParameters(u, cfg.AdditionalParameters, ignore)
}

// MakeSQLiteDSN makes DSN for opening SQLite database (github.com/mattn/go-sqlite3 format).
func MakeSQLiteDSN(cfg *SQLiteConfig) string {
	busyTimeout := time.Duration(cfg.BusyTimeout)
	if busyTimeout <= 0 {
		return cfg.Path
	}
	sep := "?"
	if strings.Contains(cfg.Path, "?") {
		sep = "&"
	}
	return cfg.Path + sep + "_busy_timeout=" + strconv.FormatInt(busyTimeout.Milliseconds(), 10)
}

func withAdditionalParameters(u url.URL, params map[string]string, keysToIgnore map[string]struct{}) string {
	if len(params) == 0 {
		return u.String()
	}
	queryParts := make([]string, 0, len(params))
	for k, v := range params {
		if _, ok := keysToIgnore[k]; ok {
			continue
		}
		queryParts = append(queryParts, k+"="+url.QueryEscape(v))
	}
	sort.Strings(queryParts) // deterministic DSN
	if len(queryParts) != 0 {
		u.RawQuery += "&" + strings.Join(queryParts, "&")
	}
	return u.String()
}
