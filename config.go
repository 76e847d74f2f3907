/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package dbpatch

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/acronis/go-appkit/config"
	"gopkg.in/yaml.v3"
)

const cfgDefaultKeyPrefix = "db"

const (
	cfgKeyDialect         = "dialect"
	cfgKeyMaxIdleConns    = "maxIdleConns"
	cfgKeyMaxOpenConns    = "maxOpenConns"
	cfgKeyConnMaxLifetime = "connMaxLifeTime"

	cfgKeySQLitePath        = "sqlite3.path"
	cfgKeySQLiteBusyTimeout = "sqlite3.busyTimeout"

	cfgKeyPostgresSSLMode    = "postgres.sslMode"
	cfgKeyPostgresSearchPath = "postgres.searchPath"
)

// Sections of the connection descriptor for server-based dialects.
const (
	cfgSectionMySQL    = "mysql"
	cfgSectionPostgres = "postgres"
	cfgSectionMSSQL    = "mssql"
)

// Config is the connection descriptor of the database patches are applied to.
type Config struct {
	Dialect         Dialect             `mapstructure:"dialect" yaml:"dialect" json:"dialect"`
	MaxOpenConns    int                 `mapstructure:"maxOpenConns" yaml:"maxOpenConns" json:"maxOpenConns"`
	MaxIdleConns    int                 `mapstructure:"maxIdleConns" yaml:"maxIdleConns" json:"maxIdleConns"`
	ConnMaxLifetime config.TimeDuration `mapstructure:"connMaxLifeTime" yaml:"connMaxLifeTime" json:"connMaxLifeTime"`
	MySQL           MySQLConfig         `mapstructure:"mysql" yaml:"mysql" json:"mysql"`
	MSSQL           MSSQLConfig         `mapstructure:"mssql" yaml:"mssql" json:"mssql"`
	SQLite          SQLiteConfig        `mapstructure:"sqlite3" yaml:"sqlite3" json:"sqlite3"`
	Postgres        PostgresConfig      `mapstructure:"postgres" yaml:"postgres" json:"postgres"`

	keyPrefix         string
	supportedDialects []Dialect
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(supportedDialects []Dialect, options ...ConfigOption) *Config {
	opts := makeConfigOptions(options)
	return &Config{supportedDialects: supportedDialects, keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(supportedDialects []Dialect, options ...ConfigOption) *Config {
	opts := makeConfigOptions(options)
	return &Config{
		keyPrefix:         opts.keyPrefix,
		supportedDialects: supportedDialects,
		MaxOpenConns:      DefaultMaxOpenConns,
		MaxIdleConns:      DefaultMaxIdleConns,
		ConnMaxLifetime:   config.TimeDuration(DefaultConnMaxLifetime),
		MySQL:             MySQLConfig{TxIsolationLevel: IsolationLevel(MySQLDefaultTxLevel)},
		Postgres: PostgresConfig{
			ServerConfig: ServerConfig{TxIsolationLevel: IsolationLevel(PostgresDefaultTxLevel)},
			SSLMode:      PostgresDefaultSSLMode,
		},
		MSSQL: MSSQLConfig{ServerConfig: ServerConfig{TxIsolationLevel: IsolationLevel(MSSQLDefaultTxLevel)}},
	}
}

func makeConfigOptions(options []ConfigOption) configOptions {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return opts
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SupportedDialects returns the list of supported dialects.
func (c *Config) SupportedDialects() []Dialect {
	if len(c.supportedDialects) != 0 {
		return c.supportedDialects
	}
	return []Dialect{DialectSQLite, DialectMySQL, DialectPostgres, DialectPgx, DialectMSSQL}
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyMaxOpenConns, DefaultMaxOpenConns)
	dp.SetDefault(cfgKeyMaxIdleConns, DefaultMaxIdleConns)
	dp.SetDefault(cfgKeyConnMaxLifetime, DefaultConnMaxLifetime)
	dp.SetDefault(cfgSectionMySQL+".txLevel", MySQLDefaultTxLevel.String())
	dp.SetDefault(cfgSectionPostgres+".txLevel", PostgresDefaultTxLevel.String())
	dp.SetDefault(cfgKeyPostgresSSLMode, string(PostgresDefaultSSLMode))
	dp.SetDefault(cfgSectionMSSQL+".txLevel", MSSQLDefaultTxLevel.String())
	dp.SetDefault(cfgKeySQLiteBusyTimeout, time.Duration(0))
}

// ServerConfig holds the parameters shared by all server-based dialects.
type ServerConfig struct {
	Host             string         `mapstructure:"host" yaml:"host" json:"host"`
	Port             int            `mapstructure:"port" yaml:"port" json:"port"`
	User             string         `mapstructure:"user" yaml:"user" json:"user"`
	Password         string         `mapstructure:"password" yaml:"password" json:"password"`
	Database         string         `mapstructure:"database" yaml:"database" json:"database"`
	TxIsolationLevel IsolationLevel `mapstructure:"txLevel" yaml:"txLevel" json:"txLevel"`
}

// MySQLConfig represents a set of configuration parameters for working with MySQL.
type MySQLConfig ServerConfig

// MSSQLConfig represents a set of configuration parameters for working with MSSQL.
type MSSQLConfig struct {
	ServerConfig         `mapstructure:",squash" yaml:",inline" json:",inline"`
	AdditionalParameters map[string]string `mapstructure:"additionalParameters" yaml:"additionalParameters" json:"additionalParameters"`
}

// SQLiteConfig represents a set of configuration parameters for working with SQLite.
type SQLiteConfig struct {
	Path        string              `mapstructure:"path" yaml:"path" json:"path"`
	BusyTimeout config.TimeDuration `mapstructure:"busyTimeout" yaml:"busyTimeout" json:"busyTimeout"`
}

// PostgresConfig represents a set of configuration parameters for working with Postgres.
type PostgresConfig struct {
	ServerConfig         `mapstructure:",squash" yaml:",inline" json:",inline"`
	SSLMode              PostgresSSLMode   `mapstructure:"sslMode" yaml:"sslMode" json:"sslMode"`
	SearchPath           string            `mapstructure:"searchPath" yaml:"searchPath" json:"searchPath"`
	AdditionalParameters map[string]string `mapstructure:"additionalParameters" yaml:"additionalParameters" json:"additionalParameters"`
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	if err := c.setDialectSpecificConfig(dp); err != nil {
		return err
	}

	maxOpenConns, err := dp.GetInt(cfgKeyMaxOpenConns)
	if err != nil {
		return err
	}
	if maxOpenConns < 0 {
		return dp.WrapKeyErr(cfgKeyMaxOpenConns, fmt.Errorf("must be positive"))
	}
	maxIdleConns, err := dp.GetInt(cfgKeyMaxIdleConns)
	if err != nil {
		return err
	}
	if maxIdleConns < 0 {
		return dp.WrapKeyErr(cfgKeyMaxIdleConns, fmt.Errorf("must be positive"))
	}
	if maxIdleConns > 0 && maxOpenConns > 0 && maxIdleConns > maxOpenConns {
		return dp.WrapKeyErr(cfgKeyMaxIdleConns, fmt.Errorf("must be less than %s", cfgKeyMaxOpenConns))
	}
	c.MaxOpenConns = maxOpenConns
	c.MaxIdleConns = maxIdleConns

	connMaxLifeTime, err := dp.GetDuration(cfgKeyConnMaxLifetime)
	if err != nil {
		return err
	}
	c.ConnMaxLifetime = config.TimeDuration(connMaxLifeTime)

	return nil
}

// TxIsolationLevel returns transaction isolation level from parsed config for specified dialect.
func (c *Config) TxIsolationLevel() sql.IsolationLevel {
	switch c.Dialect {
	case DialectMySQL:
		return sql.IsolationLevel(c.MySQL.TxIsolationLevel)
	case DialectPostgres, DialectPgx:
		return sql.IsolationLevel(c.Postgres.TxIsolationLevel)
	case DialectMSSQL:
		return sql.IsolationLevel(c.MSSQL.TxIsolationLevel)
	}
	return sql.LevelDefault
}

// DriverNameAndDSN returns driver name and DSN for connecting.
// Driver name is empty for an unknown dialect.
func (c *Config) DriverNameAndDSN() (driverName, dsn string) {
	switch c.Dialect {
	case DialectMySQL:
		return "mysql", MakeMySQLDSN(&c.MySQL)
	case DialectSQLite:
		return "sqlite3", MakeSQLiteDSN(&c.SQLite)
	case DialectPostgres:
		return "postgres", MakePostgresDSN(&c.Postgres)
	case DialectPgx:
		return "pgx", MakePostgresDSN(&c.Postgres)
	case DialectMSSQL:
		// "sqlserver" driver name enables @pN placeholders which ledger queries are built with.
		return "sqlserver", MakeMSSQLDSN(&c.MSSQL)
	}
	return "", ""
}

func (c *Config) setDialectSpecificConfig(dp config.DataProvider) error {
	supported := make([]string, 0, len(c.SupportedDialects()))
	for _, dialect := range c.SupportedDialects() {
		supported = append(supported, string(dialect))
	}
	dialectStr, err := dp.GetStringFromSet(cfgKeyDialect, supported, false)
	if err != nil {
		return err
	}
	c.Dialect = Dialect(dialectStr)

	switch c.Dialect {
	case DialectMySQL:
		var srv ServerConfig
		if srv, err = getServerConfig(dp, cfgSectionMySQL); err != nil {
			return err
		}
		c.MySQL = MySQLConfig(srv)
	case DialectSQLite:
		return c.setSQLiteConfig(dp)
	case DialectPostgres, DialectPgx:
		return c.setPostgresConfig(dp)
	case DialectMSSQL:
		if c.MSSQL.ServerConfig, err = getServerConfig(dp, cfgSectionMSSQL); err != nil {
			return err
		}
		c.MSSQL.AdditionalParameters, err = getAdditionalParams(dp, cfgSectionMSSQL, c.MSSQL.AdditionalParameters)
		return err
	}
	return nil
}

func (c *Config) setPostgresConfig(dp config.DataProvider) error {
	var err error
	if c.Postgres.ServerConfig, err = getServerConfig(dp, cfgSectionPostgres); err != nil {
		return err
	}
	if c.Postgres.SearchPath, err = dp.GetString(cfgKeyPostgresSearchPath); err != nil {
		return err
	}
	if c.Postgres.AdditionalParameters, err = getAdditionalParams(dp, cfgSectionPostgres, c.Postgres.AdditionalParameters); err != nil {
		return err
	}
	// Patroni read-only replicas must not receive DDL, so pgx always asks for a read-write session
	// unless the parameter is set explicitly.
	if c.Dialect == DialectPgx {
		if _, ok := c.Postgres.AdditionalParameters[PgTargetSessionAttrs]; !ok {
			if c.Postgres.AdditionalParameters == nil {
				c.Postgres.AdditionalParameters = make(map[string]string)
			}
			c.Postgres.AdditionalParameters[PgTargetSessionAttrs] = PgReadWriteParam
		}
	}

	sslModes := []string{
		string(PostgresSSLModeDisable),
		string(PostgresSSLModeRequire),
		string(PostgresSSLModeVerifyCA),
		string(PostgresSSLModeVerifyFull),
	}
	sslMode, err := dp.GetStringFromSet(cfgKeyPostgresSSLMode, sslModes, false)
	if err != nil {
		return err
	}
	c.Postgres.SSLMode = PostgresSSLMode(sslMode)
	return nil
}

func (c *Config) setSQLiteConfig(dp config.DataProvider) error {
	var err error
	if c.SQLite.Path, err = dp.GetString(cfgKeySQLitePath); err != nil {
		return err
	}
	var busyTimeout time.Duration
	if busyTimeout, err = dp.GetDuration(cfgKeySQLiteBusyTimeout); err != nil {
		return err
	}
	if busyTimeout < 0 {
		return dp.WrapKeyErr(cfgKeySQLiteBusyTimeout, fmt.Errorf("must be positive"))
	}
	c.SQLite.BusyTimeout = config.TimeDuration(busyTimeout)
	return nil
}

func getServerConfig(dp config.DataProvider, section string) (ServerConfig, error) {
	var srv ServerConfig
	var err error
	if srv.Host, err = dp.GetString(section + ".host"); err != nil {
		return srv, err
	}
	if srv.Port, err = dp.GetInt(section + ".port"); err != nil {
		return srv, err
	}
	if srv.User, err = dp.GetString(section + ".user"); err != nil {
		return srv, err
	}
	if srv.Password, err = dp.GetString(section + ".password"); err != nil {
		return srv, err
	}
	if srv.Database, err = dp.GetString(section + ".database"); err != nil {
		return srv, err
	}
	txLevel, err := dp.GetString(section + ".txLevel")
	if err != nil {
		return srv, err
	}
	if srv.TxIsolationLevel, err = getTxIsolationLevelFromString(txLevel); err != nil {
		return srv, dp.WrapKeyErr(section+".txLevel", err)
	}
	return srv, nil
}

func getAdditionalParams(dp config.DataProvider, section string, current map[string]string) (map[string]string, error) {
	params, err := dp.GetStringMapString(section + ".additionalParameters")
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return current, nil
	}
	return params, nil
}

// IsolationLevel is a sql.IsolationLevel that is (un)marshaled by its human-readable name.
type IsolationLevel sql.IsolationLevel

// UnmarshalJSON allows decoding string representation of isolation level from JSON.
// Implements json.Unmarshaler interface.
func (il *IsolationLevel) UnmarshalJSON(data []byte) error {
	level, err := getTxIsolationLevelFromString(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*il = level
	return nil
}

// UnmarshalYAML allows decoding from YAML.
// Implements yaml.Unmarshaler interface.
func (il *IsolationLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid isolation level: %w", err)
	}
	level, err := getTxIsolationLevelFromString(s)
	if err != nil {
		return err
	}
	*il = level
	return nil
}

// UnmarshalText allows decoding from text.
// Implements encoding.TextUnmarshaler interface, which is used by mapstructure.TextUnmarshallerHookFunc.
func (il *IsolationLevel) UnmarshalText(text []byte) error {
	return il.UnmarshalJSON(text)
}

// String returns the human-readable string representation.
func (il IsolationLevel) String() string {
	return sql.IsolationLevel(il).String()
}

// MarshalJSON encodes as a human-readable string in JSON.
func (il IsolationLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(il.String())
}

// MarshalYAML encodes as a human-readable string in YAML.
func (il IsolationLevel) MarshalYAML() (interface{}, error) {
	return il.String(), nil
}

// MarshalText encodes as a human-readable string in text.
func (il *IsolationLevel) MarshalText() ([]byte, error) {
	return []byte(il.String()), nil
}

var availableTxIsolationLevels = func() map[string]IsolationLevel {
	levels := []sql.IsolationLevel{
		sql.LevelReadUncommitted,
		sql.LevelReadCommitted,
		sql.LevelRepeatableRead,
		sql.LevelSerializable,
	}
	m := make(map[string]IsolationLevel, len(levels))
	for _, level := range levels {
		m[level.String()] = IsolationLevel(level)
	}
	return m
}()

func getTxIsolationLevelFromString(s string) (IsolationLevel, error) {
	level, ok := availableTxIsolationLevels[s]
	if !ok {
		return IsolationLevel(sql.LevelDefault), fmt.Errorf("invalid isolation level: %s", s)
	}
	return level, nil
}
