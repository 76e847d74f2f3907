/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package runner

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"

	"github.com/acronis/go-dbpatch/distrlock"
	"github.com/acronis/go-dbpatch/ledger"
)

const cfgDefaultKeyPrefix = "patches"

const (
	cfgKeyDirectory      = "directory"
	cfgKeyHaltOnFailure  = "haltOnFailure"
	cfgKeyDryRun         = "dryRun"
	cfgKeyDriftPolicy    = "driftPolicy"
	cfgKeySkipOutOfOrder = "skipOutOfOrder"
	cfgKeyTableName      = "tableName"
	cfgKeyLockEnabled    = "lock.enabled"
	cfgKeyLockKey        = "lock.key"
	cfgKeyLockTTL        = "lock.ttl"
	cfgKeyLockWait       = "lock.wait"
	cfgKeyLockTableName  = "lock.tableName"
)

// Default values of the run configuration.
const (
	DefaultLockKey  = "dbpatch"
	DefaultLockTTL  = time.Minute
	DefaultLockWait = time.Minute
)

// DriftPolicy defines what happens when an applied patch file was edited after it was applied.
type DriftPolicy string

// Drift policies.
const (
	// DriftPolicyWarn logs a warning and treats the patch as skipped.
	DriftPolicyWarn DriftPolicy = "warn"
	// DriftPolicyFail reports the patch as failed and halts the run before anything is applied.
	DriftPolicyFail DriftPolicy = "fail"
)

// DefaultDriftPolicy is used when driftPolicy is not configured.
const DefaultDriftPolicy = DriftPolicyFail

// LockConfig configures the lease that serializes concurrent runs against the same database.
type LockConfig struct {
	Enabled   bool                `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Key       string              `mapstructure:"key" yaml:"key" json:"key"`
	TTL       config.TimeDuration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	Wait      config.TimeDuration `mapstructure:"wait" yaml:"wait" json:"wait"`
	TableName string              `mapstructure:"tableName" yaml:"tableName" json:"tableName"`
}

// Config is the configuration of a patch run.
type Config struct {
	// Directory is the directory with patch files.
	Directory string `mapstructure:"directory" yaml:"directory" json:"directory"`

	// HaltOnFailure stops the run at the first failed patch. When disabled, later patches are still
	// attempted, so a higher version may be applied while a lower one is missing.
	HaltOnFailure bool `mapstructure:"haltOnFailure" yaml:"haltOnFailure" json:"haltOnFailure"`

	// DryRun reports pending patches without applying them and without creating the ledger table.
	DryRun bool `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`

	DriftPolicy DriftPolicy `mapstructure:"driftPolicy" yaml:"driftPolicy" json:"driftPolicy"`

	// SkipOutOfOrder reports unapplied patches with a version below the current database version
	// as skipped. By default they fail the run before anything is applied.
	SkipOutOfOrder bool `mapstructure:"skipOutOfOrder" yaml:"skipOutOfOrder" json:"skipOutOfOrder"`

	// TableName is the name of the ledger table.
	TableName string `mapstructure:"tableName" yaml:"tableName" json:"tableName"`

	Lock LockConfig `mapstructure:"lock" yaml:"lock" json:"lock"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	c := NewConfig(options...)
	c.HaltOnFailure = true
	c.DriftPolicy = DefaultDriftPolicy
	c.TableName = ledger.DefaultTableName
	c.Lock = LockConfig{
		Enabled:   true,
		Key:       DefaultLockKey,
		TTL:       config.TimeDuration(DefaultLockTTL),
		Wait:      config.TimeDuration(DefaultLockWait),
		TableName: distrlock.DefaultTableName,
	}
	return c
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyHaltOnFailure, true)
	dp.SetDefault(cfgKeyDryRun, false)
	dp.SetDefault(cfgKeyDriftPolicy, string(DefaultDriftPolicy))
	dp.SetDefault(cfgKeySkipOutOfOrder, false)
	dp.SetDefault(cfgKeyTableName, ledger.DefaultTableName)
	dp.SetDefault(cfgKeyLockEnabled, true)
	dp.SetDefault(cfgKeyLockKey, DefaultLockKey)
	dp.SetDefault(cfgKeyLockTTL, DefaultLockTTL)
	dp.SetDefault(cfgKeyLockWait, DefaultLockWait)
	dp.SetDefault(cfgKeyLockTableName, distrlock.DefaultTableName)
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Directory, err = dp.GetString(cfgKeyDirectory); err != nil {
		return err
	}
	if c.HaltOnFailure, err = dp.GetBool(cfgKeyHaltOnFailure); err != nil {
		return err
	}
	if c.DryRun, err = dp.GetBool(cfgKeyDryRun); err != nil {
		return err
	}
	driftPolicy, err := dp.GetStringFromSet(cfgKeyDriftPolicy,
		[]string{string(DriftPolicyWarn), string(DriftPolicyFail)}, false)
	if err != nil {
		return err
	}
	c.DriftPolicy = DriftPolicy(driftPolicy)
	if c.SkipOutOfOrder, err = dp.GetBool(cfgKeySkipOutOfOrder); err != nil {
		return err
	}
	if c.TableName, err = dp.GetString(cfgKeyTableName); err != nil {
		return err
	}
	if c.TableName == "" {
		return dp.WrapKeyErr(cfgKeyTableName, fmt.Errorf("must not be empty"))
	}
	return c.setLockConfig(dp)
}

func (c *Config) setLockConfig(dp config.DataProvider) error {
	var err error
	if c.Lock.Enabled, err = dp.GetBool(cfgKeyLockEnabled); err != nil {
		return err
	}
	if c.Lock.Key, err = dp.GetString(cfgKeyLockKey); err != nil {
		return err
	}
	if c.Lock.Key == "" || len(c.Lock.Key) > distrlock.MaxKeyLength {
		return dp.WrapKeyErr(cfgKeyLockKey, fmt.Errorf("must be from 1 to %d characters long", distrlock.MaxKeyLength))
	}

	ttl, err := dp.GetDuration(cfgKeyLockTTL)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return dp.WrapKeyErr(cfgKeyLockTTL, fmt.Errorf("must be positive"))
	}
	c.Lock.TTL = config.TimeDuration(ttl)

	wait, err := dp.GetDuration(cfgKeyLockWait)
	if err != nil {
		return err
	}
	if wait < 0 {
		return dp.WrapKeyErr(cfgKeyLockWait, fmt.Errorf("must not be negative"))
	}
	c.Lock.Wait = config.TimeDuration(wait)

	if c.Lock.TableName, err = dp.GetString(cfgKeyLockTableName); err != nil {
		return err
	}
	return nil
}
